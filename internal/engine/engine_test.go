package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"diveops/internal/compliance"
	"diveops/internal/config"
	"diveops/internal/domain"
	"diveops/internal/engine"
	"diveops/internal/events"
	"diveops/internal/repo"
	"diveops/internal/testutil"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn := testutil.OpenDB(t)
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateCompany(ctx, domain.Company{ID: "op-co", Name: "Salmones Norte", Type: domain.CompanyOperator}, "tester"); err != nil {
		t.Fatalf("create operator: %v", err)
	}
	if _, err := eng.SetModule(ctx, "op-co", domain.ModulePlanningOperations, true, "tester"); err != nil {
		t.Fatalf("enable planning: %v", err)
	}
	if _, err := eng.CreateCompany(ctx, domain.Company{ID: "ct-co", Name: "Buceo Sur", Type: domain.CompanyContractor}, "tester"); err != nil {
		t.Fatalf("create contractor: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// readyOperation creates an operation for companyID with both documents signed.
func readyOperation(t *testing.T, env testEnv, id, companyID string) {
	t.Helper()
	if _, err := env.Engine.CreateOperation(env.Ctx, domain.Operation{ID: id, CompanyID: companyID, Codigo: id}, "tester"); err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if _, err := env.Engine.RecordDocument(env.Ctx, engine.DocumentOptions{ID: id + "-hpt", Kind: domain.DocumentHPT, OperationID: id, State: domain.DocumentSigned}); err != nil {
		t.Fatalf("record hpt: %v", err)
	}
	if _, err := env.Engine.RecordDocument(env.Ctx, engine.DocumentOptions{ID: id + "-ab", Kind: domain.DocumentAnexoBravo, OperationID: id, State: domain.DocumentSigned, ChecklistComplete: true}); err != nil {
		t.Fatalf("record anexo bravo: %v", err)
	}
}

func endTime() time.Time {
	return time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
}

func TestCreateCompanyRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCompany(env.Ctx, domain.Company{Name: "x", Type: "broker"}, "tester")
	var inputErr engine.InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestContextForCompany(t *testing.T) {
	env := newTestEnv(t)
	ctx, err := env.Engine.ContextForCompany(env.Ctx, "op-co")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if ctx.ContextType != domain.ContextPlanned || ctx.AllowsDirectOperations {
		t.Fatalf("operator with planning should be planned, got %+v", ctx)
	}
	if _, err := env.Engine.SetModule(env.Ctx, "op-co", domain.ModulePlanningOperations, false, "tester"); err != nil {
		t.Fatalf("disable planning: %v", err)
	}
	ctx, err = env.Engine.ContextForCompany(env.Ctx, "op-co")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if ctx.ContextType != domain.ContextDirect {
		t.Fatalf("expected direct after disabling planning, got %s", ctx.ContextType)
	}
}

func TestPlannedCompanyNeedsOperation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		Codigo: "IM-1", CompanyID: "op-co", EstimatedEndTime: endTime(), SupervisorID: "sup-1",
	})
	var inputErr engine.InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected input error, got %v", err)
	}

	// a direct company may dive without a plan
	if _, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		Codigo: "IM-2", CompanyID: "ct-co", EstimatedEndTime: endTime(), SupervisorID: "sup-1",
	}); err != nil {
		t.Fatalf("direct immersion: %v", err)
	}
}

func TestImmersionBlockedByCompliance(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateOperation(env.Ctx, domain.Operation{ID: "OP-1", CompanyID: "op-co", Codigo: "OP-1"}, "tester"); err != nil {
		t.Fatalf("create operation: %v", err)
	}
	if _, err := env.Engine.RecordDocument(env.Ctx, engine.DocumentOptions{ID: "hpt-1", Kind: domain.DocumentHPT, OperationID: "OP-1", State: domain.DocumentPendingSignature}); err != nil {
		t.Fatalf("record hpt: %v", err)
	}
	_, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		Codigo: "IM-1", OperacionID: "OP-1", EstimatedEndTime: endTime(), SupervisorID: "sup-1",
	})
	var compErr compliance.Error
	if !errors.As(err, &compErr) {
		t.Fatalf("expected compliance error, got %v", err)
	}
	if compErr.Result.HPTStatus != domain.DocumentStatusPending || compErr.Result.AnexoBravoStatus != domain.DocumentStatusMissing {
		t.Fatalf("unexpected statuses: %+v", compErr.Result)
	}

	if _, err := env.Engine.SignDocument(env.Ctx, domain.DocumentHPT, "hpt-1", "tester"); err != nil {
		t.Fatalf("sign hpt: %v", err)
	}
	if _, err := env.Engine.RecordDocument(env.Ctx, engine.DocumentOptions{ID: "ab-1", Kind: domain.DocumentAnexoBravo, OperationID: "OP-1", State: domain.DocumentSigned}); err != nil {
		t.Fatalf("record anexo bravo: %v", err)
	}
	// a signed Anexo Bravo with an open checklist only warns
	if res := env.Engine.Validate(env.Ctx, "OP-1"); !res.IsValid || len(res.Warnings) != 1 {
		t.Fatalf("expected valid result with one warning: %+v", res)
	}
	if err := env.Engine.SetChecklistComplete(env.Ctx, "ab-1", true); err != nil {
		t.Fatalf("checklist: %v", err)
	}
	if res := env.Engine.Validate(env.Ctx, "OP-1"); len(res.Warnings) != 0 {
		t.Fatalf("warning should clear once the checklist is complete: %+v", res.Warnings)
	}
	im, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		Codigo: "IM-1", OperacionID: "OP-1", EstimatedEndTime: endTime(), SupervisorID: "sup-1",
	})
	if err != nil {
		t.Fatalf("create immersion: %v", err)
	}
	if im.CompanyID != "op-co" || im.Estado != domain.ImmersionPlanned {
		t.Fatalf("unexpected immersion: %+v", im)
	}
}

func TestSignTwiceConflicts(t *testing.T) {
	env := newTestEnv(t)
	readyOperation(t, env, "OP-1", "op-co")
	_, err := env.Engine.SignDocument(env.Ctx, domain.DocumentHPT, "OP-1-hpt", "tester")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestImmersionTransitions(t *testing.T) {
	env := newTestEnv(t)
	readyOperation(t, env, "OP-1", "op-co")
	im, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		ID: "im-1", Codigo: "IM-1", OperacionID: "OP-1", EstimatedEndTime: endTime(), SupervisorID: "sup-1", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !im.NotificationStatus.SupervisorNotified {
		t.Fatalf("supervisor should be notified on creation")
	}

	// planned cannot jump straight to completed
	_, err = env.Engine.CompleteImmersion(env.Ctx, im.ID, "tester")
	var trErr engine.TransitionError
	if !errors.As(err, &trErr) || trErr.From != domain.ImmersionPlanned {
		t.Fatalf("expected transition error, got %v", err)
	}

	im, err = env.Engine.StartImmersion(env.Ctx, im.ID, "tester")
	if err != nil || im.Estado != domain.ImmersionInProgress {
		t.Fatalf("start: %v", err)
	}
	im, err = env.Engine.CompleteImmersion(env.Ctx, im.ID, "tester")
	if err != nil || im.Estado != domain.ImmersionCompleted {
		t.Fatalf("complete: %v", err)
	}
	if im.ActualEndTime == nil || *im.ActualEndTime != "2024-01-01T00:00:00Z" {
		t.Fatalf("actual end time not set: %+v", im.ActualEndTime)
	}
	if im.NotificationStatus.AutoCompleted {
		t.Fatalf("manual completion must not be flagged auto")
	}
	if _, err := env.Engine.CancelImmersion(env.Ctx, im.ID, "weather", "tester"); !errors.As(err, &trErr) {
		t.Fatalf("cancel after completion should fail, got %v", err)
	}

	notes, err := env.Engine.Notifications(env.Ctx, "sup-1", false, 0)
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected assignment and log reminder, got %d", len(notes))
	}
}

func TestCancelPlannedImmersion(t *testing.T) {
	env := newTestEnv(t)
	im, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		Codigo: "IM-1", CompanyID: "ct-co", EstimatedEndTime: endTime(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	im, err = env.Engine.CancelImmersion(env.Ctx, im.ID, "weather", "tester")
	if err != nil || im.Estado != domain.ImmersionCanceled {
		t.Fatalf("cancel: %v", err)
	}
	err = env.Engine.AssignTeamMember(env.Ctx, im.ID, domain.TeamMember{UserID: "d-1", Role: domain.RoleBuzoPrincipal})
	var stErr engine.StateError
	if !errors.As(err, &stErr) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestTeamValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		Codigo: "IM-1", CompanyID: "ct-co", EstimatedEndTime: endTime(),
		Team: []domain.TeamMember{{UserID: "d-1", Role: "snorkeler"}},
	})
	var inputErr engine.InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected input error for bad role, got %v", err)
	}

	im, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		Codigo: "IM-2", CompanyID: "ct-co", EstimatedEndTime: endTime(), SupervisorID: "sup-1",
		Team: []domain.TeamMember{{UserID: "d-1", Role: domain.RoleBuzoPrincipal}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	team, err := env.Engine.Team(env.Ctx, im.ID)
	if err != nil {
		t.Fatalf("team: %v", err)
	}
	if len(team) != 2 {
		t.Fatalf("expected supervisor plus one diver, got %+v", team)
	}
}

func TestLogbookFlow(t *testing.T) {
	env := newTestEnv(t)
	im, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		ID: "im-1", Codigo: "IM-1", CompanyID: "ct-co", EstimatedEndTime: endTime(), SupervisorID: "sup-1",
		Team: []domain.TeamMember{
			{UserID: "d-1", Role: domain.RoleBuzoPrincipal},
			{UserID: "d-2", Role: domain.RoleBuzoAsistente},
			{UserID: "d-3", Role: domain.RoleBuzoEmergencia},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.FileSupervisorLog(env.Ctx, im.ID, "", "", "sup-1"); err == nil {
		t.Fatalf("supervisor log before completion should fail")
	}
	if _, err := env.Engine.StartImmersion(env.Ctx, im.ID, "sup-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteImmersion(env.Ctx, im.ID, "sup-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var stErr engine.StateError
	if _, err := env.Engine.FileDiverLog(env.Ctx, im.ID, "d-1", "", "d-1"); !errors.As(err, &stErr) {
		t.Fatalf("diver log before supervisor log should fail, got %v", err)
	}
	if _, err := env.Engine.FileSupervisorLog(env.Ctx, im.ID, "someone-else", "", "x"); err == nil {
		t.Fatalf("only the assigned supervisor may file")
	}
	if _, err := env.Engine.FileSupervisorLog(env.Ctx, im.ID, "", "calm water", "sup-1"); err != nil {
		t.Fatalf("supervisor log: %v", err)
	}
	if _, err := env.Engine.FileSupervisorLog(env.Ctx, im.ID, "", "", "sup-1"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("second supervisor log should conflict, got %v", err)
	}

	for _, user := range []string{"d-1", "d-2"} {
		notes, err := env.Engine.Notifications(env.Ctx, user, true, 0)
		if err != nil {
			t.Fatalf("notifications: %v", err)
		}
		if len(notes) != 1 || notes[0].Type != domain.NotificationBitacoraBuzoPending {
			t.Fatalf("%s should have one pending log notification, got %+v", user, notes)
		}
	}
	if notes, _ := env.Engine.Notifications(env.Ctx, "d-3", false, 0); len(notes) != 0 {
		t.Fatalf("emergency diver should not be notified")
	}

	if _, err := env.Engine.FileDiverLog(env.Ctx, im.ID, "d-3", "", "d-3"); err == nil {
		t.Fatalf("emergency diver did not dive")
	}
	if _, err := env.Engine.FileDiverLog(env.Ctx, im.ID, "d-1", "ok", "d-1"); err != nil {
		t.Fatalf("diver log: %v", err)
	}
	if _, err := env.Engine.FileDiverLog(env.Ctx, im.ID, "d-1", "again", "d-1"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("duplicate diver log should conflict, got %v", err)
	}

	detail, err := env.Engine.ImmersionDetail(env.Ctx, im.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.SupervisorLog == nil || len(detail.DiverLogs) != 1 || len(detail.Team) != 4 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if !detail.Immersion.NotificationStatus.TeamNotified {
		t.Fatalf("team cascade flag should be set")
	}
}

func TestMarkNotificationRead(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		Codigo: "IM-1", CompanyID: "ct-co", EstimatedEndTime: endTime(), SupervisorID: "sup-1",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	notes, err := env.Engine.Notifications(env.Ctx, "sup-1", true, 0)
	if err != nil || len(notes) != 1 {
		t.Fatalf("expected one unread notification: %v", err)
	}
	if err := env.Engine.MarkNotificationRead(env.Ctx, notes[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	notes, err = env.Engine.Notifications(env.Ctx, "sup-1", true, 0)
	if err != nil || len(notes) != 0 {
		t.Fatalf("expected no unread notifications, got %d", len(notes))
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	im, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		Codigo: "IM-1", CompanyID: "ct-co", EstimatedEndTime: endTime(), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.StartImmersion(env.Ctx, im.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityKind: "immersion", EntityID: im.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected created and started events, got %d", len(evts))
	}
	if evts[0].Type != events.ImmersionStarted || evts[1].Type != events.ImmersionCreated {
		t.Fatalf("unexpected event order: %s, %s", evts[0].Type, evts[1].Type)
	}
	if evts[0].ActorID != "tester" || evts[0].CompanyID != "ct-co" {
		t.Fatalf("unexpected event: %+v", evts[0])
	}
}

func TestConcurrentSupervisorLogsFileOnce(t *testing.T) {
	env := newTestEnv(t)
	im, err := env.Engine.CreateImmersion(env.Ctx, engine.ImmersionCreateOptions{
		ID: "im-1", Codigo: "IM-1", CompanyID: "ct-co", EstimatedEndTime: endTime(), SupervisorID: "sup-1",
		Team: []domain.TeamMember{{UserID: "d-1", Role: domain.RoleBuzoPrincipal}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.StartImmersion(env.Ctx, im.ID, "sup-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.CompleteImmersion(env.Ctx, im.ID, "sup-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.FileSupervisorLog(env.Ctx, im.ID, "", "calm", "sup-1")
		}(i)
	}
	wg.Wait()

	filed := 0
	for _, err := range errs {
		switch {
		case err == nil:
			filed++
		case errors.Is(err, repo.ErrConflict):
		default:
			t.Fatalf("expected conflict for losing callers, got %v", err)
		}
	}
	if filed != 1 {
		t.Fatalf("expected exactly one supervisor log, got %d", filed)
	}
}
