package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"diveops/internal/compliance"
	"diveops/internal/domain"
	"diveops/internal/events"
	"diveops/internal/notify"
	"diveops/internal/repo"
)

// ImmersionCreateOptions are parameters for scheduling a dive.
type ImmersionCreateOptions struct {
	ID               string
	Codigo           string
	CompanyID        string
	OperacionID      string
	EstimatedEndTime time.Time
	SupervisorID     string
	Team             []domain.TeamMember
	ActorID          string
}

// CreateImmersion schedules a dive. Companies that may not dive outside a plan
// must name an operation, and a named operation must pass compliance validation.
func (e Engine) CreateImmersion(ctx context.Context, opts ImmersionCreateOptions) (domain.Immersion, error) {
	opts.Codigo = strings.TrimSpace(opts.Codigo)
	if opts.Codigo == "" {
		return domain.Immersion{}, inputErrorf("codigo is required")
	}
	if opts.EstimatedEndTime.IsZero() {
		return domain.Immersion{}, inputErrorf("estimated_end_time is required")
	}
	if opts.OperacionID != "" {
		op, err := e.Repo.GetOperation(ctx, opts.OperacionID)
		if err != nil {
			return domain.Immersion{}, err
		}
		if opts.CompanyID == "" {
			opts.CompanyID = op.CompanyID
		}
		if op.CompanyID != opts.CompanyID {
			return domain.Immersion{}, inputErrorf("operation %s belongs to company %s, not %s", op.ID, op.CompanyID, opts.CompanyID)
		}
	}
	if opts.CompanyID == "" {
		return domain.Immersion{}, inputErrorf("company_id is required")
	}
	opCtx, err := e.ContextForCompany(ctx, opts.CompanyID)
	if err != nil {
		return domain.Immersion{}, err
	}
	if opts.OperacionID == "" && !opCtx.AllowsDirectOperations {
		return domain.Immersion{}, inputErrorf("operation required: company %s works in %s context", opts.CompanyID, opCtx.ContextType)
	}
	if opts.OperacionID != "" {
		if res := e.Validate(ctx, opts.OperacionID); !res.IsValid {
			return domain.Immersion{}, compliance.Error{Result: res}
		}
	}
	team, err := buildTeam(opts.SupervisorID, opts.Team)
	if err != nil {
		return domain.Immersion{}, err
	}

	now := e.stamp()
	im := domain.Immersion{
		ID:               newID(opts.ID),
		Codigo:           opts.Codigo,
		CompanyID:        opts.CompanyID,
		OperacionID:      optionalString(opts.OperacionID),
		Estado:           domain.ImmersionPlanned,
		EstimatedEndTime: opts.EstimatedEndTime.UTC().Format(time.RFC3339),
		SupervisorID:     optionalString(opts.SupervisorID),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Immersion{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertImmersion(ctx, tx, im); err != nil {
		return domain.Immersion{}, fmt.Errorf("insert immersion: %w", err)
	}
	for _, m := range team {
		m.InmersionID = im.ID
		if err := e.Repo.InsertTeamMember(ctx, tx, m); err != nil {
			return domain.Immersion{}, fmt.Errorf("insert team member: %w", err)
		}
	}
	if err := e.events().Append(ctx, tx, events.ImmersionCreated, im.CompanyID, "immersion", im.ID, opts.ActorID, events.EventPayload{
		"codigo":       im.Codigo,
		"operacion_id": opts.OperacionID,
		"context_type": opCtx.ContextType,
	}); err != nil {
		return domain.Immersion{}, err
	}
	if _, err := e.Dispatcher().Handle(ctx, tx, notify.LifecycleEvent{Kind: notify.InmersionCreated, Immersion: im, ActorID: opts.ActorID}); err != nil {
		return domain.Immersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Immersion{}, err
	}
	return e.Repo.GetImmersion(ctx, im.ID)
}

func buildTeam(supervisorID string, members []domain.TeamMember) ([]domain.TeamMember, error) {
	var team []domain.TeamMember
	seen := map[string]bool{}
	if supervisorID != "" {
		team = append(team, domain.TeamMember{UserID: supervisorID, Role: domain.RoleSupervisor})
		seen[supervisorID] = true
	}
	for _, m := range members {
		if strings.TrimSpace(m.UserID) == "" {
			return nil, inputErrorf("team member user_id is required")
		}
		if !domain.ValidTeamRole(m.Role) {
			return nil, inputErrorf("invalid team role %q", m.Role)
		}
		if seen[m.UserID] {
			if m.UserID == supervisorID && m.Role == domain.RoleSupervisor {
				continue
			}
			return nil, inputErrorf("user %s listed twice in team", m.UserID)
		}
		seen[m.UserID] = true
		team = append(team, m)
	}
	return team, nil
}

func ensureImmersionTransition(from, to domain.ImmersionState) error {
	switch from {
	case domain.ImmersionPlanned:
		if to == domain.ImmersionInProgress || to == domain.ImmersionCanceled {
			return nil
		}
	case domain.ImmersionInProgress:
		if to == domain.ImmersionCompleted || to == domain.ImmersionCanceled {
			return nil
		}
	}
	return TransitionError{From: from, To: to}
}

// StartImmersion puts a planned dive in the water. Planned operations are
// validated again because documents may have changed since creation.
func (e Engine) StartImmersion(ctx context.Context, id, actorID string) (domain.Immersion, error) {
	im, err := e.Repo.GetImmersion(ctx, id)
	if err != nil {
		return domain.Immersion{}, err
	}
	if err := ensureImmersionTransition(im.Estado, domain.ImmersionInProgress); err != nil {
		return domain.Immersion{}, err
	}
	if im.OperacionID != nil {
		if res := e.Validate(ctx, *im.OperacionID); !res.IsValid {
			return domain.Immersion{}, compliance.Error{Result: res}
		}
	}
	return e.transition(ctx, im, []domain.ImmersionState{domain.ImmersionPlanned}, domain.ImmersionInProgress, events.ImmersionStarted, actorID, nil)
}

func (e Engine) CancelImmersion(ctx context.Context, id, reason, actorID string) (domain.Immersion, error) {
	im, err := e.Repo.GetImmersion(ctx, id)
	if err != nil {
		return domain.Immersion{}, err
	}
	if err := ensureImmersionTransition(im.Estado, domain.ImmersionCanceled); err != nil {
		return domain.Immersion{}, err
	}
	return e.transition(ctx, im, []domain.ImmersionState{domain.ImmersionPlanned, domain.ImmersionInProgress}, domain.ImmersionCanceled,
		events.ImmersionCanceled, actorID, events.EventPayload{"reason": reason})
}

func (e Engine) transition(ctx context.Context, im domain.Immersion, from []domain.ImmersionState, to domain.ImmersionState, evtType, actorID string, payload events.EventPayload) (domain.Immersion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Immersion{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.TransitionImmersion(ctx, tx, im.ID, from, to, e.stamp()); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Immersion{}, TransitionError{From: im.Estado, To: to}
		}
		return domain.Immersion{}, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = im.Estado
	payload["to"] = to
	if err := e.events().Append(ctx, tx, evtType, im.CompanyID, "immersion", im.ID, actorID, payload); err != nil {
		return domain.Immersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Immersion{}, err
	}
	return e.Repo.GetImmersion(ctx, im.ID)
}

// CompleteImmersion closes an in-progress dive by hand and asks the supervisor
// for a log if none exists yet.
func (e Engine) CompleteImmersion(ctx context.Context, id, actorID string) (domain.Immersion, error) {
	im, err := e.Repo.GetImmersion(ctx, id)
	if err != nil {
		return domain.Immersion{}, err
	}
	if err := ensureImmersionTransition(im.Estado, domain.ImmersionCompleted); err != nil {
		return domain.Immersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Immersion{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteImmersion(ctx, tx, im.ID, e.stamp()); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Immersion{}, TransitionError{From: im.Estado, To: domain.ImmersionCompleted}
		}
		return domain.Immersion{}, err
	}
	updated, err := e.Repo.GetImmersionTx(ctx, tx, im.ID)
	if err != nil {
		return domain.Immersion{}, err
	}
	if err := e.events().Append(ctx, tx, events.ImmersionCompleted, im.CompanyID, "immersion", im.ID, actorID, events.EventPayload{
		"codigo":          im.Codigo,
		"actual_end_time": updated.ActualEndTime,
	}); err != nil {
		return domain.Immersion{}, err
	}
	if _, err := e.Dispatcher().Handle(ctx, tx, notify.LifecycleEvent{Kind: notify.InmersionCompleted, Immersion: updated, ActorID: actorID}); err != nil {
		return domain.Immersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Immersion{}, err
	}
	return e.Repo.GetImmersion(ctx, im.ID)
}

// AssignTeamMember adds or re-roles a member before the dive is closed.
func (e Engine) AssignTeamMember(ctx context.Context, id string, m domain.TeamMember) error {
	im, err := e.Repo.GetImmersion(ctx, id)
	if err != nil {
		return err
	}
	if im.Estado.Terminal() {
		return StateError{Estado: im.Estado, Msg: "team cannot change after the immersion is closed"}
	}
	if strings.TrimSpace(m.UserID) == "" {
		return inputErrorf("user_id is required")
	}
	if !domain.ValidTeamRole(m.Role) {
		return inputErrorf("invalid team role %q", m.Role)
	}
	m.InmersionID = im.ID
	return e.Repo.InsertTeamMember(ctx, nil, m)
}

func (e Engine) Team(ctx context.Context, id string) ([]domain.TeamMember, error) {
	if _, err := e.Repo.GetImmersion(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListTeam(ctx, nil, id)
}

// FileSupervisorLog records the supervisor's logbook for a completed dive and
// then unlocks the divers' own logs. The log commits first; a failed cascade is
// logged and picked up by the next scheduler run.
func (e Engine) FileSupervisorLog(ctx context.Context, id, supervisorID, summary, actorID string) (domain.SupervisorLog, error) {
	im, err := e.Repo.GetImmersion(ctx, id)
	if err != nil {
		return domain.SupervisorLog{}, err
	}
	if im.Estado != domain.ImmersionCompleted {
		return domain.SupervisorLog{}, StateError{Estado: im.Estado, Msg: "supervisor log requires a completed immersion"}
	}
	if supervisorID == "" && im.SupervisorID != nil {
		supervisorID = *im.SupervisorID
	}
	if supervisorID == "" {
		return domain.SupervisorLog{}, inputErrorf("supervisor_id is required")
	}
	if im.SupervisorID != nil && *im.SupervisorID != supervisorID {
		return domain.SupervisorLog{}, inputErrorf("user %s is not the supervisor of immersion %s", supervisorID, im.Codigo)
	}
	exists, err := e.Repo.HasSupervisorLog(ctx, nil, im.ID)
	if err != nil {
		return domain.SupervisorLog{}, err
	}
	if exists {
		return domain.SupervisorLog{}, fmt.Errorf("supervisor log for %s already filed: %w", im.Codigo, repo.ErrConflict)
	}
	l := domain.SupervisorLog{
		ID:           newID(""),
		InmersionID:  im.ID,
		SupervisorID: supervisorID,
		Summary:      summary,
		CreatedAt:    e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SupervisorLog{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSupervisorLog(ctx, tx, l); err != nil {
		return domain.SupervisorLog{}, fmt.Errorf("supervisor log for %s: %w", im.Codigo, err)
	}
	if err := e.events().Append(ctx, tx, events.SupervisorLogFiled, im.CompanyID, "immersion", im.ID, actorID, events.EventPayload{
		"codigo":        im.Codigo,
		"supervisor_id": supervisorID,
	}); err != nil {
		return domain.SupervisorLog{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SupervisorLog{}, err
	}

	if _, err := e.dispatchCascade(ctx, im, actorID); err != nil {
		e.Logger.Warn("team cascade failed; scheduler will retry", "inmersion_id", im.ID, "codigo", im.Codigo, "error", err)
	}
	return l, nil
}

func (e Engine) dispatchCascade(ctx context.Context, im domain.Immersion, actorID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	sent, err := e.Dispatcher().Handle(ctx, tx, notify.LifecycleEvent{Kind: notify.BitacoraSupervisorCompleted, Immersion: im, ActorID: actorID})
	if err != nil {
		return 0, err
	}
	return sent, tx.Commit()
}

// FileDiverLog records an individual log for a diver who was in the water.
// It opens once the supervisor log exists.
func (e Engine) FileDiverLog(ctx context.Context, id, userID, summary, actorID string) (domain.DiverLog, error) {
	im, err := e.Repo.GetImmersion(ctx, id)
	if err != nil {
		return domain.DiverLog{}, err
	}
	if im.Estado != domain.ImmersionCompleted {
		return domain.DiverLog{}, StateError{Estado: im.Estado, Msg: "diver log requires a completed immersion"}
	}
	hasSupervisorLog, err := e.Repo.HasSupervisorLog(ctx, nil, im.ID)
	if err != nil {
		return domain.DiverLog{}, err
	}
	if !hasSupervisorLog {
		return domain.DiverLog{}, StateError{Estado: im.Estado, Msg: "supervisor log must be filed first"}
	}
	team, err := e.Repo.ListTeam(ctx, nil, im.ID)
	if err != nil {
		return domain.DiverLog{}, err
	}
	role := ""
	for _, m := range team {
		if m.UserID == userID {
			role = m.Role
		}
	}
	if !domain.DivedRole(role) {
		return domain.DiverLog{}, inputErrorf("user %s did not dive on immersion %s", userID, im.Codigo)
	}
	l := domain.DiverLog{ID: newID(""), InmersionID: im.ID, UserID: userID, Summary: summary, CreatedAt: e.stamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DiverLog{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDiverLog(ctx, tx, l); err != nil {
		return domain.DiverLog{}, fmt.Errorf("diver log for %s: %w", userID, err)
	}
	if err := e.events().Append(ctx, tx, events.DiverLogFiled, im.CompanyID, "immersion", im.ID, actorID, events.EventPayload{
		"codigo":  im.Codigo,
		"user_id": userID,
		"role":    role,
	}); err != nil {
		return domain.DiverLog{}, err
	}
	return l, tx.Commit()
}

// ImmersionDetail bundles an immersion with its team, logs and notifications.
type ImmersionDetail struct {
	Immersion     domain.Immersion      `json:"immersion"`
	Team          []domain.TeamMember   `json:"team"`
	SupervisorLog *domain.SupervisorLog `json:"supervisor_log,omitempty"`
	DiverLogs     []domain.DiverLog     `json:"diver_logs"`
	Notifications []domain.Notification `json:"notifications"`
}

func (e Engine) ImmersionDetail(ctx context.Context, id string) (ImmersionDetail, error) {
	im, err := e.Repo.GetImmersion(ctx, id)
	if err != nil {
		return ImmersionDetail{}, err
	}
	d := ImmersionDetail{Immersion: im}
	if d.Team, err = e.Repo.ListTeam(ctx, nil, id); err != nil {
		return d, err
	}
	l, err := e.Repo.GetSupervisorLog(ctx, id)
	switch {
	case err == nil:
		d.SupervisorLog = &l
	case !isNotFound(err):
		return d, err
	}
	if d.DiverLogs, err = e.Repo.ListDiverLogs(ctx, id); err != nil {
		return d, err
	}
	if d.Notifications, err = e.Repo.ListNotifications(ctx, repo.NotificationFilters{InmersionID: id}); err != nil {
		return d, err
	}
	return d, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
