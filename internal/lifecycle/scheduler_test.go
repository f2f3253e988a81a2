package lifecycle_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"diveops/internal/domain"
	"diveops/internal/engine"
	"diveops/internal/lifecycle"
	"diveops/internal/repo"
	"diveops/internal/testutil"
)

type env struct {
	ctx   context.Context
	db    *sql.DB
	e     engine.Engine
	clock *testutil.Clock
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn := testutil.OpenDB(t)
	clock := testutil.NewClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	e := engine.New(conn, nil, nil)
	e.Now = clock.Now
	ctx := context.Background()
	_, err := e.CreateCompany(ctx, domain.Company{ID: "co-1", Name: "Buceo Sur", Type: domain.CompanyContractor}, "admin")
	require.NoError(t, err)
	return env{ctx: ctx, db: conn, e: e, clock: clock}
}

// dive schedules an immersion that ends after d and puts it in the water.
func (v env) dive(t *testing.T, id string, d time.Duration) domain.Immersion {
	t.Helper()
	im, err := v.e.CreateImmersion(v.ctx, engine.ImmersionCreateOptions{
		ID:               id,
		Codigo:           "IM-" + id,
		CompanyID:        "co-1",
		EstimatedEndTime: v.clock.Now().Add(d),
		SupervisorID:     "sup-1",
		Team: []domain.TeamMember{
			{UserID: "diver-a", Role: domain.RoleBuzoPrincipal},
			{UserID: "diver-b", Role: domain.RoleBuzoAsistente},
			{UserID: "diver-e", Role: domain.RoleBuzoEmergencia},
		},
	})
	require.NoError(t, err)
	im, err = v.e.StartImmersion(v.ctx, im.ID, "sup-1")
	require.NoError(t, err)
	return im
}

func (v env) run(t *testing.T) lifecycle.RunSummary {
	t.Helper()
	summary, err := v.e.RunLifecycle(v.ctx)
	require.NoError(t, err)
	require.True(t, summary.Success)
	return summary
}

func (v env) reminders(t *testing.T, id string) []domain.Notification {
	t.Helper()
	items, err := v.e.Repo.ListNotifications(v.ctx, repo.NotificationFilters{Type: domain.NotificationBitacoraReminder, InmersionID: id})
	require.NoError(t, err)
	return items
}

func TestAutoCompleteOverdueImmersion(t *testing.T) {
	v := newEnv(t)
	v.dive(t, "1", time.Hour)
	v.clock.Advance(2 * time.Hour)

	summary := v.run(t)
	assert.Equal(t, 1, summary.Processed)
	require.Len(t, summary.Results, 1)
	res := summary.Results[0]
	assert.Equal(t, "1", res.InmersionID)
	assert.Equal(t, "IM-1", res.Codigo)
	assert.Equal(t, lifecycle.StatusAutoCompleted, res.Status)
	assert.True(t, res.NotificationSent)
	assert.Equal(t, "2024-03-01T10:00:00Z", summary.Timestamp)

	im, err := v.e.Repo.GetImmersion(v.ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.ImmersionCompleted, im.Estado)
	require.NotNil(t, im.ActualEndTime)
	assert.Equal(t, "2024-03-01T10:00:00Z", *im.ActualEndTime)
	assert.True(t, im.NotificationStatus.AutoCompleted)
	assert.True(t, im.NotificationStatus.CompletionChecked)

	items := v.reminders(t, "1")
	require.Len(t, items, 1)
	assert.Equal(t, "sup-1", items[0].UserID)
	assert.Equal(t, domain.PriorityHigh, items[0].Metadata.Priority)

	second := v.run(t)
	assert.Zero(t, second.Processed)
	assert.Empty(t, second.Results)
	assert.Len(t, v.reminders(t, "1"), 1)
}

func TestImmersionWithinWindowIsLeftAlone(t *testing.T) {
	v := newEnv(t)
	v.dive(t, "1", 3*time.Hour)
	v.clock.Advance(time.Hour)

	summary := v.run(t)
	assert.Zero(t, summary.Processed)

	im, err := v.e.Repo.GetImmersion(v.ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.ImmersionInProgress, im.Estado)
}

func TestStaleLogbookReminderSentOnce(t *testing.T) {
	v := newEnv(t)
	v.dive(t, "1", time.Hour)
	_, err := v.e.CompleteImmersion(v.ctx, "1", "sup-1")
	require.NoError(t, err)
	require.Len(t, v.reminders(t, "1"), 1)

	v.clock.Advance(time.Hour)
	assert.Zero(t, v.run(t).RemindersSent)

	v.clock.Advance(2 * time.Hour)
	summary := v.run(t)
	assert.Equal(t, 1, summary.RemindersSent)

	items := v.reminders(t, "1")
	require.Len(t, items, 2)
	assert.Equal(t, "stale_logbook", items[0].Metadata.Extra["reason"])
	assert.Equal(t, domain.PriorityHigh, items[0].Metadata.Priority)

	im, err := v.e.Repo.GetImmersion(v.ctx, "1")
	require.NoError(t, err)
	assert.True(t, im.NotificationStatus.LogbookReminderSent)

	v.clock.Advance(24 * time.Hour)
	assert.Zero(t, v.run(t).RemindersSent)
}

func TestStaleLogbookSkipsFiledLog(t *testing.T) {
	v := newEnv(t)
	v.dive(t, "1", time.Hour)
	_, err := v.e.CompleteImmersion(v.ctx, "1", "sup-1")
	require.NoError(t, err)
	_, err = v.e.FileSupervisorLog(v.ctx, "1", "sup-1", "all good", "sup-1")
	require.NoError(t, err)

	v.clock.Advance(5 * time.Hour)
	summary := v.run(t)
	assert.Zero(t, summary.RemindersSent)
	assert.Zero(t, summary.CascadeNotifications)

	im, err := v.e.Repo.GetImmersion(v.ctx, "1")
	require.NoError(t, err)
	assert.False(t, im.NotificationStatus.LogbookReminderSent)
	assert.True(t, im.NotificationStatus.TeamNotified)
}

func TestCascadeRetriedAfterFailure(t *testing.T) {
	v := newEnv(t)
	v.dive(t, "1", time.Hour)
	_, err := v.e.CompleteImmersion(v.ctx, "1", "sup-1")
	require.NoError(t, err)

	_, err = v.db.Exec(`CREATE TRIGGER fail_cascade BEFORE INSERT ON notifications WHEN NEW.type='bitacora_buzo_pending'
BEGIN SELECT RAISE(ABORT, 'boom'); END;`)
	require.NoError(t, err)

	_, err = v.e.FileSupervisorLog(v.ctx, "1", "", "", "sup-1")
	require.NoError(t, err)

	im, err := v.e.Repo.GetImmersion(v.ctx, "1")
	require.NoError(t, err)
	assert.False(t, im.NotificationStatus.TeamNotified)

	failed := v.run(t)
	assert.Equal(t, 1, failed.Failed)
	assert.Zero(t, failed.CascadeNotifications)

	_, err = v.db.Exec(`DROP TRIGGER fail_cascade`)
	require.NoError(t, err)

	summary := v.run(t)
	assert.Equal(t, 2, summary.CascadeNotifications)
	assert.Zero(t, summary.Failed)

	im, err = v.e.Repo.GetImmersion(v.ctx, "1")
	require.NoError(t, err)
	assert.True(t, im.NotificationStatus.TeamNotified)

	assert.Zero(t, v.run(t).CascadeNotifications)
}

func TestAutoCompleteIsolatesItemFailures(t *testing.T) {
	v := newEnv(t)
	v.dive(t, "bad", time.Hour)
	v.dive(t, "good", 90*time.Minute)

	_, err := v.db.Exec(`CREATE TRIGGER fail_bad BEFORE UPDATE ON immersions WHEN NEW.codigo='IM-bad' AND NEW.estado='completada'
BEGIN SELECT RAISE(ABORT, 'boom'); END;`)
	require.NoError(t, err)

	v.clock.Advance(2 * time.Hour)
	summary := v.run(t)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 2)
	assert.Equal(t, "bad", summary.Results[0].InmersionID)
	assert.Equal(t, lifecycle.StatusError, summary.Results[0].Status)
	assert.NotEmpty(t, summary.Results[0].Error)
	assert.Equal(t, "good", summary.Results[1].InmersionID)
	assert.Equal(t, lifecycle.StatusAutoCompleted, summary.Results[1].Status)

	bad, err := v.e.Repo.GetImmersion(v.ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, domain.ImmersionInProgress, bad.Estado)
	assert.Empty(t, v.reminders(t, "bad"))
}

func TestRunRecordsSchedulerEvent(t *testing.T) {
	v := newEnv(t)
	v.dive(t, "1", time.Hour)
	v.clock.Advance(2 * time.Hour)
	v.run(t)

	evts, err := v.e.Repo.LatestEvents(v.ctx, repo.EventFilters{Type: "scheduler.run"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, `"processed":1`)

	evts, err = v.e.Repo.LatestEvents(v.ctx, repo.EventFilters{Type: "immersion.auto_completed", EntityID: "1"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "system:scheduler", evts[0].ActorID)
}

func TestLoopStopsOnCancel(t *testing.T) {
	v := newEnv(t)
	ctx, cancel := context.WithCancel(v.ctx)
	done := make(chan struct{})
	go func() {
		v.e.Scheduler().Loop(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler loop did not stop")
	}
}

// runConcurrently starts n lifecycle runs at once and returns their summaries.
func (v env) runConcurrently(t *testing.T, n int) []lifecycle.RunSummary {
	t.Helper()
	var mu sync.Mutex
	var summaries []lifecycle.RunSummary
	g, ctx := errgroup.WithContext(v.ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			summary, err := v.e.RunLifecycle(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			summaries = append(summaries, summary)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	return summaries
}

func (v env) allReminders(t *testing.T) []domain.Notification {
	t.Helper()
	items, err := v.e.Repo.ListNotifications(v.ctx, repo.NotificationFilters{Type: domain.NotificationBitacoraReminder})
	require.NoError(t, err)
	return items
}

func TestOverlappingRunsAutoCompleteOnce(t *testing.T) {
	const immersions = 12
	v := newEnv(t)
	for i := 0; i < immersions; i++ {
		v.dive(t, fmt.Sprintf("%02d", i), time.Hour)
	}
	v.clock.Advance(2 * time.Hour)

	processed, failed := 0, 0
	for _, summary := range v.runConcurrently(t, 4) {
		assert.True(t, summary.Success)
		processed += summary.Processed
		failed += summary.Failed
	}
	assert.Equal(t, immersions, processed)
	assert.Zero(t, failed)
	assert.Len(t, v.allReminders(t), immersions)

	for i := 0; i < immersions; i++ {
		im, err := v.e.Repo.GetImmersion(v.ctx, fmt.Sprintf("%02d", i))
		require.NoError(t, err)
		assert.Equal(t, domain.ImmersionCompleted, im.Estado)
		assert.True(t, im.NotificationStatus.AutoCompleted)
	}
}

func TestOverlappingRunsSendStaleReminderOnce(t *testing.T) {
	const immersions = 12
	v := newEnv(t)
	for i := 0; i < immersions; i++ {
		id := fmt.Sprintf("%02d", i)
		v.dive(t, id, time.Hour)
		_, err := v.e.CompleteImmersion(v.ctx, id, "sup-1")
		require.NoError(t, err)
	}
	require.Len(t, v.allReminders(t), immersions)
	v.clock.Advance(3 * time.Hour)

	sent, failed := 0, 0
	for _, summary := range v.runConcurrently(t, 4) {
		assert.True(t, summary.Success)
		sent += summary.RemindersSent
		failed += summary.Failed
	}
	assert.Equal(t, immersions, sent)
	assert.Zero(t, failed)
	assert.Len(t, v.allReminders(t), 2*immersions)
}
