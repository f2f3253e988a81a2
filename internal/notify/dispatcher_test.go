package notify_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diveops/internal/domain"
	"diveops/internal/events"
	"diveops/internal/notify"
	"diveops/internal/repo"
	"diveops/internal/testutil"
)

const stamp = "2024-03-01T08:00:00Z"

type env struct {
	ctx  context.Context
	db   *sql.DB
	repo repo.Repo
	d    notify.Dispatcher
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn := testutil.OpenDB(t)
	r := repo.Repo{DB: conn}
	clock := testutil.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	seq := 0
	d := notify.New(r, events.Writer{DB: conn, Now: clock.Now}, nil)
	d.Now = clock.Now
	d.NewID = func() string {
		seq++
		return fmt.Sprintf("n-%03d", seq)
	}
	ctx := context.Background()
	require.NoError(t, r.InsertCompany(ctx, nil, domain.Company{ID: "co-1", Name: "Acme", Type: domain.CompanyContractor, CreatedAt: stamp}))
	return env{ctx: ctx, db: conn, repo: r, d: d}
}

// immersion seeds a completed immersion supervised by sup-1 with a full team.
func (e env) immersion(t *testing.T, id string, estado domain.ImmersionState) domain.Immersion {
	t.Helper()
	sup := "sup-1"
	im := domain.Immersion{
		ID:               id,
		Codigo:           "IM-" + id,
		CompanyID:        "co-1",
		Estado:           estado,
		EstimatedEndTime: stamp,
		SupervisorID:     &sup,
		CreatedAt:        stamp,
		UpdatedAt:        stamp,
	}
	if estado == domain.ImmersionCompleted {
		end := stamp
		im.ActualEndTime = &end
	}
	require.NoError(t, e.repo.InsertImmersion(e.ctx, nil, im))
	for _, m := range []domain.TeamMember{
		{UserID: "sup-1", Role: domain.RoleSupervisor},
		{UserID: "diver-a", Role: domain.RoleBuzoPrincipal},
		{UserID: "diver-b", Role: domain.RoleBuzoAsistente},
		{UserID: "diver-e", Role: domain.RoleBuzoEmergencia},
	} {
		m.InmersionID = id
		require.NoError(t, e.repo.InsertTeamMember(e.ctx, nil, m))
	}
	return im
}

func (e env) supervisorLog(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.repo.InsertSupervisorLog(e.ctx, nil, domain.SupervisorLog{
		ID: "log-" + id, InmersionID: id, SupervisorID: "sup-1", CreatedAt: stamp,
	}))
}

func (e env) handle(t *testing.T, evt notify.LifecycleEvent) (int, error) {
	t.Helper()
	tx, err := e.db.BeginTx(e.ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	sent, err := e.d.Handle(e.ctx, tx, evt)
	if err != nil {
		return 0, err
	}
	require.NoError(t, tx.Commit())
	return sent, nil
}

func (e env) notifications(t *testing.T, f repo.NotificationFilters) []domain.Notification {
	t.Helper()
	items, err := e.repo.ListNotifications(e.ctx, f)
	require.NoError(t, err)
	return items
}

func TestTeamCascadeSkipsEmergencyDiver(t *testing.T) {
	e := newEnv(t)
	im := e.immersion(t, "1", domain.ImmersionCompleted)
	e.supervisorLog(t, "1")

	sent, err := e.handle(t, notify.LifecycleEvent{Kind: notify.BitacoraSupervisorCompleted, Immersion: im, ActorID: "sup-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	items := e.notifications(t, repo.NotificationFilters{Type: domain.NotificationBitacoraBuzoPending})
	var users []string
	for _, n := range items {
		users = append(users, n.UserID)
		assert.Equal(t, "1", n.Metadata.InmersionID)
		assert.Equal(t, "/inmersiones/1", n.Metadata.Link)
		assert.Equal(t, domain.PriorityMedium, n.Metadata.Priority)
	}
	assert.ElementsMatch(t, []string{"diver-a", "diver-b"}, users)

	got, err := e.repo.GetImmersion(e.ctx, "1")
	require.NoError(t, err)
	assert.True(t, got.NotificationStatus.TeamNotified)

	sent, err = e.handle(t, notify.LifecycleEvent{Kind: notify.BitacoraSupervisorCompleted, Immersion: im})
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, e.notifications(t, repo.NotificationFilters{Type: domain.NotificationBitacoraBuzoPending}), 2)
}

func TestTeamCascadeWaitsForSupervisorLog(t *testing.T) {
	e := newEnv(t)
	im := e.immersion(t, "1", domain.ImmersionCompleted)

	sent, err := e.handle(t, notify.LifecycleEvent{Kind: notify.BitacoraSupervisorCompleted, Immersion: im})
	require.NoError(t, err)
	assert.Zero(t, sent)

	got, err := e.repo.GetImmersion(e.ctx, "1")
	require.NoError(t, err)
	assert.False(t, got.NotificationStatus.TeamNotified)
}

func TestTeamCascadeFailedInsertKeepsFlagUnset(t *testing.T) {
	e := newEnv(t)
	im := e.immersion(t, "1", domain.ImmersionCompleted)
	e.supervisorLog(t, "1")

	_, err := e.db.Exec(`CREATE TRIGGER fail_notifications BEFORE INSERT ON notifications BEGIN SELECT RAISE(ABORT, 'boom'); END;`)
	require.NoError(t, err)

	_, err = e.handle(t, notify.LifecycleEvent{Kind: notify.BitacoraSupervisorCompleted, Immersion: im})
	require.Error(t, err)

	got, err := e.repo.GetImmersion(e.ctx, "1")
	require.NoError(t, err)
	assert.False(t, got.NotificationStatus.TeamNotified)
	assert.Empty(t, e.notifications(t, repo.NotificationFilters{}))

	_, err = e.db.Exec(`DROP TRIGGER fail_notifications`)
	require.NoError(t, err)

	sent, err := e.handle(t, notify.LifecycleEvent{Kind: notify.BitacoraSupervisorCompleted, Immersion: im})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestSupervisorAssignedOnce(t *testing.T) {
	e := newEnv(t)
	im := e.immersion(t, "1", domain.ImmersionPlanned)

	sent, err := e.handle(t, notify.LifecycleEvent{Kind: notify.InmersionCreated, Immersion: im})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = e.handle(t, notify.LifecycleEvent{Kind: notify.InmersionCreated, Immersion: im})
	require.NoError(t, err)
	assert.Zero(t, sent)

	items := e.notifications(t, repo.NotificationFilters{UserID: "sup-1"})
	require.Len(t, items, 1)
	assert.Equal(t, domain.NotificationInmersionCreated, items[0].Type)
	assert.Equal(t, stamp, items[0].Metadata.Extra["estimated_end_time"])
}

func TestSupervisorAssignedWithoutSupervisor(t *testing.T) {
	e := newEnv(t)
	im := domain.Immersion{ID: "2", Codigo: "IM-2", CompanyID: "co-1", Estado: domain.ImmersionPlanned, EstimatedEndTime: stamp, CreatedAt: stamp, UpdatedAt: stamp}
	require.NoError(t, e.repo.InsertImmersion(e.ctx, nil, im))

	sent, err := e.handle(t, notify.LifecycleEvent{Kind: notify.InmersionCreated, Immersion: im})
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestCompletionCheckPriority(t *testing.T) {
	cases := []struct {
		name     string
		auto     bool
		priority domain.Priority
		reason   string
	}{
		{name: "manual", auto: false, priority: domain.PriorityMedium, reason: "completed"},
		{name: "auto", auto: true, priority: domain.PriorityHigh, reason: "auto_completed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			im := e.immersion(t, "1", domain.ImmersionCompleted)

			sent, err := e.handle(t, notify.LifecycleEvent{Kind: notify.InmersionCompleted, Immersion: im, AutoCompleted: tc.auto})
			require.NoError(t, err)
			assert.Equal(t, 1, sent)

			items := e.notifications(t, repo.NotificationFilters{UserID: "sup-1", Type: domain.NotificationBitacoraReminder})
			require.Len(t, items, 1)
			assert.Equal(t, tc.priority, items[0].Metadata.Priority)
			assert.Equal(t, tc.reason, items[0].Metadata.Extra["reason"])
			assert.Equal(t, "IM-1", items[0].Metadata.InmersionCode)
		})
	}
}

func TestCompletionCheckSkipsFiledLog(t *testing.T) {
	e := newEnv(t)
	im := e.immersion(t, "1", domain.ImmersionCompleted)
	e.supervisorLog(t, "1")

	sent, err := e.handle(t, notify.LifecycleEvent{Kind: notify.InmersionCompleted, Immersion: im})
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, e.notifications(t, repo.NotificationFilters{}))
}

func TestLogbookReminder(t *testing.T) {
	e := newEnv(t)
	im := e.immersion(t, "1", domain.ImmersionCompleted)

	tx, err := e.db.BeginTx(e.ctx, nil)
	require.NoError(t, err)
	require.NoError(t, e.d.LogbookReminder(e.ctx, tx, im, 2*time.Hour))
	require.NoError(t, tx.Commit())

	items := e.notifications(t, repo.NotificationFilters{InmersionID: "1"})
	require.Len(t, items, 1)
	n := items[0]
	assert.Equal(t, "sup-1", n.UserID)
	assert.Equal(t, domain.NotificationBitacoraReminder, n.Type)
	assert.Equal(t, domain.PriorityHigh, n.Metadata.Priority)
	assert.Equal(t, "stale_logbook", n.Metadata.Extra["reason"])
	assert.Equal(t, 2.0, n.Metadata.Extra["threshold_hours"])
	assert.Contains(t, n.Message, "2 hours")
	assert.Equal(t, "2024-03-01T12:00:00Z", n.CreatedAt)

	evts, err := e.repo.LatestEvents(e.ctx, repo.EventFilters{Type: events.NotificationCreated})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.SystemActor, evts[0].ActorID)
}

func TestUnknownEventKind(t *testing.T) {
	e := newEnv(t)
	im := e.immersion(t, "1", domain.ImmersionCompleted)
	_, err := e.handle(t, notify.LifecycleEvent{Kind: "nope", Immersion: im})
	assert.Error(t, err)
}
