// Package notify turns immersion lifecycle events into per-user notifications.
//
// Every method runs inside the caller's transaction. A flag claim and the
// notification rows it guards commit together, so a failed insert rolls the
// claim back and the next pass retries the whole step.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"diveops/internal/domain"
	"diveops/internal/events"
	"diveops/internal/logging"
	"diveops/internal/repo"
)

type EventKind string

const (
	InmersionCreated            EventKind = "inmersion_created"
	InmersionCompleted          EventKind = "inmersion_completed"
	BitacoraSupervisorCompleted EventKind = "bitacora_supervisor_completed"
)

// LifecycleEvent is one thing that happened to an immersion.
type LifecycleEvent struct {
	Kind      EventKind
	Immersion domain.Immersion
	// AutoCompleted marks completions performed by the scheduler.
	AutoCompleted bool
	ActorID       string
}

type Dispatcher struct {
	Repo   repo.Repo
	Events events.Writer
	Logger *log.Logger
	Now    func() time.Time
	NewID  func() string
}

func New(r repo.Repo, w events.Writer, logger *log.Logger) Dispatcher {
	return Dispatcher{Repo: r, Events: w, Logger: logging.OrDiscard(logger), Now: time.Now, NewID: uuid.NewString}
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Dispatcher) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

// Handle dispatches evt and returns how many notifications were written.
func (d Dispatcher) Handle(ctx context.Context, tx *sql.Tx, evt LifecycleEvent) (int, error) {
	switch evt.Kind {
	case InmersionCreated:
		return d.supervisorAssigned(ctx, tx, evt)
	case InmersionCompleted:
		return d.completionCheck(ctx, tx, evt)
	case BitacoraSupervisorCompleted:
		return d.teamCascade(ctx, tx, evt)
	}
	return 0, fmt.Errorf("unknown lifecycle event %q", evt.Kind)
}

func (d Dispatcher) supervisorAssigned(ctx context.Context, tx *sql.Tx, evt LifecycleEvent) (int, error) {
	im := evt.Immersion
	if im.SupervisorID == nil {
		return 0, nil
	}
	claimed, err := d.Repo.ClaimFlag(ctx, tx, im.ID, domain.FlagSupervisorNotified, d.stamp())
	if err != nil {
		return 0, fmt.Errorf("claim supervisor_notified: %w", err)
	}
	if !claimed {
		return 0, nil
	}
	n := domain.Notification{
		UserID:  *im.SupervisorID,
		Type:    domain.NotificationInmersionCreated,
		Title:   "New immersion assigned",
		Message: fmt.Sprintf("You are the supervisor for immersion %s.", im.Codigo),
		Metadata: metadata(im, domain.PriorityMedium, map[string]any{
			"estimated_end_time": im.EstimatedEndTime,
		}),
	}
	if err := d.write(ctx, tx, im, evt.ActorID, n); err != nil {
		return 0, err
	}
	return 1, nil
}

// completionCheck asks the supervisor for a log when the immersion closes without one.
func (d Dispatcher) completionCheck(ctx context.Context, tx *sql.Tx, evt LifecycleEvent) (int, error) {
	im := evt.Immersion
	if im.SupervisorID == nil {
		return 0, nil
	}
	hasLog, err := d.Repo.HasSupervisorLog(ctx, tx, im.ID)
	if err != nil {
		return 0, fmt.Errorf("check supervisor log: %w", err)
	}
	if hasLog {
		return 0, nil
	}
	priority := domain.PriorityMedium
	reason := "completed"
	message := fmt.Sprintf("Immersion %s is complete. Please file your supervisor log.", im.Codigo)
	if evt.AutoCompleted {
		priority = domain.PriorityHigh
		reason = "auto_completed"
		message = fmt.Sprintf("Immersion %s was completed automatically. Please file your supervisor log.", im.Codigo)
	}
	n := domain.Notification{
		UserID:   *im.SupervisorID,
		Type:     domain.NotificationBitacoraReminder,
		Title:    "Supervisor log pending",
		Message:  message,
		Metadata: metadata(im, priority, map[string]any{"reason": reason}),
	}
	if err := d.write(ctx, tx, im, evt.ActorID, n); err != nil {
		return 0, err
	}
	return 1, nil
}

// teamCascade tells every diver who was in the water that they can file their
// own log. Emergency divers stay on the surface and are skipped.
func (d Dispatcher) teamCascade(ctx context.Context, tx *sql.Tx, evt LifecycleEvent) (int, error) {
	im := evt.Immersion
	claimed, err := d.Repo.ClaimTeamNotified(ctx, tx, im.ID, d.stamp())
	if err != nil {
		return 0, fmt.Errorf("claim team_notified: %w", err)
	}
	if !claimed {
		return 0, nil
	}
	team, err := d.Repo.ListTeam(ctx, tx, im.ID)
	if err != nil {
		return 0, fmt.Errorf("list team: %w", err)
	}
	sent := 0
	for _, m := range team {
		if !domain.DivedRole(m.Role) {
			continue
		}
		n := domain.Notification{
			UserID:   m.UserID,
			Type:     domain.NotificationBitacoraBuzoPending,
			Title:    "Diver log available",
			Message:  fmt.Sprintf("The supervisor log for immersion %s is filed. You can now file your diver log.", im.Codigo),
			Metadata: metadata(im, domain.PriorityMedium, map[string]any{"role": m.Role}),
		}
		if err := d.write(ctx, tx, im, evt.ActorID, n); err != nil {
			return 0, fmt.Errorf("notify %s: %w", m.UserID, err)
		}
		sent++
	}
	d.logger().Debug("team cascade dispatched", "inmersion_id", im.ID, "codigo", im.Codigo, "sent", sent)
	return sent, nil
}

// LogbookReminder nudges the supervisor of a completed immersion whose log is
// overdue. The caller claims logbook_reminder_sent in the same transaction.
func (d Dispatcher) LogbookReminder(ctx context.Context, tx *sql.Tx, im domain.Immersion, overdue time.Duration) error {
	if im.SupervisorID == nil {
		return fmt.Errorf("immersion %s has no supervisor", im.Codigo)
	}
	n := domain.Notification{
		UserID:  *im.SupervisorID,
		Type:    domain.NotificationBitacoraReminder,
		Title:   "Supervisor log overdue",
		Message: fmt.Sprintf("Immersion %s finished more than %s ago and still has no supervisor log. Please file it.", im.Codigo, formatHours(overdue)),
		Metadata: metadata(im, domain.PriorityHigh, map[string]any{
			"reason":          "stale_logbook",
			"threshold_hours": overdue.Hours(),
		}),
	}
	return d.write(ctx, tx, im, events.SystemActor, n)
}

func (d Dispatcher) write(ctx context.Context, tx *sql.Tx, im domain.Immersion, actorID string, n domain.Notification) error {
	n.ID = d.newID()
	n.CreatedAt = d.stamp()
	if err := d.Repo.InsertNotification(ctx, tx, n); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return d.Events.Append(ctx, tx, events.NotificationCreated, im.CompanyID, "notification", n.ID, actorID, events.EventPayload{
		"user_id":      n.UserID,
		"type":         n.Type,
		"inmersion_id": im.ID,
		"priority":     n.Metadata.Priority,
	})
}

func (d Dispatcher) stamp() string {
	return d.now().UTC().Format(time.RFC3339)
}

func (d Dispatcher) logger() *log.Logger {
	return logging.OrDiscard(d.Logger)
}

func metadata(im domain.Immersion, p domain.Priority, extra map[string]any) domain.NotificationMetadata {
	return domain.NotificationMetadata{
		InmersionID:   im.ID,
		InmersionCode: im.Codigo,
		Priority:      p,
		Link:          "/inmersiones/" + im.ID,
		Extra:         extra,
	}
}

func formatHours(d time.Duration) string {
	h := d.Hours()
	if h == float64(int(h)) {
		if int(h) == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", int(h))
	}
	return d.String()
}
