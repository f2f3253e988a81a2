// Package lifecycle advances immersions over time: it closes dives that overran
// their window and chases missing supervisor logs.
//
// Runs may overlap. Every mutation repeats the predicate that selected the row,
// so a second run that sees an already-moved row changes nothing.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"diveops/internal/domain"
	"diveops/internal/events"
	"diveops/internal/logging"
	"diveops/internal/notify"
	"diveops/internal/repo"
)

const DefaultReminderAfter = 2 * time.Hour

type ItemStatus string

const (
	StatusAutoCompleted ItemStatus = "auto_completed"
	StatusError         ItemStatus = "error"
)

// ItemResult reports one immersion from the auto-completion pass.
type ItemResult struct {
	InmersionID      string     `json:"inmersion_id"`
	Codigo           string     `json:"codigo"`
	Status           ItemStatus `json:"status" enum:"auto_completed,error"`
	NotificationSent bool       `json:"notification_sent"`
	Error            string     `json:"error,omitempty"`
}

// RunSummary is returned by every run. Processed counts successful
// auto-completions only; failed items show up in Results with status error.
type RunSummary struct {
	Success              bool         `json:"success"`
	Processed            int          `json:"processed"`
	Results              []ItemResult `json:"results"`
	Timestamp            string       `json:"timestamp" format:"date-time"`
	RemindersSent        int          `json:"reminders_sent"`
	CascadeNotifications int          `json:"cascade_notifications"`
	Failed               int          `json:"failed"`
}

type Scheduler struct {
	DB            *sql.DB
	Repo          repo.Repo
	Events        events.Writer
	Dispatcher    notify.Dispatcher
	Logger        *log.Logger
	Now           func() time.Time
	ReminderAfter time.Duration
}

func New(db *sql.DB, dispatcher notify.Dispatcher, reminderAfter time.Duration, logger *log.Logger) Scheduler {
	return Scheduler{
		DB:            db,
		Repo:          repo.Repo{DB: db},
		Events:        events.Writer{DB: db},
		Dispatcher:    dispatcher,
		Logger:        logging.OrDiscard(logger),
		Now:           time.Now,
		ReminderAfter: reminderAfter,
	}
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Scheduler) logger() *log.Logger {
	return logging.OrDiscard(s.Logger)
}

func (s Scheduler) reminderAfter() time.Duration {
	if s.ReminderAfter <= 0 {
		return DefaultReminderAfter
	}
	return s.ReminderAfter
}

// RunOnce executes the auto-completion, stale-logbook and cascade-retry passes.
// Item failures are isolated; an error is only returned when a pass could not
// select its candidates at all.
func (s Scheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	now := s.now().UTC()
	summary := RunSummary{Timestamp: now.Format(time.RFC3339), Results: []ItemResult{}}

	if err := s.autoCompletePass(ctx, now, &summary); err != nil {
		return summary, err
	}
	if err := s.staleLogbookPass(ctx, now, &summary); err != nil {
		return summary, err
	}
	if err := s.cascadeRetryPass(ctx, &summary); err != nil {
		return summary, err
	}
	summary.Success = true

	if summary.Processed+summary.RemindersSent+summary.CascadeNotifications+summary.Failed > 0 {
		if err := s.recordRun(ctx, summary); err != nil {
			s.logger().Warn("record scheduler run failed", "error", err)
		}
		s.logger().Info("lifecycle run finished",
			"processed", summary.Processed,
			"reminders", summary.RemindersSent,
			"cascade_notifications", summary.CascadeNotifications,
			"failed", summary.Failed)
	}
	return summary, nil
}

func (s Scheduler) autoCompletePass(ctx context.Context, now time.Time, summary *RunSummary) error {
	overdue, err := s.Repo.ListOverdueImmersions(ctx, now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("list overdue immersions: %w", err)
	}
	for _, im := range overdue {
		res, changed, err := s.autoComplete(ctx, im, now)
		if err != nil {
			s.logger().Error("auto-complete failed", "inmersion_id", im.ID, "codigo", im.Codigo, "error", err)
			summary.Failed++
			summary.Results = append(summary.Results, ItemResult{
				InmersionID: im.ID,
				Codigo:      im.Codigo,
				Status:      StatusError,
				Error:       err.Error(),
			})
			continue
		}
		if !changed {
			continue
		}
		summary.Processed++
		summary.Results = append(summary.Results, res)
	}
	return nil
}

func (s Scheduler) autoComplete(ctx context.Context, im domain.Immersion, now time.Time) (ItemResult, bool, error) {
	stamp := now.Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return ItemResult{}, false, err
	}
	defer tx.Rollback()

	changed, err := s.Repo.AutoCompleteImmersion(ctx, tx, im.ID, stamp)
	if err != nil {
		return ItemResult{}, false, err
	}
	if !changed {
		return ItemResult{}, false, nil
	}
	im.Estado = domain.ImmersionCompleted
	im.ActualEndTime = &stamp
	im.NotificationStatus.AutoCompleted = true
	im.NotificationStatus.CompletionChecked = true
	im.UpdatedAt = stamp

	if err := s.Events.Append(ctx, tx, events.ImmersionAutoCompleted, im.CompanyID, "immersion", im.ID, events.SystemActor, events.EventPayload{
		"codigo":             im.Codigo,
		"estimated_end_time": im.EstimatedEndTime,
		"actual_end_time":    stamp,
	}); err != nil {
		return ItemResult{}, false, err
	}
	sent, err := s.Dispatcher.Handle(ctx, tx, notify.LifecycleEvent{
		Kind:          notify.InmersionCompleted,
		Immersion:     im,
		AutoCompleted: true,
		ActorID:       events.SystemActor,
	})
	if err != nil {
		return ItemResult{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return ItemResult{}, false, err
	}
	return ItemResult{
		InmersionID:      im.ID,
		Codigo:           im.Codigo,
		Status:           StatusAutoCompleted,
		NotificationSent: sent > 0,
	}, true, nil
}

func (s Scheduler) staleLogbookPass(ctx context.Context, now time.Time, summary *RunSummary) error {
	threshold := s.reminderAfter()
	cutoff := now.Add(-threshold).Format(time.RFC3339)
	candidates, err := s.Repo.ListStaleLogbookCandidates(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale logbooks: %w", err)
	}
	for _, im := range candidates {
		sent, err := s.remind(ctx, im, cutoff, now, threshold)
		if err != nil {
			s.logger().Error("logbook reminder failed", "inmersion_id", im.ID, "codigo", im.Codigo, "error", err)
			summary.Failed++
			continue
		}
		if sent {
			summary.RemindersSent++
		}
	}
	return nil
}

// remind leaves the flag untouched when a log already exists, so later data
// corrections are still caught.
func (s Scheduler) remind(ctx context.Context, im domain.Immersion, cutoff string, now time.Time, threshold time.Duration) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	hasLog, err := s.Repo.HasSupervisorLog(ctx, tx, im.ID)
	if err != nil {
		return false, err
	}
	if hasLog {
		return false, nil
	}
	claimed, err := s.Repo.MarkLogbookReminderSent(ctx, tx, im.ID, cutoff, now.Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	if err := s.Dispatcher.LogbookReminder(ctx, tx, im, threshold); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// cascadeRetryPass re-runs team cascades that did not commit when the
// supervisor log was filed.
func (s Scheduler) cascadeRetryPass(ctx context.Context, summary *RunSummary) error {
	pending, err := s.Repo.ListPendingTeamCascades(ctx)
	if err != nil {
		return fmt.Errorf("list pending cascades: %w", err)
	}
	for _, im := range pending {
		sent, err := s.cascade(ctx, im)
		if err != nil {
			s.logger().Error("team cascade retry failed", "inmersion_id", im.ID, "codigo", im.Codigo, "error", err)
			summary.Failed++
			continue
		}
		summary.CascadeNotifications += sent
	}
	return nil
}

func (s Scheduler) cascade(ctx context.Context, im domain.Immersion) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	sent, err := s.Dispatcher.Handle(ctx, tx, notify.LifecycleEvent{
		Kind:      notify.BitacoraSupervisorCompleted,
		Immersion: im,
		ActorID:   events.SystemActor,
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return sent, nil
}

func (s Scheduler) recordRun(ctx context.Context, summary RunSummary) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Events.Append(ctx, tx, events.SchedulerRun, "", "scheduler", "", events.SystemActor, events.EventPayload{
		"processed":             summary.Processed,
		"reminders_sent":        summary.RemindersSent,
		"cascade_notifications": summary.CascadeNotifications,
		"failed":                summary.Failed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Loop runs RunOnce immediately and then every interval until ctx is cancelled.
func (s Scheduler) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger().Info("lifecycle scheduler disabled", "interval", interval.String())
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger().Info("lifecycle scheduler started",
		"interval", interval.String(),
		"reminder_after", s.reminderAfter().String())

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger().Error("lifecycle run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger().Info("lifecycle scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
