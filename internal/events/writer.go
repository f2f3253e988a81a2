package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the log.
const (
	ImmersionCreated       = "immersion.created"
	ImmersionStarted       = "immersion.started"
	ImmersionCompleted     = "immersion.completed"
	ImmersionAutoCompleted = "immersion.auto_completed"
	ImmersionCanceled      = "immersion.canceled"
	SupervisorLogFiled     = "bitacora.supervisor.filed"
	DiverLogFiled          = "bitacora.buzo.filed"
	NotificationCreated    = "notification.created"
	DocumentUpdated        = "document.updated"
	ModuleToggled          = "module.toggled"
	SchedulerRun           = "scheduler.run"
)

// SystemActor is recorded for changes made by the scheduler.
const SystemActor = "system:scheduler"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, companyID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,company_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(companyID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
