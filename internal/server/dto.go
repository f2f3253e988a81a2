package server

import (
	"encoding/json"
	"time"

	"diveops/internal/domain"
)

// Request payloads

type CreateCompanyRequest struct {
	ID   string             `json:"id,omitempty"`
	Name string             `json:"name" minLength:"1"`
	Type domain.CompanyType `json:"type" enum:"operator,contractor"`
}

type CreatePersonnelRequest struct {
	ID        string `json:"id,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	Name      string `json:"name" minLength:"1"`
	Role      string `json:"role,omitempty"`
}

type SetModuleRequest struct {
	Active bool `json:"active"`
}

type CreateOperationRequest struct {
	ID        string `json:"id,omitempty"`
	CompanyID string `json:"company_id" minLength:"1"`
	Codigo    string `json:"codigo" minLength:"1"`
	Name      string `json:"name,omitempty"`
}

type RecordDocumentRequest struct {
	ID                string               `json:"id,omitempty"`
	Kind              domain.DocumentKind  `json:"kind" enum:"hpt,anexo_bravo"`
	State             domain.DocumentState `json:"state,omitempty" enum:"draft,pending_signature,signed"`
	ChecklistComplete bool                 `json:"checklist_complete,omitempty"`
}

type ChecklistRequest struct {
	Complete bool `json:"complete"`
}

type TeamMemberRequest struct {
	UserID string `json:"user_id" minLength:"1"`
	Role   string `json:"role" enum:"supervisor,buzo_principal,buzo_asistente,buzo_emergencia"`
}

type CreateImmersionRequest struct {
	ID               string              `json:"id,omitempty"`
	Codigo           string              `json:"codigo" minLength:"1"`
	CompanyID        string              `json:"company_id,omitempty"`
	OperacionID      string              `json:"operacion_id,omitempty"`
	EstimatedEndTime time.Time           `json:"estimated_end_time"`
	SupervisorID     string              `json:"supervisor_id,omitempty"`
	Team             []TeamMemberRequest `json:"team,omitempty"`
}

type CancelImmersionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SupervisorLogRequest struct {
	SupervisorID string `json:"supervisor_id,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

type DiverLogRequest struct {
	UserID  string `json:"user_id" minLength:"1"`
	Summary string `json:"summary,omitempty"`
}

// Responses

type ModuleStatusResponse struct {
	CompanyID string `json:"company_id"`
	Module    string `json:"module"`
	Active    bool   `json:"active"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CompanyID  string         `json:"company_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func toTeam(items []TeamMemberRequest) []domain.TeamMember {
	out := make([]domain.TeamMember, 0, len(items))
	for _, m := range items {
		out = append(out, domain.TeamMember{UserID: m.UserID, Role: m.Role})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CompanyID:  e.CompanyID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
