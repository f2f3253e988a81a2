package domain

import (
	"encoding/json"
)

// CompanyType distinguishes the owner of the diving work from a hired service contractor.
type CompanyType string

const (
	CompanyOperator   CompanyType = "operator"
	CompanyContractor CompanyType = "contractor"
)

func (t CompanyType) Valid() bool {
	return t == CompanyOperator || t == CompanyContractor
}

// Optional feature modules that can be switched on per company.
const (
	ModulePlanningOperations  = "planning_operations"
	ModuleMaintenanceNetworks = "maintenance_networks"
)

type ContextType string

const (
	ContextPlanned ContextType = "planned"
	ContextDirect  ContextType = "direct"
	ContextMixed   ContextType = "mixed"
)

// OperationalContext is derived per request from company type and module activation.
// RequiresPlanning and RequiresDocuments are independent flags.
type OperationalContext struct {
	CompanyType            CompanyType `json:"company_type" enum:"operator,contractor"`
	ContextType            ContextType `json:"context_type" enum:"planned,direct,mixed"`
	RequiresPlanning       bool        `json:"requires_planning"`
	RequiresDocuments      bool        `json:"requires_documents"`
	AllowsDirectOperations bool        `json:"allows_direct_operations"`
}

type ModuleActivation struct {
	CompanyID  string `json:"company_id"`
	ModuleName string `json:"module_name"`
	Active     bool   `json:"active"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Company struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      CompanyType `json:"type" enum:"operator,contractor"`
	CreatedAt string      `json:"created_at" format:"date-time"`
}

type Personnel struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id,omitempty"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Operation struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Codigo    string `json:"codigo"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DocumentKind string

const (
	DocumentHPT        DocumentKind = "hpt"
	DocumentAnexoBravo DocumentKind = "anexo_bravo"
)

// Label is the human name used in validation messages.
func (k DocumentKind) Label() string {
	switch k {
	case DocumentHPT:
		return "HPT"
	case DocumentAnexoBravo:
		return "Anexo Bravo"
	}
	return string(k)
}

func (k DocumentKind) Valid() bool {
	return k == DocumentHPT || k == DocumentAnexoBravo
}

type DocumentState string

const (
	DocumentDraft            DocumentState = "draft"
	DocumentPendingSignature DocumentState = "pending_signature"
	DocumentSigned           DocumentState = "signed"
)

func (s DocumentState) Valid() bool {
	switch s {
	case DocumentDraft, DocumentPendingSignature, DocumentSigned:
		return true
	}
	return false
}

// ComplianceDocument is an HPT or Anexo Bravo row keyed by operation.
// ChecklistComplete is only tracked for Anexo Bravo.
type ComplianceDocument struct {
	ID                string        `json:"id"`
	Kind              DocumentKind  `json:"kind" enum:"hpt,anexo_bravo"`
	OperationID       string        `json:"operation_id"`
	State             DocumentState `json:"state" enum:"draft,pending_signature,signed"`
	IsSigned          bool          `json:"is_signed"`
	ChecklistComplete *bool         `json:"checklist_complete,omitempty"`
	CreatedAt         string        `json:"created_at" format:"date-time"`
	UpdatedAt         string        `json:"updated_at" format:"date-time"`
	SignedAt          *string       `json:"signed_at,omitempty" format:"date-time"`
}

type DocumentStatus string

const (
	DocumentStatusMissing     DocumentStatus = "missing"
	DocumentStatusPending     DocumentStatus = "pending"
	DocumentStatusSigned      DocumentStatus = "signed"
	DocumentStatusNotRequired DocumentStatus = "not_required"
)

// ValidationResult is recomputed on every check and never stored.
type ValidationResult struct {
	IsValid          bool               `json:"isValid"`
	HPTStatus        DocumentStatus     `json:"hptStatus" enum:"missing,pending,signed,not_required"`
	AnexoBravoStatus DocumentStatus     `json:"anexoBravoStatus" enum:"missing,pending,signed,not_required"`
	Errors           []string           `json:"errors"`
	Warnings         []string           `json:"warnings"`
	Context          OperationalContext `json:"context"`
}

type ImmersionState string

const (
	ImmersionPlanned    ImmersionState = "planificada"
	ImmersionInProgress ImmersionState = "en_progreso"
	ImmersionCompleted  ImmersionState = "completada"
	ImmersionCanceled   ImmersionState = "cancelada"
)

func (s ImmersionState) Terminal() bool {
	return s == ImmersionCompleted || s == ImmersionCanceled
}

// NotificationStatus flags live on the immersion row; each one is only ever
// flipped by a conditional update that repeats the selection predicate.
type NotificationStatus struct {
	SupervisorNotified  bool `json:"supervisor_notified"`
	TeamNotified        bool `json:"team_notified"`
	CompletionChecked   bool `json:"completion_checked"`
	AutoCompleted       bool `json:"auto_completed"`
	LogbookReminderSent bool `json:"logbook_reminder_sent"`
}

// NotificationFlag names a NotificationStatus column.
type NotificationFlag string

const (
	FlagSupervisorNotified  NotificationFlag = "supervisor_notified"
	FlagTeamNotified        NotificationFlag = "team_notified"
	FlagCompletionChecked   NotificationFlag = "completion_checked"
	FlagAutoCompleted       NotificationFlag = "auto_completed"
	FlagLogbookReminderSent NotificationFlag = "logbook_reminder_sent"
)

type Immersion struct {
	ID                 string             `json:"id"`
	Codigo             string             `json:"codigo"`
	CompanyID          string             `json:"company_id"`
	OperacionID        *string            `json:"operacion_id,omitempty"`
	Estado             ImmersionState     `json:"estado" enum:"planificada,en_progreso,completada,cancelada"`
	EstimatedEndTime   string             `json:"estimated_end_time" format:"date-time"`
	ActualEndTime      *string            `json:"actual_end_time,omitempty" format:"date-time"`
	SupervisorID       *string            `json:"supervisor_id,omitempty"`
	NotificationStatus NotificationStatus `json:"notification_status"`
	CreatedAt          string             `json:"created_at" format:"date-time"`
	UpdatedAt          string             `json:"updated_at" format:"date-time"`
}

// Team roles on an immersion.
const (
	RoleSupervisor     = "supervisor"
	RoleBuzoPrincipal  = "buzo_principal"
	RoleBuzoAsistente  = "buzo_asistente"
	RoleBuzoEmergencia = "buzo_emergencia"
)

// ValidTeamRole reports whether role is one of the immersion team roles.
func ValidTeamRole(role string) bool {
	switch role {
	case RoleSupervisor, RoleBuzoPrincipal, RoleBuzoAsistente, RoleBuzoEmergencia:
		return true
	}
	return false
}

// DivedRole reports whether a member in this role actually went in the water
// and therefore files an individual log.
func DivedRole(role string) bool {
	return role == RoleBuzoPrincipal || role == RoleBuzoAsistente
}

type TeamMember struct {
	InmersionID string `json:"inmersion_id"`
	UserID      string `json:"user_id"`
	Role        string `json:"role" enum:"supervisor,buzo_principal,buzo_asistente,buzo_emergencia"`
}

type SupervisorLog struct {
	ID           string `json:"id"`
	InmersionID  string `json:"inmersion_id"`
	SupervisorID string `json:"supervisor_id"`
	Summary      string `json:"summary,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type DiverLog struct {
	ID          string `json:"id"`
	InmersionID string `json:"inmersion_id"`
	UserID      string `json:"user_id"`
	Summary     string `json:"summary,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Notification types written by the dispatcher.
const (
	NotificationBitacoraReminder    = "bitacora_reminder"
	NotificationInmersionCreated    = "inmersion_created"
	NotificationBitacoraBuzoPending = "bitacora_buzo_pending"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
)

// NotificationMetadata carries the routing fields plus free-form extras.
// Extra keys are flattened next to the fixed ones on the wire.
type NotificationMetadata struct {
	InmersionID   string         `json:"inmersion_id"`
	InmersionCode string         `json:"inmersion_code"`
	Priority      Priority       `json:"priority"`
	Link          string         `json:"link"`
	Extra         map[string]any `json:"-"`
}

func (m NotificationMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["inmersion_id"] = m.InmersionID
	out["inmersion_code"] = m.InmersionCode
	out["priority"] = m.Priority
	out["link"] = m.Link
	return json.Marshal(out)
}

func (m *NotificationMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	take := func(key string) string {
		v, ok := raw[key]
		if !ok {
			return ""
		}
		delete(raw, key)
		s, _ := v.(string)
		return s
	}
	m.InmersionID = take("inmersion_id")
	m.InmersionCode = take("inmersion_code")
	m.Priority = Priority(take("priority"))
	m.Link = take("link")
	m.Extra = nil
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Type      string               `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Metadata  NotificationMetadata `json:"metadata"`
	ReadAt    *string              `json:"read_at,omitempty" format:"date-time"`
	CreatedAt string               `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CompanyID  string `json:"company_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}
