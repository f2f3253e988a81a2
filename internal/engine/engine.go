package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"diveops/internal/access"
	"diveops/internal/compliance"
	"diveops/internal/config"
	"diveops/internal/domain"
	"diveops/internal/events"
	"diveops/internal/lifecycle"
	"diveops/internal/logging"
	"diveops/internal/notify"
	"diveops/internal/opcontext"
	"diveops/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *log.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Logger: logging.OrDiscard(logger),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// Resolver returns the module access resolver bound to this engine's store.
func (e Engine) Resolver() access.Resolver {
	return access.NewResolver(e.Repo, e.Logger)
}

func (e Engine) Validator() compliance.Validator {
	return compliance.NewValidator(e.Repo, opcontext.Classifier{PlanningModule: e.config().Modules.Planning}, e.Logger)
}

func (e Engine) Dispatcher() notify.Dispatcher {
	d := notify.New(e.Repo, e.events(), e.Logger)
	d.Now = e.now
	return d
}

func (e Engine) Scheduler() lifecycle.Scheduler {
	s := lifecycle.New(e.DB, e.Dispatcher(), e.config().Scheduler.LogbookReminderAfter, e.Logger)
	s.Events = e.events()
	s.Now = e.now
	return s
}

func newID(id string) string {
	if strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	return uuid.NewString()
}

// --- companies, personnel, modules ---

func (e Engine) CreateCompany(ctx context.Context, c domain.Company, actorID string) (domain.Company, error) {
	if strings.TrimSpace(c.Name) == "" {
		return domain.Company{}, inputErrorf("name is required")
	}
	if !c.Type.Valid() {
		return domain.Company{}, inputErrorf("invalid company type %q (want operator or contractor)", c.Type)
	}
	c.ID = newID(c.ID)
	c.CreatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Company{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCompany(ctx, tx, c); err != nil {
		return domain.Company{}, fmt.Errorf("insert company: %w", err)
	}
	if err := e.events().Append(ctx, tx, "company.created", c.ID, "company", c.ID, actorID, events.EventPayload{"type": c.Type}); err != nil {
		return domain.Company{}, err
	}
	return c, tx.Commit()
}

func (e Engine) AddPersonnel(ctx context.Context, p domain.Personnel) (domain.Personnel, error) {
	if strings.TrimSpace(p.Name) == "" {
		return domain.Personnel{}, inputErrorf("name is required")
	}
	if p.CompanyID != "" {
		if _, err := e.Repo.GetCompany(ctx, p.CompanyID); err != nil {
			return domain.Personnel{}, err
		}
	}
	p.ID = newID(p.ID)
	p.CreatedAt = e.stamp()
	if err := e.Repo.InsertPersonnel(ctx, nil, p); err != nil {
		return domain.Personnel{}, fmt.Errorf("insert personnel: %w", err)
	}
	return p, nil
}

// SetModule switches a feature module on or off for a company.
func (e Engine) SetModule(ctx context.Context, companyID, module string, active bool, actorID string) (domain.ModuleActivation, error) {
	if strings.TrimSpace(module) == "" {
		return domain.ModuleActivation{}, inputErrorf("module is required")
	}
	if _, err := e.Repo.GetCompany(ctx, companyID); err != nil {
		return domain.ModuleActivation{}, err
	}
	m := domain.ModuleActivation{CompanyID: companyID, ModuleName: module, Active: active, UpdatedAt: e.stamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ModuleActivation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetModule(ctx, tx, m); err != nil {
		return domain.ModuleActivation{}, err
	}
	if err := e.events().Append(ctx, tx, events.ModuleToggled, companyID, "module", module, actorID, events.EventPayload{"active": active}); err != nil {
		return domain.ModuleActivation{}, err
	}
	return m, tx.Commit()
}

func (e Engine) IsModuleActive(ctx context.Context, scope access.Scope, module string) bool {
	return e.Resolver().IsModuleActive(ctx, scope, module)
}

// ContextForCompany returns the company's current operating mode.
func (e Engine) ContextForCompany(ctx context.Context, companyID string) (domain.OperationalContext, error) {
	return e.Validator().ContextForCompany(ctx, companyID)
}

// --- operations and documents ---

func (e Engine) CreateOperation(ctx context.Context, op domain.Operation, actorID string) (domain.Operation, error) {
	if strings.TrimSpace(op.Codigo) == "" {
		return domain.Operation{}, inputErrorf("codigo is required")
	}
	if _, err := e.Repo.GetCompany(ctx, op.CompanyID); err != nil {
		return domain.Operation{}, err
	}
	if op.Name == "" {
		op.Name = op.Codigo
	}
	op.ID = newID(op.ID)
	op.CreatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOperation(ctx, tx, op); err != nil {
		return domain.Operation{}, fmt.Errorf("insert operation: %w", err)
	}
	if err := e.events().Append(ctx, tx, "operation.created", op.CompanyID, "operation", op.ID, actorID, events.EventPayload{"codigo": op.Codigo}); err != nil {
		return domain.Operation{}, err
	}
	return op, tx.Commit()
}

// DocumentOptions records a document produced by the planning wizard.
type DocumentOptions struct {
	ID                string
	Kind              domain.DocumentKind
	OperationID       string
	State             domain.DocumentState
	ChecklistComplete bool
	ActorID           string
}

func (e Engine) RecordDocument(ctx context.Context, opts DocumentOptions) (domain.ComplianceDocument, error) {
	if !opts.Kind.Valid() {
		return domain.ComplianceDocument{}, inputErrorf("invalid document kind %q", opts.Kind)
	}
	if opts.State == "" {
		opts.State = domain.DocumentDraft
	}
	if !opts.State.Valid() {
		return domain.ComplianceDocument{}, inputErrorf("invalid document state %q", opts.State)
	}
	op, err := e.Repo.GetOperation(ctx, opts.OperationID)
	if err != nil {
		return domain.ComplianceDocument{}, err
	}
	now := e.stamp()
	doc := domain.ComplianceDocument{
		ID:          newID(opts.ID),
		Kind:        opts.Kind,
		OperationID: op.ID,
		State:       opts.State,
		IsSigned:    opts.State == domain.DocumentSigned,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if doc.IsSigned {
		doc.SignedAt = &now
	}
	if opts.Kind == domain.DocumentAnexoBravo {
		complete := opts.ChecklistComplete
		doc.ChecklistComplete = &complete
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ComplianceDocument{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return domain.ComplianceDocument{}, fmt.Errorf("insert %s: %w", opts.Kind, err)
	}
	if err := e.events().Append(ctx, tx, events.DocumentUpdated, op.CompanyID, string(opts.Kind), doc.ID, opts.ActorID, events.EventPayload{
		"operation_id": op.ID,
		"state":        doc.State,
	}); err != nil {
		return domain.ComplianceDocument{}, err
	}
	return doc, tx.Commit()
}

// SignDocument is the only path to the signed state. Signed documents never revert.
func (e Engine) SignDocument(ctx context.Context, kind domain.DocumentKind, id, actorID string) (domain.ComplianceDocument, error) {
	if !kind.Valid() {
		return domain.ComplianceDocument{}, inputErrorf("invalid document kind %q", kind)
	}
	doc, err := e.Repo.GetDocument(ctx, kind, id)
	if err != nil {
		return domain.ComplianceDocument{}, err
	}
	if doc.IsSigned {
		return doc, fmt.Errorf("%s %s already signed: %w", kind.Label(), id, repo.ErrConflict)
	}
	op, err := e.Repo.GetOperation(ctx, doc.OperationID)
	if err != nil {
		return domain.ComplianceDocument{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ComplianceDocument{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SignDocument(ctx, tx, kind, id, e.stamp()); err != nil {
		return domain.ComplianceDocument{}, err
	}
	if err := e.events().Append(ctx, tx, events.DocumentUpdated, op.CompanyID, string(kind), id, actorID, events.EventPayload{
		"operation_id": op.ID,
		"state":        domain.DocumentSigned,
	}); err != nil {
		return domain.ComplianceDocument{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ComplianceDocument{}, err
	}
	return e.Repo.GetDocument(ctx, kind, id)
}

func (e Engine) SetChecklistComplete(ctx context.Context, id string, complete bool) error {
	return e.Repo.SetChecklistComplete(ctx, nil, id, complete, e.stamp())
}

// Validate checks the operation's documents. It never fails; see compliance.Validator.
func (e Engine) Validate(ctx context.Context, operationID string) domain.ValidationResult {
	return e.Validator().Validate(ctx, operationID)
}

// RunLifecycle performs one scheduler run.
func (e Engine) RunLifecycle(ctx context.Context) (lifecycle.RunSummary, error) {
	return e.Scheduler().RunOnce(ctx)
}

// Notifications lists a user's notifications, newest first.
func (e Engine) Notifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, inputErrorf("user id is required")
	}
	return e.Repo.ListNotifications(ctx, repo.NotificationFilters{UserID: userID, UnreadOnly: unreadOnly, Limit: limit})
}

func (e Engine) MarkNotificationRead(ctx context.Context, id string) error {
	return e.Repo.MarkNotificationRead(ctx, id, e.stamp())
}

func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
