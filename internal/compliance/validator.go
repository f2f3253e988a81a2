// Package compliance decides whether an operation's safety documents allow an
// immersion to be created or started under it.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"diveops/internal/access"
	"diveops/internal/domain"
	"diveops/internal/logging"
	"diveops/internal/opcontext"
	"diveops/internal/repo"
)

// Messages surfaced in ValidationResult.Errors and Warnings.
const (
	MsgCouldNotValidate      = "could not validate operation"
	MsgOperationNotFound     = "operation not found"
	MsgChecklistIncomplete   = "checklist not complete"
	MsgMixedContext          = "contractor in mixed mode: documents are required because this immersion is tied to a planned operation"
	MsgSignedWithOpenList    = "Anexo Bravo is signed but its checklist is not complete"
	msgExistsButNotSignedFmt = "%s exists but is not signed"
	msgNotFoundFmt           = "%s not found for this operation"
)

// Store is the read side the validator needs.
type Store interface {
	GetOperation(ctx context.Context, id string) (domain.Operation, error)
	FindSignedDocument(ctx context.Context, kind domain.DocumentKind, operationID string) (domain.ComplianceDocument, error)
	FindLatestDocument(ctx context.Context, kind domain.DocumentKind, operationID string) (domain.ComplianceDocument, error)
}

type Validator struct {
	Store      Store
	Access     access.Resolver
	Classifier opcontext.Classifier
	Logger     *log.Logger
}

func NewValidator(r repo.Repo, classifier opcontext.Classifier, logger *log.Logger) Validator {
	return Validator{Store: r, Access: access.NewResolver(r, logger), Classifier: classifier, Logger: logging.OrDiscard(logger)}
}

// Error wraps a failed validation so callers can surface the full result.
type Error struct {
	Result domain.ValidationResult
}

func (e Error) Error() string {
	if len(e.Result.Errors) == 0 {
		return "operation failed compliance validation"
	}
	return "operation failed compliance validation: " + strings.Join(e.Result.Errors, "; ")
}

// ContextForCompany resolves the company scope and its active modules, then
// classifies it.
func (v Validator) ContextForCompany(ctx context.Context, companyID string) (domain.OperationalContext, error) {
	scope, err := v.Access.ScopeForCompany(ctx, companyID)
	if err != nil {
		return domain.OperationalContext{}, err
	}
	modules, err := v.Access.ActiveModules(ctx, scope)
	if err != nil {
		return domain.OperationalContext{}, fmt.Errorf("list modules: %w", err)
	}
	return v.Classifier.Classify(scope.CompanyType, modules)
}

// Validate never returns an error. Any lookup failure yields an invalid result
// with missing statuses.
func (v Validator) Validate(ctx context.Context, operationID string) domain.ValidationResult {
	logger := logging.OrDiscard(v.Logger).With("operation_id", operationID)
	res := domain.ValidationResult{Errors: []string{}, Warnings: []string{}}

	op, err := v.Store.GetOperation(ctx, operationID)
	if err != nil {
		msg := MsgCouldNotValidate
		if errors.Is(err, repo.ErrNotFound) {
			msg = MsgOperationNotFound
		} else {
			logger.Warn("operation lookup failed", "error", err)
		}
		return failClosed(res, msg)
	}
	opCtx, err := v.ContextForCompany(ctx, op.CompanyID)
	if err != nil {
		logger.Warn("context resolution failed", "company_id", op.CompanyID, "error", err)
		return failClosed(res, MsgCouldNotValidate)
	}
	res.Context = opCtx

	if !opCtx.RequiresDocuments {
		res.IsValid = true
		res.HPTStatus = domain.DocumentStatusNotRequired
		res.AnexoBravoStatus = domain.DocumentStatusNotRequired
		return res
	}
	if opCtx.ContextType == domain.ContextMixed {
		res.Warnings = append(res.Warnings, MsgMixedContext)
	}

	var anexoDoc *domain.ComplianceDocument
	res.HPTStatus, _ = v.documentStatus(ctx, logger, &res, domain.DocumentHPT, op.ID)
	res.AnexoBravoStatus, anexoDoc = v.documentStatus(ctx, logger, &res, domain.DocumentAnexoBravo, op.ID)

	if anexoDoc != nil && anexoDoc.ChecklistComplete != nil && !*anexoDoc.ChecklistComplete {
		switch res.AnexoBravoStatus {
		case domain.DocumentStatusPending:
			res.Errors = append(res.Errors, MsgChecklistIncomplete)
		case domain.DocumentStatusSigned:
			res.Warnings = append(res.Warnings, MsgSignedWithOpenList)
		}
	}

	res.IsValid = res.HPTStatus == domain.DocumentStatusSigned &&
		res.AnexoBravoStatus == domain.DocumentStatusSigned &&
		len(res.Errors) == 0
	logger.Debug("operation validated", "valid", res.IsValid, "hpt", res.HPTStatus, "anexo_bravo", res.AnexoBravoStatus)
	return res
}

// documentStatus runs the two-stage lookup: signed rows first, then any row.
// It appends the matching error to res and returns the document it found.
func (v Validator) documentStatus(ctx context.Context, logger *log.Logger, res *domain.ValidationResult, kind domain.DocumentKind, operationID string) (domain.DocumentStatus, *domain.ComplianceDocument) {
	signed, err := v.Store.FindSignedDocument(ctx, kind, operationID)
	if err == nil {
		return domain.DocumentStatusSigned, &signed
	}
	if !errors.Is(err, repo.ErrNotFound) {
		logger.Warn("signed document lookup failed", "kind", kind, "error", err)
		addOnce(res, MsgCouldNotValidate)
		return domain.DocumentStatusMissing, nil
	}
	latest, err := v.Store.FindLatestDocument(ctx, kind, operationID)
	if errors.Is(err, repo.ErrNotFound) {
		res.Errors = append(res.Errors, fmt.Sprintf(msgNotFoundFmt, kind.Label()))
		return domain.DocumentStatusMissing, nil
	}
	if err != nil {
		logger.Warn("document lookup failed", "kind", kind, "error", err)
		addOnce(res, MsgCouldNotValidate)
		return domain.DocumentStatusMissing, nil
	}
	res.Errors = append(res.Errors, fmt.Sprintf(msgExistsButNotSignedFmt, kind.Label()))
	return domain.DocumentStatusPending, &latest
}

func failClosed(res domain.ValidationResult, msg string) domain.ValidationResult {
	res.IsValid = false
	res.HPTStatus = domain.DocumentStatusMissing
	res.AnexoBravoStatus = domain.DocumentStatusMissing
	res.Errors = append(res.Errors, msg)
	return res
}

func addOnce(res *domain.ValidationResult, msg string) {
	for _, e := range res.Errors {
		if e == msg {
			return
		}
	}
	res.Errors = append(res.Errors, msg)
}
