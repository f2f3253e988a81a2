// Package access answers which optional feature modules are switched on for a
// company or user.
package access

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"diveops/internal/domain"
	"diveops/internal/logging"
	"diveops/internal/repo"
)

// Scope is the company/user context a module question is asked for.
// An empty CompanyID means the user is not assigned to any company.
type Scope struct {
	UserID      string             `json:"user_id,omitempty"`
	CompanyID   string             `json:"company_id,omitempty"`
	CompanyType domain.CompanyType `json:"company_type,omitempty"`
	Role        string             `json:"role,omitempty"`
}

// ModuleStore lists active modules per company.
type ModuleStore interface {
	ListActiveModules(ctx context.Context, companyID string) ([]string, error)
}

// DirectoryStore resolves users and companies.
type DirectoryStore interface {
	GetPersonnel(ctx context.Context, id string) (domain.Personnel, error)
	GetCompany(ctx context.Context, id string) (domain.Company, error)
}

type Resolver struct {
	Modules   ModuleStore
	Directory DirectoryStore
	Logger    *log.Logger
}

func NewResolver(r repo.Repo, logger *log.Logger) Resolver {
	return Resolver{Modules: r, Directory: r, Logger: logging.OrDiscard(logger)}
}

func (r Resolver) logger() *log.Logger {
	return logging.OrDiscard(r.Logger)
}

// ActiveModules returns the active module names for the scope's company. A scope
// without a company has no modules.
func (r Resolver) ActiveModules(ctx context.Context, scope Scope) ([]string, error) {
	if scope.CompanyID == "" {
		return nil, nil
	}
	return r.Modules.ListActiveModules(ctx, scope.CompanyID)
}

// IsModuleActive never errors: an unresolvable scope or a failed lookup reads
// as inactive.
func (r Resolver) IsModuleActive(ctx context.Context, scope Scope, module string) bool {
	if scope.CompanyID == "" || module == "" {
		return false
	}
	modules, err := r.ActiveModules(ctx, scope)
	if err != nil {
		r.logger().Warn("module lookup failed", "company_id", scope.CompanyID, "module", module, "error", err)
		return false
	}
	for _, m := range modules {
		if m == module {
			return true
		}
	}
	return false
}

// ScopeForCompany builds a scope from a company id, filling in its type.
func (r Resolver) ScopeForCompany(ctx context.Context, companyID string) (Scope, error) {
	if companyID == "" {
		return Scope{}, nil
	}
	c, err := r.Directory.GetCompany(ctx, companyID)
	if err != nil {
		return Scope{}, err
	}
	return Scope{CompanyID: c.ID, CompanyType: c.Type}, nil
}

// ScopeForUser resolves a user's company and role. Users without a company get
// a scope with no CompanyID.
func (r Resolver) ScopeForUser(ctx context.Context, userID string) (Scope, error) {
	p, err := r.Directory.GetPersonnel(ctx, userID)
	if err != nil {
		return Scope{}, err
	}
	scope := Scope{UserID: p.ID, Role: p.Role}
	if p.CompanyID == "" {
		return scope, nil
	}
	c, err := r.Directory.GetCompany(ctx, p.CompanyID)
	if errors.Is(err, repo.ErrNotFound) {
		return scope, nil
	}
	if err != nil {
		return Scope{}, err
	}
	scope.CompanyID = c.ID
	scope.CompanyType = c.Type
	return scope, nil
}
