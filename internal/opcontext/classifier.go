// Package opcontext derives a company's operating mode.
package opcontext

import (
	"errors"
	"fmt"

	"diveops/internal/domain"
)

var ErrUnknownCompanyType = errors.New("unknown company type")

// Classify maps company type and planning-module activation to an operating mode.
//
//	operator   + planning -> planned (plan, documents, no direct)
//	operator   - planning -> direct
//	contractor + planning -> mixed   (documents, direct allowed)
//	contractor - planning -> direct
func Classify(companyType domain.CompanyType, planningActive bool) (domain.OperationalContext, error) {
	ctx := domain.OperationalContext{CompanyType: companyType}
	switch companyType {
	case domain.CompanyOperator:
		if planningActive {
			ctx.ContextType = domain.ContextPlanned
			ctx.RequiresPlanning = true
			ctx.RequiresDocuments = true
			ctx.AllowsDirectOperations = false
			return ctx, nil
		}
	case domain.CompanyContractor:
		if planningActive {
			ctx.ContextType = domain.ContextMixed
			ctx.RequiresPlanning = false
			ctx.RequiresDocuments = true
			ctx.AllowsDirectOperations = true
			return ctx, nil
		}
	default:
		return domain.OperationalContext{}, fmt.Errorf("%w %q", ErrUnknownCompanyType, companyType)
	}
	ctx.ContextType = domain.ContextDirect
	ctx.AllowsDirectOperations = true
	return ctx, nil
}

// Classifier wraps Classify with the name of the module that counts as planning.
type Classifier struct {
	PlanningModule string
}

func (c Classifier) planningModule() string {
	if c.PlanningModule == "" {
		return domain.ModulePlanningOperations
	}
	return c.PlanningModule
}

// Classify derives the context from the full list of active modules.
func (c Classifier) Classify(companyType domain.CompanyType, activeModules []string) (domain.OperationalContext, error) {
	planning := false
	for _, m := range activeModules {
		if m == c.planningModule() {
			planning = true
			break
		}
	}
	return Classify(companyType, planning)
}
