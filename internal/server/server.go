package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"diveops/internal/access"
	"diveops/internal/compliance"
	"diveops/internal/domain"
	"diveops/internal/engine"
	"diveops/internal/lifecycle"
	"diveops/internal/logging"
	"diveops/internal/opcontext"
	"diveops/internal/repo"
)

// DefaultActor is recorded on events when a request carries no X-Actor-Id.
const DefaultActor = "api"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Logger   *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid immersion transition completada -> en_progreso"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"completada\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the diveops API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrDiscard(cfg.Logger)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema failures are the caller's fault, not a compliance result
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	hcfg := huma.DefaultConfig("diveops API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerCompanies(group)
	h.registerOperations(group)
	h.registerImmersions(group)
	h.registerJobs(group)
	h.registerNotifications(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	e   engine.Engine
	log *log.Logger
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request", "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce compliance.Error
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "compliance_failed", err.Error(), map[string]any{"validation": ce.Result})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	var se engine.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"estado": se.Estado})
	}
	var ie engine.InputError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, opcontext.ErrUnknownCompanyType):
		return newAPIError(http.StatusUnprocessableEntity, "unknown_company_type", err.Error(), nil)
	}
	h.log.Error("request failed", "error", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func actorOr(id string) string {
	if strings.TrimSpace(id) == "" {
		return DefaultActor
	}
	return id
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>diveops API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerCompanies(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-company",
		Method:        http.MethodPost,
		Path:          "/companies",
		Summary:       "Register a company",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		Body    CreateCompanyRequest
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		c, err := h.e.CreateCompany(ctx, domain.Company{ID: input.Body.ID, Name: input.Body.Name, Type: input.Body.Type}, actorOr(input.ActorID))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-companies",
		Method:      http.MethodGet,
		Path:        "/companies",
		Summary:     "List companies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Company `json:"body"`
	}, error) {
		items, err := h.e.Repo.ListCompanies(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Company `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-company",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}",
		Summary:     "Get a company",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		c, err := h.e.Repo.GetCompany(ctx, input.CompanyID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operational-context",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/context",
		Summary:     "Classify the company's operating mode",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
	}) (*struct {
		Body domain.OperationalContext `json:"body"`
	}, error) {
		oc, err := h.e.ContextForCompany(ctx, input.CompanyID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.OperationalContext `json:"body"`
		}{Body: oc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-modules",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/modules",
		Summary:     "List module activations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
	}) (*struct {
		Body []domain.ModuleActivation `json:"body"`
	}, error) {
		if _, err := h.e.Repo.GetCompany(ctx, input.CompanyID); err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.e.Repo.ListModules(ctx, input.CompanyID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.ModuleActivation `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-module",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/modules/{module}",
		Summary:     "Check whether a module is active",
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
		Module    string `path:"module"`
	}) (*struct {
		Body ModuleStatusResponse `json:"body"`
	}, error) {
		scope := access.Scope{CompanyID: input.CompanyID}
		return &struct {
			Body ModuleStatusResponse `json:"body"`
		}{Body: ModuleStatusResponse{
			CompanyID: input.CompanyID,
			Module:    input.Module,
			Active:    h.e.IsModuleActive(ctx, scope, input.Module),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-module",
		Method:      http.MethodPut,
		Path:        "/companies/{company_id}/modules/{module}",
		Summary:     "Enable or disable a module",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
		Module    string `path:"module"`
		ActorID   string `header:"X-Actor-Id"`
		Body      SetModuleRequest
	}) (*struct {
		Body domain.ModuleActivation `json:"body"`
	}, error) {
		m, err := h.e.SetModule(ctx, input.CompanyID, input.Module, input.Body.Active, actorOr(input.ActorID))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.ModuleActivation `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-personnel",
		Method:        http.MethodPost,
		Path:          "/personnel",
		Summary:       "Register a person",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreatePersonnelRequest
	}) (*struct {
		Body domain.Personnel `json:"body"`
	}, error) {
		p, err := h.e.AddPersonnel(ctx, domain.Personnel{
			ID:        input.Body.ID,
			CompanyID: input.Body.CompanyID,
			Name:      input.Body.Name,
			Role:      input.Body.Role,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Personnel `json:"body"`
		}{Body: p}, nil
	})
}

func (h handlers) registerOperations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-operation",
		Method:        http.MethodPost,
		Path:          "/operations",
		Summary:       "Create a planned operation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		Body    CreateOperationRequest
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		op, err := h.e.CreateOperation(ctx, domain.Operation{
			ID:        input.Body.ID,
			CompanyID: input.Body.CompanyID,
			Codigo:    input.Body.Codigo,
			Name:      input.Body.Name,
		}, actorOr(input.ActorID))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations",
	}, func(ctx context.Context, input *struct {
		CompanyID string `query:"company_id"`
	}) (*struct {
		Body []domain.Operation `json:"body"`
	}, error) {
		items, err := h.e.Repo.ListOperations(ctx, input.CompanyID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Operation `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/validation",
		Summary:     "Check HPT and Anexo Bravo for an operation",
		Description: "Always answers 200; isValid=false covers missing operations and lookup failures.",
	}, func(ctx context.Context, input *struct {
		OperationID string `path:"operation_id"`
	}) (*struct {
		Body domain.ValidationResult `json:"body"`
	}, error) {
		return &struct {
			Body domain.ValidationResult `json:"body"`
		}{Body: h.e.Validate(ctx, input.OperationID)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-document",
		Method:        http.MethodPost,
		Path:          "/operations/{operation_id}/documents",
		Summary:       "Record an HPT or Anexo Bravo",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID string `path:"operation_id"`
		ActorID     string `header:"X-Actor-Id"`
		Body        RecordDocumentRequest
	}) (*struct {
		Body domain.ComplianceDocument `json:"body"`
	}, error) {
		doc, err := h.e.RecordDocument(ctx, engine.DocumentOptions{
			ID:                input.Body.ID,
			Kind:              input.Body.Kind,
			OperationID:       input.OperationID,
			State:             input.Body.State,
			ChecklistComplete: input.Body.ChecklistComplete,
			ActorID:           actorOr(input.ActorID),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.ComplianceDocument `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-document",
		Method:      http.MethodPost,
		Path:        "/documents/{kind}/{document_id}/sign",
		Summary:     "Sign a document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Kind       domain.DocumentKind `path:"kind" enum:"hpt,anexo_bravo"`
		DocumentID string              `path:"document_id"`
		ActorID    string              `header:"X-Actor-Id"`
	}) (*struct {
		Body domain.ComplianceDocument `json:"body"`
	}, error) {
		doc, err := h.e.SignDocument(ctx, input.Kind, input.DocumentID, actorOr(input.ActorID))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.ComplianceDocument `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-checklist",
		Method:        http.MethodPut,
		Path:          "/documents/anexo_bravo/{document_id}/checklist",
		Summary:       "Mark the Anexo Bravo checklist complete or open",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DocumentID string `path:"document_id"`
		Body       ChecklistRequest
	}) (*struct{}, error) {
		if err := h.e.SetChecklistComplete(ctx, input.DocumentID, input.Body.Complete); err != nil {
			return nil, h.handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerImmersions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-immersion",
		Method:        http.MethodPost,
		Path:          "/immersions",
		Summary:       "Schedule an immersion",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ActorID string `header:"X-Actor-Id"`
		Body    CreateImmersionRequest
	}) (*struct {
		Body domain.Immersion `json:"body"`
	}, error) {
		im, err := h.e.CreateImmersion(ctx, engine.ImmersionCreateOptions{
			ID:               input.Body.ID,
			Codigo:           input.Body.Codigo,
			CompanyID:        input.Body.CompanyID,
			OperacionID:      input.Body.OperacionID,
			EstimatedEndTime: input.Body.EstimatedEndTime,
			SupervisorID:     input.Body.SupervisorID,
			Team:             toTeam(input.Body.Team),
			ActorID:          actorOr(input.ActorID),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Immersion `json:"body"`
		}{Body: im}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-immersions",
		Method:      http.MethodGet,
		Path:        "/immersions",
		Summary:     "List immersions",
	}, func(ctx context.Context, input *struct {
		CompanyID   string `query:"company_id"`
		OperacionID string `query:"operacion_id"`
		Estado      string `query:"estado" enum:"planificada,en_progreso,completada,cancelada"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Immersion `json:"body"`
	}, error) {
		items, err := h.e.Repo.ListImmersions(ctx, repo.ImmersionFilters{
			CompanyID:   input.CompanyID,
			OperacionID: input.OperacionID,
			Estado:      input.Estado,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Immersion `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-immersion",
		Method:      http.MethodGet,
		Path:        "/immersions/{inmersion_id}",
		Summary:     "Get an immersion with its team, logs and notifications",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InmersionID string `path:"inmersion_id"`
	}) (*struct {
		Body engine.ImmersionDetail `json:"body"`
	}, error) {
		d, err := h.e.ImmersionDetail(ctx, input.InmersionID)
		if err != nil {
			return nil, h.handleError(err)
		}
		d.Team = nonNil(d.Team)
		d.DiverLogs = nonNil(d.DiverLogs)
		d.Notifications = nonNil(d.Notifications)
		return &struct {
			Body engine.ImmersionDetail `json:"body"`
		}{Body: d}, nil
	})

	type immersionAction func(ctx context.Context, id, actorID string) (domain.Immersion, error)
	registerAction := func(opID, verb, summary string, fn immersionAction) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/immersions/{inmersion_id}/" + verb,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
		}, func(ctx context.Context, input *struct {
			InmersionID string `path:"inmersion_id"`
			ActorID     string `header:"X-Actor-Id"`
		}) (*struct {
			Body domain.Immersion `json:"body"`
		}, error) {
			im, err := fn(ctx, input.InmersionID, actorOr(input.ActorID))
			if err != nil {
				return nil, h.handleError(err)
			}
			return &struct {
				Body domain.Immersion `json:"body"`
			}{Body: im}, nil
		})
	}
	registerAction("start-immersion", "start", "Start an immersion", h.e.StartImmersion)
	registerAction("complete-immersion", "complete", "Complete an immersion", h.e.CompleteImmersion)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-immersion",
		Method:      http.MethodPost,
		Path:        "/immersions/{inmersion_id}/cancel",
		Summary:     "Cancel an immersion",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InmersionID string                  `path:"inmersion_id"`
		ActorID     string                  `header:"X-Actor-Id"`
		Body        *CancelImmersionRequest `required:"false"`
	}) (*struct {
		Body domain.Immersion `json:"body"`
	}, error) {
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		im, err := h.e.CancelImmersion(ctx, input.InmersionID, reason, actorOr(input.ActorID))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Immersion `json:"body"`
		}{Body: im}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-team",
		Method:      http.MethodGet,
		Path:        "/immersions/{inmersion_id}/team",
		Summary:     "List the immersion team",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InmersionID string `path:"inmersion_id"`
	}) (*struct {
		Body []domain.TeamMember `json:"body"`
	}, error) {
		team, err := h.e.Team(ctx, input.InmersionID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.TeamMember `json:"body"`
		}{Body: nonNil(team)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-team-member",
		Method:      http.MethodPut,
		Path:        "/immersions/{inmersion_id}/team",
		Summary:     "Add or re-role a team member",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InmersionID string `path:"inmersion_id"`
		Body        TeamMemberRequest
	}) (*struct {
		Body []domain.TeamMember `json:"body"`
	}, error) {
		if err := h.e.AssignTeamMember(ctx, input.InmersionID, domain.TeamMember{UserID: input.Body.UserID, Role: input.Body.Role}); err != nil {
			return nil, h.handleError(err)
		}
		team, err := h.e.Team(ctx, input.InmersionID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.TeamMember `json:"body"`
		}{Body: nonNil(team)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "file-supervisor-log",
		Method:        http.MethodPost,
		Path:          "/immersions/{inmersion_id}/supervisor-log",
		Summary:       "File the supervisor log",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InmersionID string                `path:"inmersion_id"`
		ActorID     string                `header:"X-Actor-Id"`
		Body        *SupervisorLogRequest `required:"false"`
	}) (*struct {
		Body domain.SupervisorLog `json:"body"`
	}, error) {
		var req SupervisorLogRequest
		if input.Body != nil {
			req = *input.Body
		}
		l, err := h.e.FileSupervisorLog(ctx, input.InmersionID, req.SupervisorID, req.Summary, actorOr(input.ActorID))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.SupervisorLog `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "file-diver-log",
		Method:        http.MethodPost,
		Path:          "/immersions/{inmersion_id}/diver-logs",
		Summary:       "File an individual diver log",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		InmersionID string `path:"inmersion_id"`
		ActorID     string `header:"X-Actor-Id"`
		Body        DiverLogRequest
	}) (*struct {
		Body domain.DiverLog `json:"body"`
	}, error) {
		actor := input.ActorID
		if actor == "" {
			actor = input.Body.UserID
		}
		l, err := h.e.FileDiverLog(ctx, input.InmersionID, input.Body.UserID, input.Body.Summary, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.DiverLog `json:"body"`
		}{Body: l}, nil
	})
}

func (h handlers) registerJobs(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "run-immersion-lifecycle",
		Method:      http.MethodPost,
		Path:        "/jobs/immersion-lifecycle",
		Summary:     "Run one lifecycle scheduler pass",
		Description: "Auto-completes overdue immersions, sends stale logbook reminders and retries team cascades. Safe to call concurrently.",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body lifecycle.RunSummary `json:"body"`
	}, error) {
		summary, err := h.e.RunLifecycle(ctx)
		if err != nil {
			h.log.Error("lifecycle run failed", "error", err)
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), map[string]any{
				"success":   false,
				"timestamp": summary.Timestamp,
			})
		}
		return &struct {
			Body lifecycle.RunSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func (h handlers) registerNotifications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/notifications",
		Summary:     "List a user's notifications",
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Unread bool   `query:"unread"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		items, err := h.e.Notifications(ctx, input.UserID, input.Unread, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mark-notification-read",
		Method:        http.MethodPost,
		Path:          "/notifications/{notification_id}/read",
		Summary:       "Mark a notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct{}, error) {
		if err := h.e.MarkNotificationRead(ctx, input.NotificationID); err != nil {
			return nil, h.handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CompanyID  string `query:"company_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := h.e.Repo.LatestEvents(ctx, repo.EventFilters{
			CompanyID:  input.CompanyID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
