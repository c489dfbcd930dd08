package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"stageline/internal/cache"
	"stageline/internal/capacity"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/projector"
	"stageline/internal/sse"
	"stageline/internal/stage"
	"stageline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Broker, when set, is served at {base}/events.
	Broker *sse.Broker
	Logger *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_exceeded"`
	Message string         `json:"message" example:"project p1 has 5 active items (limit 5)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"limit\":5}"`
}

// apiError is the error envelope of every failed request.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the board API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group)
	registerProjects(group, h)
	registerLeads(group, h)
	registerTasks(group, h)
	registerActivity(group, h)
	registerOpenAPI(router, api, basePath)
	if cfg.Broker != nil {
		router.Get(path.Join(basePath, "events"), cfg.Broker.ServeHTTP)
	}

	return router, nil
}

type handlers struct {
	engine engine.Engine
	logger *slog.Logger
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

func (h handlers) fail(err error) huma.StatusError {
	se := handleError(err)
	if se.GetStatus() >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	return se
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var exceeded *capacity.ExceededError
	if errors.As(err, &exceeded) {
		return newAPIError(http.StatusConflict, "capacity_exceeded", err.Error(), map[string]any{
			"count": exceeded.Count,
			"limit": exceeded.Limit,
		})
	}
	if errors.Is(err, capacity.ErrCheckFailed) {
		return newAPIError(http.StatusServiceUnavailable, "capacity_check_failed", "capacity could not be verified", nil)
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusInternalServerError, "transition_failed", "move could not be saved", map[string]any{
			"entity_id":     te.EntityID,
			"from_stage_id": te.From,
			"to_stage_id":   te.To,
		})
	}
	if errors.Is(err, engine.ErrInvalidStage) {
		return newAPIError(http.StatusBadRequest, "invalid_stage", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidFields) {
		var details map[string]any
		var verrs validation.Errors
		if errors.As(err, &verrs) {
			details = map[string]any{}
			for field, ferr := range verrs {
				details[field] = ferr.Error()
			}
		}
		return newAPIError(http.StatusBadRequest, "invalid_fields", err.Error(), details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, auth.ErrActorRequired) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, stage.ErrStageNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", "already exists", nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error"}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Stageline API Docs</title>
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

func registryForBoard(board string) (*stage.Registry, huma.StatusError) {
	kind, ok := domain.KindFromBoard(board)
	if !ok {
		return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("unknown board %q", board), nil)
	}
	reg, ok := stage.For(kind)
	if !ok {
		return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("no stages for board %q", board), nil)
	}
	return reg, nil
}

func registerStages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages/{board}",
		Summary:     "List the stages of a board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Board string `path:"board" enum:"leads,tasks"`
	}) (*struct {
		Body StagesResponse `json:"body"`
	}, error) {
		reg, serr := registryForBoard(input.Board)
		if serr != nil {
			return nil, serr
		}
		return &struct {
			Body StagesResponse `json:"body"`
		}{Body: StagesResponse{Board: reg.Name(), Ranked: reg.Ranked(), Stages: reg.Stages()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lead-stage-fields",
		Method:      http.MethodGet,
		Path:        "/stages/leads/{stage_id}/fields",
		Summary:     "Lead form fields for a stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body FieldsResponse `json:"body"`
	}, error) {
		fields, err := stage.LeadFields(input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FieldsResponse `json:"body"`
		}{Body: FieldsResponse{StageID: input.StageID, Fields: nonNilSlice(fields)}}, nil
	})
}

func registerProjects(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actor := actorID(ctx)
		if err := auth.RequireActor(actor); err != nil {
			return nil, handleError(err)
		}
		p, err := h.engine.CreateProject(ctx, input.Body.ID, input.Body.Name, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := h.engine.Repo.ListProjects(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-capacity",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/capacity",
		Summary:     "Open task count against the project limit",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body CapacityResponse `json:"body"`
	}, error) {
		st, err := h.engine.Capacity(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body CapacityResponse `json:"body"`
		}{Body: capacityResponse(input.ProjectID, st)}, nil
	})
}

// boardView renders a project board in the requested projection. Totals always cover
// the whole board; q narrows the entities shown.
func (h handlers) boardView(ctx context.Context, kind domain.Kind, projectID, view, q string) (BoardResponse, error) {
	if _, err := h.engine.Repo.GetProject(ctx, projectID); err != nil {
		return BoardResponse{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	snap, reg, err := h.engine.Board(ctx, kind, projectID)
	if err != nil {
		return BoardResponse{}, err
	}
	filtered := cache.Snapshot(projector.Filter(snap, q))
	resp := BoardResponse{View: view, Totals: projector.Totals(snap, reg)}
	switch view {
	case "list":
		resp.Items = nonNilSlice([]domain.Entity(filtered))
	case "table":
		resp.Rows = projector.Rows(filtered, reg)
	default:
		resp.View = "board"
		resp.Columns = projector.Columns(filtered, reg)
	}
	return resp, nil
}

type boardQuery struct {
	ProjectID string `path:"project_id"`
	View      string `query:"view" enum:"board,list,table" default:"board"`
	Q         string `query:"q" doc:"Case-insensitive match on name, company or email"`
}

type entityPath struct {
	ProjectID string `path:"project_id"`
	ID        string `path:"id"`
}

func registerLeads(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lead",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/leads",
		Summary:       "Create lead",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateLeadRequest `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		b := input.Body
		ent, err := h.engine.CreateLead(ctx, engine.LeadCreateOptions{
			ProjectID:  input.ProjectID,
			StageID:    b.StageID,
			Name:       b.Name,
			Company:    b.Company,
			Email:      b.Email,
			Phone:      b.Phone,
			Value:      b.Value,
			OwnerID:    b.OwnerID,
			NextAction: b.NextAction,
			DueDate:    b.DueDate,
			Notes:      b.Notes,
			Details:    b.Details,
			ActorID:    actorID(ctx),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/leads",
		Summary:     "Lead pipeline as board, list or table",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *boardQuery) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		resp, err := h.boardView(ctx, domain.KindLead, input.ProjectID, input.View, input.Q)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lead",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/leads/{id}",
		Summary:     "Edit lead fields",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      UpdateLeadRequest `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		b := input.Body
		ent, err := h.engine.UpdateLead(ctx, engine.LeadUpdateOptions{
			ID:         input.ID,
			ProjectID:  input.ProjectID,
			Name:       b.Name,
			Company:    b.Company,
			Email:      b.Email,
			Phone:      b.Phone,
			Value:      b.Value,
			OwnerID:    b.OwnerID,
			NextAction: b.NextAction,
			DueDate:    b.DueDate,
			Notes:      b.Notes,
			Details:    b.Details,
			ActorID:    actorID(ctx),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	registerMove(api, h, domain.KindLead)

	huma.Register(api, huma.Operation{
		OperationID: "lead-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/leads/{id}/history",
		Summary:     "Stage transitions of a lead, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body []domain.TransitionRecord `json:"body"`
	}, error) {
		items, err := h.engine.LeadHistory(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.TransitionRecord `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-lead",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/leads/{id}",
		Summary:       "Delete lead (leads are kept; move them to a closed stage instead)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct{}, error) {
		if err := h.engine.DeleteLead(ctx, input.ProjectID, input.ID, actorID(ctx)); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})
}

func registerMove(api huma.API, h handlers, kind domain.Kind) {
	board := kind.Table()
	huma.Register(api, huma.Operation{
		OperationID: "move-" + string(kind),
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/" + board + "/{id}/move",
		Summary:     "Move a " + string(kind) + " to another stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		ID        string      `path:"id"`
		Body      MoveRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		actor := actorID(ctx)
		if err := auth.RequireActor(actor); err != nil {
			return nil, handleError(err)
		}
		outcome, ent, err := h.engine.Move(ctx, kind, input.ProjectID, input.ID, input.Body.FromStageID, input.Body.ToStageID, actor)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body MoveResponse `json:"body"`
		}{Body: MoveResponse{Outcome: outcome, Entity: ent}}, nil
	})
}

func registerTasks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		b := input.Body
		ent, err := h.engine.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID: input.ProjectID,
			StageID:   b.StageID,
			Title:     b.Title,
			Notes:     b.Notes,
			Priority:  b.Priority,
			DueDate:   b.DueDate,
			OwnerID:   b.OwnerID,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "Task board as board, list or table",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *boardQuery) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		resp, err := h.boardView(ctx, domain.KindTask, input.ProjectID, input.View, input.Q)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Edit task fields",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Entity `json:"body"`
	}, error) {
		b := input.Body
		ent, err := h.engine.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:        input.ID,
			ProjectID: input.ProjectID,
			Title:     b.Title,
			Notes:     b.Notes,
			Priority:  b.Priority,
			DueDate:   b.DueDate,
			OwnerID:   b.OwnerID,
			ActorID:   actorID(ctx),
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Entity `json:"body"`
		}{Body: ent}, nil
	})

	registerMove(api, h, domain.KindTask)

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/complete",
		Summary:     "Toggle task completion, optionally with feedback",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		ID        string               `path:"id"`
		Body      *CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body MoveResponse `json:"body"`
	}, error) {
		var feedback *domain.TaskFeedback
		if input.Body != nil {
			feedback = input.Body.Feedback
		}
		outcome, ent, err := h.engine.CompleteTask(ctx, engine.CompleteTaskOptions{
			ID:        input.ID,
			ProjectID: input.ProjectID,
			ActorID:   actorID(ctx),
			Feedback:  feedback,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body MoveResponse `json:"body"`
		}{Body: MoveResponse{Outcome: outcome, Entity: ent}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-completions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/completions",
		Summary:     "Feedback recorded when the task was completed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body []domain.TaskCompletion `json:"body"`
	}, error) {
		items, err := h.engine.Repo.ListCompletions(ctx, input.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.TaskCompletion `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct{}, error) {
		if err := h.engine.DeleteTask(ctx, input.ProjectID, input.ID, actorID(ctx)); err != nil {
			return nil, h.fail(err)
		}
		return &struct{}{}, nil
	})
}

func registerActivity(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "project-activity",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/activity",
		Summary:     "Recent activity of a project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		items, err := h.engine.Repo.LatestEvents(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, h.fail(err)
		}
		resp := make([]ActivityResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, activityResponse(evt))
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: resp}, nil
	})
}
