package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crtvstudio/internal/engine"
	"crtvstudio/internal/notify"
	"crtvstudio/internal/progress"
	"crtvstudio/internal/repo"
	"crtvstudio/internal/schema"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Bus      *notify.Bus
	BasePath string
	Auth     AuthConfig
	// BaseContext stops background workers (the webhook dispatcher) when
	// cancelled. Nil means they run for the process lifetime.
	BaseContext context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"reviews_missing"`
	Message string         `json:"message" example:"reviews missing: producer"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CRTV Studio API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("CRTV Studio API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	rollup := progress.Rollup{Repo: cfg.Engine.Repo}

	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerMe(group)
	registerIdeas(group, cfg.Engine, rollup)
	registerProjects(group, cfg.Engine, rollup)
	registerCheckpoints(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerStream(router, basePath, cfg.Bus)

	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	startWebhookDispatcher(baseCtx, cfg.Engine)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se *schema.Error
	if errors.As(err, &se) {
		return newAPIError(http.StatusUnprocessableEntity, "schema_invalid", err.Error(), map[string]any{
			"artifact": se.Artifact,
			"path":     se.Path,
		})
	}
	var me *engine.MappingError
	if errors.As(err, &me) {
		return newAPIError(http.StatusUnprocessableEntity, "mapping_error", err.Error(), map[string]any{
			"checkpoint": me.Checkpoint,
			"phase":      me.Phase,
		})
	}
	var rm *engine.ReviewsMissingError
	if errors.As(err, &rm) {
		return newAPIError(http.StatusConflict, "reviews_missing", err.Error(), map[string]any{"missing": rm.Missing})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already closed"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "out of range") || strings.Contains(lowered, "not a checkpoint reviewer"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerDevAuth(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			UserID int64  `json:"user_id"`
			Role   string `json:"role"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !auth.DevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		if input.Body.UserID == 0 || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id and role are required", nil)
		}
		token, err := MintToken(auth.JWTSecret, input.Body.UserID, input.Body.Role, 12*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"user_id": p.UserID, "role": p.Role}}, nil
	})
}

func registerIdeas(api huma.API, e engine.Engine, rollup progress.Rollup) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-idea",
		Method:        http.MethodPost,
		Path:          "/ideas",
		Summary:       "Submit an idea and generate its brief and plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitIdeaRequest `json:"body"`
	}) (*struct {
		Body IntakeResponse `json:"body"`
	}, error) {
		p, authErr := requireArea(ctx, e.Config, "idea.submit")
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Summary) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "summary is required", nil)
		}
		res, err := e.GenerateBriefAndPlan(ctx, p.UserID, input.Body.Summary)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntakeResponse `json:"body"`
		}{Body: intakeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ideas",
		Method:      http.MethodGet,
		Path:        "/ideas",
		Summary:     "List ideas",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []IdeaResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListIdeas(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []IdeaResponse `json:"body"`
		}{Body: mapIdeas(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-idea",
		Method:      http.MethodGet,
		Path:        "/ideas/{id}",
		Summary:     "Get idea with its latest brief",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body struct {
			Idea  IdeaResponse   `json:"idea"`
			Brief *BriefResponse `json:"brief,omitempty"`
		} `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		idea, err := e.Repo.GetIdea(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Idea  IdeaResponse   `json:"idea"`
				Brief *BriefResponse `json:"brief,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Idea = ideaResponse(idea)
		if b, err := e.Repo.LatestBriefForIdea(ctx, input.ID); err == nil {
			br := briefResponse(b)
			out.Body.Brief = &br
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-idea",
		Method:      http.MethodPost,
		Path:        "/ideas/{id}/approve",
		Summary:     "Approve the latest brief and expand the plan",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		if _, authErr := requireArea(ctx, e.Config, "idea.approve"); authErr != nil {
			return nil, authErr
		}
		res, err := e.ApproveBrief(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "idea-progress",
		Method:      http.MethodGet,
		Path:        "/ideas/{id}/progress",
		Summary:     "Progress rollup for every project of an idea",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []ProgressResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetIdea(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := rollup.ForIdea(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProgressResponse `json:"body"`
		}{Body: mapProgress(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "idea-timeline",
		Method:      http.MethodGet,
		Path:        "/ideas/{id}/timeline",
		Summary:     "Activity timeline in emission order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetIdea(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.EventsByEntity(ctx, "idea", input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine, rollup progress.Rollup) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/progress",
		Summary:     "Progress rollup for a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Sync bool  `query:"sync" doc:"Persist the computed completion on the project row"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			pp  progress.ProjectProgress
			err error
		)
		if input.Sync {
			pp, err = rollup.SyncProject(ctx, input.ID)
		} else {
			pp, err = rollup.ForProject(ctx, input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: progressResponse(pp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-checkpoints",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/checkpoints",
		Summary:     "Checkpoints of a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []CheckpointResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.CheckpointsByProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CheckpointResponse `json:"body"`
		}{Body: mapCheckpoints(items)}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoint-tasks",
		Method:      http.MethodGet,
		Path:        "/checkpoints/{id}/tasks",
		Summary:     "Tasks of a checkpoint",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetCheckpoint(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.TasksByCheckpoint(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-checkpoint",
		Method:      http.MethodPost,
		Path:        "/checkpoints/{id}/review",
		Summary:     "Submit a checkpoint review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, authErr := requireArea(ctx, e.Config, "checkpoint.review")
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SubmitCheckpointReview(ctx, input.ID, p.Role, input.Body.Note); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "recorded"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-checkpoint",
		Method:      http.MethodPost,
		Path:        "/checkpoints/{id}/close",
		Summary:     "Close a fully reviewed checkpoint",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body CheckpointResponse `json:"body"`
	}, error) {
		if _, authErr := requireArea(ctx, e.Config, "checkpoint.close"); authErr != nil {
			return nil, authErr
		}
		cp, err := e.CloseCheckpoint(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckpointResponse `json:"body"`
		}{Body: checkpointResponse(cp)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task status, assignee or priority",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := requireArea(ctx, e.Config, "task.update"); authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskUpdateOptions{ID: input.ID, Assign: input.Body.Assignee}
		if input.Body.Status != nil {
			opts.Status = *input.Body.Status
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events, newest first",
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
		EntityID   int64  `query:"entity_id"`
		Kind       string `query:"kind"`
		Limit      int    `query:"limit" default:"20"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			Kind:       input.Kind,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
