package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskgate/internal/domain"
	"taskgate/internal/migrate"
	"taskgate/internal/repo"
)

// Config for the HTTP API handler. The API is read-only observability over
// the store: plan and task state, gate results, and the agent event log.
type Config struct {
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"plan not found"`
}

type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, msg string) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: msg}}
}

// New returns an HTTP handler exposing the dispatch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Taskgate API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Repo)
	registerPlans(group, cfg.Repo)
	registerTasks(group, cfg.Repo)
	return router, nil
}

type healthBody struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}

func registerHealth(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		v, err := migrate.SchemaVersion(r.DB)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error())
		}
		return &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{Status: "ok", SchemaVersion: v}}, nil
	})
}

func registerPlans(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Plan `json:"body"`
	}, error) {
		plans, err := r.ListPlans(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error())
		}
		return &struct {
			Body []domain.Plan `json:"body"`
		}{Body: plans}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan}",
		Summary:     "Show a plan and its tasks",
	}, func(ctx context.Context, input *struct {
		Plan string `path:"plan"`
	}) (*struct {
		Body struct {
			Plan  domain.Plan   `json:"plan"`
			Tasks []domain.Task `json:"tasks"`
		} `json:"body"`
	}, error) {
		p, err := r.ResolvePlan(ctx, input.Plan)
		if err != nil {
			return nil, planErr(err)
		}
		tasks, err := r.ListTasks(ctx, p.ID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error())
		}
		out := &struct {
			Body struct {
				Plan  domain.Plan   `json:"plan"`
				Tasks []domain.Task `json:"tasks"`
			} `json:"body"`
		}{}
		out.Body.Plan = p
		out.Body.Tasks = tasks
		return out, nil
	})
}

func registerTasks(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task-gate-results",
		Method:      http.MethodGet,
		Path:        "/tasks/{task}/gate-results",
		Summary:     "List gate results for a task attempt",
	}, func(ctx context.Context, input *struct {
		Task    string `path:"task"`
		Attempt int    `query:"attempt"`
	}) (*struct {
		Body []domain.GateResult `json:"body"`
	}, error) {
		t, err := r.GetTask(ctx, input.Task)
		if err != nil {
			return nil, planErr(err)
		}
		attempt := input.Attempt
		if attempt == 0 {
			attempt = t.Attempt
		}
		results, err := r.ListGateResults(ctx, t.ID, attempt)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error())
		}
		return &struct {
			Body []domain.GateResult `json:"body"`
		}{Body: results}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{task}/events",
		Summary:     "List recent agent events for a task",
	}, func(ctx context.Context, input *struct {
		Task  string `path:"task"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.AgentEvent `json:"body"`
	}, error) {
		t, err := r.GetTask(ctx, input.Task)
		if err != nil {
			return nil, planErr(err)
		}
		evs, err := r.ListAgentEvents(ctx, t.ID, input.Limit)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error())
		}
		return &struct {
			Body []domain.AgentEvent `json:"body"`
		}{Body: evs}, nil
	})
}

func planErr(err error) huma.StatusError {
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "", err.Error())
}
