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

	"sprintline/internal/board"
	"sprintline/internal/domain"
	"sprintline/internal/engine"
	"sprintline/internal/metrics"
	"sprintline/internal/repo"
	"sprintline/internal/report"
	"sprintline/internal/slack"
)

// Config for the HTTP handler: operator API plus Slack command endpoints.
type Config struct {
	Engine        *engine.Engine
	Source        board.Source
	BasePath      string
	Auth          AuthConfig
	SigningSecret string
	Slack         slack.Client
	Now           func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"a sprint is already active"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Sprintline API and Slack
// endpoints.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Sprintline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerSprint(group, cfg.Engine)
	registerMetrics(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerIngest(group, cfg)
	registerClose(group, cfg.Engine)

	d := dispatcher{cfg: cfg}
	router.Post("/slack/commands", d.handleCommand)
	router.Post("/slack/interactions", d.handleInteraction)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrSprintActive):
		return newAPIError(http.StatusConflict, "sprint_active", err.Error(), nil)
	case errors.Is(err, engine.ErrNoActiveSprint):
		return newAPIError(http.StatusConflict, "no_active_sprint", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, board.ErrMalformedSnapshot):
		return newAPIError(http.StatusBadRequest, "malformed_snapshot", err.Error(), nil)
	case errors.Is(err, board.ErrUnavailable):
		return newAPIError(http.StatusBadGateway, "board_unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusUnauthorized:
		return "unauthorized"
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

type sprintStatusBody struct {
	Sprint  domain.Sprint   `json:"sprint"`
	Tickets []domain.Ticket `json:"tickets"`
}

func registerSprint(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sprint-status",
		Method:      http.MethodGet,
		Path:        "/sprint",
		Summary:     "Active sprint status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sprintStatusBody `json:"body"`
	}, error) {
		sprint, tickets, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sprintStatusBody `json:"body"`
		}{Body: sprintStatusBody{Sprint: sprint, Tickets: tickets}}, nil
	})
}

func registerMetrics(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sprint-metrics",
		Method:      http.MethodGet,
		Path:        "/sprint/metrics",
		Summary:     "Active sprint metrics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Metrics `json:"body"`
	}, error) {
		m, err := computeMetrics(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Metrics `json:"body"`
		}{Body: m}, nil
	})
}

func registerHistory(api huma.API, e *engine.Engine) {
	type historyQuery struct {
		Limit int `query:"limit" default:"10" minimum:"0"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "sprint-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "Closed sprint records",
	}, func(ctx context.Context, input *historyQuery) (*struct {
		Body []domain.SprintRecord `json:"body"`
	}, error) {
		records, err := e.Repo.ListSprintRecords(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SprintRecord `json:"body"`
		}{Body: records}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	type eventsQuery struct {
		N        int    `query:"n" default:"20" minimum:"1"`
		Type     string `query:"type"`
		SprintID string `query:"sprint_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail sprint history events",
	}, func(ctx context.Context, input *eventsQuery) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evts, err := e.Repo.LatestEvents(ctx, input.N, input.SprintID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func registerIngest(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest",
		Method:      http.MethodPost,
		Path:        "/ingest",
		Summary:     "Fetch a board snapshot and ingest it",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SprintDelta `json:"body"`
	}, error) {
		snapshot, err := cfg.Source.Snapshot(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		delta, err := cfg.Engine.IngestSnapshot(ctx, snapshot, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SprintDelta `json:"body"`
		}{Body: delta}, nil
	})
}

func registerClose(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "close-sprint",
		Method:      http.MethodPost,
		Path:        "/sprint/close",
		Summary:     "Close the active sprint",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SprintRecord `json:"body"`
	}, error) {
		rec, err := e.CloseSprint(ctx, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SprintRecord `json:"body"`
		}{Body: rec}, nil
	})
}

// computeMetrics assembles the calculator inputs from recorded state.
func computeMetrics(ctx context.Context, e *engine.Engine) (domain.Metrics, error) {
	sprint, err := e.Repo.ActiveSprint(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Metrics{}, engine.ErrNoActiveSprint
		}
		return domain.Metrics{}, err
	}
	rows, err := e.Repo.ListSprintTickets(ctx, sprint.ID)
	if err != nil {
		return domain.Metrics{}, err
	}
	history, err := e.Repo.ListSprintRecords(ctx, e.Config.VelocityWindow())
	if err != nil {
		return domain.Metrics{}, err
	}
	return metrics.Compute(sprint, rows, history, metrics.Options{
		VelocityWindow: e.Config.VelocityWindow(),
		CountGoalScope: e.Config.Metrics.CountGoalScope,
	}), nil
}

func reportOptions(cfg Config) report.Options {
	return report.Options{
		MaxAgeGlyphs: cfg.Engine.Config.MaxAgeGlyphs(),
		Now:          cfg.now,
	}
}
