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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"flowlens/internal/detect"
	"flowlens/internal/domain"
	"flowlens/internal/engine"
	"flowlens/internal/logging"
	"flowlens/internal/metrics"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
	"flowlens/internal/workload"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.SugaredLogger
	// Telemetry records request counts and durations; nil disables it.
	Telemetry *telemetry.Telemetry
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"analysis not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the flowlens API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logging.OrNop(cfg.Log).Named("http")

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
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log, cfg.Telemetry))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Flowlens API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerProviders(group, e)
	registerSnapshots(group, e)
	registerReport(group, e)
	registerAnalyses(group, e)
	registerRuns(group, e)
	registerEvents(group, e)
	if err := registerOpenAPI(router, api, basePath); err != nil {
		return nil, err
	}
	if cfg.MetricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

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
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(log *zap.SugaredLogger, tel *telemetry.Telemetry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			tel.RecordHTTP(r.Context(), route, status, elapsed)
			log.Infow("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// registerOpenAPI builds the document once, after every operation is
// registered, and serves the bytes read-only.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) error {
	oas := api.OpenAPI()
	ensureDefaultErrorResponses(oas)
	applyAuthSecurity(oas, basePath)
	spec, err := json.Marshal(oas)
	if err != nil {
		return fmt.Errorf("encode openapi: %w", err)
	}
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	return nil
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Flowlens API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			p = Principal{Subject: "anonymous", Source: "none"}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Subject: p.Subject, Source: p.Source}}, nil
	})
}

func registerProviders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "AI provider availability",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProvidersResponse `json:"body"`
	}, error) {
		avail := e.Providers()
		resp := ProvidersResponse{Providers: avail, Simulation: true}
		for _, ok := range avail {
			if ok {
				resp.Simulation = false
			}
		}
		return &struct {
			Body ProvidersResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSnapshots(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-snapshot",
		Method:      http.MethodPost,
		Path:        "/snapshots",
		Summary:     "Record a board snapshot",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SnapshotRequest `json:"body"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		var date time.Time
		if input.Body.Date != nil {
			date = *input.Body.Date
		}
		var (
			snap domain.Snapshot
			err  error
		)
		switch {
		case input.Body.Snapshot != nil:
			s := *input.Body.Snapshot
			if s.Date.IsZero() {
				s.Date = date
			}
			snap, err = e.RecordSnapshot(ctx, s)
		case strings.TrimSpace(input.Body.Board) != "":
			snap, err = e.RecordBoard(ctx, input.Body.Board, date)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "board or snapshot is required", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-snapshots",
		Method:      http.MethodGet,
		Path:        "/snapshots",
		Summary:     "List retained snapshots, oldest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" doc:"Return only the newest N snapshots"`
	}) (*struct {
		Body SnapshotList `json:"body"`
	}, error) {
		snaps := e.Snapshots()
		if input.Limit > 0 && input.Limit < len(snaps) {
			snaps = snaps[len(snaps)-input.Limit:]
		}
		return &struct {
			Body SnapshotList `json:"body"`
		}{Body: SnapshotList{Items: nonNilSlice(snaps)}}, nil
	})
}

func registerReport(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics-report",
		Method:      http.MethodGet,
		Path:        "/report",
		Summary:     "Flow metrics report over the retained history",
	}, func(ctx context.Context, input *struct {
		Format string `query:"format" enum:"json,markdown" default:"json"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		report := e.Report()
		resp := ReportResponse{Report: report}
		if input.Format == "markdown" {
			resp.Markdown = metrics.RenderMarkdown(report)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: resp}, nil
	})
}

type entitiesInput struct {
	Body domain.Entities `json:"body"`
}

func registerAnalyses(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/analyses",
		Summary:     "Run every analysis over an entity set",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *entitiesInput) (*struct {
		Body engine.Analysis `json:"body"`
	}, error) {
		return &struct {
			Body engine.Analysis `json:"body"`
		}{Body: e.Analyze(ctx, input.Body)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-global",
		Method:      http.MethodPost,
		Path:        "/analyses/global",
		Summary:     "Generative global analysis",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *entitiesInput) (*struct {
		Body engine.GlobalAnalysis `json:"body"`
	}, error) {
		return &struct {
			Body engine.GlobalAnalysis `json:"body"`
		}{Body: e.AnalyzeGlobal(ctx, input.Body)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-bottlenecks",
		Method:      http.MethodPost,
		Path:        "/analyses/bottlenecks",
		Summary:     "Detect review and blocked accumulation per team",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *entitiesInput) (*struct {
		Body BottlenecksResponse `json:"body"`
	}, error) {
		items := e.Bottlenecks(ctx, input.Body)
		findings := make([]domain.Finding, 0, len(items))
		for _, b := range items {
			findings = append(findings, b)
		}
		return &struct {
			Body BottlenecksResponse `json:"body"`
		}{Body: BottlenecksResponse{Items: items, MaxSeverity: domain.MaxSeverity(findings...)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-workload",
		Method:      http.MethodPost,
		Path:        "/analyses/workload",
		Summary:     "Classify user utilization",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *entitiesInput) (*struct {
		Body workload.Assessment `json:"body"`
	}, error) {
		return &struct {
			Body workload.Assessment `json:"body"`
		}{Body: e.OptimizeWorkload(ctx, input.Body)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-coordination",
		Method:      http.MethodPost,
		Path:        "/analyses/coordination",
		Summary:     "Detect divergence on multi-team projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *entitiesInput) (*struct {
		Body detect.Coordination `json:"body"`
	}, error) {
		return &struct {
			Body detect.Coordination `json:"body"`
		}{Body: e.Coordinate(ctx, input.Body)}, nil
	})
}

func registerRuns(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List stored analysis runs, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body RunList `json:"body"`
	}, error) {
		runs, err := e.Analyses(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := RunList{Items: []RunResponse{}}
		for _, r := range runs {
			resp.Items = append(resp.Items, runResponse(r))
		}
		return &struct {
			Body RunList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get one stored analysis run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.GetAnalysis(ctx, input.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "analysis run not found", map[string]any{"id": input.ID})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"snapshot,analysis"`
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
		items, err := e.Events(ctx, store.EventFilter{
			Limit:      limit + 1,
			Before:     before,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
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
