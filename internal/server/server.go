package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"insurewatch/internal/domain"
	"insurewatch/internal/engine"
	"insurewatch/internal/metrics"
	"insurewatch/internal/repo"
	"insurewatch/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Metrics  *metrics.Metrics
	// Batch runs tenant-wide checks; a scheduler over Engine is built when nil.
	Batch    BatchRunner
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

// BatchRunner checks many assets of one tenant on a bounded worker pool.
type BatchRunner interface {
	CheckAll(ctx context.Context, tenantID string, force bool) (scheduler.CycleReport, error)
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"alert cannot be acknowledged from Resolved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"severity\"}"`
}

// apiError models the error envelope every failure is rendered with.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the compliance API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", cfg.Metrics.Handler())

	hcfg := huma.DefaultConfig("InsureWatch Compliance API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	batch := cfg.Batch
	if batch == nil {
		batch = scheduler.New(cfg.Engine, cfg.Engine.Config, cfg.Metrics, log.Named("batch"))
	}
	h := handlers{e: cfg.Engine, batch: batch, log: log}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerDashboard(group)
	h.registerRules(group)
	h.registerAssets(group)
	h.registerBatch(group)
	h.registerAlerts(group)
	h.registerReports(group)
	registerOpenAPI(router, api, basePath)
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

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &ve):
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		h.log.Error("request failed", zap.Error(err))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
    <title>InsureWatch API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; carrying sub and tenant claims.
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

type handlers struct {
	e     engine.Engine
	batch BatchRunner
	log   *zap.Logger
}

type snapshotOutput struct {
	Body domain.Snapshot `json:"body"`
}

func (h handlers) registerDashboard(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Latest dashboard snapshot, refreshed when stale",
	}, func(ctx context.Context, _ *struct{}) (*snapshotOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := h.e.Dashboard(ctx, p.TenantID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &snapshotOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "refresh-dashboard",
		Method:        http.MethodPost,
		Path:          "/dashboard/refresh",
		Summary:       "Compute a new dashboard snapshot",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*snapshotOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := h.e.Refresh(ctx, p.TenantID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &snapshotOutput{Body: s}, nil
	})
}

type ruleOutput struct {
	Body domain.Rule `json:"body"`
}

type rulePath struct {
	ID string `path:"id"`
}

func (h handlers) registerRules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List rules ordered by priority",
	}, func(ctx context.Context, input *struct {
		IncludeInactive bool `query:"include_inactive"`
	}) (*struct {
		Body RuleList `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rules, err := h.e.ListRules(ctx, p.TenantID, input.IncludeInactive)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body RuleList `json:"body"`
		}{Body: RuleList{Items: nonNil(rules)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RuleRequest `json:"body"`
	}) (*ruleOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := h.e.CreateRule(ctx, p.TenantID, p.ActorID, input.Body.toDomain())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &ruleOutput{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{id}",
		Summary:     "Get rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *rulePath) (*ruleOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := h.e.GetRule(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &ruleOutput{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/rules/{id}",
		Summary:     "Replace rule definition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body RuleRequest `json:"body"`
	}) (*ruleOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule := input.Body.toDomain()
		rule.ID = input.ID
		updated, err := h.e.UpdateRule(ctx, p.TenantID, p.ActorID, rule)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &ruleOutput{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-rule",
		Method:      http.MethodPost,
		Path:        "/rules/{id}/deactivate",
		Summary:     "Deactivate rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *rulePath) (*ruleOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := h.e.DeactivateRule(ctx, p.TenantID, input.ID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &ruleOutput{Body: rule}, nil
	})
}

type assetPath struct {
	ID string `path:"id"`
}

func (h handlers) registerAssets(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "check-asset",
		Method:      http.MethodPost,
		Path:        "/assets/{id}/check",
		Summary:     "Run a compliance check now",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assetPath) (*struct {
		Body domain.Check `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		check, err := h.e.CheckAsset(ctx, p.TenantID, input.ID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Check `json:"body"`
		}{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "asset-status",
		Method:      http.MethodGet,
		Path:        "/assets/{id}/status",
		Summary:     "Current compliance status of an asset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assetPath) (*struct {
		Body engine.AssetStatus `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := h.e.AssetStatus(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.AssetStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "asset-history",
		Method:      http.MethodGet,
		Path:        "/assets/{id}/history",
		Summary:     "Compliance transitions and checks over a trailing window",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Days int    `query:"days" default:"30" minimum:"1" maximum:"365"`
	}) (*struct {
		Body AssetHistoryResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := h.e.Assets.GetAsset(ctx, p.TenantID, input.ID); err != nil {
			return nil, h.handleError(err)
		}
		history, err := h.e.AssetHistory(ctx, p.TenantID, input.ID, input.Days)
		if err != nil {
			return nil, h.handleError(err)
		}
		checks, err := h.e.CheckHistory(ctx, p.TenantID, input.ID, input.Days)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body AssetHistoryResponse `json:"body"`
		}{Body: AssetHistoryResponse{AssetID: input.ID, Days: input.Days, History: nonNil(history), Checks: nonNil(checks)}}, nil
	})
}

func (h handlers) registerBatch(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "check-all-assets",
		Method:      http.MethodPost,
		Path:        "/assets/check-all",
		Summary:     "Check every due asset, or every asset when forced, then refresh the dashboard",
	}, func(ctx context.Context, input *struct {
		Force bool `query:"force"`
	}) (*struct {
		Body scheduler.CycleReport `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := h.batch.CheckAll(ctx, p.TenantID, input.Force)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body scheduler.CycleReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "applicable-rules",
		Method:      http.MethodGet,
		Path:        "/assets/{id}/rules",
		Summary:     "Active rules that apply to an asset, in evaluation order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *assetPath) (*struct {
		Body RuleList `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rules, err := h.e.ApplicableRules(ctx, p.TenantID, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body RuleList `json:"body"`
		}{Body: RuleList{Items: nonNil(rules)}}, nil
	})
}

func (h handlers) registerReports(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "non-compliant-assets",
		Method:      http.MethodGet,
		Path:        "/reports/non-compliant",
		Summary:     "Non-compliant assets, optionally only those with an open alert of at least min_severity",
	}, func(ctx context.Context, input *struct {
		MinSeverity int `query:"min_severity" minimum:"0" maximum:"5"`
	}) (*struct {
		Body AssetList `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		assets, err := h.e.NonCompliantAssets(ctx, p.TenantID, input.MinSeverity)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body AssetList `json:"body"`
		}{Body: AssetList{Items: nonNil(assets)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "statistics",
		Method:      http.MethodGet,
		Path:        "/statistics",
		Summary:     "Live compliance counts, without storing a snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Statistics `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := h.e.Statistics(ctx, p.TenantID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.Statistics `json:"body"`
		}{Body: st}, nil
	})
}

type alertOutput struct {
	Body domain.Alert `json:"body"`
}

type alertNoteInput struct {
	ID   string            `path:"id"`
	Body *AlertNoteRequest `json:"body" required:"false"`
}

func (in *alertNoteInput) notes() string {
	if in.Body == nil {
		return ""
	}
	return in.Body.Notes
}

func (h handlers) registerAlerts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List alerts, highest severity first",
	}, func(ctx context.Context, input *struct {
		AssetID string `query:"asset_id"`
		Status  string `query:"status" enum:"New,Acknowledged,Resolved,Ignored,Expired"`
		Open    bool   `query:"open"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body AlertList `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		alerts, err := h.e.ListAlerts(ctx, p.TenantID, repo.AlertFilter{
			AssetID:  input.AssetID,
			Status:   domain.AlertStatus(input.Status),
			OpenOnly: input.Open,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body AlertList `json:"body"`
		}{Body: AlertList{Items: nonNil(alerts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{id}/acknowledge",
		Summary:     "Acknowledge a new alert",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*alertOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.Acknowledge(ctx, p.TenantID, input.ID, p.ActorID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &alertOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{id}/resolve",
		Summary:     "Resolve an open alert",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *alertNoteInput) (*alertOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.Resolve(ctx, p.TenantID, input.ID, p.ActorID, input.notes())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &alertOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ignore-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{id}/ignore",
		Summary:     "Close an open alert without action",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *alertNoteInput) (*alertOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := h.e.Ignore(ctx, p.TenantID, input.ID, p.ActorID, input.notes())
		if err != nil {
			return nil, h.handleError(err)
		}
		return &alertOutput{Body: a}, nil
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
