package api

import (
	"cdpipeline/internal/dispatcher"
	"cdpipeline/internal/health"
	"cdpipeline/internal/observability"
	"cdpipeline/internal/run"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	RunService    *run.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.RunService, cfg.HealthChecker, cfg.Dispatcher)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/pipelines", auth(http.HandlerFunc(handler.ListPipelines)))
	mux.Handle("GET /v1/pipelines/{pipeline}", auth(http.HandlerFunc(handler.GetPipeline)))
	mux.Handle("POST /v1/pipelines/{pipeline}/runs", auth(http.HandlerFunc(handler.TriggerRun)))
	mux.Handle("GET /v1/runs", auth(http.HandlerFunc(handler.ListRuns)))
	mux.Handle("GET /v1/runs/{runId}", auth(http.HandlerFunc(handler.GetRun)))
	mux.Handle("DELETE /v1/runs/{runId}", auth(http.HandlerFunc(handler.CancelRun)))
	mux.Handle("GET /v1/changesets/orphaned", auth(http.HandlerFunc(handler.ListOrphans)))
	mux.Handle("DELETE /v1/changesets/{stack}/{name}", auth(http.HandlerFunc(handler.DiscardChangeSet)))
	mux.Handle("GET /v1/webhooks/stats", auth(http.HandlerFunc(handler.WebhookStats)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
