package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/opsdash/internal/config"
	"github.com/pitabwire/opsdash/internal/idempotency"
	"github.com/pitabwire/opsdash/internal/observability"
	"github.com/pitabwire/opsdash/internal/session"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Sessions     *session.Manager
	Idempotency  idempotency.Store
	Readiness    observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{
		sessions:    deps.Sessions,
		idempotency: deps.Idempotency,
		pending:     idempotency.NewPending(),
		idemTTL:     deps.Config.Idempotency.TTL,
		metrics:     deps.Metrics,
		logger:      logger,
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		r.Post("/v1/sessions", h.createSession)
		r.Route("/v1/sessions/{sessionID}", func(r chi.Router) {
			r.Delete("/", h.deleteSession)

			r.Get("/dashboard", h.getDashboard)
			r.Put("/dashboard/filters", h.putFilters)
			r.Put("/dashboard/page", h.putPage)
			r.Post("/dashboard/refresh", h.refreshDashboard)
			r.Post("/dashboard/retry", h.retryDashboard)

			r.Get("/issues/{orderID}", h.getIssue)
			r.Post("/issues/{orderID}/reload", h.reloadIssue)
			r.Post("/issues/{orderID}/analyze", h.analyzeIssue)
			r.Post("/issues/{orderID}/actions", h.submitAction)
		})
	})

	return r
}
