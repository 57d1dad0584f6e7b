package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/controller"
	"github.com/pitabwire/tabula/internal/locale"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// ListSource resolves list definitions.
type ListSource interface {
	GetList(listID string) (model.ListDefinition, bool)
	AllLists() []model.ListDefinition
}

// LookupSource serves filter options.
type LookupSource interface {
	Get(ctx context.Context, rctx *model.RequestContext, lookupID, query string) (model.LookupResponse, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Translator         *locale.Translator
	Lists              ListSource
	Manager            *controller.Manager
	Lookups            LookupSource
	Metrics            *observability.Metrics
	Gatherer           prometheus.Gatherer
	Readiness          observability.ReadinessChecks
}

// NewRouter creates the chi router with the full middleware pipeline. Health,
// readiness and metrics bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	h := &handlers{deps: deps}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths, deps.Translator))
		r.Use(ResolveCapabilities(deps.CapabilityResolver))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)

		r.Get("/ui/lists", h.listLists)
		r.Route("/ui/lists/{listId}", func(r chi.Router) {
			r.Get("/", h.mountList)
			r.Delete("/", h.unmountList)
			r.Get("/data", h.listData)
			r.Patch("/state", h.patchState)
			r.Post("/search", h.search)
			r.Post("/reset", h.reset)

			r.Post("/actions", h.armAction)
			r.Get("/actions", h.currentAction)
			r.Delete("/actions", h.clearAction)
			r.Post("/actions/confirm", h.confirmAction)

			r.Get("/layout", h.getLayout)
			r.Put("/layout", h.putLayout)

			r.With(exportLimiter(deps.Config.Export)).Get("/export", h.exportList)
		})
		r.Get("/ui/notifications", h.drainNotifications)
		r.Get("/ui/lookups/{lookupId}", h.lookup)
	})

	return r
}

// exportLimiter limits exports per subject within the configured window.
func exportLimiter(cfg config.ExportConfig) func(http.Handler) http.Handler {
	if cfg.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(cfg.RateLimit, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil && rctx.SubjectID != "" {
				return rctx.SessionKey(), nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeRequestError(w, r, model.NewRateLimitedError())
		}),
	)
}
