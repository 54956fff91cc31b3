package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Noodynamo/conceptus-veritas/pkg/analytics"
	"github.com/Noodynamo/conceptus-veritas/pkg/middleware"
	"github.com/Noodynamo/conceptus-veritas/pkg/monitoring"
	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
	"github.com/Noodynamo/conceptus-veritas/pkg/schemas"
	"github.com/Noodynamo/conceptus-veritas/pkg/subscriptions"
)

// Server assembles the HTTP API
type Server struct {
	router *mux.Router
}

// ServerDeps carries the dependencies the API surface needs. Everything
// is constructor-injected; the server owns no state of its own.
type ServerDeps struct {
	Subscriptions subscriptions.Service
	Usage         subscriptions.UsageTracker
	Catalog       *subscriptions.Catalog
	Access        *subscriptions.Access
	Registry      *schemas.Registry
	Dispatcher    *analytics.Dispatcher
	Monitoring    *monitoring.Client
	Metrics       *observability.Metrics
	Logger        *observability.Logger

	Auth        *middleware.Auth
	RateLimiter *middleware.RateLimiter
}

// NewServer builds the router with the full middleware chain. Auth runs
// first so every downstream layer sees the user ID; rate limiting keys
// off that ID.
func NewServer(deps ServerDeps) *Server {
	router := mux.NewRouter()

	router.Use(recoverMiddleware(deps.Logger, deps.Monitoring))
	if deps.Auth != nil {
		router.Use(deps.Auth.Handler)
	}
	if deps.RateLimiter != nil {
		router.Use(deps.RateLimiter.Handler)
	}
	if deps.Metrics != nil {
		router.Use(func(next http.Handler) http.Handler {
			return instrumentRoutes(deps.Metrics, next)
		})
	}

	subHandlers := NewSubscriptionHandlers(deps.Subscriptions, deps.Usage, deps.Catalog, deps.Access, deps.Dispatcher, deps.Logger)
	subHandlers.RegisterRoutes(router)

	schemaHandlers := NewSchemaHandlers(deps.Registry, deps.Metrics, deps.Logger)
	schemaHandlers.RegisterRoutes(router)

	return &Server{router: router}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// instrumentRoutes records request metrics labelled by the matched route
// template rather than the raw path, keeping the label cardinality
// bounded.
func instrumentRoutes(metrics *observability.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		metrics.InstrumentHandler(path, next).ServeHTTP(w, r)
	})
}

// recoverMiddleware converts handler panics into 500s and reports them
// to the monitoring egress
func recoverMiddleware(logger *observability.Logger, mon *monitoring.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithField("panic", rec).Errorf("panic handling %s %s", r.Method, r.URL.Path)
					if mon != nil {
						mon.CaptureMessage(
							"panic handling "+r.Method+" "+r.URL.Path,
							monitoring.LevelError,
						)
					}
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
