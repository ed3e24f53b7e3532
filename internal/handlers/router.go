package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/storefront/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	checkout    RouteRegistrar
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter builds the storefront router: chi request ids, real client ips, path cleaning and
// the request timeout run first, then the configured middleware. Probes sit at the root and
// checkout under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.CleanPath, middleware.Timeout(cfg.timeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(routeError(errorNotFoundCode, http.StatusNotFound, "no route for %[2]s"))
	r.MethodNotAllowed(routeError("method_not_allowed", http.StatusMethodNotAllowed, "method %[1]s not allowed on %[2]s"))

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		if cfg.checkout == nil {
			api.HandleFunc("/checkout/*", routeError("checkout_unavailable", http.StatusServiceUnavailable, "checkout is not configured"))
			return
		}
		cfg.checkout(api)
	})

	return r
}

// routeError answers with a fixed code; format receives the method and path as %[1]s and %[2]s.
func routeError(code string, status int, format string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		message := format
		if strings.Contains(format, "%[") {
			message = fmt.Sprintf(format, req.Method, req.URL.Path)
		}
		httpx.WriteError(req.Context(), w, httpx.NewError(code, message, status))
	}
}

// WithMiddlewares appends global middleware, applied after the built-in chi middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(cfg *routerConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithCheckoutRoutes mounts the checkout registrar under the API prefix.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.checkout = reg
	}
}
