package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/keyring/pkg/httpx"
	"github.com/aussiebroadwan/keyring/pkg/slogx"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router serves the probe endpoints of the keyring process.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	buildVersion string
	startTime    time.Time
	probeLimit   httpx.RateLimitConfig
	logger       *slog.Logger

	store Pinger
	cache Pinger
}

func NewRouter(buildVersion string, st, cache Pinger, limit httpx.RateLimitConfig, logger *slog.Logger) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		buildVersion: buildVersion,
		startTime:    time.Now(),
		probeLimit:   limit,
		store:        st,
		cache:        cache,
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerSystem()

	r.Mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "")
	})
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerSystem() {
	// One limiter for both probes, bucketed per client and path.
	limit := httpx.RateLimitMiddleware(r.probeLimit,
		httpx.CompositeKeyExtractor(":", httpx.IPKeyExtractor, requestPath),
	)

	r.Mux.Handle("GET /livez", httpx.Chain(LivezHandler(r.startTime, r.buildVersion), limit))
	r.Mux.Handle("GET /readyz", httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store, r.cache), limit))
}

func requestPath(r *http.Request) string { return r.URL.Path }
