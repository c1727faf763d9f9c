package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tokenlane/sessiond/internal/session/service"
	"github.com/tokenlane/sessiond/internal/session/store"
	"github.com/tokenlane/sessiond/pkg/httpx"
	"github.com/tokenlane/sessiond/pkg/slogx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store    store.Store
	registry *prometheus.Registry

	Sessions *service.SessionService
	Cookies  CookieConfig
}

func NewRouter(
	buildVersion string,
	st store.Store,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		registry:     registry,
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerSession()
	r.registerSystem()
}

// ServeHTTP implements http.Handler and applies the global middleware
// chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerSession() {
	h := &SessionHandler{Sessions: r.Sessions, Cookies: r.Cookies}

	// POST /v1/session - session creation mints tokens, strict limit
	r.Mux.Handle("POST /v1/session",
		httpx.Chain(http.HandlerFunc(h.HandleCreate),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	// POST /v1/session/verify - on every authenticated request, lenient
	r.Mux.Handle("POST /v1/session/verify",
		httpx.Chain(http.HandlerFunc(h.HandleVerify),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)

	// POST /v1/session/refresh - token minting, strict limit also slows
	// down replay probing of stolen refresh tokens
	r.Mux.Handle("POST /v1/session/refresh",
		httpx.Chain(http.HandlerFunc(h.HandleRefresh),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)

	r.Mux.Handle("POST /v1/session/revoke",
		httpx.Chain(http.HandlerFunc(h.HandleRevoke),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/session/revoke/user",
		httpx.Chain(http.HandlerFunc(h.HandleRevokeAll),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/session/user/handles",
		httpx.Chain(http.HandlerFunc(h.HandleListHandles),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)

	r.Mux.Handle("GET /v1/session/data/{handle}",
		httpx.Chain(http.HandlerFunc(h.HandleGetData),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("PUT /v1/session/data/{handle}",
		httpx.Chain(http.HandlerFunc(h.HandleUpdateData),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)

	// CORS preflight for browser clients
	r.Mux.Handle("OPTIONS /v1/session/", http.HandlerFunc(h.HandlePreflight))
	r.Mux.Handle("OPTIONS /v1/session", http.HandlerFunc(h.HandlePreflight))
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)

	if r.registry != nil {
		r.Mux.Handle("GET /metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	}
}
