package server

import (
	"net/http"
	"strings"

	"github.com/watzon/tether/internal/metrics"
	"github.com/watzon/tether/internal/server/handlers"
)

// Router dispatches the dev server's routes through the middleware chain.
type Router struct {
	server      *Server
	mux         *http.ServeMux
	middlewares []Middleware
	handler     http.Handler
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// NewRouter builds the router and registers every route of srv.
func NewRouter(srv *Server) *Router {
	r := &Router{
		server: srv,
		mux:    http.NewServeMux(),
	}

	r.setupMiddleware()
	r.setupRoutes()
	r.handler = r.chain(http.HandlerFunc(r.dispatch))

	return r
}

func (r *Router) setupMiddleware() {
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware)
}

func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

func (r *Router) setupRoutes() {
	srv := r.server

	r.mux.HandleFunc("/ping", handlers.Ping)
	r.mux.HandleFunc("GET /{$}", r.root)
	r.mux.Handle("GET /socket", srv.observers)
	r.mux.Handle("GET /metrics", metrics.Handler())

	health := handlers.NewHealthHandlers(srv.version, map[string]handlers.Counter{
		"observer": srv.observers.Hub(),
		"state":    srv.stateStream.Hub(),
	})
	r.mux.HandleFunc("GET /health", health.Health)
	r.mux.HandleFunc("GET /api/stats", health.Stats)

	r.mux.HandleFunc("GET /api/state", handlers.State(srv.store))

	logs := handlers.NewProxyLogHandlers(srv.proxyLogs)
	r.mux.HandleFunc("GET /api/proxy/requests", logs.List)
	r.mux.HandleFunc("DELETE /api/proxy/requests", logs.Clear)

	if srv.functions != nil {
		fns := handlers.NewFunctionHandlers(srv.invoker, srv.functions, srv.cfg.Server.InvokeTimeout)
		r.mux.HandleFunc("GET /api/functions", fns.List)
		if srv.invoker != nil {
			r.mux.HandleFunc("POST /api/functions/{id}/invoke", fns.Invoke)
		}
	}
}

// root serves the state stream to websocket clients and health to
// everything else.
func (r *Router) root(w http.ResponseWriter, req *http.Request) {
	if isWebSocketUpgrade(req) {
		r.server.stateStream.ServeHTTP(w, req)
		return
	}
	handlers.JSON(w, http.StatusOK, map[string]string{
		"app":   r.server.cfg.App,
		"stage": r.server.cfg.Stage,
	})
}

// dispatch sends proxied paths straight to the proxy. The mux would clean
// the double slash after the scheme and redirect.
func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	if strings.HasPrefix(req.URL.Path, ProxyPrefix) {
		r.server.proxyHandler.ServeHTTP(w, req)
		return
	}
	r.mux.ServeHTTP(w, req)
}

func (r *Router) chain(h http.Handler) http.Handler {
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}
	return h
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}
