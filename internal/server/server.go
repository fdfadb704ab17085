// Package server is the local control plane of a dev session. It serves
// the console's sockets, the CORS proxy and a small JSON API, and keeps the
// session state in step with the event bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/tether/internal/config"
	"github.com/watzon/tether/internal/events"
	"github.com/watzon/tether/internal/realtime"
	"github.com/watzon/tether/internal/server/handlers"
	"github.com/watzon/tether/internal/server/requestlog"
	"github.com/watzon/tether/internal/state"
)

const defaultProxyLogCapacity = 200

type Server struct {
	cfg          *config.Config
	bus          *events.Bus
	store        *state.Store
	observers    *realtime.Observers
	stateStream  *realtime.StateStream
	tracker      *Tracker
	proxyLogs    *requestlog.Store
	proxyHandler http.Handler
	limiter      *RateLimiter
	invoker      handlers.Invoker
	functions    handlers.Catalog
	transport    http.RoundTripper
	version      string
	router       *Router
	httpServer   *http.Server
	listener     net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithInvoker enables POST /api/functions/{id}/invoke.
func WithInvoker(inv handlers.Invoker) Option {
	return func(s *Server) {
		s.invoker = inv
	}
}

// WithFunctions enables the function endpoints.
func WithFunctions(c handlers.Catalog) Option {
	return func(s *Server) {
		s.functions = c
	}
}

// WithProxyTransport sets the transport used for upstream proxy requests.
func WithProxyTransport(rt http.RoundTripper) Option {
	return func(s *Server) {
		s.transport = rt
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates the server and subscribes its tracker to bus. store must be
// fed only through the server from then on.
func New(cfg *config.Config, bus *events.Bus, store *state.Store, opts ...Option) *Server {
	srv := &Server{
		cfg:       cfg,
		bus:       bus,
		store:     store,
		proxyLogs: requestlog.NewStore(defaultProxyLogCapacity),
		version:   "dev",
	}

	for _, opt := range opts {
		opt(srv)
	}

	srv.observers = realtime.NewObservers(realtime.DevProperties{
		App:    cfg.App,
		Stage:  cfg.Stage,
		Region: cfg.Region,
	}, cfg.History.Size, cfg.Server.AllowedOrigins)
	srv.stateStream = realtime.NewStateStream(bus, store, cfg.Server.AllowedOrigins)

	srv.tracker = NewTracker(store, srv.observers)
	srv.tracker.Subscribe(bus)

	srv.proxyHandler = NewProxy(srv.transport, srv.proxyLogs)
	if rule := cfg.Server.ProxyRateLimit; rule.Max > 0 {
		srv.limiter = NewRateLimiter(rule)
		srv.proxyHandler = srv.limiter.Middleware(srv.proxyHandler)
	}

	srv.router = NewRouter(srv)
	srv.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv
}

// Listen binds the server address. Start calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	tls := s.cfg.Server.TLS
	log.Info().
		Str("addr", s.Addr()).
		Bool("tls", tls != nil && tls.Enabled).
		Msg("Starting server")

	var err error
	if tls != nil && tls.Enabled {
		err = s.httpServer.ServeTLS(s.listener, tls.CertFile, tls.KeyFile)
	} else {
		err = s.httpServer.Serve(s.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown disconnects every socket and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server")

	s.tracker.Close()
	s.stateStream.Stop()
	s.observers.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Config() *config.Config {
	return s.cfg
}

func (s *Server) Observers() *realtime.Observers {
	return s.observers
}

func (s *Server) Tracker() *Tracker {
	return s.tracker
}

func (s *Server) ProxyLogs() *requestlog.Store {
	return s.proxyLogs
}
