// Package api exposes a manager to remote callers over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/fanout/internal/auth"
	"github.com/mattjoyce/fanout/internal/coordinator"
	"github.com/mattjoyce/fanout/internal/events"
	"github.com/mattjoyce/fanout/internal/history"
)

// Scheme is the URL scheme of an advertised manager address.
const Scheme = "fanout"

// Manager is the coordinator surface served by the endpoint.
type Manager interface {
	Config() coordinator.Config
	Projects() []string
	AvailableFor(project string) bool
	Dispatch(ctx context.Context, req coordinator.Request) (*coordinator.Report, error)
	Status() coordinator.Status
}

// HistoryReader reads recorded dispatches.
type HistoryReader interface {
	Get(ctx context.Context, id string) (*history.Dispatch, error)
	List(ctx context.Context, limit int) ([]history.Dispatch, error)
}

// EventSource feeds the SSE stream.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
	Since(lastID int64) []events.Event
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Listener, when set, is used instead of binding Listen.
	Listener net.Listener
	// AdvertiseHost is the host put into the advertised address.
	AdvertiseHost string
	WriteTimeout  time.Duration
	// APIKey grants every scope.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	manager   Manager
	history   HistoryReader
	events    EventSource
	logger    *slog.Logger
	startedAt time.Time

	listener net.Listener
	server   *http.Server
	// baseCtx outlives individual requests so a disconnecting caller does not
	// cancel a running dispatch. It ends when Serve's context ends.
	baseCtx context.Context
}

// New creates a new API server instance. history and events may be nil.
func New(config Config, manager Manager, history HistoryReader, events EventSource, logger *slog.Logger) *Server {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = time.Hour
	}
	return &Server{
		config:    config,
		manager:   manager,
		history:   history,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
		baseCtx:   context.Background(),
	}
}

// Listen binds the listener so the real port is known before announcing.
func (s *Server) Listen() (net.Addr, error) {
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	if s.config.Listener != nil {
		s.listener = s.config.Listener
		return s.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Address is the advertised address, fanout://host:port.
func (s *Server) Address() string {
	return (&url.URL{
		Scheme: Scheme,
		Host:   net.JoinHostPort(s.config.AdvertiseHost, strconv.Itoa(s.Port())),
	}).String()
}

// Serve serves until ctx is cancelled, then shuts down. Listen is called if needed.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	s.baseCtx = ctx

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.WriteTimeout, // a dispatch call blocks until all workers exit
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.listener.Addr().String(), "address", s.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the router; used by tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		read := s.requireScopes(auth.ScopeManagerRead, auth.ScopeManagerWrite)
		r.With(read).Get("/identity", s.handleIdentity)
		r.With(read).Get("/available/{project}", s.handleAvailable)
		r.With(read).Get("/dispatches", s.handleListDispatches)
		r.With(read).Get("/dispatches/{id}", s.handleGetDispatch)
		r.With(read).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeManagerWrite)).Post("/dispatch", s.handleDispatch)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
