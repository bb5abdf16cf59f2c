// Package http serves the read-only observability surface: aggregate
// health, Prometheus metrics, breaker and cache snapshots, and a live
// websocket stream of observability events. Every endpoint reports
// state owned elsewhere; nothing here mutates the system.
package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/wattmine/minecore/internal/cache"
	"github.com/wattmine/minecore/internal/coalesce"
	"github.com/wattmine/minecore/internal/obs"
	"github.com/wattmine/minecore/internal/persistence"
	"github.com/wattmine/minecore/internal/providers"
)

// Config holds the observability server settings.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
}

// DefaultConfig returns the default listen address and request timeout.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		RequestTimeout: 5 * time.Second,
	}
}

// Sources supplies the live state the endpoints report. Nil fields are
// served as absent rather than failing the whole surface, so partial
// wiring (tests, the replay tool) still gets working endpoints.
type Sources struct {
	CacheStats      func() cache.Stats
	CoalesceStats   func() coalesce.Stats
	BreakerSnapshot func() []providers.BreakerStatus
	OutboxPending   func(ctx context.Context) (int64, error)
	DBHealth        persistence.RepositoryHealth
	Metrics         *obs.Metrics
	Emitter         *obs.Emitter
	Version         string
}

// Server is the read-only HTTP server.
type Server struct {
	router  *mux.Router
	server  *http.Server
	sources Sources
	config  Config
	logger  zerolog.Logger
}

// NewServer builds the server and verifies the address is bindable, so
// a busy port fails startup instead of surfacing later from Start.
func NewServer(config Config, sources Sources, logger zerolog.Logger) (*Server, error) {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}

	listener, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return nil, fmt.Errorf("address %s is busy or unavailable: %w", config.Addr, err)
	}
	listener.Close()

	s := &Server{
		router:  mux.NewRouter(),
		sources: sources,
		config:  config,
		logger:  logger.With().Str("component", "httpserver").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	// Prometheus text exposition and the websocket stream manage their
	// own content types; everything else is JSON. Routes accept OPTIONS
	// so CORS preflights reach the middleware instead of mux's 405.
	if s.sources.Metrics != nil {
		s.router.Handle("/metrics", s.sources.Metrics.Handler()).Methods("GET", "OPTIONS")
	}
	s.router.HandleFunc("/ws/events", s.handleEvents).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)
	api.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	api.HandleFunc("/breakers", s.handleBreakers).Methods("GET", "OPTIONS")
	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET", "OPTIONS")

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

type contextKey string

const requestIDKey contextKey = "request_id"

// requestIDMiddleware tags each request with a short id echoed in the
// X-Request-ID header and carried in the request log.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

// timeoutMiddleware bounds request handling. The websocket stream is
// exempt: subscribers hold their connection open indefinitely.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware allows browser dashboards served from localhost.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving requests until Shutdown or a listener error.
// A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.Addr).Msg("observability server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("observability server shutting down")
	return s.server.Shutdown(ctx)
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Addr
}

// responseWrapper captures the status code for the request log. It
// forwards Hijack so websocket upgrades work through the middleware
// chain.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
