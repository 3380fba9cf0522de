// Package control implements the HTTP control plane: health and
// metrics endpoints, a read-mostly REST API over the store, runtime
// configuration edits, and the embedded dashboard. The bot runs fine
// without it; a busy port is a warning, not a startup failure.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/orcabot/orcabot/internal/metrics"
	"github.com/orcabot/orcabot/internal/store"
)

// maxBodyBytes caps request bodies. The largest legitimate payload is
// a .env rewrite, far below this.
const maxBodyBytes = 64 << 10

// Config carries the server dependencies. Zero values are tolerated:
// nil Store disables the data endpoints with 503s, nil Metrics falls
// back to a fresh registry.
type Config struct {
	Port    int
	Store   *store.Store
	Metrics *metrics.Registry
	Logger  *slog.Logger

	// EnvPath is the .env file rewritten by POST /api/env.
	// Defaults to ".env" in the working directory.
	EnvPath string
}

// Server is the control-plane HTTP server.
type Server struct {
	port    int
	store   *store.Store
	metrics *metrics.Registry
	logger  *slog.Logger
	envPath string
	server  *http.Server
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRegistry()
	}
	if cfg.EnvPath == "" {
		cfg.EnvPath = ".env"
	}
	s := &Server{
		port:    cfg.Port,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "control"),
		envPath: cfg.EnvPath,
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)

	mux.HandleFunc("GET /api/overview", s.handleOverview)
	mux.HandleFunc("GET /api/users", s.handleUserList)
	mux.HandleFunc("GET /api/users/{id}", s.handleUserGet)
	mux.HandleFunc("POST /api/users/{id}/block", s.handleUserBlock)
	mux.HandleFunc("POST /api/users/{id}/admin", s.handleUserAdmin)
	mux.HandleFunc("GET /api/threads", s.handleThreadList)
	mux.HandleFunc("GET /api/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("GET /api/env", s.handleEnvGet)
	mux.HandleFunc("POST /api/env", s.handleEnvSet)

	mux.HandleFunc("/", s.handleRoot)

	return s.withLogging(s.withCORS(s.limitBody(mux)))
}

// Start binds the port and serves in the background. A busy port logs
// a warning and returns nil so the bot keeps running headless; any
// other bind failure is an error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			s.logger.Warn("control port busy, continuing without control plane",
				"addr", s.server.Addr, "error", err)
			return nil
		}
		return fmt.Errorf("control listen %s: %w", s.server.Addr, err)
	}

	s.logger.Info("control plane listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// --- Shared helpers ---

// writeJSON encodes v to w. Failures usually mean the client hung up,
// which is only worth a debug line.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

// decodeBody unmarshals a JSON request body into v, translating an
// oversized body into 413 and malformed JSON into 400.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// --- Basic handlers ---

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, map[string]string{
		"name":   "orcabot",
		"status": "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status": "ok",
		"uptime": s.metrics.Uptime().String(),
	}, s.logger)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.metrics.Snapshot(), s.logger)
}
