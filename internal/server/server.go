// Package server exposes rotation and diagnostics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/systmms/dbrotate/internal/config"
	dserrors "github.com/systmms/dbrotate/internal/errors"
	"github.com/systmms/dbrotate/internal/logging"
	"github.com/systmms/dbrotate/internal/rotation"
	"github.com/systmms/dbrotate/internal/router"
)

const (
	shutdownTimeout = 10 * time.Second
	pingTimeout     = 2 * time.Second
)

// Rotator is the part of *rotation.Orchestrator the server drives.
type Rotator interface {
	Rotate(ctx context.Context, role string) error
	Status() rotation.Status
}

// UserResolver reports the database user behind the active pool.
type UserResolver interface {
	CurrentUser(ctx context.Context) (string, error)
}

// Server serves the rotation API, health and metrics endpoints.
type Server struct {
	config   config.ServerConfig
	rotator  Rotator
	users    UserResolver
	router   *router.Router
	gatherer prometheus.Gatherer
	logger   *logging.Logger
}

// New creates a server. A nil gatherer serves the default Prometheus registry.
func New(cfg config.ServerConfig, rotator Rotator, users UserResolver, r *router.Router, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		config:   cfg,
		rotator:  rotator,
		users:    users,
		router:   r,
		gatherer: gatherer,
		logger:   logger.Named("server"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rotate", s.handleRotate)
	mux.HandleFunc("/api/db-user", s.handleDBUser)
	mux.HandleFunc("/api/rotation/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Debug("http server stopped")
	return nil
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	role := r.URL.Query().Get("role")
	if err := s.rotator.Rotate(r.Context(), role); err != nil {
		s.logger.Warn("rotation via API failed: %v", err)
		writeText(w, http.StatusInternalServerError, "rotation failed - kept previous credentials: "+headline(err))
		return
	}
	writeText(w, http.StatusOK, "rotation succeeded")
}

func (s *Server) handleDBUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, err := s.users.CurrentUser(r.Context())
	switch {
	case errors.Is(err, dserrors.ErrNoTargetAvailable), errors.Is(err, dserrors.ErrPoolClosed):
		writeText(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Error("identity query failed: %v", err)
		writeText(w, http.StatusInternalServerError, err.Error())
	default:
		writeText(w, http.StatusOK, user)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.rotator.Status()); err != nil {
		s.logger.Warn("encoding status: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	p := s.router.Target()
	if p == nil {
		writeText(w, http.StatusServiceUnavailable, "no active pool")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		writeText(w, http.StatusServiceUnavailable, fmt.Sprintf("pool %s unreachable: %v", p.Name(), err))
		return
	}
	writeText(w, http.StatusOK, "OK")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// headline drops the details and suggestion lines of a UserError.
func headline(err error) string {
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return msg
}
