package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
)

// ServerConfig holds the HTTP server's listen and shutdown parameters.
type ServerConfig struct {
	ListenAddr  string
	EnablePprof bool
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

// Server wraps the admin API with liveness, readiness and drain endpoints
// and graceful shutdown.
type Server struct {
	cfg     *ServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv *http.Server
}

// NewServer creates the HTTP server around the given handler.
func NewServer(cfg *ServerConfig, handler *Handler) *Server {
	srv := &Server{
		cfg: cfg,
		log: cfg.Log,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(handler),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv
}

func (srv *Server) getRouter(handler *Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.httpLogger)

	handler.RegisterRoutes(mux)

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`)) //nolint:errcheck
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`)) //nolint:errcheck
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`)) //nolint:errcheck
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "already draining"})
		return
	}

	srv.log.Info("Server marked as not ready")
	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	writeJSON(w, http.StatusOK, map[string]any{"status": "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "already ready"})
		return
	}

	srv.log.Info("Server marked as ready")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// RunInBackground starts serving without blocking.
func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting HTTP server", slog.String("listenAddress", srv.cfg.ListenAddr))
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown stops the server gracefully within the configured duration.
func (srv *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}
