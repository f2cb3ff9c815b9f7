// Package gateway serves the agent over HTTP: a JSON API, a WebSocket feed
// for live clients, Prometheus metrics and a health check.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dotsetgreg/dottask/pkg/agent"
	"github.com/dotsetgreg/dottask/pkg/config"
	"github.com/dotsetgreg/dottask/pkg/logger"
	"github.com/dotsetgreg/dottask/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	agent   *agent.Agent
	hub     *Hub
	metrics *metrics.Metrics
	addr    string
	router  chi.Router
}

func NewServer(cfg config.GatewayConfig, a *agent.Agent, hub *Hub, m *metrics.Metrics) *Server {
	s := &Server{
		agent:   a,
		hub:     hub,
		metrics: m,
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.addr }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scan", s.handleTriggerScan)
		r.Get("/scan/status", s.handleScanStatus)
		r.Patch("/scan/config", s.handleUpdateScanConfig)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/archive", s.handleArchivedTasks)
		r.Post("/tasks/reorder", s.handleReorderTasks)
		r.Patch("/tasks/{id}", s.handleUpdateTask)
		r.Delete("/tasks/{id}", s.handleDeleteTask)
		r.Post("/tasks/{id}/accept", s.handleAccept)
		r.Post("/tasks/{id}/decline", s.handleDecline)
		r.Post("/tasks/{id}/complete", s.handleComplete)

		r.Get("/preferences", s.handlePreferences)
		r.Patch("/preferences", s.handleUpdatePreferences)

		r.Get("/memory", s.handleMemory)
		r.Patch("/memory", s.handleUpdateMemory)
		r.Delete("/memory/facts/{index}", s.handleDeleteFact)

		r.Get("/events", s.handleEvents)
		r.Post("/chat", s.handleChat)
		r.Post("/exec", s.handleExec)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("gateway", "Gateway listening", map[string]any{"addr": s.addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.hub != nil {
		s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.InfoC("gateway", "Gateway stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.DebugCF("gateway", "Request served", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  chimw.GetReqID(r.Context()),
		})
	})
}
