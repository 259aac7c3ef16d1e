// Package http exposes the read-only status surface consumed by the desktop
// UI: health, Prometheus metrics, listener status, sync history, a manual
// sync trigger, and the observer event stream over websocket.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harrisyn/LabAnalyzer/component"
	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/event"
	"github.com/harrisyn/LabAnalyzer/metric"
	"github.com/harrisyn/LabAnalyzer/output/httpsync"
	"github.com/harrisyn/LabAnalyzer/store"
	"github.com/harrisyn/LabAnalyzer/supervisor"
)

// Deps holds runtime dependencies for the gateway
type Deps struct {
	Port       int
	Supervisor *supervisor.Supervisor
	Store      *store.Store
	Events     *event.Bus
	Metrics    *metric.Registry
	Sync       *httpsync.Engine // nil when outbound sync is disabled
	Logger     *slog.Logger
	AppName    string
	InstanceID string
}

// Server is the gateway component
type Server struct {
	deps   Deps
	logger *slog.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
	running    atomic.Bool
	startTime  time.Time

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// Ensure Server implements the lifecycle contract
var _ component.LifecycleComponent = (*Server)(nil)

// NewServer creates the gateway
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI runs on the same host; origin checks add nothing here
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Meta implements component.Discoverable
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "gateway",
		Type:        "service",
		Description: fmt.Sprintf("status HTTP server on port %d", s.deps.Port),
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (s *Server) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.errorCount.Load()),
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow implements component.Discoverable
func (s *Server) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{}
}

// Initialize validates dependencies
func (s *Server) Initialize() error {
	if s.deps.Port <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "gateway", "Initialize", "port validation")
	}
	if s.deps.Events == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "gateway", "Initialize", "event bus dependency")
	}
	return nil
}

// Start binds the HTTP port and serves until Stop
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil // idempotent
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sync/history", s.handleSyncHistory)
	mux.HandleFunc("POST /sync", s.handleSyncNow)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.deps.Port))
	if err != nil {
		return errors.WrapTransient(err, "gateway", "Start", fmt.Sprintf("bind port %d", s.deps.Port))
	}

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.running.Store(true)
	s.startTime = time.Now()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Gateway serve failed", "error", err)
		}
	}()

	s.logger.Info("Gateway online", "port", s.deps.Port)
	return nil
}

// Stop shuts the HTTP server down gracefully
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil // idempotent
	}
	s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "gateway", "Stop", "http shutdown")
	}
	s.logger.Info("Gateway offline")
	return nil
}

// writeJSON renders a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.errorCount.Add(1)
	}
}

// handleHealth reports process liveness and store counts
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)

	body := map[string]any{
		"status":      "ok",
		"app":         s.deps.AppName,
		"instance_id": s.deps.InstanceID,
	}
	if s.deps.Store != nil {
		counts, err := s.deps.Store.CountByStatus(r.Context())
		if err != nil {
			s.errorCount.Add(1)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		body["results"] = counts
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleStatus reports listener state for the dashboard cards
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.requestCount.Add(1)

	var listeners []supervisor.ListenerStatus
	if s.deps.Supervisor != nil {
		listeners = s.deps.Supervisor.Status()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"instance_id": s.deps.InstanceID,
		"listeners":   listeners,
	})
}

// handleSyncHistory returns recent sync attempts
func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)

	if s.deps.Store == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "store unavailable"})
		return
	}
	history, err := s.deps.Store.SyncHistory(r.Context(), 50)
	if err != nil {
		s.errorCount.Add(1)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// handleSyncNow triggers an immediate outbound sync
func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)

	if s.deps.Sync == nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "external sync disabled"})
		return
	}
	n, err := s.deps.Sync.SyncNow(r.Context())
	if err != nil {
		s.errorCount.Add(1)
		status := http.StatusBadGateway
		if errors.Is(err, httpsync.ErrSyncBusy) {
			status = http.StatusConflict
		}
		s.writeJSON(w, status, map[string]any{"synced": n, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"synced": n})
}

// handleEvents streams observer events over websocket until the client
// disconnects. Slow clients lose old events rather than stalling the core.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.requestCount.Add(1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errorCount.Add(1)
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancel := s.deps.Events.Subscribe()
	defer cancel()

	// Reader goroutine: surfaces client disconnects
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
