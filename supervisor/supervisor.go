// Package supervisor owns the set of bound listeners. Reload diffs the new
// spec set against the running one by port: removed listeners drain and
// close, added ones bind, changed ones rebind. In-flight connections are
// never migrated across a reload.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/event"
	"github.com/harrisyn/LabAnalyzer/input/tcp"
	"github.com/harrisyn/LabAnalyzer/metric"
	"github.com/harrisyn/LabAnalyzer/store"
	"github.com/harrisyn/LabAnalyzer/types"
)

// stopTimeout bounds per-listener shutdown during reload and is Stop's
// default when it is given no timeout
const stopTimeout = 2 * time.Second

// Deps holds the shared dependencies handed to every listener
type Deps struct {
	Store       *store.Store
	Events      *event.Bus
	Metrics     *metric.Registry
	Logger      *slog.Logger
	Instance    string
	AppName     string
	IdleTimeout time.Duration
}

// Supervisor manages listener lifecycle and hot reload
type Supervisor struct {
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[int]*tcp.Listener
	ctx       context.Context
	running   bool
}

// ListenerStatus is a point-in-time snapshot for status surfaces
type ListenerStatus struct {
	Spec        types.ListenerSpec `json:"spec"`
	Online      bool               `json:"online"`
	ClientCount int                `json:"client_count"`
}

// New creates a supervisor
func New(deps Deps) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		deps:      deps,
		logger:    logger.With("component", "supervisor"),
		listeners: make(map[int]*tcp.Listener),
	}
}

// Start binds every listener in specs. Idempotent: a second call with the
// supervisor running is a no-op.
func (s *Supervisor) Start(ctx context.Context, specs []types.ListenerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.ctx = ctx
	s.running = true

	for _, spec := range specs {
		if err := s.startListenerLocked(spec); err != nil {
			return err
		}
	}
	s.logger.Info("Supervisor started", "listeners", len(s.listeners))
	return nil
}

// startListenerLocked builds and starts one listener; s.mu must be held
func (s *Supervisor) startListenerLocked(spec types.ListenerSpec) error {
	l, err := tcp.NewListener(tcp.Deps{
		Spec:        spec,
		Store:       s.deps.Store,
		Events:      s.deps.Events,
		Metrics:     s.deps.Metrics,
		Logger:      s.deps.Logger,
		Instance:    s.deps.Instance,
		AppName:     s.deps.AppName,
		IdleTimeout: s.deps.IdleTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "supervisor", "startListener", spec.String())
	}
	if err := l.Initialize(); err != nil {
		return errors.Wrap(err, "supervisor", "startListener", spec.String())
	}
	if err := l.Start(s.ctx); err != nil {
		return errors.Wrap(err, "supervisor", "startListener", spec.String())
	}
	s.listeners[spec.Port] = l
	return nil
}

// Reload applies a new spec set: close removed ports, rebind changed ones,
// bind added ones. The spec slice is treated as an immutable snapshot.
func (s *Supervisor) Reload(specs []types.ListenerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errors.Wrap(errors.ErrNotStarted, "supervisor", "Reload", "state check")
	}

	desired := make(map[int]types.ListenerSpec, len(specs))
	for _, spec := range specs {
		desired[spec.Port] = spec
	}

	// Close removed and changed listeners
	for port, l := range s.listeners {
		spec, keep := desired[port]
		if keep && spec == l.Spec() {
			continue
		}
		s.logger.Info("Closing listener", "port", port, "reason", reloadReason(keep))
		if err := l.Stop(stopTimeout); err != nil {
			s.logger.Warn("Listener stop failed during reload", "port", port, "error", err)
		}
		delete(s.listeners, port)
	}

	// Bind added and rebind changed listeners
	var firstErr error
	for _, spec := range specs {
		if _, exists := s.listeners[spec.Port]; exists {
			continue
		}
		if err := s.startListenerLocked(spec); err != nil {
			s.logger.Error("Listener failed to start during reload", "port", spec.Port, "error", err)
			s.deps.Events.Publish(event.Errorf("listener", "port %d failed to bind: %v", spec.Port, err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.logger.Info("Reload complete", "listeners", len(s.listeners))
	return firstErr
}

func reloadReason(keptPort bool) string {
	if keptPort {
		return "spec changed"
	}
	return "removed from config"
}

// Stop closes every listener. Idempotent.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if timeout <= 0 {
		timeout = stopTimeout
	}
	for port, l := range s.listeners {
		if err := l.Stop(timeout); err != nil {
			s.logger.Warn("Listener stop failed", "port", port, "error", err)
		}
		delete(s.listeners, port)
	}
	s.logger.Info("Supervisor stopped")
	return nil
}

// Status returns a snapshot of every managed listener
func (s *Supervisor) Status() []ListenerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ListenerStatus, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, ListenerStatus{
			Spec:        l.Spec(),
			Online:      l.Health().Healthy,
			ClientCount: l.ClientCount(),
		})
	}
	return out
}

// Ports returns the currently bound ports
func (s *Supervisor) Ports() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, 0, len(s.listeners))
	for port := range s.listeners {
		out = append(out, port)
	}
	return out
}
