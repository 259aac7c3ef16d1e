// Package tcp implements the TCP front-end: one Listener per configured
// port, each accepting analyzer connections and running the protocol session
// for its binding.
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/harrisyn/LabAnalyzer/component"
	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/event"
	"github.com/harrisyn/LabAnalyzer/mapper"
	"github.com/harrisyn/LabAnalyzer/metric"
	"github.com/harrisyn/LabAnalyzer/store"
	"github.com/harrisyn/LabAnalyzer/types"
)

// drainTimeout bounds how long Stop waits for live connections
const drainTimeout = 2 * time.Second

// Metrics holds Prometheus metrics for one listener
type Metrics struct {
	connectionsTotal prometheus.Counter
	messagesTotal    prometheus.Counter
	bytesReceived    prometheus.Counter
	activeClients    prometheus.Gauge
}

// newMetrics creates and registers listener metrics (nil registry = nil
// feature pattern)
func newMetrics(registry *metric.Registry, port int) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "labanalyzer",
			Subsystem:   "listener",
			Name:        "connections_total",
			Help:        "Total accepted analyzer connections",
			ConstLabels: prometheus.Labels{"port": fmt.Sprint(port)},
		}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "labanalyzer",
			Subsystem:   "listener",
			Name:        "messages_total",
			Help:        "Total messages persisted",
			ConstLabels: prometheus.Labels{"port": fmt.Sprint(port)},
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "labanalyzer",
			Subsystem:   "listener",
			Name:        "bytes_received_total",
			Help:        "Total bytes read from analyzers",
			ConstLabels: prometheus.Labels{"port": fmt.Sprint(port)},
		}),
		activeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "labanalyzer",
			Subsystem:   "listener",
			Name:        "active_clients",
			Help:        "Currently connected analyzers",
			ConstLabels: prometheus.Labels{"port": fmt.Sprint(port)},
		}),
	}

	name := fmt.Sprintf("listener_%d", port)
	_ = registry.RegisterCounter(name, "connections_total", m.connectionsTotal)
	_ = registry.RegisterCounter(name, "messages_total", m.messagesTotal)
	_ = registry.RegisterCounter(name, "bytes_received_total", m.bytesReceived)
	_ = registry.RegisterGauge(name, "active_clients", m.activeClients)
	return m
}

// unregisterMetrics releases a listener's metrics so a rebind on the same
// port can register fresh ones
func unregisterMetrics(registry *metric.Registry, port int) {
	if registry == nil {
		return
	}
	name := fmt.Sprintf("listener_%d", port)
	registry.Unregister(name, "connections_total")
	registry.Unregister(name, "messages_total")
	registry.Unregister(name, "bytes_received_total")
	registry.Unregister(name, "active_clients")
}

// Deps holds runtime dependencies for a Listener
type Deps struct {
	Spec        types.ListenerSpec
	Store       *store.Store
	Events      *event.Bus
	Metrics     *metric.Registry
	Logger      *slog.Logger
	Instance    string
	AppName     string
	IdleTimeout time.Duration
}

// Listener binds one TCP port and runs a Conn per accepted socket
type Listener struct {
	spec     types.ListenerSpec
	fm       mapper.FieldMap
	deps     Deps
	logger   *slog.Logger
	metrics  *Metrics
	registry *metric.Registry

	ln        net.Listener
	running   atomic.Bool
	startTime time.Time

	mu      sync.Mutex
	conns   map[net.Conn]context.CancelFunc
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	clients atomic.Int64

	messagesIngested atomic.Int64
	bytesReceived    atomic.Int64
	errorCount       atomic.Int64
	lastActivity     atomic.Value // time.Time
}

// Ensure Listener implements the lifecycle contract
var _ component.LifecycleComponent = (*Listener)(nil)

// NewListener creates a listener for one spec
func NewListener(deps Deps) (*Listener, error) {
	fm, err := mapper.ForAnalyzer(deps.Spec.AnalyzerType, deps.Spec.Protocol, deps.Spec.FieldMapID)
	if err != nil {
		return nil, errors.WrapInvalid(err, "listener", "NewListener", "field map resolution")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "listener", "port", deps.Spec.Port)

	l := &Listener{
		spec:     deps.Spec,
		fm:       fm,
		deps:     deps,
		logger:   logger,
		registry: deps.Metrics,
		conns:    make(map[net.Conn]context.CancelFunc),
	}
	l.lastActivity.Store(time.Time{})
	return l, nil
}

// Spec returns the listener's binding
func (l *Listener) Spec() types.ListenerSpec {
	return l.spec
}

// ClientCount returns the number of live connections
func (l *Listener) ClientCount() int {
	return int(l.clients.Load())
}

// Meta implements component.Discoverable
func (l *Listener) Meta() component.Metadata {
	return component.Metadata{
		Name: fmt.Sprintf("listener-%d", l.spec.Port),
		Type: "input",
		Description: fmt.Sprintf("TCP listener on port %d for %s over %s",
			l.spec.Port, l.spec.AnalyzerType, l.spec.Protocol),
		Version: "1.0.0",
	}
}

// Health implements component.Discoverable
func (l *Listener) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    l.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(l.errorCount.Load()),
		Uptime:     time.Since(l.startTime),
	}
}

// DataFlow implements component.Discoverable
func (l *Listener) DataFlow() component.FlowMetrics {
	messages := l.messagesIngested.Load()
	bytes := l.bytesReceived.Load()
	errorCount := l.errorCount.Load()
	lastActivity, _ := l.lastActivity.Load().(time.Time)

	var mps, bps, errRate float64
	if uptime := time.Since(l.startTime).Seconds(); uptime > 0 {
		mps = float64(messages) / uptime
		bps = float64(bytes) / uptime
	}
	if messages > 0 {
		errRate = float64(errorCount) / float64(messages)
	}

	return component.FlowMetrics{
		MessagesPerSecond: mps,
		BytesPerSecond:    bps,
		ErrorRate:         errRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the binding without touching the network
func (l *Listener) Initialize() error {
	if err := l.spec.Validate(); err != nil {
		return errors.WrapInvalid(err, "listener", "Initialize", "spec validation")
	}
	if l.deps.Store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "listener", "Initialize", "store dependency")
	}
	if l.deps.Events == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "listener", "Initialize", "event bus dependency")
	}
	return nil
}

// Start binds the port and launches the accept loop
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return nil // idempotent
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.spec.Port))
	if err != nil {
		return errors.WrapTransient(err, "listener", "Start", fmt.Sprintf("bind port %d", l.spec.Port))
	}

	listenCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.ln = ln
	l.cancel = cancel
	l.mu.Unlock()

	l.metrics = newMetrics(l.registry, l.spec.Port)
	l.running.Store(true)
	l.startTime = time.Now()

	l.logger.Info("Listener online", "analyzer", l.spec.AnalyzerType, "protocol", l.spec.Protocol)
	l.deps.Events.Publish(event.ListenerStateChanged(l.spec.Port, event.ListenerOnline, 0))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop(listenCtx)
	}()
	return nil
}

// acceptLoop accepts until the listener closes
func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		netConn, err := l.ln.Accept()
		if err != nil {
			if !l.running.Load() || ctx.Err() != nil {
				return
			}
			l.errorCount.Add(1)
			l.logger.Warn("Accept failed", "error", err)
			continue
		}

		l.clients.Add(1)
		if l.metrics != nil {
			l.metrics.connectionsTotal.Inc()
			l.metrics.activeClients.Set(float64(l.clients.Load()))
		}
		l.logger.Info("Analyzer connected", "peer", netConn.RemoteAddr())
		l.deps.Events.Publish(event.ListenerStateChanged(l.spec.Port, event.ListenerOnline, l.ClientCount()))

		connCtx, connCancel := context.WithCancel(ctx)
		l.mu.Lock()
		l.conns[netConn] = connCancel
		l.mu.Unlock()

		conn := &Conn{
			netConn:     netConn,
			sess:        newSession(l.spec.Protocol, l.deps.AppName, l.deps.Events.Publish),
			spec:        l.spec,
			fm:          l.fm,
			store:       l.deps.Store,
			events:      l.deps.Events,
			logger:      l.logger.With("peer", netConn.RemoteAddr().String()),
			instance:    l.deps.Instance,
			idleTimeout: l.deps.IdleTimeout,
			onMessage: func() {
				l.messagesIngested.Add(1)
				l.lastActivity.Store(time.Now())
				if l.metrics != nil {
					l.metrics.messagesTotal.Inc()
				}
			},
			onBytes: func(n int) {
				l.bytesReceived.Add(int64(n))
				if l.metrics != nil {
					l.metrics.bytesReceived.Add(float64(n))
				}
			},
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				connCancel()
				l.mu.Lock()
				delete(l.conns, netConn)
				l.mu.Unlock()
				l.clients.Add(-1)
				if l.metrics != nil {
					l.metrics.activeClients.Set(float64(l.clients.Load()))
				}
				l.deps.Events.Publish(event.ListenerStateChanged(l.spec.Port, event.ListenerOnline, l.ClientCount()))
			}()
			conn.run(connCtx)
		}()
	}
}

// Stop closes the socket and drains connections, forcing them closed after
// the drain timeout
func (l *Listener) Stop(timeout time.Duration) error {
	if !l.running.Load() {
		return nil // idempotent
	}
	l.running.Store(false)

	l.mu.Lock()
	if l.ln != nil {
		_ = l.ln.Close()
	}
	cancels := make([]context.CancelFunc, 0, len(l.conns)+1)
	for _, cancel := range l.conns {
		cancels = append(cancels, cancel)
	}
	if l.cancel != nil {
		cancels = append(cancels, l.cancel)
	}
	l.mu.Unlock()

	// Signal every connection to wind down
	for _, cancel := range cancels {
		cancel()
	}

	drain := drainTimeout
	if timeout > 0 && timeout < drain {
		drain = timeout
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drain):
		// Force remaining sockets closed
		l.mu.Lock()
		for netConn := range l.conns {
			_ = netConn.Close()
		}
		l.mu.Unlock()
		<-done
	}

	unregisterMetrics(l.registry, l.spec.Port)
	l.logger.Info("Listener offline")
	l.deps.Events.Publish(event.ListenerStateChanged(l.spec.Port, event.ListenerOffline, 0))
	return nil
}
