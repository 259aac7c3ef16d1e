// Package httpsync drains unsynchronized records to the external endpoint
// with at-least-once delivery. One batch is in flight at a time; failures
// back off exponentially with jitter, permanent rejections poison their rows
// and never block the rest of the queue.
package httpsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harrisyn/LabAnalyzer/component"
	"github.com/harrisyn/LabAnalyzer/config"
	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/event"
	"github.com/harrisyn/LabAnalyzer/pkg/retry"
	"github.com/harrisyn/LabAnalyzer/pkg/worker"
	"github.com/harrisyn/LabAnalyzer/store"
)

// shutdownGrace bounds how long Stop waits for the in-flight request
const shutdownGrace = 30 * time.Second

// ErrSyncBusy is returned by SyncNow while another batch is in flight
var ErrSyncBusy = errors.New("sync already in progress")

// job is one outbound batch attempt
type job struct {
	batch   []store.BatchItem
	attempt int
}

// Deps holds runtime dependencies for the sync engine
type Deps struct {
	Config   config.ExternalServerConfig
	Store    *store.Store
	Events   *event.Bus
	Logger   *slog.Logger
	Instance string
}

// Engine is the outbound synchronizer component
type Engine struct {
	cfg    config.ExternalServerConfig
	store  *store.Store
	events *event.Bus
	logger *slog.Logger
	sender *Sender
	pool   *worker.Pool[job]

	backoff retry.Backoff

	trigger  chan struct{}
	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
	inFlight atomic.Bool

	mu       sync.Mutex
	attempts int

	startTime    time.Time
	sentTotal    atomic.Int64
	failedTotal  atomic.Int64
	poisonTotal  atomic.Int64
	lastActivity atomic.Value // time.Time
}

// Ensure Engine implements the lifecycle contract
var _ component.LifecycleComponent = (*Engine)(nil)

// NewEngine builds the sync engine. The config must already be validated.
func NewEngine(deps Deps) (*Engine, error) {
	sender, err := NewSender(deps.Config, deps.Instance)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:      deps.Config,
		store:    deps.Store,
		events:   deps.Events,
		logger:   logger.With("component", "httpsync"),
		sender:   sender,
		backoff:  retry.DefaultBackoff(),
		trigger:  make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	e.lastActivity.Store(time.Time{})

	workers := deps.Config.Workers
	if workers <= 0 {
		workers = 4
	}
	e.pool = worker.NewPool(workers, 16, e.process)
	return e, nil
}

// Meta implements component.Discoverable
func (e *Engine) Meta() component.Metadata {
	return component.Metadata{
		Name:        "httpsync",
		Type:        "output",
		Description: fmt.Sprintf("outbound sync to %s (%s)", e.cfg.URL, e.cfg.SyncFrequency),
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable
func (e *Engine) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:    e.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(e.failedTotal.Load()),
		Uptime:     time.Since(e.startTime),
	}
}

// DataFlow implements component.Discoverable
func (e *Engine) DataFlow() component.FlowMetrics {
	sent := e.sentTotal.Load()
	failed := e.failedTotal.Load()
	lastActivity, _ := e.lastActivity.Load().(time.Time)

	var rate, errRate float64
	if uptime := time.Since(e.startTime).Seconds(); uptime > 0 {
		rate = float64(sent) / uptime
	}
	if total := sent + failed; total > 0 {
		errRate = float64(failed) / float64(total)
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		ErrorRate:         errRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates dependencies
func (e *Engine) Initialize() error {
	if !e.cfg.Enabled {
		return errors.Wrap(errors.ErrSyncDisabled, "httpsync", "Initialize", "enablement check")
	}
	if e.store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "httpsync", "Initialize", "store dependency")
	}
	if e.events == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "httpsync", "Initialize", "event bus dependency")
	}
	return e.cfg.Validate()
}

// Start launches the dispatcher and registers the mode trigger
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return nil // idempotent
	}
	if err := e.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "httpsync", "Start", "worker pool")
	}

	e.running.Store(true)
	e.startTime = time.Now()

	if e.cfg.SyncFrequency == config.SyncRealtime {
		e.store.SetOnIngest(e.Notify)
	}

	go e.dispatch(ctx)

	e.logger.Info("Sync engine started",
		"mode", string(e.cfg.SyncFrequency),
		"url", e.cfg.URL,
		"batch_size", e.cfg.BatchSize)

	// Pick up anything left over from the previous run
	e.Notify()
	return nil
}

// Notify requests a drain without blocking; coalesces bursts
func (e *Engine) Notify() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// dispatch owns the trigger sources: realtime notifications, the interval
// ticker, the cron timer, and retry wake-ups (delivered via trigger).
func (e *Engine) dispatch(ctx context.Context) {
	defer close(e.done)

	var tickC <-chan time.Time
	var cronTimer *time.Timer
	var cronSched cron.Schedule

	switch e.cfg.SyncFrequency {
	case config.SyncScheduled, "":
		ticker := time.NewTicker(e.cfg.Interval())
		defer ticker.Stop()
		tickC = ticker.C
	case config.SyncCron:
		// Validated by Initialize; parse cannot fail here
		cronSched, _ = cron.ParseStandard(e.cfg.CronSchedule)
		cronTimer = time.NewTimer(time.Until(cronSched.Next(time.Now())))
		defer cronTimer.Stop()
	}

	for {
		var cronC <-chan time.Time
		if cronTimer != nil {
			cronC = cronTimer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-e.shutdown:
			return
		case <-e.trigger:
			e.drain(ctx)
		case <-tickC:
			e.drain(ctx)
		case <-cronC:
			e.drain(ctx)
			cronTimer.Reset(time.Until(cronSched.Next(time.Now())))
		}
	}
}

// drain submits the next pending batch unless one is already in flight
func (e *Engine) drain(ctx context.Context) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return
	}

	batch, err := e.store.PendingBatch(ctx, e.cfg.BatchSize)
	if err != nil {
		e.inFlight.Store(false)
		e.logger.Error("Pending batch query failed", "error", err)
		return
	}
	if len(batch) == 0 {
		e.inFlight.Store(false)
		return
	}

	e.mu.Lock()
	attempt := e.attempts
	e.mu.Unlock()

	if err := e.pool.Submit(job{batch: batch, attempt: attempt}); err != nil {
		e.inFlight.Store(false)
		e.logger.Warn("Sync job not queued", "error", err)
	}
}

// process sends one batch and applies the outcome to the store. inFlight is
// released before any re-trigger so the dispatcher's next drain can claim it.
func (e *Engine) process(ctx context.Context, j job) error {
	ids := resultIDs(j.batch)
	err := e.sender.Send(ctx, j.batch)
	e.lastActivity.Store(time.Now())

	switch {
	case err == nil:
		receipt := time.Now().UTC()
		if serr := e.store.MarkSynced(ctx, ids, receipt); serr != nil {
			e.logger.Error("Failed to flip sync status after 2xx", "error", serr)
			e.inFlight.Store(false)
			return serr
		}
		_ = e.store.RecordSyncAttempt(ctx, "success", fmt.Sprintf("synced %d result(s)", len(ids)), len(ids))
		e.events.Publish(event.SyncAttempt("success", j.attempt+1, fmt.Sprintf("%d result(s)", len(ids))))
		e.sentTotal.Add(int64(len(ids)))
		e.resetAttempts()
		e.inFlight.Store(false)
		e.Notify() // more rows may be pending
		return nil

	case IsPoison(err):
		if serr := e.store.MarkPoisoned(ctx, ids); serr != nil {
			e.logger.Error("Failed to poison rejected rows", "error", serr)
			e.inFlight.Store(false)
			return serr
		}
		_ = e.store.RecordSyncAttempt(ctx, "poisoned", err.Error(), 0)
		e.events.Publish(event.SyncAttempt("poisoned", j.attempt+1, err.Error()))
		e.events.Publish(event.Warningf("sync", "%d result(s) rejected by endpoint: %v", len(ids), err))
		e.poisonTotal.Add(int64(len(ids)))
		e.logger.Warn("Batch poisoned", "results", len(ids), "error", err)
		e.resetAttempts()
		e.inFlight.Store(false)
		e.Notify() // the remaining queue is unaffected
		return nil

	default:
		attempts := e.bumpAttempts()
		delay := e.backoff.Delay(attempts - 1)
		_ = e.store.RecordSyncAttempt(ctx, "failed", err.Error(), 0)
		e.events.Publish(event.SyncAttempt("failed", attempts, err.Error()))
		e.failedTotal.Add(1)
		e.logger.Warn("Sync attempt failed", "attempts", attempts, "retry_in", delay, "error", err)
		e.inFlight.Store(false)

		time.AfterFunc(delay, func() {
			if e.running.Load() {
				e.Notify()
			}
		})
		return err
	}
}

func (e *Engine) resetAttempts() {
	e.mu.Lock()
	e.attempts = 0
	e.mu.Unlock()
}

func (e *Engine) bumpAttempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	return e.attempts
}

// SyncNow performs an immediate synchronous drain of every pending row and
// returns the number of results synced. Used by the gateway and the UI.
func (e *Engine) SyncNow(ctx context.Context) (int, error) {
	if !e.running.Load() {
		return 0, errors.Wrap(errors.ErrNotStarted, "httpsync", "SyncNow", "state check")
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return 0, ErrSyncBusy
	}
	defer e.inFlight.Store(false)

	total := 0
	for {
		batch, err := e.store.PendingBatch(ctx, e.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		ids := resultIDs(batch)
		if err := e.sender.Send(ctx, batch); err != nil {
			if IsPoison(err) {
				_ = e.store.MarkPoisoned(ctx, ids)
				_ = e.store.RecordSyncAttempt(ctx, "poisoned", err.Error(), 0)
				e.events.Publish(event.Warningf("sync", "%d result(s) rejected by endpoint: %v", len(ids), err))
				e.poisonTotal.Add(int64(len(ids)))
				continue
			}
			_ = e.store.RecordSyncAttempt(ctx, "failed", err.Error(), 0)
			e.failedTotal.Add(1)
			return total, err
		}

		if err := e.store.MarkSynced(ctx, ids, time.Now().UTC()); err != nil {
			return total, err
		}
		_ = e.store.RecordSyncAttempt(ctx, "success", fmt.Sprintf("synced %d result(s)", len(ids)), len(ids))
		e.events.Publish(event.SyncAttempt("success", 1, fmt.Sprintf("%d result(s)", len(ids))))
		e.sentTotal.Add(int64(len(ids)))
		total += len(ids)
	}
}

// Stop finishes the in-flight request (bounded by the shutdown grace) and
// exits; the store is left consistent either way.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.running.Load() {
		return nil // idempotent
	}
	e.running.Store(false)

	close(e.shutdown)

	select {
	case <-e.done:
	case <-time.After(timeout):
	}

	grace := shutdownGrace
	if timeout > 0 && timeout < grace {
		grace = timeout
	}
	if err := e.pool.Stop(grace); err != nil {
		return errors.Wrap(err, "httpsync", "Stop", "worker pool drain")
	}
	e.logger.Info("Sync engine stopped")
	return nil
}

// resultIDs flattens a batch's result row IDs
func resultIDs(batch []store.BatchItem) []int64 {
	var ids []int64
	for _, item := range batch {
		for _, r := range item.Results {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
