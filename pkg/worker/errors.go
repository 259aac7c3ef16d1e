package worker

import "errors"

var (
	// ErrNilProcessor is raised when constructing a pool without a processor
	ErrNilProcessor = errors.New("worker: processor function is required")

	// ErrPoolNotStarted is returned by Submit before Start
	ErrPoolNotStarted = errors.New("worker: pool not started")

	// ErrPoolAlreadyStarted is returned by Start on a running pool
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")

	// ErrPoolStopped is returned by Submit after Stop
	ErrPoolStopped = errors.New("worker: pool stopped")

	// ErrQueueFull is returned by Submit when the work queue is at capacity
	ErrQueueFull = errors.New("worker: queue full")

	// ErrStopTimeout is returned by Stop when workers do not drain in time
	ErrStopTimeout = errors.New("worker: stop timeout")
)
