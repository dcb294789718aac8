package runloop

import "errors"

// Sentinel errors for the runloop package.
var (
	// ErrAlreadyRunning is returned when Start is called on a running pool.
	ErrAlreadyRunning = errors.New("runner is already running")

	// ErrNotRunning is returned when work is submitted to a stopped runner.
	ErrNotRunning = errors.New("runner is not running")

	// ErrQueueFull is returned when the pool queue cannot accept more tasks.
	ErrQueueFull = errors.New("task queue is full")
)
