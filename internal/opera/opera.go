// Package opera is the call interface to the cryptography backend.
//
// The runtime does not know what an operation does. It only runs it on a
// channel, synchronously or on the global worker pool, and reports an
// error and a result bag.
package opera

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dshills/keyforge/internal/channel"
	"github.com/dshills/keyforge/internal/logging"
	"github.com/dshills/keyforge/internal/runloop"
)

var (
	// ErrNilOperation is returned when no operation is given.
	ErrNilOperation = errors.New("nil operation")

	// ErrOperationPanic is matched by errors from operations that panicked.
	ErrOperationPanic = errors.New("operation panicked")

	// ErrCallbackDropped is reported when the callback's run loop is gone.
	ErrCallbackDropped = errors.New("callback dropped: run loop is gone")
)

// Result is the opaque bag an operation reports.
type Result map[string]any

// String returns the value under key as a string, or "".
func (r Result) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Bool returns the value under key as a bool, or false.
func (r Result) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Operation performs backend work on channel ch.
type Operation func(ctx context.Context, ch channel.ID) (Result, error)

// Callback receives the outcome of an async operation.
type Callback func(res Result, err error)

// Submitter accepts work for background execution.
type Submitter interface {
	Submit(fn func()) error
}

// Runner runs operations. It is safe for concurrent use.
type Runner struct {
	pool    Submitter
	timeout time.Duration
	logger  *logging.Logger

	started   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds each operation. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a runner executing async operations on pool.
func NewRunner(pool Submitter, opts ...Option) *Runner {
	r := &Runner{pool: pool, logger: logging.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("opera")
	return r
}

// RunSync runs op on the calling goroutine.
func (r *Runner) RunSync(ctx context.Context, ch channel.ID, name string, op Operation) (Result, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	return r.run(ctx, ch, name, op)
}

// RunAsync runs op on the worker pool and posts cb onto loop with the
// outcome. A nil cb discards the outcome. Returns an error only if the
// operation could not be scheduled.
func (r *Runner) RunAsync(ctx context.Context, ch channel.ID, name string, op Operation, loop runloop.TaskRunner, cb Callback) error {
	if op == nil {
		return ErrNilOperation
	}
	err := r.pool.Submit(func() {
		res, err := r.run(ctx, ch, name, op)
		if cb == nil {
			return
		}
		if loop == nil {
			cb(res, err)
			return
		}
		if !loop.Post(func() { cb(res, err) }) {
			r.dropped.Add(1)
			r.logger.WithFields(map[string]any{
				"op":      name,
				"channel": ch,
				"loop":    loop.Name(),
			}).Warn("%v", ErrCallbackDropped)
		}
	})
	if err != nil {
		return fmt.Errorf("operation %q: %w", name, err)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, ch channel.ID, name string, op Operation) (res Result, err error) {
	r.started.Add(1)
	if ctx == nil {
		ctx = context.Background()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	log := r.logger.WithFields(map[string]any{"op": name, "channel": ch})
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			r.panicked.Add(1)
			log.Error("operation panicked: %v\n%s", p, debug.Stack())
			res, err = nil, fmt.Errorf("operation %q: %w: %v", name, ErrOperationPanic, p)
			return
		}
		if err != nil {
			r.failed.Add(1)
			log.Warn("operation failed after %s: %v", time.Since(start), err)
			return
		}
		r.succeeded.Add(1)
		log.Debug("operation finished in %s", time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err = op(ctx, ch)
	if res == nil && err == nil {
		res = Result{}
	}
	return res, err
}

// Stats contains runner counters.
type Stats struct {
	Started          uint64
	Succeeded        uint64
	Failed           uint64
	Panicked         uint64
	DroppedCallbacks uint64
}

// Stats returns a snapshot of the counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Started:          r.started.Load(),
		Succeeded:        r.succeeded.Load(),
		Failed:           r.failed.Load(),
		Panicked:         r.panicked.Load(),
		DroppedCallbacks: r.dropped.Load(),
	}
}
