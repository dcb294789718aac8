package dispatch

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/dshills/keyforge/internal/event"
)

// Executor runs handlers with panic recovery and timing.
type Executor struct {
	panicHandler PanicHandler
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorPanicHandler sets the panic handler for the executor.
func WithExecutorPanicHandler(h PanicHandler) ExecutorOption {
	return func(e *Executor) {
		if h != nil {
			e.panicHandler = h
		}
	}
}

// NewExecutor creates a new executor with the given options.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		panicHandler: defaultPanicHandler,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs handler with evt and returns the result.
// A panic in the handler is recovered and reported in the result.
func (e *Executor) Execute(ctx context.Context, evt *event.Event, handler Handler) (result Result) {
	select {
	case <-ctx.Done():
		return Result{Error: ctx.Err(), Skipped: true}
	default:
	}

	start := time.Now()

	defer func() {
		result.Duration = time.Since(start)

		if r := recover(); r != nil {
			stack := debug.Stack()

			result.Success = false
			result.Reply = nil
			result.Panicked = true
			result.PanicValue = r
			result.PanicStack = stack

			// A panicking panic handler must not escape either.
			func() {
				defer func() { _ = recover() }()
				e.panicHandler(evt, r, stack)
			}()
		}
	}()

	reply, err := handler.Handle(ctx, evt)
	if err != nil {
		result.Error = err
		return result
	}
	result.Success = true
	result.Reply = reply
	return result
}

// ExecuteWithTimeout runs handler with a deadline.
// The handler must respect ctx for the deadline to take effect.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, evt *event.Event, handler Handler, timeout time.Duration) Result {
	if timeout <= 0 {
		return e.Execute(ctx, evt, handler)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return e.Execute(ctx, evt, handler)
}
