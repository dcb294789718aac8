package dispatch

import (
	"context"
	"time"

	"github.com/dshills/keyforge/internal/event"
)

// Handler processes an event and may return reply parameters for the
// event's callback.
type Handler interface {
	Handle(ctx context.Context, evt *event.Event) (event.Params, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt *event.Event) (event.Params, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, evt *event.Event) (event.Params, error) {
	return f(ctx, evt)
}

// Result represents the outcome of a handler execution.
type Result struct {
	// Success is true if the handler completed without error or panic.
	Success bool

	// Reply holds the parameters the handler returned.
	Reply event.Params

	// Error is the error returned by the handler, if any.
	Error error

	// Panicked is true if the handler panicked.
	Panicked bool

	// PanicValue is the value passed to panic(), if Panicked is true.
	PanicValue any

	// PanicStack is the stack trace at the point of panic.
	PanicStack []byte

	// Duration is how long the handler took to execute.
	Duration time.Duration

	// Skipped is true if the handler was not executed (e.g., context cancelled).
	Skipped bool
}

// IsSuccess returns true if the result indicates successful execution.
func (r Result) IsSuccess() bool {
	return r.Success && !r.Panicked && r.Error == nil
}

// IsError returns true if the result indicates an error (not panic).
func (r Result) IsError() bool {
	return r.Error != nil && !r.Panicked
}

// IsPanic returns true if the result indicates a panic.
func (r Result) IsPanic() bool {
	return r.Panicked
}

// PanicHandler is called when a handler panics during execution.
type PanicHandler func(evt *event.Event, panicValue any, stack []byte)

func defaultPanicHandler(*event.Event, any, []byte) {}
