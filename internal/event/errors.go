package event

import "errors"

// Sentinel errors for the event package.
var (
	// ErrContextGone is returned when a callback cannot be delivered because
	// its execution context has shut down.
	ErrContextGone = errors.New("callback execution context is gone")

	// ErrInvalidEvent is returned when an event is missing its identifier.
	ErrInvalidEvent = errors.New("invalid event")
)
