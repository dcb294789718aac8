package module

import (
	"errors"
	"fmt"
)

// Module system errors.
var (
	// ErrModuleNotFound is returned when no module has the given id.
	ErrModuleNotFound = errors.New("module not found")

	// ErrDuplicateModule is returned when a module id is registered twice.
	ErrDuplicateModule = errors.New("module already registered")

	// ErrInvalidModule is returned for a nil module or an empty id.
	ErrInvalidModule = errors.New("invalid module")

	// ErrInvalidEventID is returned when listening to an empty event id.
	ErrInvalidEventID = errors.New("invalid event id")

	// ErrContextClosed is returned after Close.
	ErrContextClosed = errors.New("module context is closed")

	// ErrListenerPanic is matched by PanicError.
	ErrListenerPanic = errors.New("listener panicked")

	// ErrModuleStatus is wrapped when an external module reports a non-zero
	// status.
	ErrModuleStatus = errors.New("module returned non-zero status")
)

// HandlerError wraps an error returned by a listener.
type HandlerError struct {
	// ModuleID is the listening module.
	ModuleID string

	// EventID is the event being delivered.
	EventID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("module %q failed on event %q: %v", e.ModuleID, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PanicError wraps a listener panic as an error.
type PanicError struct {
	// ModuleID is the listening module.
	ModuleID string

	// EventID is the event being delivered.
	EventID string

	// Value is the value passed to panic().
	Value any

	// Stack is the stack trace at the time of the panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("module %q panicked on event %q: %v", e.ModuleID, e.EventID, e.Value)
}

// Is allows errors.Is to match PanicError with ErrListenerPanic.
func (e *PanicError) Is(target error) bool {
	return target == ErrListenerPanic
}

// StatusError reports the non-zero status of an external module.
type StatusError struct {
	Status int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("module status %d", e.Status)
}

// Is allows errors.Is to match StatusError with ErrModuleStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrModuleStatus
}
