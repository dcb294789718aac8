package app

import (
	"errors"
	"fmt"
)

// Application errors.
var (
	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("application already started")

	// ErrNotStarted indicates an operation that needs a started application.
	ErrNotStarted = errors.New("application not started")

	// ErrClosed indicates the application was shut down.
	ErrClosed = errors.New("application closed")
)

// InitError represents a bootstrap failure of one component.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// LoadError records an external module that could not be loaded. Load
// errors never abort startup.
type LoadError struct {
	Dir      string // Module directory
	ModuleID string // Empty when the manifest could not be read
	Stage    string // "discover", "register" or "activate"
	Err      error
}

func (e *LoadError) Error() string {
	target := e.Dir
	if e.ModuleID != "" {
		target = fmt.Sprintf("%q (%s)", e.ModuleID, e.Dir)
	}
	return fmt.Sprintf("load module %s: %s: %v", target, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
