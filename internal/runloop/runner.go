package runloop

import (
	"runtime/debug"
)

// TaskRunner accepts tasks for execution on some goroutine.
type TaskRunner interface {
	// Name identifies the runner in logs.
	Name() string

	// Post schedules fn. Returns false if the runner no longer accepts work.
	Post(fn func()) bool
}

// PanicHandler is called when a task panics.
// It receives the runner name, the panic value, and the stack trace.
type PanicHandler func(runner string, panicValue any, stack []byte)

func defaultPanicHandler(string, any, []byte) {}

// runTask executes fn and reports a panic instead of propagating it.
// Returns true if fn panicked.
func runTask(name string, fn func(), onPanic PanicHandler) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			stack := debug.Stack()
			if onPanic != nil {
				func() {
					defer func() { _ = recover() }()
					onPanic(name, r, stack)
				}()
			}
		}
	}()
	fn()
	return false
}
