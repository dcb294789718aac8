// Package runloop provides the execution contexts tasks are posted to.
//
// Two implementations of TaskRunner are provided:
//
//   - Loop: a single goroutine draining an unbounded inbox in FIFO order.
//     Callbacks that must run "on" a particular context (a UI surface, a
//     module) are posted to its Loop.
//
//   - Pool: a fixed set of workers reading a bounded queue. Used for the
//     global task runner and for crypto-backend operations.
//
// Both recover panics raised by tasks and report them to a PanicHandler,
// so a failing task never takes its runner down with it.
//
// # Shutdown
//
// Close on a Loop and Stop on a Pool refuse new work immediately, run what
// was already accepted, and return once the runner has drained or the
// context expires:
//
//	loop := runloop.NewLoop("ui")
//	loop.Post(func() { render() })
//	_ = loop.Close(ctx)
//
// Post on a closed runner returns false.
package runloop
