// Package dispatch runs event handlers in isolation.
//
// The Executor recovers panics, captures timing and reports each run as a
// Result. SyncDispatcher wraps an Executor with an optional per-handler
// timeout and outcome counters; the module bus uses one to deliver events
// to listeners so that a failing listener never affects the next.
//
//	d := dispatch.NewSyncDispatcher(
//	    dispatch.WithTimeout(5*time.Second),
//	    dispatch.WithPanicHandler(func(evt *event.Event, v any, stack []byte) {
//	        log.Error("listener panic on %s: %v", evt.ID(), v)
//	    }),
//	)
//	res := d.Dispatch(ctx, evt, handler)
//	if res.IsSuccess() {
//	    _ = evt.ExecuteCallback(listenerID, res.Reply)
//	}
package dispatch
