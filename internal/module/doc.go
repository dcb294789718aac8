// Package module hosts the runtime's modules and the event bus that
// connects them.
//
// A Context owns every registered module. Each module moves through a
// small lifecycle:
//
//	Registered --Activate--> Active --Deactivate--> Inactive
//	                           ^                       |
//	                           +-------Activate--------+
//
// Only active modules receive events. Modules subscribe with ListenEvent,
// usually from their Register hook.
//
// # Delivery
//
// TriggerEvent captures the set of active listeners and delivers the event
// to each one. Integrated modules registered with DeliverySync run on the
// caller's goroutine. All other modules have their own serial task runner,
// so a module never sees two events at once and a slow module never
// blocks another. External modules receive a flat copy of the event built
// from the shared secure allocator and hand back a flat reply.
//
// A listener error or panic is logged and counted. It never reaches the
// trigger caller or the other listeners.
//
// When a listener succeeds and the event carries a callback, the callback
// receives the listener id and its reply. If the event was bound to a task
// runner, the callback is posted there; a runner that is gone drops the
// callback.
//
// # Observers
//
// Observe registers a function for every triggered event whose id matches
// a dot-segment pattern, independent of module subscriptions. Lifecycle
// transitions are published as "module.<id>.registered", "activated" and
// "deactivated" events.
//
// # Channels
//
// Each module is registered on a channel. Channel-scoped services live in
// the channel registry returned by Channels, so modules on different
// channels never share state.
package module
