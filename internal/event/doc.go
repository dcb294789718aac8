// Package event defines the unit of communication between the host and its
// modules.
//
// An Event carries an identifier naming what happened, a trigger id that
// uniquely names this particular occurrence, a string-to-string parameter
// map and, optionally, a callback. The callback is bound to the execution
// context it must run on (a runloop.TaskRunner). Listeners never call it
// directly; the bus hands their reply to ExecuteCallback, which posts the
// callback onto the bound context:
//
//	loop := runloop.NewLoop("ui")
//	evt := event.New(event.RequestPublicKeyByFingerprint,
//	    event.Params{"fingerprint": fpr},
//	    func(eventID, listenerID string, reply event.Params) {
//	        showKey(reply["key"])
//	    },
//	    event.WithRunner(loop),
//	)
//
// If the bound context has shut down by the time a reply arrives, the
// delivery fails with ErrContextGone and is logged. The process carries on.
//
// Events compare by identifier only: two events with the same id are equal
// regardless of their parameters or trigger ids.
package event
