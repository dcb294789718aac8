package module

// State represents the lifecycle state of a module.
type State int

// Module states.
const (
	// StateRegistered - Module is known but has never been activated.
	StateRegistered State = iota

	// StateActive - Module receives events.
	StateActive

	// StateInactive - Module was deactivated and receives nothing.
	StateInactive
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// DeliveryMode specifies where a module's listeners run.
type DeliveryMode int

const (
	// DeliverySync runs the listener on the triggering goroutine.
	// Only honored for integrated modules.
	DeliverySync DeliveryMode = iota

	// DeliveryAsync posts the listener onto the module's task runner.
	DeliveryAsync
)

// String returns a human-readable delivery mode name.
func (m DeliveryMode) String() string {
	switch m {
	case DeliverySync:
		return "sync"
	case DeliveryAsync:
		return "async"
	default:
		return "unknown"
	}
}
