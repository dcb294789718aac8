package lua

import "errors"

// Errors for Lua module hosting.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNotFunction is returned when a global that should be a function
	// is something else.
	ErrNotFunction = errors.New("lua global is not a function")

	// ErrNotRegistered is returned when a hook runs before Register.
	ErrNotRegistered = errors.New("module is not registered with a host")
)

// Manifest validation errors.
var (
	ErrNoManifest     = errors.New("manifest: no module.yaml, module.yml or module.json found")
	ErrMissingID      = errors.New("manifest: id is required")
	ErrInvalidID      = errors.New("manifest: id must be lowercase segments separated by '.', '-' or '_'")
	ErrMissingVersion = errors.New("manifest: version is required")
	ErrInvalidVersion = errors.New("manifest: version must be valid semver")
	ErrInvalidEntry   = errors.New("manifest: entry must be a .lua file inside the module directory")
	ErrInvalidEventID = errors.New("manifest: event ids must not be empty")
)
