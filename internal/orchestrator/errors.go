package orchestrator

import "errors"

// Caller-facing error taxonomy. Wait-specific failures (timeout, abort)
// live in the registry package; permission lookup failures in the
// permission package.
var (
	// ErrAgentNotFound means the caller referenced a stale or unknown
	// agent id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidProvider means the requested provider is not in the
	// supported set.
	ErrInvalidProvider = errors.New("invalid agent provider")

	// ErrLaunchFailed means the provider subprocess could not start or
	// failed its protocol handshake.
	ErrLaunchFailed = errors.New("agent launch failed")

	// ErrEngineClosed is returned for operations after Close.
	ErrEngineClosed = errors.New("engine is closed")
)
