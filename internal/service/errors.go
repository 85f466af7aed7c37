package service

import "errors"

// Routing and lifecycle errors surfaced to the front-end. The router
// translates these into protocol-level JSON-RPC errors; downstream
// tool-level failures never pass through here.
var (
	// ErrToolNotFound means no discovered tool matches the requested name.
	ErrToolNotFound = errors.New("tool not found")

	// ErrServerNotConnected means the owning session is not in the
	// connected state.
	ErrServerNotConnected = errors.New("server not connected")

	// ErrInvalidParameters means the call misses a required argument
	// declared by the tool's input schema.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrCallTimeout means the downstream call exceeded its deadline.
	ErrCallTimeout = errors.New("call timed out")

	// ErrServiceUnavailable means the router is not yet initialized.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrToolsetNotFound means no saved toolset has the requested name.
	ErrToolsetNotFound = errors.New("toolset not found")

	// ErrToolsetActive means the operation is forbidden while the
	// toolset is equipped.
	ErrToolsetActive = errors.New("toolset is active")

	// ErrNoActiveToolset means the operation needs an equipped toolset.
	ErrNoActiveToolset = errors.New("no active toolset")
)
