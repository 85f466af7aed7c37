// Package inbound defines the inbound port interfaces for the meta-proxy
// core. Inbound adapters (stdio) call these interfaces.
package inbound

import (
	"context"
)

// Frontend is the inbound port for the front-end MCP endpoint.
// Inbound adapters call this interface.
type Frontend interface {
	// Start begins serving the peer connection.
	// Blocks until the context is cancelled or an error occurs.
	// Returns nil on graceful shutdown, error on failure.
	Start(ctx context.Context) error

	// Close gracefully shuts down the endpoint and cleans up resources.
	Close() error
}
