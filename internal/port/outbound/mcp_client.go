// Package outbound defines the outbound port interfaces for downstream
// MCP servers and persistence.
package outbound

import (
	"context"

	"github.com/toolscope/toolscope/internal/domain/downstream"
	"github.com/toolscope/toolscope/pkg/mcp"
)

// MCPClient is the outbound port for one downstream MCP server session.
// Adapters implement this per transport (stdio, http, sse). Calls on one
// client are serialized by the adapter, so responses come back in request
// order.
type MCPClient interface {
	// Open establishes the connection and performs the MCP initialize
	// handshake. It must be called before any other method.
	Open(ctx context.Context) error

	// Close terminates the connection and releases resources.
	// Safe to call more than once and on a never-opened client.
	Close() error

	// ListTools asks the downstream for its tool catalog.
	ListTools(ctx context.Context) ([]mcp.ToolDef, error)

	// CallTool invokes one tool by its downstream (original) name.
	// A tool-level failure is reported inside the result, not as an error.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallResult, error)

	// Ping checks liveness of the connection.
	Ping(ctx context.Context) error
}

// ClientFactory creates an MCPClient for a server configuration.
// Indirection point for tests.
type ClientFactory func(cfg *downstream.ServerConfig) (MCPClient, error)
