// Package mcp provides MCP client adapters for connecting to downstream
// servers over stdio, streamable HTTP and SSE.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/toolscope/toolscope/pkg/mcp"
)

const (
	// scannerInitialBufSize is the initial buffer size for message scanners.
	// MCP messages are typically small, but we start with a reasonable buffer
	// to minimize allocations for moderate-sized messages.
	scannerInitialBufSize = 256 * 1024 // 256KB

	// scannerMaxBufSize is the maximum buffer size for message scanners.
	// Messages exceeding this size cause bufio.ErrTooLong.
	scannerMaxBufSize = 1024 * 1024 // 1MB

	// maxResponseBodySize is the maximum response body size from a
	// downstream. Prevents OOM from a server sending unbounded responses.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// protocolVersion is the MCP protocol revision offered at initialize.
	protocolVersion = "2025-03-26"

	clientName = "toolscope"
)

// clientVersion is stamped by the build; kept as a var so the version
// command and the handshake agree.
var clientVersion = "dev"

// RPCError is a protocol-level error reported by a downstream in a
// JSON-RPC error envelope.
type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// callFunc issues one JSON-RPC request and returns the raw result payload.
// Each transport supplies its own implementation; the protocol helpers
// below are transport-agnostic.
type callFunc func(ctx context.Context, method string, params interface{}) (json.RawMessage, error)

// notifyFunc sends one JSON-RPC notification.
type notifyFunc func(ctx context.Context, method string, params interface{}) error

// newRequestID returns a fresh id for a proxy-originated request.
func newRequestID() string {
	return uuid.NewString()
}

// parseResponse extracts the result from raw JSON-RPC response bytes,
// converting an error envelope into *RPCError.
func parseResponse(raw []byte) (json.RawMessage, error) {
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// responseID extracts the id of a raw JSON-RPC message, or "" when the
// message carries none (a notification or server-originated request).
func responseID(raw []byte) string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.ID == nil || string(probe.ID) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		return s
	}
	return string(probe.ID)
}

// doInitialize performs the MCP handshake: an initialize request followed
// by the initialized notification.
func doInitialize(ctx context.Context, call callFunc, notify notifyFunc) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	if _, err := call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// doListTools fetches the downstream's tool catalog, following pagination
// cursors when the server uses them.
func doListTools(ctx context.Context, call callFunc) ([]mcp.ToolDef, error) {
	var tools []mcp.ToolDef
	cursor := ""
	for {
		var params interface{}
		if cursor != "" {
			params = map[string]interface{}{"cursor": cursor}
		}
		result, err := call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}

		var page struct {
			Tools      []mcp.ToolDef `json:"tools"`
			NextCursor string        `json:"nextCursor"`
		}
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("parse tools/list result: %w", err)
		}
		tools = append(tools, page.Tools...)

		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// doCallTool invokes one tool. Tool-level failure arrives inside the
// result with isError set and is returned as a result, not an error.
func doCallTool(ctx context.Context, call callFunc, name string, args map[string]interface{}) (*mcp.CallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var cr mcp.CallResult
	if err := json.Unmarshal(result, &cr); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &cr, nil
}

// doPing checks liveness. Any non-error response counts as alive.
func doPing(ctx context.Context, call callFunc) error {
	if _, err := call(ctx, "ping", nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
