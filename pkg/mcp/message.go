// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the toolscope meta-proxy.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates the flow direction of a message through the proxy.
type Direction int

const (
	// ClientToServer indicates a message flowing from the front-end peer
	// towards the proxy.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from the proxy back to
	// the front-end peer.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// JSON-RPC error codes used across the proxy.
const (
	// CodeMethodNotFound covers unknown methods and unknown tools.
	CodeMethodNotFound int64 = -32601
	// CodeInvalidParams covers tool calls missing required arguments.
	CodeInvalidParams int64 = -32602
	// CodeInternal covers internal failures; messages are sanitized.
	CodeInternal int64 = -32603
	// CodeUnavailable covers calls routed to a session that is not
	// connected, or arriving before the router is initialized.
	CodeUnavailable int64 = -32000
	// CodeTimeout covers downstream calls that exceed their deadline.
	CodeTimeout int64 = -32001
)

// ToolDef is a tool definition as it travels on the wire, both in
// downstream tools/list results and in the front-end's exposed list.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallResult is a downstream tools/call result. Content is kept raw and
// forwarded untouched. IsError marks tool-level failure: the call reached
// the tool and the tool reported an error. It is distinct from protocol
// errors, which never use this shape.
type CallResult struct {
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"isError"`
}

// Message wraps a decoded JSON-RPC message with proxy metadata.
// It stores both the raw bytes (for efficient passthrough) and the decoded
// message (for method dispatch).
type Message struct {
	// Raw contains the original bytes of the message.
	// Used for passthrough when no modification is needed.
	Raw []byte

	// Direction indicates whether this message is flowing from
	// the peer to the proxy or from the proxy to the peer.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message.
	// May be nil if parsing failed but passthrough is still desired.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the proxy.
	Timestamp time.Time

	// ParsedParams contains the parsed params from a JSON-RPC request.
	// Set by ParseParams() for reuse across handlers.
	// Nil if not a request or parsing failed.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	if m.Decoded == nil {
		return ""
	}
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsNotification reports whether this is a request carrying no ID.
// Notifications must not be answered.
func (m *Message) IsNotification() bool {
	return m.IsRequest() && m.RawID() == nil
}

// Request returns the underlying Request if this is a request message.
// Returns nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
// Returns nil if this is not a response.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and stores in ParsedParams.
// Safe to call multiple times (no-op if already parsed).
// Returns the parsed params or nil if not a request or parsing fails.
func (m *Message) ParseParams() map[string]interface{} {
	// Already parsed
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// This is needed because the SDK's jsonrpc.ID type doesn't marshal correctly
// through interface{}, so we extract the ID directly from the raw JSON.
// Returns nil if the message carries no ID (a notification) or the bytes
// are not valid JSON.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	// Parse raw bytes to extract "id" field
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}

	id, ok := raw["id"]
	if !ok || string(id) == "null" {
		return nil
	}
	return id
}
