package mcp

import (
	"encoding/json"
	"fmt"
)

// resultEnvelope and errorEnvelope are marshaled by hand instead of going
// through the SDK's jsonrpc.Response, whose ID type does not round-trip
// the peer's original ID format.
type resultEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

type errorEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   errorBody       `json:"error"`
}

type errorBody struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// NewResultResponse builds the wire bytes of a JSON-RPC result response,
// echoing back the request's raw ID.
func NewResultResponse(id json.RawMessage, result interface{}) ([]byte, error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	data, err := json.Marshal(resultEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal result response: %w", err)
	}
	return data, nil
}

// NewErrorResponse builds the wire bytes of a JSON-RPC error response.
func NewErrorResponse(id json.RawMessage, code int64, message string) ([]byte, error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	data, err := json.Marshal(errorEnvelope{
		JSONRPC: "2.0",
		ID:      id,
		Error:   errorBody{Code: code, Message: message},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal error response: %w", err)
	}
	return data, nil
}

// NewNotification builds the wire bytes of a JSON-RPC notification
// (a request without an ID). params may be nil.
func NewNotification(method string, params interface{}) ([]byte, error) {
	env := struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return data, nil
}

// NewRequest builds the wire bytes of a JSON-RPC request with a string ID.
// Used for calls the proxy originates towards downstream servers.
func NewRequest(id, method string, params interface{}) ([]byte, error) {
	env := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      string      `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}
