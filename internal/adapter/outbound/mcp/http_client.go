package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/toolscope/toolscope/internal/domain/downstream"
	"github.com/toolscope/toolscope/internal/port/outbound"
	"github.com/toolscope/toolscope/pkg/mcp"
)

// HTTPClient talks to an MCP server over the streamable HTTP transport:
// each JSON-RPC message is POSTed to the endpoint, the response carries
// either a JSON body or a short SSE stream containing the response.
// It implements the outbound.MCPClient interface.
type HTTPClient struct {
	cfg        *downstream.ServerConfig
	logger     *slog.Logger
	httpClient *http.Client

	// callMu serializes calls so responses come back in request order.
	callMu sync.Mutex

	mu        sync.Mutex
	sessionID string // Mcp-Session-Id from the server
	opened    bool
	closed    bool
}

// HTTPClientOption is a functional option for configuring HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// NewHTTPClient creates a client for an http server configuration.
func NewHTTPClient(cfg *downstream.ServerConfig, logger *slog.Logger, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open performs the MCP initialize handshake against the endpoint.
func (c *HTTPClient) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return errors.New("client already opened")
	}
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed, create a new instance")
	}
	c.opened = true
	c.mu.Unlock()

	if err := doInitialize(ctx, c.call, c.notify); err != nil {
		return err
	}
	return nil
}

func (c *HTTPClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	raw, err := mcp.NewRequest(newRequestID(), method, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, raw)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func (c *HTTPClient) notify(ctx context.Context, method string, params interface{}) error {
	raw, err := mcp.NewNotification(method, params)
	if err != nil {
		return err
	}
	// Notifications are acknowledged with 202 and an empty body.
	_, err = c.post(ctx, raw)
	return err
}

// post sends one JSON-RPC message and returns the response payload bytes.
func (c *HTTPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client is closed")
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	// Limit the read to guard against an unbounded response body.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return firstSSEData(respBody)
	}

	// Servers answering with json.Encoder append a trailing newline.
	return bytes.TrimRight(respBody, "\n"), nil
}

// firstSSEData extracts the first event's data payload from an SSE body.
func firstSSEData(body []byte) ([]byte, error) {
	var data []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			continue
		}
		if line == "" && len(data) > 0 {
			break
		}
	}
	if len(data) == 0 {
		return nil, errors.New("event stream carried no data")
	}
	return []byte(strings.Join(data, "\n")), nil
}

// ListTools asks the downstream for its tool catalog.
func (c *HTTPClient) ListTools(ctx context.Context) ([]mcp.ToolDef, error) {
	return doListTools(ctx, c.call)
}

// CallTool invokes one tool by its downstream name.
func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallResult, error) {
	return doCallTool(ctx, c.call, name, args)
}

// Ping checks liveness of the endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return doPing(ctx, c.call)
}

// Close marks the client unusable and drops idle connections.
// Idempotent; safe on a never-opened client.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.httpClient.CloseIdleConnections()
	return nil
}

// Compile-time check that HTTPClient implements MCPClient interface.
var _ outbound.MCPClient = (*HTTPClient)(nil)
