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
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/toolscope/toolscope/internal/domain/downstream"
	"github.com/toolscope/toolscope/internal/port/outbound"
	"github.com/toolscope/toolscope/pkg/mcp"
)

// SSEClient talks to an MCP server over the SSE transport: a long-lived
// GET stream delivers server-to-client messages, and an "endpoint" event
// names the URL client-to-server messages are POSTed to.
// It implements the outbound.MCPClient interface.
type SSEClient struct {
	cfg        *downstream.ServerConfig
	logger     *slog.Logger
	httpClient *http.Client

	// callMu serializes calls so responses come back in request order.
	callMu sync.Mutex

	mu       sync.Mutex
	postURL  string
	stream   io.Closer
	cancel   context.CancelFunc
	messages chan []byte
	endpoint chan string
	done     chan struct{}
	opened   bool
	closed   bool
}

// NewSSEClient creates a client for an sse server configuration.
func NewSSEClient(cfg *downstream.ServerConfig, logger *slog.Logger) *SSEClient {
	return &SSEClient{
		cfg:    cfg,
		logger: logger,
		httpClient: &http.Client{
			// No overall timeout: the GET stream stays open for the
			// session's lifetime. Dial/TLS limits still apply.
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
}

// Open establishes the event stream, waits for the endpoint event and
// performs the MCP initialize handshake.
func (c *SSEClient) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return errors.New("client already opened")
	}
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed, create a new instance")
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("event stream status %d", resp.StatusCode)
	}

	c.cancel = cancel
	c.stream = resp.Body
	c.messages = make(chan []byte, 16)
	c.endpoint = make(chan string, 1)
	c.done = make(chan struct{})
	c.opened = true
	c.mu.Unlock()

	go c.readLoop(resp.Body)

	// The server must announce the POST endpoint before anything else.
	select {
	case ep, ok := <-c.endpoint:
		if !ok {
			_ = c.Close()
			return errors.New("event stream closed before endpoint event")
		}
		postURL, err := c.resolveEndpoint(ep)
		if err != nil {
			_ = c.Close()
			return err
		}
		c.mu.Lock()
		c.postURL = postURL
		c.mu.Unlock()
	case <-ctx.Done():
		_ = c.Close()
		return fmt.Errorf("waiting for endpoint event: %w", ctx.Err())
	}

	if err := doInitialize(ctx, c.call, c.notify); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// resolveEndpoint resolves the announced endpoint against the stream URL.
func (c *SSEClient) resolveEndpoint(ep string) (string, error) {
	base, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	ref, err := url.Parse(ep)
	if err != nil {
		return "", fmt.Errorf("parse endpoint event: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// readLoop parses SSE events off the stream. Endpoint events go to the
// endpoint channel, everything else is treated as a JSON-RPC message.
func (c *SSEClient) readLoop(body io.Reader) {
	defer close(c.messages)

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	event := ""
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if len(data) > 0 {
				c.dispatch(event, strings.Join(data, "\n"))
			}
			event = ""
			data = nil
		}
	}
	close(c.endpoint)
}

func (c *SSEClient) dispatch(event, data string) {
	if event == "endpoint" {
		select {
		case c.endpoint <- data:
		default:
		}
		return
	}
	// Never block the read loop past Close.
	select {
	case c.messages <- []byte(data):
	case <-c.done:
	}
}

// call POSTs one request and waits for the response with the matching id
// on the event stream. Messages with other ids or no id are skipped.
func (c *SSEClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	id := newRequestID()
	raw, err := mcp.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := c.post(ctx, raw); err != nil {
		return nil, err
	}

	for {
		select {
		case msg, ok := <-c.messages:
			if !ok {
				return nil, errors.New("event stream closed")
			}
			if responseID(msg) != id {
				c.logger.Debug("skipping unsolicited message",
					"server", c.cfg.Name,
					"method", method)
				continue
			}
			return parseResponse(msg)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *SSEClient) notify(ctx context.Context, method string, params interface{}) error {
	raw, err := mcp.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.post(ctx, raw)
}

// post delivers one client-to-server message to the announced endpoint.
func (c *SSEClient) post(ctx context.Context, body []byte) error {
	c.mu.Lock()
	postURL := c.postURL
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return errors.New("client is closed")
	}
	if postURL == "" {
		return errors.New("client not opened")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return nil
}

// ListTools asks the downstream for its tool catalog.
func (c *SSEClient) ListTools(ctx context.Context) ([]mcp.ToolDef, error) {
	return doListTools(ctx, c.call)
}

// CallTool invokes one tool by its downstream name.
func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallResult, error) {
	return doCallTool(ctx, c.call, name, args)
}

// Ping checks liveness of the stream connection.
func (c *SSEClient) Ping(ctx context.Context) error {
	return doPing(ctx, c.call)
}

// Close tears down the event stream and marks the client unusable.
// Idempotent; safe on a never-opened client.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.done != nil {
		close(c.done)
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

// Compile-time check that SSEClient implements MCPClient interface.
var _ outbound.MCPClient = (*SSEClient)(nil)
