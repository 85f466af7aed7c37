package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/toolscope/toolscope/internal/domain/downstream"
	"github.com/toolscope/toolscope/internal/port/outbound"
	"github.com/toolscope/toolscope/pkg/mcp"
)

// StdioClient talks to an MCP server spawned as a child process, with
// newline-delimited JSON-RPC over its stdin/stdout.
// It implements the outbound.MCPClient interface.
type StdioClient struct {
	cfg    *downstream.ServerConfig
	logger *slog.Logger

	// callMu serializes calls so responses come back in request order.
	callMu sync.Mutex

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	lines  chan []byte
	done   chan struct{}
	opened bool
	closed bool
}

// NewStdioClient creates a client for a stdio server configuration.
func NewStdioClient(cfg *downstream.ServerConfig, logger *slog.Logger) *StdioClient {
	return &StdioClient{cfg: cfg, logger: logger}
}

// Open spawns the child process, starts the read loop and performs the
// MCP initialize handshake.
func (c *StdioClient) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return errors.New("client already opened")
	}
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed, create a new instance")
	}

	// The process must outlive Open's ctx; Close kills it explicitly.
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		c.mu.Unlock()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	// Forward server stderr to our stderr (MCP spec allows server logging).
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		c.mu.Unlock()
		return fmt.Errorf("failed to start server: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.lines = make(chan []byte, 16)
	c.done = make(chan struct{})
	c.opened = true
	c.mu.Unlock()

	go c.readLoop(stdout, c.lines, c.done)

	if err := doInitialize(ctx, c.call, c.notify); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

// readLoop scans newline-delimited messages from the child's stdout into
// the lines channel until EOF or the pipe is closed. After Close nobody
// drains lines anymore, so the send also watches done to avoid leaving
// the goroutine stuck on a full channel.
func (c *StdioClient) readLoop(stdout io.Reader, lines chan<- []byte, done <-chan struct{}) {
	defer close(lines)

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		select {
		case lines <- line:
		case <-done:
			return
		}
	}
}

// call writes one request and waits for the response with the matching id.
// Messages with other ids or no id (server notifications) are skipped.
func (c *StdioClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	id := newRequestID()
	raw, err := mcp.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := c.write(raw); err != nil {
		return nil, err
	}

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return nil, errors.New("connection closed")
			}
			if responseID(line) != id {
				c.logger.Debug("skipping unsolicited message",
					"server", c.cfg.Name,
					"method", method)
				continue
			}
			return parseResponse(line)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// notify writes one notification; no response is expected.
func (c *StdioClient) notify(_ context.Context, method string, params interface{}) error {
	raw, err := mcp.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(raw)
}

func (c *StdioClient) write(raw []byte) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()

	if stdin == nil {
		return errors.New("client not opened")
	}
	if _, err := stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// ListTools asks the downstream for its tool catalog.
func (c *StdioClient) ListTools(ctx context.Context) ([]mcp.ToolDef, error) {
	return doListTools(ctx, c.call)
}

// CallTool invokes one tool by its downstream name.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallResult, error) {
	return doCallTool(ctx, c.call, name, args)
}

// Ping checks liveness of the child process connection.
func (c *StdioClient) Ping(ctx context.Context) error {
	return doPing(ctx, c.call)
}

// Close terminates the child process and cleans up resources.
// Idempotent; safe on a never-opened client.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.done != nil {
		close(c.done)
	}

	var errs []error

	// Close stdin first to signal EOF to the server.
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
		c.stdin = nil
	}

	// Kill the process if still running.
	if c.cmd != nil && c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil {
			if !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, fmt.Errorf("kill process: %w", err))
			}
		}
		// Reap the child; the error is the kill we just issued.
		_ = c.cmd.Wait()
	}
	c.cmd = nil

	if c.stdout != nil {
		_ = c.stdout.Close()
		c.stdout = nil
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Compile-time check that StdioClient implements MCPClient interface.
var _ outbound.MCPClient = (*StdioClient)(nil)
