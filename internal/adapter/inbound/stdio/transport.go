// Package stdio provides the inbound transport that serves the upstream
// MCP client over stdin/stdout.
package stdio

import (
	"context"
	"os"

	"github.com/toolscope/toolscope/internal/port/inbound"
	"github.com/toolscope/toolscope/internal/service"
)

// StdioTransport connects the front-end to the process's stdin/stdout.
type StdioTransport struct {
	frontend *service.Frontend
}

// NewStdioTransport creates a stdio transport wrapping the front-end.
func NewStdioTransport(frontend *service.Frontend) *StdioTransport {
	return &StdioTransport{frontend: frontend}
}

// Start serves the client until stdin is exhausted or the context is
// cancelled.
func (t *StdioTransport) Start(ctx context.Context) error {
	return t.frontend.Run(ctx, os.Stdin, os.Stdout)
}

// Close is a no-op; the pipes belong to the process.
func (t *StdioTransport) Close() error {
	return nil
}

var _ inbound.Frontend = (*StdioTransport)(nil)
