package mcp

import (
	"fmt"
	"log/slog"

	"github.com/toolscope/toolscope/internal/domain/downstream"
	"github.com/toolscope/toolscope/internal/port/outbound"
)

// NewClientFactory returns the production ClientFactory, selecting the
// transport adapter from the server configuration.
func NewClientFactory(logger *slog.Logger) outbound.ClientFactory {
	return func(cfg *downstream.ServerConfig) (outbound.MCPClient, error) {
		switch cfg.Type {
		case downstream.TransportStdio:
			return NewStdioClient(cfg, logger), nil
		case downstream.TransportHTTP:
			return NewHTTPClient(cfg, logger), nil
		case downstream.TransportSSE:
			return NewSSEClient(cfg, logger), nil
		default:
			return nil, fmt.Errorf("unknown transport type %q for server %q", cfg.Type, cfg.Name)
		}
	}
}
