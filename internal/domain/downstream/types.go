// Package downstream contains domain types for downstream MCP server
// configuration and session state.
package downstream

import (
	"fmt"
	"net/url"
	"regexp"
)

// TransportType identifies the transport protocol for a downstream server.
type TransportType string

const (
	// TransportStdio represents a server spawned as a child process,
	// speaking JSON-RPC over stdin/stdout.
	TransportStdio TransportType = "stdio"
	// TransportHTTP represents a server reached over streamable HTTP.
	TransportHTTP TransportType = "http"
	// TransportSSE represents a server reached over a server-sent-events
	// stream with a paired POST endpoint.
	TransportSSE TransportType = "sse"
)

// SessionState represents the lifecycle state of a downstream session.
type SessionState string

const (
	// StateIdle means the session is registered but no connection attempt
	// has been made yet.
	StateIdle SessionState = "idle"
	// StateConnecting means a connection attempt is in progress.
	StateConnecting SessionState = "connecting"
	// StateConnected means the session is open and usable for calls.
	StateConnected SessionState = "connected"
	// StateReconnecting means the session was lost and backoff-driven
	// reconnection attempts are running.
	StateReconnecting SessionState = "reconnecting"
	// StateFailed means the last connection attempt failed; a backoff
	// retry is pending.
	StateFailed SessionState = "failed"
	// StateClosed means the session was shut down deliberately.
	StateClosed SessionState = "closed"
)

// namePattern restricts server names to characters safe inside a
// namespaced tool name.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// nameMaxLength is the maximum allowed length for a server name.
const nameMaxLength = 100

// ServerConfig describes one downstream MCP server from configuration.
type ServerConfig struct {
	// Name is the unique key of this server in the servers map. It becomes
	// the namespace prefix of every tool the server contributes.
	Name string
	// Type is the transport: stdio, http, or sse.
	Type TransportType
	// Command is the executable to spawn (stdio only).
	Command string
	// Args are the command-line arguments (stdio only).
	Args []string
	// Env holds environment variables passed to the child (stdio only).
	Env map[string]string
	// URL is the endpoint (http and sse only).
	URL string
	// Headers are extra request headers (http and sse only).
	Headers map[string]string
}

// Validate checks that the server configuration is usable.
// Returns nil if valid, or an error describing the first failure.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, hyphens, underscores)")
	}

	switch c.Type {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio server")
		}
	case TransportHTTP, TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("url is required for %s server", c.Type)
		}
		parsed, err := url.Parse(c.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL")
		}
	default:
		return fmt.Errorf("type must be %q, %q or %q", TransportStdio, TransportHTTP, TransportSSE)
	}

	return nil
}
