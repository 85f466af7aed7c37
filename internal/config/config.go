// Package config provides the configuration schema and loading for
// toolscope. Configuration comes from a YAML file (toolscope.yaml),
// environment variables with the TOOLSCOPE_ prefix, and CLI flags, in
// increasing order of precedence.
package config

import (
	"time"

	"github.com/toolscope/toolscope/internal/domain/downstream"
)

// Config is the top-level toolscope configuration.
type Config struct {
	// LogLevel sets the minimum log level written to stderr.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// Servers maps a server name to its downstream connection settings.
	Servers map[string]ServerEntry `yaml:"servers" mapstructure:"servers" validate:"omitempty,dive"`

	// Connections tunes the downstream connection manager.
	Connections ConnectionsConfig `yaml:"connections" mapstructure:"connections"`

	// Discovery tunes the tool discovery engine.
	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`

	// Routing tunes the request router.
	Routing RoutingConfig `yaml:"routing" mapstructure:"routing"`

	// Frontend tunes the upstream-facing MCP server.
	Frontend FrontendConfig `yaml:"frontend" mapstructure:"frontend"`

	// State configures the persistence store for toolsets and preferences.
	State StateConfig `yaml:"state" mapstructure:"state"`

	// Telemetry configures metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerEntry configures one downstream MCP server. The key in the
// Servers map is the server's name.
type ServerEntry struct {
	// Type selects the transport: "stdio", "http" or "sse".
	Type string `yaml:"type" mapstructure:"type" validate:"required,oneof=stdio http sse"`

	// Command is the executable to spawn for stdio servers.
	Command string `yaml:"command" mapstructure:"command"`

	// Args are passed to the spawned command.
	Args []string `yaml:"args" mapstructure:"args"`

	// Env adds environment variables to the spawned command.
	Env map[string]string `yaml:"env" mapstructure:"env"`

	// URL is the endpoint of http and sse servers.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Headers are sent with every request to http and sse servers.
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`
}

// ConnectionsConfig tunes session lifecycle management.
type ConnectionsConfig struct {
	// MaxConcurrent bounds parallel connection attempts. Defaults to 10.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"omitempty,min=1"`

	// HealthInterval is the ping cadence for connected sessions.
	// Defaults to 30s.
	HealthInterval time.Duration `yaml:"health_interval" mapstructure:"health_interval"`

	// BackoffBase is the first reconnect delay. Defaults to 1s.
	BackoffBase time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`

	// BackoffCap bounds the reconnect delay. Defaults to 60s.
	BackoffCap time.Duration `yaml:"backoff_cap" mapstructure:"backoff_cap"`

	// ConnectTimeout bounds a single connection attempt. Defaults to 30s.
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
}

// DiscoveryConfig tunes the tool catalog.
type DiscoveryConfig struct {
	// CacheTTL is how long a discovered tool stays fresh. Defaults to 5m.
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`

	// RefreshInterval is the periodic re-discovery cadence. Defaults to 30s.
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`

	// Auto enables periodic re-discovery. Defaults to true.
	Auto *bool `yaml:"auto" mapstructure:"auto"`

	// NamespaceSeparator joins server and tool names. Defaults to ".".
	NamespaceSeparator string `yaml:"namespace_separator" mapstructure:"namespace_separator"`

	// MaxToolsPerServer caps the tools accepted from one server.
	MaxToolsPerServer int `yaml:"max_tools_per_server" mapstructure:"max_tools_per_server" validate:"omitempty,min=1"`

	// ConflictPolicy decides published names: "namespace", "prefix" or
	// "error". Defaults to "namespace".
	ConflictPolicy string `yaml:"conflict_policy" mapstructure:"conflict_policy" validate:"omitempty,oneof=namespace prefix error"`
}

// RoutingConfig tunes call forwarding.
type RoutingConfig struct {
	// CallTimeout bounds one downstream tool call. Defaults to 60s.
	CallTimeout time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

// FrontendConfig tunes the upstream-facing server.
type FrontendConfig struct {
	// LegacyCombined exposes administrative and toolset tools together
	// and disables the mode split.
	LegacyCombined bool `yaml:"legacy_combined" mapstructure:"legacy_combined"`

	// SecureMode excludes tools whose structure drifted since their
	// toolset was saved. Defaults to true.
	SecureMode *bool `yaml:"secure_mode" mapstructure:"secure_mode"`

	// StartupToolset, when set, is equipped at startup instead of the
	// remembered last-equipped toolset.
	StartupToolset string `yaml:"startup_toolset" mapstructure:"startup_toolset" validate:"omitempty,toolset_name"`
}

// StateConfig configures persistence.
type StateConfig struct {
	// Path is the SQLite database file. Defaults to
	// ~/.toolscope/state.db.
	Path string `yaml:"path" mapstructure:"path"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	// Metrics enables the Prometheus registry and the HTTP endpoint
	// serving it.
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`

	// Addr is the listen address of the health and metrics endpoint.
	// Defaults to "127.0.0.1:9090".
	Addr string `yaml:"addr" mapstructure:"addr"`

	// Traces enables the stdout span exporter.
	Traces bool `yaml:"traces" mapstructure:"traces"`
}

// SetDefaults fills in the documented default values.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Connections.MaxConcurrent == 0 {
		c.Connections.MaxConcurrent = 10
	}
	if c.Connections.HealthInterval == 0 {
		c.Connections.HealthInterval = 30 * time.Second
	}
	if c.Connections.BackoffBase == 0 {
		c.Connections.BackoffBase = time.Second
	}
	if c.Connections.BackoffCap == 0 {
		c.Connections.BackoffCap = 60 * time.Second
	}
	if c.Connections.ConnectTimeout == 0 {
		c.Connections.ConnectTimeout = 30 * time.Second
	}

	if c.Discovery.CacheTTL == 0 {
		c.Discovery.CacheTTL = 5 * time.Minute
	}
	if c.Discovery.RefreshInterval == 0 {
		c.Discovery.RefreshInterval = 30 * time.Second
	}
	if c.Discovery.Auto == nil {
		t := true
		c.Discovery.Auto = &t
	}
	if c.Discovery.NamespaceSeparator == "" {
		c.Discovery.NamespaceSeparator = "."
	}
	if c.Discovery.MaxToolsPerServer == 0 {
		c.Discovery.MaxToolsPerServer = 1000
	}
	if c.Discovery.ConflictPolicy == "" {
		c.Discovery.ConflictPolicy = "namespace"
	}

	if c.Routing.CallTimeout == 0 {
		c.Routing.CallTimeout = 60 * time.Second
	}

	if c.Frontend.SecureMode == nil {
		t := true
		c.Frontend.SecureMode = &t
	}

	if c.Telemetry.Addr == "" {
		c.Telemetry.Addr = "127.0.0.1:9090"
	}
}

// ServerConfigs converts the configured servers into the domain form.
func (c *Config) ServerConfigs() map[string]downstream.ServerConfig {
	out := make(map[string]downstream.ServerConfig, len(c.Servers))
	for name, entry := range c.Servers {
		out[name] = downstream.ServerConfig{
			Name:    name,
			Type:    downstream.TransportType(entry.Type),
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
			URL:     entry.URL,
			Headers: entry.Headers,
		}
	}
	return out
}
