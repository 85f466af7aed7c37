package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	obshttp "github.com/toolscope/toolscope/internal/adapter/inbound/http"
	"github.com/toolscope/toolscope/internal/adapter/inbound/stdio"
	mcpclient "github.com/toolscope/toolscope/internal/adapter/outbound/mcp"
	"github.com/toolscope/toolscope/internal/adapter/outbound/state"
	"github.com/toolscope/toolscope/internal/config"
	"github.com/toolscope/toolscope/internal/domain/downstream"
	"github.com/toolscope/toolscope/internal/service"
)

// Exit codes. Config problems are the operator's to fix before any
// session opens; routing-core failures mean the process cannot serve.
const (
	exitConfigError = 1
	exitBootError   = 2
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP endpoint on stdin/stdout",
	Long: `Serve the aggregated MCP endpoint.

toolscope connects to every configured downstream server, discovers their
tools, and serves a single MCP endpoint to the client on stdin/stdout.
All logging goes to stderr; stdout carries only the MCP stream.

Examples:
  # Serve with config file settings
  toolscope serve

  # Serve with a specific config file
  toolscope --config /path/to/toolscope.yaml serve`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(exitConfigError)
	}

	// Logger to stderr; stdout is reserved for the MCP stream.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(exitBootError)
	}
	logger.Info("toolscope stopped")
}

// serve wires all components together and blocks until the client hangs
// up or the context is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Tracing: spans to stderr when enabled, no-op provider otherwise.
	if cfg.Telemetry.Traces {
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(os.Stderr),
		)
		if err != nil {
			return fmt.Errorf("creating trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		logger.Info("tracing enabled", "exporter", "stdout")
	}

	// Metrics registry, shared by the services and the /metrics endpoint.
	var metrics *service.Metrics
	var registry *prometheus.Registry
	if cfg.Telemetry.Metrics {
		registry = prometheus.NewRegistry()
		metrics = service.NewMetrics(registry)
	}

	// Persistence for toolsets and preferences.
	statePath := cfg.State.Path
	if statePath == "" {
		statePath = defaultStatePath()
	}
	store, err := state.Open(statePath)
	if err != nil {
		return fmt.Errorf("opening state store at %s: %w", statePath, err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("state store opened", "path", statePath)

	// Downstream sessions.
	guard := downstream.NewSelfRefGuard("toolscope", "@toolscope/toolscope", "toolscope")
	manager := service.NewConnectionManager(service.ConnectionManagerConfig{
		MaxConcurrent:  cfg.Connections.MaxConcurrent,
		HealthInterval: cfg.Connections.HealthInterval,
		BackoffBase:    cfg.Connections.BackoffBase,
		BackoffCap:     cfg.Connections.BackoffCap,
		ConnectTimeout: cfg.Connections.ConnectTimeout,
	}, mcpclient.NewClientFactory(logger), guard, logger)
	defer func() { _ = manager.Stop() }()
	manager.Initialize(cfg.ServerConfigs())

	// Discovery engine over the session manager.
	discovery := service.NewDiscoveryService(service.DiscoveryOptions{
		CacheTTL:           cfg.Discovery.CacheTTL,
		RefreshInterval:    cfg.Discovery.RefreshInterval,
		AutoDiscovery:      cfg.Discovery.Auto == nil || *cfg.Discovery.Auto,
		NamespaceSeparator: cfg.Discovery.NamespaceSeparator,
		MaxToolsPerServer:  cfg.Discovery.MaxToolsPerServer,
		EnableMetrics:      metrics != nil,
		ConflictPolicy:     service.ConflictPolicy(cfg.Discovery.ConflictPolicy),
	}, manager, metrics, logger)
	defer discovery.Stop()

	// Session lifecycle drives discovery: a fresh connection is listed
	// immediately, a lost one keeps its cached tools.
	for _, ev := range []service.Event{service.EventConnected, service.EventDisconnected} {
		manager.On(ev, discovery.HandleSessionEvent)
	}
	if metrics != nil {
		for _, ev := range []service.Event{service.EventConnected, service.EventDisconnected, service.EventFailed} {
			manager.On(ev, func(service.EventPayload) {
				metrics.ConnectedSessions.Set(float64(len(manager.ConnectedNames())))
			})
		}
	}

	// Router and toolset manager.
	router := service.NewRouter(service.RouterOptions{
		CallTimeout: cfg.Routing.CallTimeout,
	}, discovery, manager, metrics, logger)

	toolsets := service.NewToolsetManager(service.ToolsetManagerOptions{
		SecureMode:         cfg.Frontend.SecureMode == nil || *cfg.Frontend.SecureMode,
		NamespaceSeparator: cfg.Discovery.NamespaceSeparator,
		Version:            Version,
	}, store, discovery, logger)
	defer toolsets.Stop()

	// Catalog changes re-resolve the equipped toolset, and so do session
	// transitions: tools from a dead server leave the exposure right away.
	discovery.OnToolsChanged(toolsets.HandleToolsChanged)
	for _, ev := range []service.Event{service.EventConnected, service.EventDisconnected, service.EventFailed} {
		manager.On(ev, toolsets.HandleSessionEvent)
	}

	// Open sessions and run the first discovery pass before going ready.
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("starting downstream sessions: %w", err)
	}
	connected := manager.ConnectedNames()
	logger.Info("downstream sessions started",
		"configured", len(manager.RegisteredNames()),
		"connected", len(connected),
	)

	if err := discovery.Discover(ctx, ""); err != nil {
		logger.Warn("initial discovery incomplete", "error", err)
		// Non-fatal: auto refresh and session events fill the catalog in.
	}
	discovery.Start()
	stats := discovery.Stats()
	logger.Info("tool discovery complete", "tools", stats.TotalTools)

	router.SetReady(true)

	// Equip the configured startup toolset, falling back to the one
	// remembered from the previous run.
	if name := cfg.Frontend.StartupToolset; name != "" {
		if err := toolsets.Equip(name); err != nil {
			logger.Warn("startup toolset not equipped", "toolset", name, "error", err)
		} else {
			logger.Info("startup toolset equipped", "toolset", name)
		}
	} else if restored, err := toolsets.RestoreLastEquipped(); err != nil {
		logger.Warn("restoring last toolset failed", "error", err)
	} else if restored {
		logger.Info("last equipped toolset restored")
	}

	// Observability sidecar.
	if registry != nil {
		obs := obshttp.NewObservabilityServer(registry,
			obshttp.WithAddr(cfg.Telemetry.Addr),
			obshttp.WithLogger(logger),
			obshttp.WithHealthChecker(obshttp.NewHealthChecker(manager, discovery, router, Version)),
		)
		go func() {
			if err := obs.Start(ctx); err != nil {
				logger.Error("observability server failed", "error", err)
			}
		}()
	}

	frontend := service.NewFrontend(service.FrontendOptions{
		ServerVersion:  Version,
		LegacyCombined: cfg.Frontend.LegacyCombined,
	}, router, discovery, toolsets, metrics, logger)

	logger.Info("toolscope serving",
		"version", Version,
		"servers", len(manager.RegisteredNames()),
		"connected", len(connected),
		"tools", stats.TotalTools,
		"mode", frontend.Mode(),
	)

	transport := stdio.NewStdioTransport(frontend)
	return transport.Start(ctx)
}

// defaultStatePath is ~/.toolscope/state.db, falling back to the working
// directory when the home directory is unknown.
func defaultStatePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".toolscope", "state.db")
	}
	return "toolscope-state.db"
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
