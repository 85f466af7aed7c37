package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolscope/toolscope/internal/domain/tool"
	"github.com/toolscope/toolscope/pkg/mcp"
)

// DefaultCallTimeout bounds a single downstream tool call.
const DefaultCallTimeout = 60 * time.Second

// ToolResolver is the slice of the discovery engine the router needs.
type ToolResolver interface {
	GetByName(name string) (*tool.DiscoveredTool, bool)
}

// RouterOptions carries the router's tunables. Zero values fall back to
// defaults.
type RouterOptions struct {
	CallTimeout time.Duration
}

func (o RouterOptions) withDefaults() RouterOptions {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	return o
}

// ServerCallStats is a per-server snapshot of routed call counters.
type ServerCallStats struct {
	Calls      int64         `json:"calls"`
	Failures   int64         `json:"failures"`
	ToolErrors int64         `json:"tool_errors"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// RouterStats is a point-in-time snapshot of all routing counters.
type RouterStats struct {
	Total      int64                      `json:"total"`
	Succeeded  int64                      `json:"succeeded"`
	Failed     int64                      `json:"failed"`
	ToolErrors int64                      `json:"tool_errors"`
	PerServer  map[string]ServerCallStats `json:"per_server"`
}

// serverCounters accumulates per-server totals under the router's mutex.
type serverCounters struct {
	calls      int64
	failures   int64
	toolErrors int64
	totalTime  time.Duration
}

// Router forwards tool calls from the front-end to the owning downstream
// session. Downstream tool-level failures pass through as results; only
// routing failures become errors.
type Router struct {
	opts     RouterOptions
	resolver ToolResolver
	sessions SessionProvider
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer

	ready atomic.Bool

	total      atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	toolErrors atomic.Int64

	mu        sync.Mutex
	perServer map[string]*serverCounters
}

// NewRouter creates a Router. Metrics may be nil. The router starts not
// ready; callers flip it once the boot sequence completes.
func NewRouter(opts RouterOptions, resolver ToolResolver, sessions SessionProvider, metrics *Metrics, logger *slog.Logger) *Router {
	return &Router{
		opts:      opts.withDefaults(),
		resolver:  resolver,
		sessions:  sessions,
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer("toolscope/router"),
		perServer: make(map[string]*serverCounters),
	}
}

// SetReady marks the router able to serve calls.
func (r *Router) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Ready reports whether the router serves calls.
func (r *Router) Ready() bool {
	return r.ready.Load()
}

// RouteCall resolves name against the catalog, validates args against the
// tool's input schema and forwards the call with a per-call deadline.
func (r *Router) RouteCall(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallResult, error) {
	if !r.ready.Load() {
		return nil, ErrServiceUnavailable
	}

	ctx, span := r.tracer.Start(ctx, "router.call",
		trace.WithAttributes(attribute.String("tool", name)))
	defer span.End()

	t, ok := r.resolver.GetByName(name)
	if !ok {
		return nil, fmt.Errorf("tool %q: %w", name, ErrToolNotFound)
	}
	span.SetAttributes(attribute.String("server", t.ServerName))

	if !r.sessions.IsConnected(t.ServerName) {
		return nil, fmt.Errorf("tool %q on server %q: %w", name, t.ServerName, ErrServerNotConnected)
	}

	if missing := missingRequired(t.InputSchema, args); len(missing) > 0 {
		return nil, fmt.Errorf("tool %q missing required arguments [%s]: %w",
			name, strings.Join(missing, ", "), ErrInvalidParameters)
	}

	client, err := r.sessions.Get(t.ServerName)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := client.CallTool(callCtx, t.OriginalName, args)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("tool %q on server %q after %s: %w",
				name, t.ServerName, r.opts.CallTimeout, ErrCallTimeout)
		}
		r.record(t.ServerName, "error", elapsed)
		r.logger.Warn("tool call failed",
			"tool", name, "server", t.ServerName, "duration", elapsed, "error", err)
		return nil, err
	}
	if result == nil {
		result = &mcp.CallResult{}
	}

	status := "ok"
	if result.IsError {
		status = "tool_error"
	}
	r.record(t.ServerName, status, elapsed)
	r.logger.Debug("tool call routed",
		"tool", name, "server", t.ServerName, "status", status, "duration", elapsed)
	return result, nil
}

// record updates the atomic totals, the per-server counters and the
// optional Prometheus mirror.
func (r *Router) record(server, status string, elapsed time.Duration) {
	r.total.Add(1)
	switch status {
	case "ok":
		r.succeeded.Add(1)
	case "tool_error":
		r.toolErrors.Add(1)
	default:
		r.failed.Add(1)
	}

	r.mu.Lock()
	c, ok := r.perServer[server]
	if !ok {
		c = &serverCounters{}
		r.perServer[server] = c
	}
	c.calls++
	c.totalTime += elapsed
	switch status {
	case "tool_error":
		c.toolErrors++
	case "error":
		c.failures++
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.CallsTotal.WithLabelValues(server, status).Inc()
		r.metrics.CallDuration.WithLabelValues(server).Observe(elapsed.Seconds())
	}
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	per := make(map[string]ServerCallStats, len(r.perServer))
	for name, c := range r.perServer {
		s := ServerCallStats{
			Calls:      c.calls,
			Failures:   c.failures,
			ToolErrors: c.toolErrors,
		}
		if c.calls > 0 {
			s.AvgLatency = c.totalTime / time.Duration(c.calls)
		}
		per[name] = s
	}
	r.mu.Unlock()

	return RouterStats{
		Total:      r.total.Load(),
		Succeeded:  r.succeeded.Load(),
		Failed:     r.failed.Load(),
		ToolErrors: r.toolErrors.Load(),
		PerServer:  per,
	}
}

// ServerNames returns the servers that have routed at least one call,
// sorted for stable reporting.
func (r *Router) ServerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.perServer))
	for name := range r.perServer {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// missingRequired returns the required schema fields absent from args.
// A schema that does not parse or declares no required list validates
// everything.
func missingRequired(schema json.RawMessage, args map[string]interface{}) []string {
	if len(schema) == 0 {
		return nil
	}
	var decl struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &decl); err != nil {
		return nil
	}
	var missing []string
	for _, field := range decl.Required {
		if _, ok := args[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}
