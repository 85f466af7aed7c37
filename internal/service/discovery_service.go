package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolscope/toolscope/internal/domain/tool"
	"github.com/toolscope/toolscope/internal/port/outbound"
)

// ConflictPolicy decides how a tool's published name is formed and what
// happens when two servers advertise the same name.
type ConflictPolicy string

const (
	// ConflictNamespace always publishes server + separator + original.
	ConflictNamespace ConflictPolicy = "namespace"
	// ConflictPrefix publishes server + "_" + original.
	ConflictPrefix ConflictPolicy = "prefix"
	// ConflictError publishes the original name and refuses to publish a
	// second tool with the same name.
	ConflictError ConflictPolicy = "error"
)

// DiscoveryOptions carries the tunable parameters of the engine.
// Zero values fall back to defaults.
type DiscoveryOptions struct {
	CacheTTL           time.Duration
	RefreshInterval    time.Duration
	AutoDiscovery      bool
	NamespaceSeparator string
	MaxToolsPerServer  int
	EnableMetrics      bool
	ConflictPolicy     ConflictPolicy
	ListTimeout        time.Duration
}

func (o DiscoveryOptions) withDefaults() DiscoveryOptions {
	if o.CacheTTL <= 0 {
		o.CacheTTL = tool.DefaultTTL
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30 * time.Second
	}
	if o.NamespaceSeparator == "" {
		o.NamespaceSeparator = "."
	}
	if o.MaxToolsPerServer <= 0 || o.MaxToolsPerServer > tool.MaxToolsPerServer {
		o.MaxToolsPerServer = tool.MaxToolsPerServer
	}
	if o.ConflictPolicy == "" {
		o.ConflictPolicy = ConflictNamespace
	}
	if o.ListTimeout <= 0 {
		o.ListTimeout = 10 * time.Second
	}
	return o
}

// ToolsChanged is the single event emitted per discovery pass that found
// a difference.
type ToolsChanged struct {
	Server        string
	Added         int
	Updated       int
	Removed       int
	AffectedNames []string // namespaced names of added/updated/removed tools
}

// ToolsChangedHandler receives change events on the engine's dispatch
// goroutine and must not block.
type ToolsChangedHandler func(ToolsChanged)

// SessionProvider is the slice of the ConnectionManager the engine needs.
type SessionProvider interface {
	Get(name string) (outbound.MCPClient, error)
	IsConnected(name string) bool
	ConnectedNames() []string
	RegisteredNames() []string
}

// SearchFilter narrows Search results.
type SearchFilter struct {
	Server        string
	NameRegex     string
	ConnectedOnly bool
}

// DiscoveryStats is a snapshot of the engine's counters.
type DiscoveryStats struct {
	TotalServers     int
	ConnectedServers int
	TotalTools       int
	ToolsByServer    map[string]int
	CacheHitRate     float64
	LastDiscovery    time.Time
	AvgDiscoveryTime time.Duration
}

// shadowEntry remembers what a server advertised in the previous pass,
// keyed by original name.
type shadowEntry struct {
	fullHash       string
	structureHash  string
	namespacedName string
	discoveredAt   time.Time
	lastUpdated    time.Time
}

// DiscoveryService produces, caches and refreshes the global tool catalog
// and emits tools_changed events.
type DiscoveryService struct {
	opts     DiscoveryOptions
	sessions SessionProvider
	cache    *tool.Cache
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer

	// shadow holds per-server state from the previous pass; passMu
	// serializes passes per server, and a held lock coalesces a manual
	// refresh with the in-flight pass.
	shadow   map[string]map[string]shadowEntry
	shadowMu sync.Mutex
	passMu   map[string]*sync.Mutex
	passMuMu sync.Mutex

	handlers   []ToolsChangedHandler
	handlersMu sync.RWMutex
	events     chan ToolsChanged

	// stats
	statsMu       sync.Mutex
	lastDiscovery time.Time
	passCount     int64
	totalPassTime time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	stopMu  sync.Mutex
	loopWG  sync.WaitGroup
}

// NewDiscoveryService creates the engine. Metrics may be nil.
func NewDiscoveryService(opts DiscoveryOptions, sessions SessionProvider, metrics *Metrics, logger *slog.Logger) *DiscoveryService {
	opts = opts.withDefaults()
	if !opts.EnableMetrics {
		metrics = nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &DiscoveryService{
		opts:     opts,
		sessions: sessions,
		cache:    tool.NewCache(opts.CacheTTL),
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("toolscope/discovery"),
		shadow:   make(map[string]map[string]shadowEntry),
		passMu:   make(map[string]*sync.Mutex),
		events:   make(chan ToolsChanged, 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.loopWG.Add(1)
	go s.dispatchLoop()

	return s
}

// OnToolsChanged subscribes a handler to change events.
func (s *DiscoveryService) OnToolsChanged(h ToolsChangedHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Start installs the periodic refresh loop when auto discovery is on.
func (s *DiscoveryService) Start() {
	if !s.opts.AutoDiscovery {
		return
	}
	s.loopWG.Add(1)
	go s.refreshLoop()
}

// Stop cancels background loops. Safe to call multiple times.
func (s *DiscoveryService) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	s.loopWG.Wait()
}

// Cache returns the shared tool cache.
func (s *DiscoveryService) Cache() *tool.Cache {
	return s.cache
}

// Discover runs a discovery pass for one server, or for every registered
// server in parallel when server is empty.
func (s *DiscoveryService) Discover(ctx context.Context, server string) error {
	if server != "" {
		return s.discoverServer(ctx, server)
	}

	names := s.sessions.RegisteredNames()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.discoverServer(ctx, name); err != nil {
				s.logger.Error("discovery failed", "server", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
	return nil
}

// Refresh is a manual re-discovery; it coalesces with an in-flight pass
// for the same server.
func (s *DiscoveryService) Refresh(ctx context.Context, server string) error {
	return s.Discover(ctx, server)
}

// Clear drops cached tools for one server, or everything when server is
// empty.
func (s *DiscoveryService) Clear(server string) {
	if server == "" {
		s.cache.Clear()
		s.shadowMu.Lock()
		s.shadow = make(map[string]map[string]shadowEntry)
		s.shadowMu.Unlock()
		return
	}
	s.cache.RemoveServer(server)
	s.shadowMu.Lock()
	delete(s.shadow, server)
	s.shadowMu.Unlock()
}

// passLock returns the per-server pass mutex.
func (s *DiscoveryService) passLock(server string) *sync.Mutex {
	s.passMuMu.Lock()
	defer s.passMuMu.Unlock()
	mu, ok := s.passMu[server]
	if !ok {
		mu = &sync.Mutex{}
		s.passMu[server] = mu
	}
	return mu
}

// discoverServer runs one pass for one server.
func (s *DiscoveryService) discoverServer(ctx context.Context, server string) error {
	mu := s.passLock(server)
	if !mu.TryLock() {
		// A pass is in flight; this request coalesces with it.
		s.logger.Debug("discovery already in flight, coalescing", "server", server)
		return nil
	}
	defer mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "discovery.pass",
		trace.WithAttributes(attribute.String("server", server)))
	defer span.End()

	if !s.sessions.IsConnected(server) {
		s.logger.Debug("skipping discovery for disconnected server", "server", server)
		return nil
	}
	client, err := s.sessions.Get(server)
	if err != nil {
		return fmt.Errorf("get session %s: %w", server, err)
	}

	start := time.Now()
	listCtx, cancel := context.WithTimeout(ctx, s.opts.ListTimeout)
	defs, err := client.ListTools(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list tools from %s: %w", server, err)
	}

	// Enforce the per-server cap in the downstream's own order.
	if len(defs) > s.opts.MaxToolsPerServer {
		s.logger.Warn("tool list exceeds per-server limit, dropping excess",
			"server", server,
			"advertised", len(defs),
			"limit", s.opts.MaxToolsPerServer)
		defs = defs[:s.opts.MaxToolsPerServer]
	}

	s.shadowMu.Lock()
	prev := s.shadow[server]
	s.shadowMu.Unlock()

	now := time.Now()
	next := make(map[string]shadowEntry, len(defs))
	prevHashes := make(map[string]string, len(prev))
	for name, e := range prev {
		prevHashes[name] = e.fullHash
	}

	var records []*tool.DiscoveredTool
	nextHashes := make(map[string]string, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if seen[def.Name] {
			s.logger.Warn("duplicate tool name in listing, keeping first", "server", server, "tool", def.Name)
			continue
		}
		seen[def.Name] = true

		namespaced, ok := s.publishedName(server, def.Name)
		if !ok {
			continue
		}

		structureHash := tool.StructureHash(def.Name, def.InputSchema)
		fullHash := tool.FullHash(server, def.Name, def.Description, def.InputSchema)

		discoveredAt := now
		lastUpdated := now
		if old, existed := prev[def.Name]; existed {
			discoveredAt = old.discoveredAt
			if old.fullHash == fullHash {
				lastUpdated = old.lastUpdated
			}
		}

		records = append(records, &tool.DiscoveredTool{
			ServerName:     server,
			OriginalName:   def.Name,
			NamespacedName: namespaced,
			Description:    def.Description,
			InputSchema:    def.InputSchema,
			StructureHash:  structureHash,
			FullHash:       fullHash,
			DiscoveredAt:   discoveredAt,
			LastUpdated:    lastUpdated,
		})
		nextHashes[def.Name] = fullHash
		next[def.Name] = shadowEntry{
			fullHash:       fullHash,
			structureHash:  structureHash,
			namespacedName: namespaced,
			discoveredAt:   discoveredAt,
			lastUpdated:    lastUpdated,
		}
	}

	diff := tool.DiffHashes(prevHashes, nextHashes)

	// Commit: replace cache contents and shadow state, then emit.
	s.cache.SetToolsForServer(server, records)
	s.shadowMu.Lock()
	s.shadow[server] = next
	s.shadowMu.Unlock()

	elapsed := time.Since(start)
	s.statsMu.Lock()
	s.lastDiscovery = now
	s.passCount++
	s.totalPassTime += elapsed
	s.statsMu.Unlock()

	if s.metrics != nil {
		s.metrics.DiscoveryDuration.WithLabelValues(server).Observe(elapsed.Seconds())
		s.metrics.DiscoveredTools.WithLabelValues(server).Set(float64(len(records)))
	}

	span.SetAttributes(
		attribute.Int("tools", len(records)),
		attribute.Int("added", len(diff.Added)),
		attribute.Int("updated", len(diff.Updated)),
		attribute.Int("removed", len(diff.Removed)),
	)

	s.logger.Info("discovery pass complete",
		"server", server,
		"tools", len(records),
		"added", len(diff.Added),
		"updated", len(diff.Updated),
		"removed", len(diff.Removed),
		"duration", elapsed)

	if diff.Changed() {
		affected := make([]string, 0, len(diff.Added)+len(diff.Updated)+len(diff.Removed))
		for _, name := range diff.Added {
			affected = append(affected, next[name].namespacedName)
		}
		for _, name := range diff.Updated {
			affected = append(affected, next[name].namespacedName)
		}
		for _, name := range diff.Removed {
			affected = append(affected, prev[name].namespacedName)
		}
		sort.Strings(affected)
		s.emit(ToolsChanged{
			Server:        server,
			Added:         len(diff.Added),
			Updated:       len(diff.Updated),
			Removed:       len(diff.Removed),
			AffectedNames: affected,
		})
	}

	return nil
}

// publishedName forms the cache-wide name for a tool under the conflict
// policy. The second result is false when the tool must not be published.
func (s *DiscoveryService) publishedName(server, original string) (string, bool) {
	var name string
	switch s.opts.ConflictPolicy {
	case ConflictPrefix:
		name = server + "_" + original
	case ConflictError:
		name = original
	default:
		name = server + s.opts.NamespaceSeparator + original
	}

	existing, ok := s.cache.Peek(name)
	if !ok || existing.ServerName == server {
		return name, true
	}

	if s.opts.ConflictPolicy == ConflictError {
		s.logger.Warn("tool name conflict, refusing to publish",
			"tool", original,
			"server", server,
			"existing_server", existing.ServerName)
		return "", false
	}

	// Identical published names across servers are pathological under the
	// namespacing policies; tie-break alphabetically by server name.
	if server < existing.ServerName {
		return name, true
	}
	s.logger.Warn("published name collision, alphabetical tie-break",
		"name", name,
		"server", server,
		"winner", existing.ServerName)
	return "", false
}

// GetByName resolves a published name: exact namespaced match first, then
// the original-name fallback when unambiguous across servers.
func (s *DiscoveryService) GetByName(name string) (*tool.DiscoveredTool, bool) {
	if t, ok, _ := s.cache.Get(name); ok {
		return t, true
	}
	return s.cache.GetByOriginal(name)
}

// AvailableTools returns the catalog sorted by namespaced name,
// optionally restricted to connected servers.
func (s *DiscoveryService) AvailableTools(connectedOnly bool) []*tool.DiscoveredTool {
	all := s.cache.All()
	result := make([]*tool.DiscoveredTool, 0, len(all))
	for _, t := range all {
		if connectedOnly && !s.sessions.IsConnected(t.ServerName) {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NamespacedName < result[j].NamespacedName
	})
	return result
}

// Search filters the catalog by server, name regex and connectivity.
func (s *DiscoveryService) Search(filter SearchFilter) ([]*tool.DiscoveredTool, error) {
	var re *regexp.Regexp
	if filter.NameRegex != "" {
		var err error
		re, err = regexp.Compile(filter.NameRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid name regex: %w", err)
		}
	}

	var result []*tool.DiscoveredTool
	for _, t := range s.AvailableTools(filter.ConnectedOnly) {
		if filter.Server != "" && t.ServerName != filter.Server {
			continue
		}
		if re != nil && !re.MatchString(t.NamespacedName) && !re.MatchString(t.OriginalName) {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

// Stats returns a snapshot of the engine's counters.
func (s *DiscoveryService) Stats() DiscoveryStats {
	registered := s.sessions.RegisteredNames()
	connected := s.sessions.ConnectedNames()

	byServer := make(map[string]int, len(registered))
	for _, name := range registered {
		byServer[name] = s.cache.CountForServer(name)
	}

	s.statsMu.Lock()
	last := s.lastDiscovery
	var avg time.Duration
	if s.passCount > 0 {
		avg = s.totalPassTime / time.Duration(s.passCount)
	}
	s.statsMu.Unlock()

	return DiscoveryStats{
		TotalServers:     len(registered),
		ConnectedServers: len(connected),
		TotalTools:       s.cache.Count(),
		ToolsByServer:    byServer,
		CacheHitRate:     s.cache.HitRate(),
		LastDiscovery:    last,
		AvgDiscoveryTime: avg,
	}
}

// emit queues one event; a full queue drops the event rather than block
// the discovery pass.
func (s *DiscoveryService) emit(ev ToolsChanged) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("tools_changed queue full, dropping event", "server", ev.Server)
	}
}

func (s *DiscoveryService) dispatchLoop() {
	defer s.loopWG.Done()
	for {
		select {
		case ev := <-s.events:
			s.handlersMu.RLock()
			handlers := s.handlers
			s.handlersMu.RUnlock()
			for _, h := range handlers {
				h(ev)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// refreshLoop re-discovers every connected server on a fixed interval.
func (s *DiscoveryService) refreshLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var wg sync.WaitGroup
			for _, name := range s.sessions.ConnectedNames() {
				wg.Add(1)
				go func(name string) {
					defer wg.Done()
					if err := s.discoverServer(s.ctx, name); err != nil {
						s.logger.Error("periodic refresh failed", "server", name, "error", err)
					}
				}(name)
			}
			wg.Wait()
		case <-s.ctx.Done():
			return
		}
	}
}

// HandleSessionEvent reacts to connection lifecycle events: a session
// coming up triggers a discovery pass, a session going down leaves its
// tools cached but unexposed until it returns.
func (s *DiscoveryService) HandleSessionEvent(p EventPayload) {
	switch p.Event {
	case EventConnected:
		go func() {
			if err := s.discoverServer(s.ctx, p.Server); err != nil {
				s.logger.Error("discovery after connect failed", "server", p.Server, "error", err)
			}
		}()
	case EventDisconnected, EventFailed:
		s.logger.Debug("server down, tools remain cached until it returns", "server", p.Server)
	}
}

// Ensure ConnectionManager satisfies the provider interface.
var _ SessionProvider = (*ConnectionManager)(nil)
