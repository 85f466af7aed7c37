package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/toolscope/toolscope/internal/port/outbound"
	"github.com/toolscope/toolscope/pkg/mcp"
)

// --- Mock SessionProvider for discovery tests ---

type mockSessions struct {
	mu      sync.Mutex
	clients map[string]outbound.MCPClient
	down    map[string]bool
}

func newMockSessions() *mockSessions {
	return &mockSessions{
		clients: make(map[string]outbound.MCPClient),
		down:    make(map[string]bool),
	}
}

func (s *mockSessions) add(name string, c outbound.MCPClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[name] = c
}

func (s *mockSessions) disconnect(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[name] = true
}

func (s *mockSessions) Get(name string) (outbound.MCPClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[name]
	if !ok || s.down[name] {
		return nil, ErrServerNotConnected
	}
	return c, nil
}

func (s *mockSessions) IsConnected(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[name]
	return ok && !s.down[name]
}

func (s *mockSessions) ConnectedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		if !s.down[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *mockSessions) RegisteredNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ SessionProvider = (*mockSessions)(nil)

// listClient serves a swappable tool list.
type listClient struct {
	mu    sync.Mutex
	tools []mcp.ToolDef
}

func (c *listClient) set(tools []mcp.ToolDef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

func (c *listClient) Open(_ context.Context) error { return nil }
func (c *listClient) Close() error                 { return nil }
func (c *listClient) ListTools(_ context.Context) ([]mcp.ToolDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mcp.ToolDef, len(c.tools))
	copy(out, c.tools)
	return out, nil
}
func (c *listClient) CallTool(_ context.Context, _ string, _ map[string]interface{}) (*mcp.CallResult, error) {
	return &mcp.CallResult{}, nil
}
func (c *listClient) Ping(_ context.Context) error { return nil }

func def(name, desc string) mcp.ToolDef {
	return mcp.ToolDef{
		Name:        name,
		Description: desc,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
	}
}

func newTestDiscovery(t *testing.T, opts DiscoveryOptions, sessions SessionProvider) *DiscoveryService {
	t.Helper()
	s := NewDiscoveryService(opts, sessions, nil, testServiceLogger())
	t.Cleanup(s.Stop)
	return s
}

// --- Tests ---

func TestDiscoverPopulatesCatalog(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	fs := &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read a file"), def("write_file", "Write a file")})
	sessions.add("fs", fs)

	s := newTestDiscovery(t, DiscoveryOptions{}, sessions)
	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	got, ok := s.GetByName("fs.read_file")
	if !ok {
		t.Fatal("fs.read_file should be discoverable by namespaced name")
	}
	if got.ServerName != "fs" || got.OriginalName != "read_file" {
		t.Errorf("resolved tool = %s/%s, want fs/read_file", got.ServerName, got.OriginalName)
	}
	if got.StructureHash == "" || got.FullHash == "" {
		t.Error("discovered tool should carry both hashes")
	}

	// Unambiguous original name resolves too.
	if _, ok := s.GetByName("write_file"); !ok {
		t.Error("unambiguous original name should resolve")
	}

	tools := s.AvailableTools(true)
	if len(tools) != 2 {
		t.Fatalf("AvailableTools = %d entries, want 2", len(tools))
	}
	if tools[0].NamespacedName != "fs.read_file" {
		t.Errorf("catalog not sorted: first = %s", tools[0].NamespacedName)
	}
}

func TestDiscoverEmitsSingleDiffEvent(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	fs := &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read a file"), def("stat", "Stat a path")})
	sessions.add("fs", fs)

	s := newTestDiscovery(t, DiscoveryOptions{}, sessions)
	events := make(chan ToolsChanged, 8)
	s.OnToolsChanged(func(ev ToolsChanged) { events <- ev })

	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("initial Discover failed: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Added != 2 || ev.Updated != 0 || ev.Removed != 0 {
			t.Errorf("initial event = %+v, want 2 added", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial tools_changed")
	}

	// One description change, one removal, one addition in a single pass
	// yields a single event.
	fs.set([]mcp.ToolDef{def("read_file", "Read a file verbatim"), def("glob", "Match paths")})
	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("second Discover failed: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Added != 1 || ev.Updated != 1 || ev.Removed != 1 {
			t.Errorf("diff event = %+v, want 1/1/1", ev)
		}
		want := []string{"fs.glob", "fs.read_file", "fs.stat"}
		if len(ev.AffectedNames) != 3 {
			t.Fatalf("AffectedNames = %v, want %v", ev.AffectedNames, want)
		}
		for i, name := range want {
			if ev.AffectedNames[i] != name {
				t.Errorf("AffectedNames[%d] = %s, want %s", i, ev.AffectedNames[i], name)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for diff event")
	}

	// Removed tool no longer resolves.
	if _, ok := s.GetByName("fs.stat"); ok {
		t.Error("removed tool should no longer resolve")
	}

	// An identical pass emits nothing.
	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("unchanged Discover failed: %v", err)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event for unchanged catalog: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDiscoverPreservesDiscoveredAt(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	fs := &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read a file")})
	sessions.add("fs", fs)

	s := newTestDiscovery(t, DiscoveryOptions{}, sessions)
	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	first, _ := s.GetByName("fs.read_file")
	firstSeen := first.DiscoveredAt

	time.Sleep(10 * time.Millisecond)
	fs.set([]mcp.ToolDef{def("read_file", "Read a file verbatim")})
	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("second Discover failed: %v", err)
	}

	second, _ := s.GetByName("fs.read_file")
	if !second.DiscoveredAt.Equal(firstSeen) {
		t.Error("DiscoveredAt should survive an update")
	}
	if !second.LastUpdated.After(firstSeen) {
		t.Error("LastUpdated should advance on an update")
	}
}

func TestDiscoverEnforcesPerServerLimit(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	big := &listClient{}
	var defs []mcp.ToolDef
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		defs = append(defs, def(name, "tool "+name))
	}
	big.set(defs)
	sessions.add("big", big)

	s := newTestDiscovery(t, DiscoveryOptions{MaxToolsPerServer: 3}, sessions)
	if err := s.Discover(context.Background(), "big"); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	if n := s.Cache().CountForServer("big"); n != 3 {
		t.Errorf("cached tools = %d, want 3", n)
	}
	// Listing order decides survivors.
	if _, ok := s.GetByName("big.c"); !ok {
		t.Error("big.c should survive the cap")
	}
	if _, ok := s.GetByName("big.d"); ok {
		t.Error("big.d should be dropped by the cap")
	}
}

func TestConflictPolicyError(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	alpha, beta := &listClient{}, &listClient{}
	alpha.set([]mcp.ToolDef{def("echo", "Echo from alpha")})
	beta.set([]mcp.ToolDef{def("echo", "Echo from beta"), def("other", "Unique to beta")})
	sessions.add("alpha", alpha)
	sessions.add("beta", beta)

	s := newTestDiscovery(t, DiscoveryOptions{ConflictPolicy: ConflictError}, sessions)
	if err := s.Discover(context.Background(), "alpha"); err != nil {
		t.Fatalf("alpha Discover failed: %v", err)
	}
	if err := s.Discover(context.Background(), "beta"); err != nil {
		t.Fatalf("beta Discover failed: %v", err)
	}

	got, ok := s.GetByName("echo")
	if !ok || got.ServerName != "alpha" {
		t.Errorf("echo should stay with alpha, got ok=%v server=%v", ok, got)
	}
	if _, ok := s.GetByName("other"); !ok {
		t.Error("non-conflicting beta tool should still publish")
	}
	if n := s.Cache().CountForServer("beta"); n != 1 {
		t.Errorf("beta cached tools = %d, want 1", n)
	}
}

func TestConflictPolicyPrefix(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	fs := &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read a file")})
	sessions.add("fs", fs)

	s := newTestDiscovery(t, DiscoveryOptions{ConflictPolicy: ConflictPrefix}, sessions)
	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if _, ok := s.GetByName("fs_read_file"); !ok {
		t.Error("prefix policy should publish fs_read_file")
	}
}

func TestDiscoverSkipsDisconnected(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	fs := &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read a file")})
	sessions.add("fs", fs)

	s := newTestDiscovery(t, DiscoveryOptions{}, sessions)
	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	// A pass against a down server leaves the cached tools untouched.
	sessions.disconnect("fs")
	fs.set(nil)
	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("Discover of down server should not error: %v", err)
	}
	if _, ok := s.GetByName("fs.read_file"); !ok {
		t.Error("tools of a down server should stay cached")
	}
	if tools := s.AvailableTools(true); len(tools) != 0 {
		t.Errorf("connected-only listing = %d entries, want 0", len(tools))
	}
}

func TestSearchFilters(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	fs, git := &listClient{}, &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read"), def("write_file", "Write")})
	git.set([]mcp.ToolDef{def("commit", "Commit")})
	sessions.add("fs", fs)
	sessions.add("git", git)

	s := newTestDiscovery(t, DiscoveryOptions{}, sessions)
	if err := s.Discover(context.Background(), ""); err != nil {
		t.Fatalf("Discover all failed: %v", err)
	}

	byServer, err := s.Search(SearchFilter{Server: "git"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(byServer) != 1 || byServer[0].OriginalName != "commit" {
		t.Errorf("server filter = %v, want [commit]", byServer)
	}

	byRegex, err := s.Search(SearchFilter{NameRegex: `_file$`})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(byRegex) != 2 {
		t.Errorf("regex filter = %d entries, want 2", len(byRegex))
	}

	if _, err := s.Search(SearchFilter{NameRegex: `([`}); err == nil {
		t.Error("invalid regex should error")
	}
}

func TestDiscoveryStats(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	fs := &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read"), def("write_file", "Write")})
	sessions.add("fs", fs)

	s := newTestDiscovery(t, DiscoveryOptions{}, sessions)
	if err := s.Discover(context.Background(), "fs"); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	stats := s.Stats()
	if stats.TotalServers != 1 || stats.ConnectedServers != 1 {
		t.Errorf("server counts = %d/%d, want 1/1", stats.TotalServers, stats.ConnectedServers)
	}
	if stats.TotalTools != 2 || stats.ToolsByServer["fs"] != 2 {
		t.Errorf("tool counts = %d / %v, want 2 each", stats.TotalTools, stats.ToolsByServer)
	}
	if stats.LastDiscovery.IsZero() {
		t.Error("LastDiscovery should be set after a pass")
	}
	if stats.AvgDiscoveryTime < 0 {
		t.Error("AvgDiscoveryTime should be non-negative")
	}
}

func TestAutoRefreshPicksUpChanges(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	fs := &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read")})
	sessions.add("fs", fs)

	s := newTestDiscovery(t, DiscoveryOptions{
		AutoDiscovery:   true,
		RefreshInterval: 10 * time.Millisecond,
	}, sessions)
	s.Start()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.GetByName("fs.read_file")
		return ok
	}, "timed out waiting for first auto refresh")

	fs.set([]mcp.ToolDef{def("read_file", "Read"), def("glob", "Match")})
	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.GetByName("fs.glob")
		return ok
	}, "timed out waiting for refreshed catalog")
}

// gatedListClient parks ListTools until released.
type gatedListClient struct {
	release chan struct{}
	tools   []mcp.ToolDef
}

func (c *gatedListClient) Open(_ context.Context) error { return nil }
func (c *gatedListClient) Close() error                 { return nil }
func (c *gatedListClient) ListTools(ctx context.Context) ([]mcp.ToolDef, error) {
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.tools, nil
}
func (c *gatedListClient) CallTool(_ context.Context, _ string, _ map[string]interface{}) (*mcp.CallResult, error) {
	return &mcp.CallResult{}, nil
}
func (c *gatedListClient) Ping(_ context.Context) error { return nil }

func TestAutoRefreshRunsServersInParallel(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	slow := &gatedListClient{
		release: make(chan struct{}),
		tools:   []mcp.ToolDef{def("commit", "Commit")},
	}
	fs := &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read")})
	sessions.add("git", slow)
	sessions.add("fs", fs)

	s := newTestDiscovery(t, DiscoveryOptions{
		AutoDiscovery:   true,
		RefreshInterval: 10 * time.Millisecond,
	}, sessions)
	s.Start()

	// The fast server's tools land while the slow one is still listing.
	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.GetByName("fs.read_file")
		return ok
	}, "timed out waiting for fast server behind a slow one")
	if _, ok := s.GetByName("git.commit"); ok {
		t.Fatal("slow server finished before release")
	}

	close(slow.release)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.GetByName("git.commit")
		return ok
	}, "timed out waiting for released slow server")
}

func TestHandleSessionEventTriggersDiscovery(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	sessions := newMockSessions()
	fs := &listClient{}
	fs.set([]mcp.ToolDef{def("read_file", "Read")})
	sessions.add("fs", fs)

	s := newTestDiscovery(t, DiscoveryOptions{}, sessions)
	s.HandleSessionEvent(EventPayload{Server: "fs", Event: EventConnected})

	waitFor(t, 2*time.Second, func() bool {
		_, ok := s.GetByName("fs.read_file")
		return ok
	}, "timed out waiting for discovery after connect event")
}
