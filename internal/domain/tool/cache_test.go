package tool

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func mkTool(server, original string) *DiscoveredTool {
	schema := json.RawMessage(`{"type":"object"}`)
	return &DiscoveredTool{
		ServerName:     server,
		OriginalName:   original,
		NamespacedName: server + "." + original,
		InputSchema:    schema,
		StructureHash:  StructureHash(original, schema),
		FullHash:       FullHash(server, original, "", schema),
		DiscoveredAt:   time.Now(),
		LastUpdated:    time.Now(),
	}
}

func TestStructureHashDeterministic(t *testing.T) {
	a := StructureHash("read_file", json.RawMessage(`{"type":"object","required":["path"]}`))
	b := StructureHash("read_file", json.RawMessage(`{"type":"object","required":["path"]}`))
	if a != b {
		t.Errorf("same input produced different hashes: %s vs %s", a, b)
	}

	// Whitespace-only schema differences must not change the hash.
	c := StructureHash("read_file", json.RawMessage("{\n  \"type\": \"object\",\n  \"required\": [\"path\"]\n}"))
	if a != c {
		t.Errorf("whitespace changed hash: %s vs %s", a, c)
	}

	if a == StructureHash("write_file", json.RawMessage(`{"type":"object","required":["path"]}`)) {
		t.Error("different names should hash differently")
	}
	if a == StructureHash("read_file", json.RawMessage(`{"type":"object"}`)) {
		t.Error("different schemas should hash differently")
	}
}

func TestStructureHashIgnoresDescription(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	full1 := FullHash("fs", "read_file", "reads a file", schema)
	full2 := FullHash("fs", "read_file", "reads a file (updated docs)", schema)
	if full1 == full2 {
		t.Error("full hash should change with description")
	}

	s1 := StructureHash("read_file", schema)
	s2 := StructureHash("read_file", schema)
	if s1 != s2 {
		t.Error("structure hash must not depend on description")
	}
}

func TestCacheSetAndGet(t *testing.T) {
	c := NewCache(time.Minute)
	c.SetToolsForServer("fs", []*DiscoveredTool{mkTool("fs", "read_file"), mkTool("fs", "write_file")})

	got, ok, fresh := c.Get("fs.read_file")
	if !ok {
		t.Fatal("expected fs.read_file in cache")
	}
	if !fresh {
		t.Error("entry should be fresh")
	}
	if got.OriginalName != "read_file" {
		t.Errorf("got tool %q, want read_file", got.OriginalName)
	}

	if _, ok, _ := c.Get("fs.missing"); ok {
		t.Error("unexpected hit for missing tool")
	}
	if c.Count() != 2 {
		t.Errorf("Count() = %d, want 2", c.Count())
	}
}

func TestCacheReplaceSemantics(t *testing.T) {
	c := NewCache(time.Minute)
	c.SetToolsForServer("fs", []*DiscoveredTool{mkTool("fs", "read_file"), mkTool("fs", "write_file")})
	c.SetToolsForServer("fs", []*DiscoveredTool{mkTool("fs", "read_file")})

	if _, ok, _ := c.Get("fs.write_file"); ok {
		t.Error("replaced tool should be purged")
	}
	if c.Count() != 1 {
		t.Errorf("Count() = %d, want 1", c.Count())
	}
	if c.CountForServer("fs") != 1 {
		t.Errorf("CountForServer(fs) = %d, want 1", c.CountForServer("fs"))
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	c.SetToolsForServer("fs", []*DiscoveredTool{mkTool("fs", "read_file")})

	time.Sleep(20 * time.Millisecond)

	got, ok, fresh := c.Get("fs.read_file")
	if !ok || got == nil {
		t.Fatal("expired entry should still resolve")
	}
	if fresh {
		t.Error("entry past its TTL should report stale")
	}
}

func TestCacheGetByOriginal(t *testing.T) {
	c := NewCache(time.Minute)
	c.SetToolsForServer("fs", []*DiscoveredTool{mkTool("fs", "read_file")})
	c.SetToolsForServer("git", []*DiscoveredTool{mkTool("git", "status"), mkTool("git", "read_file")})

	// Unambiguous original name resolves.
	got, ok := c.GetByOriginal("status")
	if !ok {
		t.Fatal("expected status to resolve by original name")
	}
	if got.ServerName != "git" {
		t.Errorf("resolved server %q, want git", got.ServerName)
	}

	// Ambiguous across servers: no resolution.
	if _, ok := c.GetByOriginal("read_file"); ok {
		t.Error("ambiguous original name must not resolve")
	}
	if _, ok := c.GetByOriginal("nope"); ok {
		t.Error("unknown original name must not resolve")
	}
}

func TestCacheRemoveServerAndClear(t *testing.T) {
	c := NewCache(time.Minute)
	c.SetToolsForServer("fs", []*DiscoveredTool{mkTool("fs", "read_file")})
	c.SetToolsForServer("git", []*DiscoveredTool{mkTool("git", "status")})

	c.RemoveServer("fs")
	if _, ok, _ := c.Get("fs.read_file"); ok {
		t.Error("removed server's tool should be gone")
	}
	if c.Count() != 1 {
		t.Errorf("Count() = %d, want 1", c.Count())
	}

	c.Clear()
	if c.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", c.Count())
	}
	if c.HitRate() != 0 {
		t.Errorf("HitRate() after Clear = %v, want 0", c.HitRate())
	}
}

func TestCacheHitRate(t *testing.T) {
	c := NewCache(time.Minute)
	c.SetToolsForServer("fs", []*DiscoveredTool{mkTool("fs", "read_file")})

	c.Get("fs.read_file")
	c.Get("fs.read_file")
	c.Get("fs.missing")

	want := 2.0 / 3.0
	if got := c.HitRate(); got < want-0.001 || got > want+0.001 {
		t.Errorf("HitRate() = %v, want %v", got, want)
	}
}

func TestCacheGlobalLimit(t *testing.T) {
	c := NewCache(time.Minute)
	for s := 0; s < 11; s++ {
		server := fmt.Sprintf("srv%02d", s)
		tools := make([]*DiscoveredTool, MaxToolsPerServer)
		for i := range tools {
			tools[i] = mkTool(server, fmt.Sprintf("tool%04d", i))
		}
		c.SetToolsForServer(server, tools)
	}
	if c.Count() > MaxTotalTools {
		t.Errorf("Count() = %d, exceeds global cap %d", c.Count(), MaxTotalTools)
	}
}

func TestDiffHashes(t *testing.T) {
	prev := map[string]string{"a": "h1", "b": "h2", "c": "h3"}
	next := map[string]string{"a": "h1", "b": "h9", "d": "h4"}

	d := DiffHashes(prev, next)

	if len(d.Added) != 1 || d.Added[0] != "d" {
		t.Errorf("Added = %v, want [d]", d.Added)
	}
	if len(d.Updated) != 1 || d.Updated[0] != "b" {
		t.Errorf("Updated = %v, want [b]", d.Updated)
	}
	if len(d.Removed) != 1 || d.Removed[0] != "c" {
		t.Errorf("Removed = %v, want [c]", d.Removed)
	}
	if len(d.Unchanged) != 1 || d.Unchanged[0] != "a" {
		t.Errorf("Unchanged = %v, want [a]", d.Unchanged)
	}
	if !d.Changed() {
		t.Error("Changed() should be true")
	}

	same := DiffHashes(prev, prev)
	if same.Changed() {
		t.Error("identical maps should not report change")
	}
}
