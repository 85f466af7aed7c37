// Package tool contains the domain model for discovered tools: the
// canonical tool record, content hashing, and the discovery cache.
package tool

import (
	"encoding/json"
	"time"
)

// DiscoveredTool is the canonical record of a tool known to the system.
type DiscoveredTool struct {
	// ServerName is the origin session's server name.
	ServerName string
	// OriginalName is the name as the downstream advertises it.
	OriginalName string
	// NamespacedName is the published name after conflict resolution,
	// by default server + separator + original.
	NamespacedName string
	// Description is the downstream's description, forwarded opaquely.
	Description string
	// InputSchema is the JSON Schema for the tool's parameters.
	InputSchema json.RawMessage
	// StructureHash covers (original_name, input_schema) only. It changes
	// exactly when the tool's callable contract changes.
	StructureHash string
	// FullHash covers the whole record including the description. Stable
	// across restarts for identical inputs; used as a reference id.
	FullHash string
	// DiscoveredAt records when this tool was first seen.
	DiscoveredAt time.Time
	// LastUpdated records when this record last changed.
	LastUpdated time.Time
}

// ChangeKind classifies one tool's fate in a discovery pass.
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeUpdated   ChangeKind = "updated"
	ChangeRemoved   ChangeKind = "removed"
	ChangeUnchanged ChangeKind = "unchanged"
)

// Diff aggregates the outcome of reconciling one server's tool list
// against the previous pass. Names are original names.
type Diff struct {
	Added     []string
	Updated   []string
	Removed   []string
	Unchanged []string
}

// Changed reports whether the diff contains any addition, update or removal.
func (d Diff) Changed() bool {
	return len(d.Added)+len(d.Updated)+len(d.Removed) > 0
}

// DiffHashes classifies tools by comparing per-name full hashes from the
// previous pass (prev) against the current pass (next).
func DiffHashes(prev, next map[string]string) Diff {
	var d Diff
	for name, hash := range next {
		old, ok := prev[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case old != hash:
			d.Updated = append(d.Updated, name)
		default:
			d.Unchanged = append(d.Unchanged, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	return d
}
