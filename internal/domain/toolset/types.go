// Package toolset contains the domain model for saved toolsets: named,
// persisted selections of discovered tools, their annotations, and the
// name flattening applied when a toolset is exposed.
package toolset

import (
	"fmt"
	"regexp"
	"time"
)

// NamePattern is the rule for toolset names, shared with the config
// validator registration.
const NamePattern = `^[a-z0-9-]+$`

const (
	nameMinLength = 2
	nameMaxLength = 50
)

var nameRe = regexp.MustCompile(NamePattern)

// ValidateName checks a toolset name against the naming rule:
// lowercase alphanumerics and hyphens, 2 to 50 characters.
func ValidateName(name string) error {
	if len(name) < nameMinLength || len(name) > nameMaxLength {
		return fmt.Errorf("toolset name must be %d-%d characters", nameMinLength, nameMaxLength)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("toolset name may only contain lowercase letters, digits and hyphens")
	}
	return nil
}

// ValidateNoteName checks an annotation note name against the same rule
// as toolset names: lowercase alphanumerics and hyphens, 2 to 50
// characters.
func ValidateNoteName(name string) error {
	if len(name) < nameMinLength || len(name) > nameMaxLength {
		return fmt.Errorf("note name must be %d-%d characters", nameMinLength, nameMaxLength)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("note name may only contain lowercase letters, digits and hyphens")
	}
	return nil
}

// ToolReference names one tool inside a saved toolset. At least one of
// NamespacedName and RefID must be set. Resolution prefers the namespaced
// name and falls back to the RefID when the name no longer exists, which
// tolerates a tool being renamed downstream.
type ToolReference struct {
	// NamespacedName is the tool's published name at save time.
	NamespacedName string `json:"namespacedName,omitempty"`
	// RefID is the tool's full content hash at save time.
	RefID string `json:"refId,omitempty"`
	// ExpectedStructureHash records the tool's structure hash at save
	// time. In secure mode a matched tool whose current structure hash
	// differs is excluded from exposure.
	ExpectedStructureHash string `json:"expectedStructureHash,omitempty"`
}

// Key returns a stable identity for duplicate detection inside one toolset.
func (r ToolReference) Key() string {
	return r.NamespacedName + "\x00" + r.RefID
}

// Empty reports whether the reference carries no way to resolve a tool.
func (r ToolReference) Empty() bool {
	return r.NamespacedName == "" && r.RefID == ""
}

// Note is one named annotation attached to a tool within a toolset.
type Note struct {
	Name string `json:"name"`
	Note string `json:"note"`
}

// ToolAnnotation groups the notes attached to one tool reference.
type ToolAnnotation struct {
	ToolRef ToolReference `json:"toolRef"`
	Notes   []Note        `json:"notes"`
}

// Config is a named, persisted selection of tools.
type Config struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Version     string           `json:"version,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	Tools       []ToolReference  `json:"tools"`
	Annotations []ToolAnnotation `json:"annotations,omitempty"`
}

// Validate checks the structural invariants of a toolset.
func (c *Config) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if len(c.Tools) == 0 {
		return fmt.Errorf("toolset must reference at least one tool")
	}
	seen := make(map[string]bool, len(c.Tools))
	for i, ref := range c.Tools {
		if ref.Empty() {
			return fmt.Errorf("tool reference %d names no tool", i)
		}
		key := ref.Key()
		if seen[key] {
			return fmt.Errorf("duplicate tool reference %q", ref.NamespacedName+ref.RefID)
		}
		seen[key] = true
	}
	return nil
}

// AddNote attaches a note to the given tool reference. Annotations are
// additive-only: a note whose name already exists for that tool is
// ignored, not overwritten. Returns whether the note was added.
func (c *Config) AddNote(ref ToolReference, note Note) bool {
	for i := range c.Annotations {
		if c.Annotations[i].ToolRef.Key() != ref.Key() {
			continue
		}
		for _, existing := range c.Annotations[i].Notes {
			if existing.Name == note.Name {
				return false
			}
		}
		c.Annotations[i].Notes = append(c.Annotations[i].Notes, note)
		return true
	}
	c.Annotations = append(c.Annotations, ToolAnnotation{ToolRef: ref, Notes: []Note{note}})
	return true
}

// NotesFor returns the notes attached to a tool matched by namespaced name
// or ref id, or nil.
func (c *Config) NotesFor(namespacedName, refID string) []Note {
	for _, a := range c.Annotations {
		if (a.ToolRef.NamespacedName != "" && a.ToolRef.NamespacedName == namespacedName) ||
			(a.ToolRef.RefID != "" && a.ToolRef.RefID == refID) {
			return a.Notes
		}
	}
	return nil
}
