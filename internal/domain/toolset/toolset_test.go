package toolset

import (
	"strings"
	"testing"
	"time"
)

func TestValidateName(t *testing.T) {
	valid := []string{"ab", "dev-tools", "set-1", strings.Repeat("a", 50)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "a", strings.Repeat("a", 51), "Dev-Tools", "my set", "set_1", "set.1"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestValidateNoteName(t *testing.T) {
	valid := []string{"usage", "rate-limit", "n1", strings.Repeat("a", 50)}
	for _, name := range valid {
		if err := ValidateNoteName(name); err != nil {
			t.Errorf("ValidateNoteName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "a", strings.Repeat("a", 51), "Usage", "my note", "note_1"}
	for _, name := range invalid {
		if err := ValidateNoteName(name); err == nil {
			t.Errorf("ValidateNoteName(%q) = nil, want error", name)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{
		Name:      "dev-tools",
		CreatedAt: time.Now(),
		Tools: []ToolReference{
			{NamespacedName: "fs.read_file", RefID: "aaa"},
			{RefID: "bbb"},
		},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	noTools := base
	noTools.Tools = nil
	if err := noTools.Validate(); err == nil {
		t.Error("empty tool list should be rejected")
	}

	emptyRef := base
	emptyRef.Tools = []ToolReference{{}}
	if err := emptyRef.Validate(); err == nil {
		t.Error("reference naming no tool should be rejected")
	}

	dup := base
	dup.Tools = []ToolReference{
		{NamespacedName: "fs.read_file", RefID: "aaa"},
		{NamespacedName: "fs.read_file", RefID: "aaa"},
	}
	if err := dup.Validate(); err == nil {
		t.Error("duplicate references should be rejected")
	}
}

func TestAddNoteAdditiveOnly(t *testing.T) {
	cfg := Config{Name: "dev-tools", Tools: []ToolReference{{NamespacedName: "fs.read_file"}}}
	ref := ToolReference{NamespacedName: "fs.read_file"}

	if !cfg.AddNote(ref, Note{Name: "usage", Note: "prefer absolute paths"}) {
		t.Fatal("first note should be added")
	}
	if !cfg.AddNote(ref, Note{Name: "limits", Note: "max 1MB"}) {
		t.Fatal("second note with new name should be added")
	}
	if cfg.AddNote(ref, Note{Name: "usage", Note: "overwritten?"}) {
		t.Error("duplicate note name should be ignored")
	}

	notes := cfg.NotesFor("fs.read_file", "")
	if len(notes) != 2 {
		t.Fatalf("NotesFor returned %d notes, want 2", len(notes))
	}
	if notes[0].Note != "prefer absolute paths" {
		t.Errorf("original note was overwritten: %q", notes[0].Note)
	}
}

func TestNotesForMatchesByRefID(t *testing.T) {
	cfg := Config{Name: "dev-tools", Tools: []ToolReference{{RefID: "cafe"}}}
	cfg.AddNote(ToolReference{RefID: "cafe"}, Note{Name: "n", Note: "v"})

	if got := cfg.NotesFor("renamed.tool", "cafe"); len(got) != 1 {
		t.Errorf("NotesFor by refId returned %d notes, want 1", len(got))
	}
	if got := cfg.NotesFor("other.tool", "beef"); got != nil {
		t.Errorf("NotesFor for unrelated tool = %v, want nil", got)
	}
}

func TestRenderNotes(t *testing.T) {
	out := RenderNotes("Reads a file.", []Note{
		{Name: "usage", Note: "prefer absolute paths"},
		{Name: "limits", Note: "max 1MB"},
	})
	if !strings.Contains(out, "Reads a file.") {
		t.Error("original description should be preserved")
	}
	if !strings.Contains(out, "## Additional Tool Notes") {
		t.Error("notes section header missing")
	}
	if !strings.Contains(out, "- **usage**: prefer absolute paths") {
		t.Errorf("note line missing:\n%s", out)
	}

	if got := RenderNotes("desc", nil); got != "desc" {
		t.Errorf("no notes should leave description unchanged, got %q", got)
	}

	// Empty description still gets a well-formed section.
	out = RenderNotes("", []Note{{Name: "n", Note: "v"}})
	if strings.HasPrefix(out, "\n") {
		t.Errorf("unexpected leading newline: %q", out)
	}
}

func TestBuildFlatMap(t *testing.T) {
	m := BuildFlatMap([]string{"fs.read_file", "git.status"}, ".")

	flat, ok := m.Flattened("fs.read_file")
	if !ok || flat != "fs_read_file" {
		t.Errorf("Flattened(fs.read_file) = %q, want fs_read_file", flat)
	}
	orig, ok := m.Original("git_status")
	if !ok || orig != "git.status" {
		t.Errorf("Original(git_status) = %q, want git.status", orig)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestBuildFlatMapCollisions(t *testing.T) {
	// "a.b" and "a_b" both flatten to "a_b"; the second gets a suffix.
	m := BuildFlatMap([]string{"a.b", "a_b"}, ".")

	first, _ := m.Flattened("a.b")
	second, _ := m.Flattened("a_b")
	if first != "a_b" {
		t.Errorf("first name flattened to %q, want a_b", first)
	}
	if second != "a_b_2" {
		t.Errorf("colliding name flattened to %q, want a_b_2", second)
	}

	// Round trip both.
	if orig, _ := m.Original("a_b"); orig != "a.b" {
		t.Errorf("Original(a_b) = %q, want a.b", orig)
	}
	if orig, _ := m.Original("a_b_2"); orig != "a_b" {
		t.Errorf("Original(a_b_2) = %q, want a_b", orig)
	}

	// Duplicate input names are mapped once.
	m = BuildFlatMap([]string{"x.y", "x.y"}, ".")
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}
