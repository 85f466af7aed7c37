package toolset

import "strings"

// RenderNotes appends a Markdown "Additional Tool Notes" section to a
// tool description. With no notes the description is returned unchanged.
func RenderNotes(description string, notes []Note) string {
	if len(notes) == 0 {
		return description
	}

	var b strings.Builder
	b.WriteString(description)
	if description != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("## Additional Tool Notes\n")
	for _, n := range notes {
		b.WriteString("\n- **")
		b.WriteString(n.Name)
		b.WriteString("**: ")
		b.WriteString(n.Note)
	}
	return b.String()
}
