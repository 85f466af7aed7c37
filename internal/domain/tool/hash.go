package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// canonicalSchema compacts schema JSON so hash input does not depend on
// downstream whitespace. Invalid or empty schemas hash as their raw bytes.
func canonicalSchema(schema json.RawMessage) []byte {
	if len(schema) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, schema); err != nil {
		return schema
	}
	return buf.Bytes()
}

// StructureHash computes the content hash of a tool's callable contract:
// the original name and the input schema, nothing else.
func StructureHash(originalName string, schema json.RawMessage) string {
	h := xxhash.New()
	_, _ = h.WriteString(originalName)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonicalSchema(schema))
	return fmt.Sprintf("%016x", h.Sum64())
}

// FullHash computes the content hash of the whole tool record. Two
// discoveries of an identical tool on the same server always produce the
// same value, making it usable as a stable reference id.
func FullHash(serverName, originalName, description string, schema json.RawMessage) string {
	h := xxhash.New()
	_, _ = h.WriteString(serverName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(originalName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(description)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonicalSchema(schema))
	return fmt.Sprintf("%016x", h.Sum64())
}
