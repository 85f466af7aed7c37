package toolset

import (
	"fmt"
	"strings"
)

// FlatMap is the reversible name transform applied when a toolset is
// exposed to clients that cannot receive separator characters in tool
// names. It is rebuilt from scratch on every exposure.
type FlatMap struct {
	toFlat     map[string]string
	toOriginal map[string]string
}

// BuildFlatMap flattens each namespaced name by replacing the separator
// with an underscore. Collisions (e.g. "a.b" vs "a_b") are resolved by
// appending a numeric suffix in input order.
func BuildFlatMap(namespaced []string, sep string) *FlatMap {
	m := &FlatMap{
		toFlat:     make(map[string]string, len(namespaced)),
		toOriginal: make(map[string]string, len(namespaced)),
	}
	for _, name := range namespaced {
		if _, dup := m.toFlat[name]; dup {
			continue
		}
		flat := strings.ReplaceAll(name, sep, "_")
		if _, taken := m.toOriginal[flat]; taken {
			for n := 2; ; n++ {
				candidate := fmt.Sprintf("%s_%d", flat, n)
				if _, taken := m.toOriginal[candidate]; !taken {
					flat = candidate
					break
				}
			}
		}
		m.toFlat[name] = flat
		m.toOriginal[flat] = name
	}
	return m
}

// Flattened returns the exposed name for a namespaced name.
func (m *FlatMap) Flattened(namespaced string) (string, bool) {
	flat, ok := m.toFlat[namespaced]
	return flat, ok
}

// Original returns the namespaced name behind an exposed name.
func (m *FlatMap) Original(flattened string) (string, bool) {
	name, ok := m.toOriginal[flattened]
	return name, ok
}

// Len returns the number of mapped names.
func (m *FlatMap) Len() int {
	return len(m.toFlat)
}
