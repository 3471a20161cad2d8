// Package fieldpath reads and writes values inside JSON-like rows using dot
// paths such as "venue.address.city" or "tags.0".
//
// Segments address map keys or, when the current value is a slice, numeric
// indices. Traversal never panics: a missing key, an out-of-range index or a
// scalar in the middle of the path yields "not found".
package fieldpath

import (
	"strconv"
	"strings"
)

// Split breaks a dot path into segments. Empty segments are dropped.
func Split(path string) []string {
	raw := strings.Split(path, ".")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// Get returns the value at path and whether it exists.
// A present key whose value is nil reports found=true and a nil value.
func Get(root any, path string) (any, bool) {
	segments := Split(path)
	if len(segments) == 0 {
		return nil, false
	}

	current := root
	for _, seg := range segments {
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(current any, seg string) (any, bool) {
	switch node := current.(type) {
	case map[string]any:
		v, ok := node[seg]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, false
		}
		return node[idx], true
	default:
		if m, ok := asMap(current); ok {
			v, ok := m[seg]
			return v, ok
		}
		return nil, false
	}
}

// Set writes value at path, creating intermediate maps when keys are missing.
// It reports false when the path runs through a scalar or an out-of-range index.
func Set(root any, path string, value any) bool {
	segments := Split(path)
	if len(segments) == 0 {
		return false
	}

	current := root
	for i, seg := range segments {
		last := i == len(segments)-1

		switch node := current.(type) {
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return false
			}
			if last {
				node[idx] = value
				return true
			}
			current = node[idx]
		default:
			m, ok := asMap(current)
			if !ok || m == nil {
				return false
			}
			if last {
				m[seg] = value
				return true
			}
			next, exists := m[seg]
			if !exists || next == nil {
				next = map[string]any{}
				m[seg] = next
			}
			current = next
		}
	}
	return false
}

// IsEmpty reports whether v counts as missing: nil or a blank string.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// asMap accepts map[string]any and named map types with that underlying type.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case interface{ AsMap() map[string]any }:
		return m.AsMap(), true
	}
	return nil, false
}
