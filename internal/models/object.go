// Package models provides data model definitions for notesync.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Object is an entity document as it travels through the change log and
// over the wire. Values are JSON-compatible (maps, slices, strings,
// float64, bool, nil).
type Object map[string]interface{}

// Mods maps dotted field paths to values. A nil value removes the field.
type Mods map[string]interface{}

// ObjectOf converts a typed entity into an Object.
func ObjectOf(v interface{}) (Object, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal object: %w", err)
	}
	return obj, nil
}

// Decode fills v from the object.
func (o Object) Decode(v interface{}) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal object: %w", err)
	}
	return json.Unmarshal(data, v)
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	return cloneValue(map[string]interface{}(o)).(map[string]interface{})
}

// Clone returns a deep copy of the mods.
func (m Mods) Clone() Mods {
	if m == nil {
		return nil
	}
	out := make(Mods, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Object:
		return Object(cloneValue(map[string]interface{}(t)).(map[string]interface{}))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Get returns the value at a dotted path.
func (o Object) Get(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(o)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at a dotted path, creating intermediate objects. A nil v
// removes the field.
func (o Object) Set(path string, v interface{}) {
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(o)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			if v == nil {
				return
			}
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if v == nil {
		delete(cur, last)
		return
	}
	cur[last] = cloneValue(v)
}

// Apply writes every mod onto the object in place and returns it.
func (o Object) Apply(mods Mods) Object {
	for _, path := range SortedPaths(mods) {
		o.Set(path, mods[path])
	}
	return o
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case Object:
		return map[string]interface{}(t), true
	}
	return nil, false
}

// SortedPaths returns the mod paths shortest-first so ancestors are written
// before their descendants.
func SortedPaths(m Mods) []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return pathLess(paths[i], paths[j]) })
	return paths
}

func pathLess(a, b string) bool {
	da, db := strings.Count(a, "."), strings.Count(b, ".")
	if da != db {
		return da < db
	}
	return a < b
}

// IsAncestorPath reports whether ancestor is a strict dotted prefix of path.
func IsAncestorPath(ancestor, path string) bool {
	return len(path) > len(ancestor) && strings.HasPrefix(path, ancestor) && path[len(ancestor)] == '.'
}

// StringList reads a list of strings from a JSON value, ignoring
// non-string entries.
func StringList(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ListValue converts a string list back into its JSON form.
func ListValue(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Int64 reads a JSON number of any decoded representation.
func Int64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	}
	return 0
}
