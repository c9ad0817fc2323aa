package translate

import (
	"reflect"
	"sort"
	"strings"
)

// getPath walks a dotted path through nested maps.
func getPath(m map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var current any = m
	for _, seg := range segs {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes value at a dotted path, creating intermediate maps.
func setPath(m map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	current := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[segs[len(segs)-1]] = value
}

// deletePath removes the leaf at a dotted path, pruning emptied maps.
func deletePath(m map[string]any, path string) {
	segs := strings.Split(path, ".")
	if len(segs) == 1 {
		delete(m, segs[0])
		return
	}
	parent, ok := getPath(m, strings.Join(segs[:len(segs)-1], "."))
	if !ok {
		return
	}
	obj, ok := parent.(map[string]any)
	if !ok {
		return
	}
	delete(obj, segs[len(segs)-1])
	if len(obj) == 0 {
		deletePath(m, strings.Join(segs[:len(segs)-1], "."))
	}
}

// leafPaths lists every dotted path to a non-map value, sorted.
func leafPaths(m map[string]any) []string {
	var paths []string
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		obj, ok := v.(map[string]any)
		if !ok || len(obj) == 0 {
			if prefix != "" {
				paths = append(paths, prefix)
			}
			return
		}
		for k, child := range obj {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			walk(p, child)
		}
	}
	walk("", m)
	sort.Strings(paths)
	return paths
}

// deepClone copies nested maps and slices so transformations never alias
// the caller's payload.
func deepClone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = deepClone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = deepClone(child)
		}
		return out
	default:
		return v
	}
}

// valuesEqual compares two JSON-like values structurally.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
