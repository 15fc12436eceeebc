package entity

import (
	"fmt"
	"strings"
)

// Get reads the value at a dotted field path. Missing intermediate objects
// yield (nil, false).
func (e Entity) Get(path string) (any, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, false
	}
	var current any = map[string]any(e)
	for _, part := range parts {
		obj := asObject(current)
		if obj == nil {
			return nil, false
		}
		value, ok := obj[part]
		if !ok {
			return nil, false
		}
		current = value
	}
	return current, true
}

// Set writes value at a dotted field path, creating intermediate objects.
func (e Entity) Set(path string, value any) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("empty field path")
	}
	current := e
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok || next == nil {
			child := map[string]any{}
			current[part] = child
			current = child
			continue
		}
		obj := asObject(next)
		if obj == nil {
			return fmt.Errorf("field %s is %T, not an object", strings.Join(parts[:i+1], "."), next)
		}
		current = obj
	}
	current[parts[len(parts)-1]] = value
	return nil
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
