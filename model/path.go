package model

import "strings"

// Paths address nested fields with "/" separators, e.g. "profile/score".
// A path never descends into list elements.

// SplitPath splits a field path into its segments, dropping empty parts.
func SplitPath(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Lookup resolves a path against an object. The second result is false when
// any segment is missing or a non-terminal segment is not an object.
func (o Object) Lookup(path string) (Value, bool) {
	return o.lookup(SplitPath(path))
}

func (o Object) lookup(parts []string) (Value, bool) {
	if len(parts) == 0 {
		return Value{}, false
	}
	cur := o
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return Value{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		cur, ok = v.AsObject()
		if !ok {
			return Value{}, false
		}
	}
	return Value{}, false
}

// SetPath stores a value at a path, creating intermediate objects as needed.
// It fails silently only in the impossible empty-path case.
func (o Object) SetPath(path string, v Value) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return
	}
	cur := o
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok || next.Kind != KindObject {
			child := Object{}
			cur[p] = Obj(child)
			cur = child
			continue
		}
		cur = next.O
	}
	cur[parts[len(parts)-1]] = v
}

// DeletePath removes the value at a path, if present.
func (o Object) DeletePath(path string) {
	parts := SplitPath(path)
	if len(parts) == 0 {
		return
	}
	cur := o
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok || next.Kind != KindObject {
			return
		}
		cur = next.O
	}
	delete(cur, parts[len(parts)-1])
}

// DeepMerge merges patch into o. Nested objects merge field-wise; any other
// value replaces the existing one.
func (o Object) DeepMerge(patch Object) {
	for k, pv := range patch {
		if pv.Kind == KindObject {
			if cur, ok := o[k]; ok && cur.Kind == KindObject {
				cur.O.DeepMerge(pv.O)
				continue
			}
		}
		o[k] = pv.Clone()
	}
}
