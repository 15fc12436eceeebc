package entity

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("unexpected relation field shape")

// ShapeError reports a relation field holding neither an id nor a
// recognised embedded object.
type ShapeError struct {
	Type      Type
	ID        string
	FieldPath string
	Value     any
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s(%s).%s: unexpected relation value %T", e.Type, e.ID, e.FieldPath, e.Value)
}

func (e *ShapeError) Is(target error) bool {
	return target == ErrShape
}

// Ref is a reference read from a relation field: either an id pointing at
// another entity or a body embedded in full by the parent.
type Ref struct {
	ID   string
	Body Entity
}

func (r Ref) Embedded() bool {
	return r.Body != nil
}

// ParseRef decides once whether value is an id or an embedded body.
// ok is false for values that are neither.
func ParseRef(value any) (ref Ref, ok bool) {
	switch typed := value.(type) {
	case string:
		if typed == "" {
			return Ref{}, false
		}
		return Ref{ID: typed}, true
	default:
		if !IsEmbedded(value) {
			return Ref{}, false
		}
		body := asObject(value)
		return Ref{ID: body.SurrogateID(), Body: body}, true
	}
}

// IsEmptyValue reports values that carry no reference at all.
func IsEmptyValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case []any:
		return len(typed) == 0
	case []string:
		return len(typed) == 0
	}
	return false
}

// StringList returns the elements of a list value when every element is a
// string.
func StringList(value any) ([]string, bool) {
	switch typed := value.(type) {
	case []string:
		return append([]string(nil), typed...), true
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// List returns the elements of a list value.
func List(value any) ([]any, bool) {
	switch typed := value.(type) {
	case []any:
		return typed, true
	case []string:
		out := make([]any, len(typed))
		for i, s := range typed {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
