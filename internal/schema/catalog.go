// Package schema exposes the relation descriptors declared for each entity
// type: which fields reference other entities, with what cardinality.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

type Cardinality int

const (
	Singular Cardinality = iota
	Plural
)

func (c Cardinality) String() string {
	switch c {
	case Singular:
		return "singular"
	case Plural:
		return "plural"
	default:
		return fmt.Sprintf("cardinality(%d)", int(c))
	}
}

type Relation struct {
	FieldPath   string
	Cardinality Cardinality
	Target      entity.Type
}

var ErrSchema = errors.New("schema error")

// Error is returned for unknown types and malformed relation declarations.
type Error struct {
	Type   entity.Type
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema %s: %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("schema %s: %s", e.Type, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrSchema
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Catalog maps an entity type to its relation descriptors. Implementations
// must be deterministic and free of side effects.
type Catalog interface {
	RelationsOf(ctx context.Context, t entity.Type) ([]Relation, error)
}

// StaticCatalog is an in-memory catalog. Types without an entry have no
// relations; use Strict to treat them as unknown instead.
type StaticCatalog struct {
	Relations map[entity.Type][]Relation
	Strict    bool
}

func (c StaticCatalog) RelationsOf(_ context.Context, t entity.Type) ([]Relation, error) {
	rels, ok := c.Relations[t]
	if !ok && c.Strict {
		return nil, &Error{Type: t, Reason: "unknown entity type"}
	}
	if err := validateRelations(t, rels); err != nil {
		return nil, err
	}
	return append([]Relation(nil), rels...), nil
}

type extraCatalog struct {
	base   Catalog
	extras map[entity.Type][]Relation
}

// WithExtraRelations adds descriptors that exist operationally but are kept
// out of the declarative schema, such as gdm.annotations.
func WithExtraRelations(base Catalog, extras map[entity.Type][]Relation) Catalog {
	if len(extras) == 0 {
		return base
	}
	copied := make(map[entity.Type][]Relation, len(extras))
	for t, rels := range extras {
		copied[t] = append([]Relation(nil), rels...)
	}
	return &extraCatalog{base: base, extras: copied}
}

func (c *extraCatalog) RelationsOf(ctx context.Context, t entity.Type) ([]Relation, error) {
	rels, err := c.base.RelationsOf(ctx, t)
	if err != nil {
		return nil, err
	}
	extra := c.extras[t]
	if len(extra) == 0 {
		return rels, nil
	}
	if err := validateRelations(t, extra); err != nil {
		return nil, err
	}
	out := make([]Relation, 0, len(rels)+len(extra))
	seen := map[string]struct{}{}
	for _, rel := range rels {
		seen[rel.FieldPath] = struct{}{}
		out = append(out, rel)
	}
	for _, rel := range extra {
		if _, dup := seen[rel.FieldPath]; dup {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

// DefaultRootRelations is the gdm -> annotation link the declarative schema
// leaves out so the sink never populates it on create.
func DefaultRootRelations() map[entity.Type][]Relation {
	return map[entity.Type][]Relation{
		entity.TypeGDM: {{FieldPath: "annotations", Cardinality: Plural, Target: entity.TypeAnnotation}},
	}
}

func validateRelations(t entity.Type, rels []Relation) error {
	for _, rel := range rels {
		if rel.FieldPath == "" {
			return &Error{Type: t, Reason: "relation with empty field path"}
		}
		if rel.Cardinality != Singular && rel.Cardinality != Plural {
			return &Error{Type: t, Reason: fmt.Sprintf("relation %s has invalid %s", rel.FieldPath, rel.Cardinality)}
		}
		if !rel.Target.Known() {
			return &Error{Type: t, Reason: fmt.Sprintf("relation %s targets unknown type %q", rel.FieldPath, rel.Target)}
		}
	}
	return nil
}

type cache struct {
	mu      sync.Mutex
	entries map[entity.Type][]Relation
}

func (c *cache) get(t entity.Type) ([]Relation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rels, ok := c.entries[t]
	if !ok {
		return nil, false
	}
	return append([]Relation(nil), rels...), true
}

func (c *cache) put(t entity.Type, rels []Relation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[entity.Type][]Relation{}
	}
	c.entries[t] = append([]Relation(nil), rels...)
}

func sortRelations(rels []Relation) {
	sort.SliceStable(rels, func(i, j int) bool {
		return rels[i].FieldPath < rels[j].FieldPath
	})
}
