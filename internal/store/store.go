// Package store holds every entity visited during a migration run, addressed
// by surrogate id and, for types that have one, by natural key. The whole
// store is checkpointed through a Checkpoint backend so an interrupted run
// can resume without re-fetching what it already collected.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

var (
	ErrNotFound      = errors.New("not found in object store")
	ErrInvalidEntity = errors.New("entity has no type or surrogate id")
)

type NotFoundError struct {
	Type entity.Type
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s(%s) not found in object store", e.Type, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Bucket is the persisted form of one type's entities.
type Bucket struct {
	ByNaturalKey map[string]entity.Entity `json:"byNaturalKey"`
	ByRid        map[string]entity.Entity `json:"byRid"`
	Order        []string                 `json:"order,omitempty"`
}

// Snapshot is the checkpoint payload: type -> bucket.
type Snapshot map[entity.Type]*Bucket

// Store is not safe for concurrent use; collection and linkage run on a
// single goroutine and the sync engine only reads the result of GetAll.
type Store struct {
	buckets    map[entity.Type]*Bucket
	checkpoint Checkpoint
}

func New(checkpoint Checkpoint) *Store {
	return &Store{
		buckets:    map[entity.Type]*Bucket{},
		checkpoint: checkpoint,
	}
}

func (s *Store) Exist(t entity.Type, key string) bool {
	b, ok := s.buckets[t]
	if !ok || key == "" {
		return false
	}
	if _, ok := b.ByNaturalKey[key]; ok {
		return true
	}
	_, ok = b.ByRid[key]
	return ok
}

// Insert stores e under its surrogate id and, when its type has one, under
// its natural key. Existing entries with the same keys are overwritten.
func (s *Store) Insert(e entity.Entity) error {
	t := e.Type()
	rid := e.SurrogateID()
	if t == "" || rid == "" {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, summarize(e))
	}
	b := s.bucket(t)
	if _, exists := b.ByRid[rid]; !exists {
		b.Order = append(b.Order, rid)
	}
	b.ByRid[rid] = e
	if key, ok := e.NaturalKey(); ok {
		b.ByNaturalKey[key] = e
	}
	return nil
}

// Get looks key up as a natural key first, then as a surrogate id.
func (s *Store) Get(t entity.Type, key string) (entity.Entity, error) {
	if b, ok := s.buckets[t]; ok {
		if e, ok := b.ByNaturalKey[key]; ok {
			return e, nil
		}
		if e, ok := b.ByRid[key]; ok {
			return e, nil
		}
	}
	return nil, &NotFoundError{Type: t, Key: key}
}

// GetAll returns every entity grouped by type: the priority types first in
// the order given, then the remaining types by name. Within a type entities
// keep their insertion order.
func (s *Store) GetAll(priority []entity.Type) []entity.Entity {
	ordered := make([]entity.Type, 0, len(s.buckets))
	seen := map[entity.Type]struct{}{}
	for _, t := range priority {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := s.buckets[t]; ok {
			ordered = append(ordered, t)
		}
	}
	rest := make([]entity.Type, 0, len(s.buckets))
	for t := range s.buckets {
		if _, ok := seen[t]; !ok {
			rest = append(rest, t)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	ordered = append(ordered, rest...)

	var out []entity.Entity
	for _, t := range ordered {
		b := s.buckets[t]
		for _, rid := range b.Order {
			if e, ok := b.ByRid[rid]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}

// Counts returns the number of entities stored per type.
func (s *Store) Counts() map[entity.Type]int {
	out := make(map[entity.Type]int, len(s.buckets))
	for t, b := range s.buckets {
		out[t] = len(b.ByRid)
	}
	return out
}

func (s *Store) Len() int {
	total := 0
	for _, b := range s.buckets {
		total += len(b.ByRid)
	}
	return total
}

// Save writes the full store to the checkpoint backend.
func (s *Store) Save(ctx context.Context) error {
	if s.checkpoint == nil {
		return nil
	}
	if err := s.checkpoint.Save(ctx, s.snapshot()); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load replaces the store contents with the last checkpoint, if any.
func (s *Store) Load(ctx context.Context) error {
	if s.checkpoint == nil {
		return nil
	}
	snap, err := s.checkpoint.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	s.buckets = map[entity.Type]*Bucket{}
	for t, b := range snap {
		if b == nil {
			continue
		}
		s.buckets[t] = restoreBucket(b)
	}
	return nil
}

func (s *Store) Close() error {
	if s.checkpoint == nil {
		return nil
	}
	return s.checkpoint.Close()
}

func (s *Store) bucket(t entity.Type) *Bucket {
	b, ok := s.buckets[t]
	if !ok {
		b = &Bucket{
			ByNaturalKey: map[string]entity.Entity{},
			ByRid:        map[string]entity.Entity{},
		}
		s.buckets[t] = b
	}
	return b
}

func (s *Store) snapshot() Snapshot {
	snap := make(Snapshot, len(s.buckets))
	for t, b := range s.buckets {
		snap[t] = b
	}
	return snap
}

// restoreBucket rebuilds the maps from a checkpoint, re-linking natural-key
// entries to the surrogate entries so a later overwrite updates both, and
// deriving an order for checkpoints that never recorded one.
func restoreBucket(b *Bucket) *Bucket {
	out := &Bucket{
		ByNaturalKey: map[string]entity.Entity{},
		ByRid:        map[string]entity.Entity{},
	}
	for rid, e := range b.ByRid {
		if e == nil {
			continue
		}
		out.ByRid[rid] = e
		if key, ok := e.NaturalKey(); ok {
			out.ByNaturalKey[key] = e
		}
	}
	for key, e := range b.ByNaturalKey {
		if _, ok := out.ByNaturalKey[key]; !ok && e != nil {
			out.ByNaturalKey[key] = e
		}
	}
	seen := map[string]struct{}{}
	for _, rid := range b.Order {
		if _, ok := out.ByRid[rid]; !ok {
			continue
		}
		if _, dup := seen[rid]; dup {
			continue
		}
		seen[rid] = struct{}{}
		out.Order = append(out.Order, rid)
	}
	var missing []string
	for rid := range out.ByRid {
		if _, ok := seen[rid]; !ok {
			missing = append(missing, rid)
		}
	}
	sort.Strings(missing)
	out.Order = append(out.Order, missing...)
	return out
}

func summarize(e entity.Entity) string {
	data, err := e.CanonicalJSON()
	if err != nil {
		return fmt.Sprintf("%T", e)
	}
	if len(data) > 200 {
		return string(data[:200]) + "..."
	}
	return string(data)
}
