// Package linkage rewrites references held in surrogate ids to the natural
// keys the sink addresses those entities by. Rewrites are recorded while the
// graph is collected and applied in one pass afterwards, once every
// referenced entity and its natural key is in the object store.
package linkage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentworkforce/curamigrate/internal/entity"
	"github.com/agentworkforce/curamigrate/internal/store"
)

// Work asks for ParentType(ParentID).FieldPath to be rewritten from
// surrogate ids of ChildType to their identities.
type Work struct {
	ParentType entity.Type `json:"parentType"`
	ParentID   string      `json:"parentId"`
	FieldPath  string      `json:"fieldPath"`
	ChildType  entity.Type `json:"childType"`
}

func (w Work) String() string {
	return fmt.Sprintf("%s(%s).%s->%s", w.ParentType, w.ParentID, w.FieldPath, w.ChildType)
}

type Stats struct {
	Works     int
	Rewritten int
	Unchanged int
}

type Transformer struct {
	logger *zap.Logger
	works  []Work
	seen   map[Work]struct{}
}

func New(logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{
		logger: logger,
		seen:   map[Work]struct{}{},
	}
}

// Add records w when its child type is addressed by a natural key. It
// reports whether w was recorded; duplicates are ignored.
func (t *Transformer) Add(w Work) bool {
	if !w.ChildType.HasNaturalKey() || w.ParentID == "" || w.FieldPath == "" {
		return false
	}
	if _, dup := t.seen[w]; dup {
		return false
	}
	t.seen[w] = struct{}{}
	t.works = append(t.works, w)
	return true
}

func (t *Transformer) Works() []Work {
	return append([]Work(nil), t.works...)
}

func (t *Transformer) Len() int {
	return len(t.works)
}

// Apply runs every recorded work against objects. A missing parent or child
// aborts the pass with a *store.NotFoundError. Running Apply twice leaves
// the store unchanged the second time.
func (t *Transformer) Apply(ctx context.Context, objects *store.Store) (Stats, error) {
	stats := Stats{Works: len(t.works)}
	t.logger.Info("transforming relation linkages", zap.Int("works", len(t.works)))
	for _, w := range t.works {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		changed, err := t.apply(objects, w)
		if err != nil {
			return stats, fmt.Errorf("rewrite %s: %w", w, err)
		}
		if changed {
			stats.Rewritten++
		} else {
			stats.Unchanged++
		}
	}
	return stats, nil
}

func (t *Transformer) apply(objects *store.Store, w Work) (bool, error) {
	stored, err := objects.Get(w.ParentType, w.ParentID)
	if err != nil {
		return false, err
	}
	parent := stored.Clone()
	value, ok := parent.Get(w.FieldPath)
	if !ok || value == nil {
		return false, nil
	}

	var rewritten any
	changed := false
	switch typed := value.(type) {
	case string:
		if typed == "" {
			return false, nil
		}
		identity, err := childIdentity(objects, w.ChildType, typed)
		if err != nil {
			return false, err
		}
		rewritten = identity
		changed = identity != typed
		t.logger.Debug("transforming linkage",
			zap.String("parent", string(w.ParentType)),
			zap.String("parentId", w.ParentID),
			zap.String("field", w.FieldPath),
			zap.String("from", typed),
			zap.String("to", identity))
	default:
		ids, isList := entity.StringList(value)
		if !isList {
			return false, &entity.ShapeError{Type: w.ParentType, ID: w.ParentID, FieldPath: w.FieldPath, Value: value}
		}
		if len(ids) == 0 {
			return false, nil
		}
		out := make([]any, len(ids))
		for i, id := range ids {
			identity, err := childIdentity(objects, w.ChildType, id)
			if err != nil {
				return false, err
			}
			out[i] = identity
			changed = changed || identity != id
		}
		rewritten = out
		t.logger.Debug("transforming linkage list",
			zap.String("parent", string(w.ParentType)),
			zap.String("parentId", w.ParentID),
			zap.String("field", w.FieldPath),
			zap.Int("count", len(out)))
	}
	if !changed {
		return false, nil
	}
	if err := parent.Set(w.FieldPath, rewritten); err != nil {
		return false, err
	}
	if err := objects.Insert(parent); err != nil {
		return false, err
	}
	return true, nil
}

func childIdentity(objects *store.Store, t entity.Type, key string) (string, error) {
	child, err := objects.Get(t, key)
	if err != nil {
		return "", err
	}
	return child.Identity(), nil
}
