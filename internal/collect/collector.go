// Package collect walks the relation graph of a root entity and loads every
// reachable entity into the object store.
package collect

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentworkforce/curamigrate/internal/entity"
	"github.com/agentworkforce/curamigrate/internal/linkage"
	"github.com/agentworkforce/curamigrate/internal/schema"
	"github.com/agentworkforce/curamigrate/internal/source"
	"github.com/agentworkforce/curamigrate/internal/store"
)

// FetchCardinalityError is returned when the source does not hold exactly
// one body for a referenced (type, id).
type FetchCardinalityError struct {
	Type  entity.Type
	ID    string
	Count int
}

func (e *FetchCardinalityError) Error() string {
	return fmt.Sprintf("%s queried by id %q returned %d rows, want 1", e.Type, e.ID, e.Count)
}

type Options struct {
	Logger      *zap.Logger
	Normalizers map[entity.Type]Normalizer
	// DisableCheckpoint skips the save after each inserted entity.
	DisableCheckpoint bool
}

// Result summarises one collection pass.
type Result struct {
	Fetched  int
	Reused   int
	Embedded int
	Skipped  int
	Expanded int
}

type Collector struct {
	source      source.Store
	catalog     schema.Catalog
	objects     *store.Store
	links       *linkage.Transformer
	normalizers map[entity.Type]Normalizer
	checkpoint  bool
	logger      *zap.Logger
}

func New(src source.Store, catalog schema.Catalog, objects *store.Store, links *linkage.Transformer, opts Options) *Collector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	normalizers := opts.Normalizers
	if normalizers == nil {
		normalizers = DefaultNormalizers()
	}
	return &Collector{
		source:      src,
		catalog:     catalog,
		objects:     objects,
		links:       links,
		normalizers: normalizers,
		checkpoint:  !opts.DisableCheckpoint,
		logger:      logger,
	}
}

type frame struct {
	Type entity.Type
	ID   string
	Body entity.Entity
}

type visitKey struct {
	Type entity.Type
	ID   string
}

// Collect loads the transitive closure of root into the object store.
//
// Entities already in the store are reused instead of fetched, which is what
// lets an interrupted run resume from its checkpoint. Each entity is expanded
// at most once per call, so cycles in the graph terminate.
func (c *Collector) Collect(ctx context.Context, root Root) (*Result, error) {
	res := &Result{}
	expanded := map[visitKey]struct{}{}
	stack := []frame{{Type: root.Type, ID: root.ID}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		current, ok, err := c.resolve(ctx, root, f, res)
		if err != nil {
			return res, err
		}
		if !ok {
			continue
		}
		key := visitKey{Type: f.Type, ID: current.SurrogateID()}
		if _, done := expanded[key]; done {
			continue
		}
		expanded[key] = struct{}{}

		children, err := c.expand(ctx, f.Type, current)
		if err != nil {
			return res, err
		}
		// Push in reverse so children pop in field and list order.
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
		res.Expanded++
		c.logger.Info("collected",
			zap.Int("processed", res.Expanded),
			zap.Int("pending", len(stack)),
			zap.String("type", string(f.Type)),
			zap.String("id", current.SurrogateID()))
	}
	return res, nil
}

// resolve produces the stored form of f, fetching and inserting it when
// the store does not have it yet. ok is false when the frame is skipped.
func (c *Collector) resolve(ctx context.Context, root Root, f frame, res *Result) (entity.Entity, bool, error) {
	if f.ID != "" && c.objects.Exist(f.Type, f.ID) {
		stored, err := c.objects.Get(f.Type, f.ID)
		if err != nil {
			return nil, false, err
		}
		c.logger.Debug("found in store, reusing", zap.String("type", string(f.Type)), zap.String("id", f.ID))
		res.Reused++
		return stored, true, nil
	}

	var body entity.Entity
	if f.Body != nil {
		body = f.Body.Clone()
		res.Embedded++
	} else {
		bodies, err := c.source.Fetch(ctx, f.Type, f.ID)
		if err != nil {
			if source.IsAlreadyRewritten(err) {
				c.logger.Warn("skipping reference that is no longer a surrogate id",
					zap.String("type", string(f.Type)),
					zap.String("id", f.ID),
					zap.Error(err))
				res.Skipped++
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("fetch %s(%s): %w", f.Type, f.ID, err)
		}
		if len(bodies) != 1 {
			return nil, false, &FetchCardinalityError{Type: f.Type, ID: f.ID, Count: len(bodies)}
		}
		body = bodies[0]
		res.Fetched++
		c.logger.Debug("fetched", zap.String("type", string(f.Type)), zap.String("id", f.ID))
	}

	normalized, err := c.normalize(root, f.Type, body)
	if err != nil {
		return nil, false, err
	}
	if f.Body != nil {
		// An embedded body seen earlier in this run is already stored.
		if rid := normalized.SurrogateID(); c.objects.Exist(f.Type, rid) {
			stored, err := c.objects.Get(f.Type, rid)
			if err != nil {
				return nil, false, err
			}
			return stored, true, nil
		}
	}
	if err := c.objects.Insert(normalized); err != nil {
		return nil, false, fmt.Errorf("insert %s(%s): %w", f.Type, f.ID, err)
	}
	if c.checkpoint {
		if err := c.objects.Save(ctx); err != nil {
			return nil, false, err
		}
	}
	return normalized, true, nil
}

func (c *Collector) normalize(root Root, t entity.Type, body entity.Entity) (entity.Entity, error) {
	if body.Type() == "" {
		body[entity.FieldType] = string(t)
	}
	if fn, ok := c.normalizers[t]; ok {
		if err := fn(root, body); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", t, err)
		}
	}
	if body.SurrogateID() == "" {
		id, err := SyntheticID(body)
		if err != nil {
			return nil, err
		}
		body[entity.FieldRID] = id
	}
	return body, nil
}

// expand reads every relation field of e and returns the frames to visit,
// recording a linkage work for each reference to a natural-key type.
func (c *Collector) expand(ctx context.Context, t entity.Type, e entity.Entity) ([]frame, error) {
	relations, err := c.catalog.RelationsOf(ctx, t)
	if err != nil {
		return nil, err
	}
	parentID := e.SurrogateID()
	var out []frame
	for _, rel := range relations {
		value, ok := e.Get(rel.FieldPath)
		if !ok || entity.IsEmptyValue(value) {
			continue
		}
		shapeErr := &entity.ShapeError{Type: t, ID: parentID, FieldPath: rel.FieldPath, Value: value}

		if rel.Cardinality == schema.Singular {
			ref, ok := entity.ParseRef(value)
			if !ok {
				return nil, shapeErr
			}
			out = append(out, frame{Type: rel.Target, ID: ref.ID, Body: ref.Body})
			if !ref.Embedded() {
				c.record(t, parentID, rel)
			}
			continue
		}

		items, ok := entity.List(value)
		if !ok {
			return nil, shapeErr
		}
		allIDs := true
		for _, item := range items {
			ref, ok := entity.ParseRef(item)
			if !ok {
				return nil, shapeErr
			}
			if ref.Embedded() {
				allIDs = false
			}
			out = append(out, frame{Type: rel.Target, ID: ref.ID, Body: ref.Body})
		}
		if allIDs {
			c.record(t, parentID, rel)
		}
	}
	return out, nil
}

func (c *Collector) record(t entity.Type, parentID string, rel schema.Relation) {
	if c.links == nil {
		return
	}
	c.links.Add(linkage.Work{
		ParentType: t,
		ParentID:   parentID,
		FieldPath:  rel.FieldPath,
		ChildType:  rel.Target,
	})
}
