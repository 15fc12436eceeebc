package collect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/curamigrate/internal/entity"
	"github.com/agentworkforce/curamigrate/internal/linkage"
	"github.com/agentworkforce/curamigrate/internal/schema"
	"github.com/agentworkforce/curamigrate/internal/source"
	"github.com/agentworkforce/curamigrate/internal/store"
)

func testCatalog() schema.Catalog {
	base := schema.StaticCatalog{Relations: map[entity.Type][]schema.Relation{
		entity.TypeGDM: {
			{FieldPath: "disease", Cardinality: schema.Singular, Target: entity.TypeDisease},
			{FieldPath: "snapshots", Cardinality: schema.Plural, Target: entity.TypeSnapshot},
		},
		entity.TypeAnnotation: {
			{FieldPath: "article", Cardinality: schema.Singular, Target: entity.TypeArticle},
			{FieldPath: "parentGdm", Cardinality: schema.Singular, Target: entity.TypeGDM},
		},
	}}
	return schema.WithExtraRelations(base, schema.DefaultRootRelations())
}

func scenarioSource() *source.MemoryStore {
	src := source.NewMemoryStore()
	src.Put(
		entity.Entity{"item_type": "gdm", "rid": "gdm-1", "annotations": []any{"ann-1", "ann-2"}},
		entity.Entity{"item_type": "annotation", "rid": "ann-1", "article": "art-99", "parentGdm": "gdm-1"},
		entity.Entity{"item_type": "annotation", "rid": "ann-2", "article": "art-99"},
		entity.Entity{"item_type": "article", "rid": "art-99", "pmid": "PMID-42"},
	)
	return src
}

func newCollector(src source.Store, objects *store.Store, links *linkage.Transformer) *Collector {
	return New(src, testCatalog(), objects, links, Options{})
}

var gdmRoot = Root{Type: entity.TypeGDM, ID: "gdm-1"}

func TestCollectReachesEveryEntityOnce(t *testing.T) {
	src := scenarioSource()
	objects := store.New(nil)
	links := linkage.New(nil)

	res, err := newCollector(src, objects, links).Collect(context.Background(), gdmRoot)
	require.NoError(t, err)

	assert.Equal(t, 4, objects.Len())
	assert.Equal(t, 4, res.Fetched)
	assert.Equal(t, 4, res.Expanded)
	assert.Equal(t, 4, src.TotalFetches())
	for _, id := range []string{"gdm-1", "ann-1", "ann-2", "art-99"} {
		assert.LessOrEqual(t, src.Fetches(typeOf(id), id), 1, id)
	}
	assert.True(t, objects.Exist(entity.TypeArticle, "PMID-42"))

	ann, err := objects.Get(entity.TypeAnnotation, "ann-2")
	require.NoError(t, err)
	assert.Equal(t, "gdm-1", ann["associatedGdm"])

	// gdm.annotations targets a type without a natural key.
	assert.Equal(t, []linkage.Work{
		{ParentType: entity.TypeAnnotation, ParentID: "ann-1", FieldPath: "article", ChildType: entity.TypeArticle},
		{ParentType: entity.TypeAnnotation, ParentID: "ann-2", FieldPath: "article", ChildType: entity.TypeArticle},
	}, links.Works())
}

func typeOf(id string) entity.Type {
	switch id[:3] {
	case "gdm":
		return entity.TypeGDM
	case "ann":
		return entity.TypeAnnotation
	default:
		return entity.TypeArticle
	}
}

func TestCollectThenLinkRewritesToNaturalKey(t *testing.T) {
	ctx := context.Background()
	objects := store.New(nil)
	links := linkage.New(nil)
	_, err := newCollector(scenarioSource(), objects, links).Collect(ctx, gdmRoot)
	require.NoError(t, err)

	_, err = links.Apply(ctx, objects)
	require.NoError(t, err)

	for _, id := range []string{"ann-1", "ann-2"} {
		ann, err := objects.Get(entity.TypeAnnotation, id)
		require.NoError(t, err)
		assert.Equal(t, "PMID-42", ann["article"])
	}
}

func TestCollectResumesFromCheckpointWithoutFetching(t *testing.T) {
	ctx := context.Background()
	cp := store.NewMemoryCheckpoint()
	first := store.New(cp)
	links := linkage.New(nil)
	_, err := newCollector(scenarioSource(), first, links).Collect(ctx, gdmRoot)
	require.NoError(t, err)
	_, err = links.Apply(ctx, first)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx))

	resumed := store.New(cp)
	require.NoError(t, resumed.Load(ctx))
	src := scenarioSource()
	relinks := linkage.New(nil)
	res, err := newCollector(src, resumed, relinks).Collect(ctx, gdmRoot)
	require.NoError(t, err)

	assert.Equal(t, 0, src.TotalFetches())
	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, 4, res.Expanded)

	stats, err := relinks.Apply(ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Rewritten)
}

func TestCollectSavesCheckpointAfterEachInsert(t *testing.T) {
	ctx := context.Background()
	cp := &countingCheckpoint{Checkpoint: store.NewMemoryCheckpoint()}
	objects := store.New(cp)
	_, err := newCollector(scenarioSource(), objects, nil).Collect(ctx, gdmRoot)
	require.NoError(t, err)
	assert.Equal(t, 4, cp.saves)
}

type countingCheckpoint struct {
	store.Checkpoint
	saves int
}

func (c *countingCheckpoint) Save(ctx context.Context, snap store.Snapshot) error {
	c.saves++
	return c.Checkpoint.Save(ctx, snap)
}

func TestCollectSkipsAlreadyRewrittenReferences(t *testing.T) {
	const (
		gdmID = "5b0e3f4c-9d3a-4a53-8f0a-8f2c1f1b2a01"
		annID = "5b0e3f4c-9d3a-4a53-8f0a-8f2c1f1b2a02"
	)
	src := source.NewMemoryStore()
	src.StrictIDs = true
	src.Put(
		entity.Entity{"item_type": "gdm", "rid": gdmID, "annotations": []any{annID}},
		entity.Entity{"item_type": "annotation", "rid": annID, "article": "PMID-42"},
	)
	objects := store.New(nil)
	res, err := newCollector(src, objects, nil).Collect(context.Background(), Root{Type: entity.TypeGDM, ID: gdmID})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, objects.Len())
}

func TestCollectFailsOnUnexpectedCardinality(t *testing.T) {
	src := source.NewMemoryStore()
	src.Put(
		entity.Entity{"item_type": "gdm", "rid": "gdm-1", "annotations": []any{"ann-1"}},
		entity.Entity{"item_type": "annotation", "rid": "ann-1", "article": "art-404"},
	)
	_, err := newCollector(src, store.New(nil), nil).Collect(context.Background(), gdmRoot)
	var cardErr *FetchCardinalityError
	require.ErrorAs(t, err, &cardErr)
	assert.Equal(t, entity.TypeArticle, cardErr.Type)
	assert.Equal(t, "art-404", cardErr.ID)
	assert.Equal(t, 0, cardErr.Count)

	dup := source.NewMemoryStore()
	dup.Put(
		entity.Entity{"item_type": "gdm", "rid": "gdm-1"},
		entity.Entity{"item_type": "gdm", "rid": "gdm-1", "status": "newer"},
	)
	_, err = newCollector(dup, store.New(nil), nil).Collect(context.Background(), gdmRoot)
	require.ErrorAs(t, err, &cardErr)
	assert.Equal(t, 2, cardErr.Count)
}

func TestCollectFailsOnUnexpectedFieldShape(t *testing.T) {
	src := source.NewMemoryStore()
	src.Put(
		entity.Entity{"item_type": "gdm", "rid": "gdm-1", "annotations": []any{"ann-1"}},
		entity.Entity{"item_type": "annotation", "rid": "ann-1", "article": 42.0},
	)
	_, err := newCollector(src, store.New(nil), nil).Collect(context.Background(), gdmRoot)
	require.Error(t, err)
	assert.True(t, errors.Is(err, entity.ErrShape))

	var shapeErr *entity.ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "article", shapeErr.FieldPath)
	assert.Equal(t, "ann-1", shapeErr.ID)
}

func TestCollectRejectsTypedObjectWithoutMarkers(t *testing.T) {
	src := source.NewMemoryStore()
	src.Put(
		entity.Entity{"item_type": "gdm", "rid": "gdm-1", "annotations": []any{
			map[string]any{"item_type": "annotation", "rid": "ann-9"},
		}},
		entity.Entity{"item_type": "annotation", "rid": "ann-9"},
	)
	objects := store.New(nil)
	_, err := newCollector(src, objects, nil).Collect(context.Background(), gdmRoot)
	require.ErrorIs(t, err, entity.ErrShape)

	var shapeErr *entity.ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "annotations", shapeErr.FieldPath)
	assert.False(t, objects.Exist(entity.TypeAnnotation, "ann-9"))
	assert.Equal(t, 0, src.Fetches(entity.TypeAnnotation, "ann-9"))
}

func TestCollectPropagatesSourceErrors(t *testing.T) {
	_, err := newCollector(failingSource{}, store.New(nil), nil).Collect(context.Background(), gdmRoot)
	assert.ErrorIs(t, err, errBoom)
}

var errBoom = errors.New("connection reset")

type failingSource struct{}

func (failingSource) Fetch(context.Context, entity.Type, string) ([]entity.Entity, error) {
	return nil, errBoom
}

func TestCollectStoresEmbeddedSnapshots(t *testing.T) {
	snapshot := map[string]any{
		"resourceType": "classification",
		"resourceId":   "pc-1",
		"resourceParent": map[string]any{
			"gdm": map[string]any{"rid": "gdm-1"},
		},
		"resource": map[string]any{
			"item_type":      "provisionalClassification",
			"classification": "Definitive",
		},
	}
	src := source.NewMemoryStore()
	src.Put(entity.Entity{"item_type": "gdm", "rid": "gdm-1", "snapshots": []any{snapshot}})

	run := func() entity.Entity {
		objects := store.New(nil)
		links := linkage.New(nil)
		res, err := newCollector(src, objects, links).Collect(context.Background(), gdmRoot)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Embedded)
		assert.Equal(t, 0, links.Len())
		all := objects.GetAll([]entity.Type{entity.TypeSnapshot})
		require.Len(t, all, 2)
		return all[0]
	}

	stored := run()
	assert.Equal(t, entity.TypeSnapshot, stored.Type())
	assert.NotEmpty(t, stored.SurrogateID())
	resource, ok := stored["resource"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, resource["rid"])

	again := run()
	assert.Equal(t, stored.SurrogateID(), again.SurrogateID())
}

func TestCollectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newCollector(scenarioSource(), store.New(nil), nil).Collect(ctx, gdmRoot)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectUnknownTypeIsSchemaError(t *testing.T) {
	src := source.NewMemoryStore()
	src.Put(entity.Entity{"item_type": "gdm", "rid": "gdm-1"})
	catalog := schema.StaticCatalog{Strict: true}
	_, err := New(src, catalog, store.New(nil), nil, Options{}).Collect(context.Background(), gdmRoot)
	assert.ErrorIs(t, err, schema.ErrSchema)
}
