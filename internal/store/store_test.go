package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

func article(rid, pmid string) entity.Entity {
	return entity.Entity{"item_type": "article", "rid": rid, "pmid": pmid}
}

func TestInsertIndexesByBothKeys(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(article("art-99", "PMID-42")))

	assert.True(t, s.Exist(entity.TypeArticle, "art-99"))
	assert.True(t, s.Exist(entity.TypeArticle, "PMID-42"))
	assert.False(t, s.Exist(entity.TypeArticle, ""))
	assert.False(t, s.Exist(entity.TypeGene, "art-99"))

	byKey, err := s.Get(entity.TypeArticle, "PMID-42")
	require.NoError(t, err)
	byRid, err := s.Get(entity.TypeArticle, "art-99")
	require.NoError(t, err)
	assert.Equal(t, byKey, byRid)
	assert.Equal(t, 1, s.Len())
}

func TestInsertOverwritesSameIdentity(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(entity.Entity{"item_type": "gdm", "rid": "gdm-1", "status": "draft"}))
	require.NoError(t, s.Insert(entity.Entity{"item_type": "gdm", "rid": "gdm-1", "status": "final"}))

	got, err := s.Get(entity.TypeGDM, "gdm-1")
	require.NoError(t, err)
	assert.Equal(t, "final", got["status"])
	assert.Equal(t, 1, s.Len())
	assert.Len(t, s.GetAll(nil), 1)
}

func TestInsertRejectsUnidentifiedEntities(t *testing.T) {
	s := New(nil)
	err := s.Insert(entity.Entity{"rid": "x"})
	assert.ErrorIs(t, err, ErrInvalidEntity)
	err = s.Insert(entity.Entity{"item_type": "gdm"})
	assert.ErrorIs(t, err, ErrInvalidEntity)
	assert.Equal(t, 0, s.Len())
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New(nil)
	_, err := s.Get(entity.TypeGene, "BRCA1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, entity.TypeGene, nf.Type)
	assert.Equal(t, "BRCA1", nf.Key)
}

func TestGetAllOrdersByPriorityThenName(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(entity.Entity{"item_type": "gdm", "rid": "gdm-1"}))
	require.NoError(t, s.Insert(entity.Entity{"item_type": "variant", "rid": "var-1"}))
	require.NoError(t, s.Insert(article("art-2", "PMID-2")))
	require.NoError(t, s.Insert(entity.Entity{"item_type": "annotation", "rid": "ann-1"}))
	require.NoError(t, s.Insert(article("art-1", "PMID-1")))
	require.NoError(t, s.Insert(entity.Entity{"item_type": "assessment", "rid": "as-1"}))

	all := s.GetAll([]entity.Type{entity.TypeUser, entity.TypeArticle, entity.TypeAnnotation, entity.TypeGDM})
	var ids []string
	for _, e := range all {
		ids = append(ids, e.SurrogateID())
	}
	assert.Equal(t, []string{"art-2", "art-1", "ann-1", "gdm-1", "as-1", "var-1"}, ids)
}

func TestCountsPerType(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(article("art-1", "PMID-1")))
	require.NoError(t, s.Insert(article("art-2", "PMID-2")))
	require.NoError(t, s.Insert(entity.Entity{"item_type": "gdm", "rid": "gdm-1"}))

	assert.Equal(t, map[entity.Type]int{entity.TypeArticle: 2, entity.TypeGDM: 1}, s.Counts())
}

func TestSaveLoadRestoresOrderAndKeys(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpoint()
	s := New(cp)
	require.NoError(t, s.Insert(article("art-9", "PMID-9")))
	require.NoError(t, s.Insert(article("art-1", "PMID-1")))
	require.NoError(t, s.Insert(entity.Entity{"item_type": "gdm", "rid": "gdm-1", "annotations": []any{"ann-1"}}))
	require.NoError(t, s.Save(ctx))

	restored := New(cp)
	require.NoError(t, restored.Load(ctx))
	assert.True(t, restored.Exist(entity.TypeArticle, "PMID-9"))

	var ids []string
	for _, e := range restored.GetAll([]entity.Type{entity.TypeArticle}) {
		ids = append(ids, e.SurrogateID())
	}
	assert.Equal(t, []string{"art-9", "art-1", "gdm-1"}, ids)

	gdm, err := restored.Get(entity.TypeGDM, "gdm-1")
	require.NoError(t, err)
	assert.Equal(t, []any{"ann-1"}, gdm["annotations"])
}

func TestLoadWithoutCheckpointKeepsStoreEmpty(t *testing.T) {
	s := New(NewMemoryCheckpoint())
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 0, s.Len())
}

func TestRestoreBucketDerivesMissingOrder(t *testing.T) {
	b := restoreBucket(&Bucket{
		ByRid: map[string]entity.Entity{
			"b": {"item_type": "gene", "rid": "b", "symbol": "TP53"},
			"a": {"item_type": "gene", "rid": "a", "symbol": "BRCA1"},
		},
		Order: []string{"b", "gone", "b"},
	})
	assert.Equal(t, []string{"b", "a"}, b.Order)
	assert.Contains(t, b.ByNaturalKey, "TP53")
	assert.Contains(t, b.ByNaturalKey, "BRCA1")
}
