package schema

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

func writeModel(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o644))
}

func TestFileCatalogDiscoversRelations(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "gdm", `{
		"properties": {
			"gene": {"$schema": "gene", "type": "string"},
			"disease": {"$schema": "disease", "type": "string"},
			"modeInheritance": {"type": "string"},
			"annotations": {"type": "array", "items": {"type": "string"}},
			"provisionalClassifications": {"type": "array", "items": {"$schema": "provisionalClassification"}}
		}
	}`)
	writeModel(t, dir, "snapshot", `{
		"properties": {
			"resourceParent": {
				"type": "object",
				"properties": {"gdm": {"$schema": "gdm", "type": "string"}}
			}
		}
	}`)

	catalog, err := NewFileCatalog(dir)
	require.NoError(t, err)

	rels, err := catalog.RelationsOf(context.Background(), entity.TypeGDM)
	require.NoError(t, err)
	assert.Equal(t, []Relation{
		{FieldPath: "disease", Cardinality: Singular, Target: entity.TypeDisease},
		{FieldPath: "gene", Cardinality: Singular, Target: entity.TypeGene},
		{FieldPath: "provisionalClassifications", Cardinality: Plural, Target: entity.TypeProvisionalClassification},
	}, rels)

	nested, err := catalog.RelationsOf(context.Background(), entity.TypeSnapshot)
	require.NoError(t, err)
	assert.Equal(t, []Relation{{FieldPath: "resourceParent.gdm", Cardinality: Singular, Target: entity.TypeGDM}}, nested)

	again, err := catalog.RelationsOf(context.Background(), entity.TypeGDM)
	require.NoError(t, err)
	assert.Equal(t, rels, again)
}

func TestFileCatalogRejectsMalformedModels(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "gene", `{"title": "gene"}`)
	writeModel(t, dir, "disease", `{"properties": {"phenotypes": {"$schema": ""}}}`)
	writeModel(t, dir, "article", `{"properties": {"authors": {"$schema": "author"}}}`)
	writeModel(t, dir, "user", `not json`)

	catalog, err := NewFileCatalog(dir)
	require.NoError(t, err)

	for _, typ := range []entity.Type{entity.TypeGene, entity.TypeDisease, entity.TypeArticle, entity.TypeUser, entity.TypeFamily, "widget"} {
		_, err := catalog.RelationsOf(context.Background(), typ)
		require.Error(t, err, typ)
		assert.True(t, errors.Is(err, ErrSchema), "expected schema error for %s, got %v", typ, err)
	}
}

func TestNewFileCatalogRequiresDirectory(t *testing.T) {
	_, err := NewFileCatalog("")
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0o644))
	_, err = NewFileCatalog(file)
	require.Error(t, err)
}

func TestWithExtraRelationsAppendsRootLink(t *testing.T) {
	base := StaticCatalog{Relations: map[entity.Type][]Relation{
		entity.TypeGDM: {{FieldPath: "gene", Cardinality: Singular, Target: entity.TypeGene}},
	}}
	catalog := WithExtraRelations(base, DefaultRootRelations())

	rels, err := catalog.RelationsOf(context.Background(), entity.TypeGDM)
	require.NoError(t, err)
	assert.Equal(t, []Relation{
		{FieldPath: "gene", Cardinality: Singular, Target: entity.TypeGene},
		{FieldPath: "annotations", Cardinality: Plural, Target: entity.TypeAnnotation},
	}, rels)

	rels, err = catalog.RelationsOf(context.Background(), entity.TypeAnnotation)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestStaticCatalogStrictAndValidation(t *testing.T) {
	strict := StaticCatalog{Strict: true, Relations: map[entity.Type][]Relation{}}
	_, err := strict.RelationsOf(context.Background(), entity.TypeGDM)
	assert.ErrorIs(t, err, ErrSchema)

	bad := StaticCatalog{Relations: map[entity.Type][]Relation{
		entity.TypeGDM: {{FieldPath: "widget", Cardinality: Singular, Target: "widget"}},
	}}
	_, err = bad.RelationsOf(context.Background(), entity.TypeGDM)
	assert.ErrorIs(t, err, ErrSchema)
}
