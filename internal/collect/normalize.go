package collect

import (
	"github.com/google/uuid"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

// Root identifies the entity a run starts from.
type Root struct {
	Type entity.Type
	ID   string
}

// Normalizer adjusts a freshly loaded body before it enters the object
// store. It may mutate e, which is always a private copy.
type Normalizer func(root Root, e entity.Entity) error

// DefaultNormalizers is the per-type strategy table used when none is given.
func DefaultNormalizers() map[entity.Type]Normalizer {
	return map[entity.Type]Normalizer{
		entity.TypeAnnotation: normalizeAnnotation,
		entity.TypeSnapshot:   normalizeSnapshot,
	}
}

// Annotations point back at the gdm being migrated.
func normalizeAnnotation(root Root, e entity.Entity) error {
	if root.Type == entity.TypeGDM {
		e["associatedGdm"] = root.ID
	}
	return nil
}

func normalizeSnapshot(_ Root, e entity.Entity) error {
	e[entity.FieldType] = string(entity.TypeSnapshot)
	if resource, ok := e["resource"].(map[string]any); ok {
		assignSyntheticIDs(resource)
	}
	if e.SurrogateID() == "" {
		id, err := SyntheticID(e)
		if err != nil {
			return err
		}
		e[entity.FieldRID] = id
	}
	return nil
}

// assignSyntheticIDs gives every typed object under v a rid when it has no
// surrogate id of its own. Children are handled before their parents so a
// parent's id covers its children's final form.
func assignSyntheticIDs(v any) {
	switch typed := v.(type) {
	case map[string]any:
		for _, child := range typed {
			assignSyntheticIDs(child)
		}
		obj := entity.Entity(typed)
		if obj.Type() == "" || obj.Type() == entity.TypeSnapshot || obj.SurrogateID() != "" {
			return
		}
		if id, err := SyntheticID(obj); err == nil {
			typed[entity.FieldRID] = id
		}
	case []any:
		for _, child := range typed {
			assignSyntheticIDs(child)
		}
	}
}

var syntheticNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("curamigrate"))

// SyntheticID derives a stable surrogate id from the canonical body, so the
// same embedded record gets the same id on every run.
func SyntheticID(e entity.Entity) (string, error) {
	data, err := e.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(syntheticNamespace, data).String(), nil
}
