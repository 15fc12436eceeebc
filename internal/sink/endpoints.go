package sink

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

var endpoints = map[entity.Type]string{
	entity.TypeGDM:                       "/gdms",
	entity.TypeAnnotation:                "/annotations",
	entity.TypeUser:                      "/users",
	entity.TypeArticle:                   "/articles",
	entity.TypeDisease:                   "/diseases",
	entity.TypeGene:                      "/genes",
	entity.TypeEvidenceScore:             "/evidencescore",
	entity.TypeIndividual:                "/individuals",
	entity.TypeFamily:                    "/families",
	entity.TypeGroup:                     "/groups",
	entity.TypeExperimental:              "/experimental",
	entity.TypeCaseControl:               "/casecontrol",
	entity.TypeVariant:                   "/variants",
	entity.TypeProvisionalClassification: "/provisional-classifications",
	entity.TypeSnapshot:                  "/snapshots",
	entity.TypeAssessment:                "/assessments",
	entity.TypePathogenicity:             "/pathogenicity",
	entity.TypeInterpretation:            "/interpretations",
}

// Endpoint returns the collection path for t.
func Endpoint(t entity.Type) (string, error) {
	path, ok := endpoints[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEndpoint, t)
	}
	return path, nil
}

func itemPath(t entity.Type, identity string) (string, error) {
	base, err := Endpoint(t)
	if err != nil {
		return "", err
	}
	return base + "/" + url.PathEscape(identity), nil
}

// createQuery returns the query string a create of e needs. Snapshots name
// the type of the record they were taken from.
func createQuery(e entity.Entity) (url.Values, error) {
	if e.Type() != entity.TypeSnapshot {
		return nil, nil
	}
	parent, ok := e["resourceParent"].(map[string]any)
	if !ok || len(parent) != 1 {
		return nil, fmt.Errorf("%w: %s(%s)", ErrSnapshotParent, e.Type(), e.Identity())
	}
	keys := make([]string, 0, 1)
	for k := range parent {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return url.Values{"type": {keys[0]}, "action": {""}}, nil
}

// StripEmpty returns a copy of e without empty-string fields, at any depth
// of nested objects. Lists keep their elements; objects inside them are
// stripped too.
func StripEmpty(e entity.Entity) entity.Entity {
	return entity.Entity(stripObject(map[string]any(e)))
}

func stripObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		switch typed := v.(type) {
		case string:
			if typed == "" {
				continue
			}
			out[k] = typed
		case map[string]any:
			out[k] = stripObject(typed)
		case entity.Entity:
			out[k] = stripObject(map[string]any(typed))
		case []any:
			items := make([]any, len(typed))
			for i, item := range typed {
				if child, ok := item.(map[string]any); ok {
					items[i] = stripObject(child)
					continue
				}
				items[i] = item
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
