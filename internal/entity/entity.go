// Package entity models the curation records moved by a migration run: their
// type tags, surrogate ids, natural keys and the references between them.
package entity

import (
	"encoding/json"
	"strings"
)

type Type string

const (
	TypeGDM                       Type = "gdm"
	TypeAnnotation                Type = "annotation"
	TypeUser                      Type = "user"
	TypeArticle                   Type = "article"
	TypeDisease                   Type = "disease"
	TypeGene                      Type = "gene"
	TypeEvidenceScore             Type = "evidenceScore"
	TypeIndividual                Type = "individual"
	TypeFamily                    Type = "family"
	TypeGroup                     Type = "group"
	TypeExperimental              Type = "experimental"
	TypeCaseControl               Type = "caseControl"
	TypeVariant                   Type = "variant"
	TypeProvisionalClassification Type = "provisionalClassification"
	TypeSnapshot                  Type = "snapshot"
	TypeAssessment                Type = "assessment"
	TypePathogenicity             Type = "pathogenicity"
	TypeInterpretation            Type = "interpretation"
)

const (
	FieldType    = "item_type"
	FieldRID     = "rid"
	FieldPK      = "PK"
	FieldUUID    = "uuid"
	fieldLDType  = "@type"
	markerType   = "resourceType"
	markerSource = "resourceId"
)

var knownTypes = map[Type]struct{}{
	TypeGDM: {}, TypeAnnotation: {}, TypeUser: {}, TypeArticle: {}, TypeDisease: {},
	TypeGene: {}, TypeEvidenceScore: {}, TypeIndividual: {}, TypeFamily: {},
	TypeGroup: {}, TypeExperimental: {}, TypeCaseControl: {}, TypeVariant: {},
	TypeProvisionalClassification: {}, TypeSnapshot: {}, TypeAssessment: {},
	TypePathogenicity: {}, TypeInterpretation: {},
}

// naturalKeyFields lists the types addressed by a business key at the sink.
var naturalKeyFields = map[Type]string{
	TypeArticle: "pmid",
	TypeDisease: "diseaseId",
	TypeGene:    "symbol",
}

func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// NaturalKeyField returns the field holding the natural key of t, if t has one.
func (t Type) NaturalKeyField() (string, bool) {
	field, ok := naturalKeyFields[t]
	return field, ok
}

func (t Type) HasNaturalKey() bool {
	_, ok := naturalKeyFields[t]
	return ok
}

// Entity is a JSON object body as stored by the source store.
type Entity map[string]any

// Type resolves the entity's tag: item_type, then the first JSON-LD @type,
// then the embedded snapshot marker pair.
func (e Entity) Type() Type {
	if e == nil {
		return ""
	}
	if s, ok := e[FieldType].(string); ok && strings.TrimSpace(s) != "" {
		return Type(strings.TrimSpace(s))
	}
	switch ld := e[fieldLDType].(type) {
	case []any:
		if len(ld) > 0 {
			if s, ok := ld[0].(string); ok && s != "" {
				return Type(s)
			}
		}
	case []string:
		if len(ld) > 0 && ld[0] != "" {
			return Type(ld[0])
		}
	}
	if e.hasMarkers() {
		return TypeSnapshot
	}
	return ""
}

// SurrogateID returns the first non-empty of rid, PK and uuid.
func (e Entity) SurrogateID() string {
	for _, field := range []string{FieldRID, FieldPK, FieldUUID} {
		if s, ok := e[field].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func (e Entity) NaturalKey() (string, bool) {
	field, ok := e.Type().NaturalKeyField()
	if !ok {
		return "", false
	}
	s, ok := e[field].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// Identity is the key used to address the entity at the sink: its natural
// key when the type declares one and it is set, the surrogate id otherwise.
func (e Entity) Identity() string {
	if key, ok := e.NaturalKey(); ok {
		return key
	}
	return e.SurrogateID()
}

func (e Entity) hasMarkers() bool {
	rt, _ := e[markerType].(string)
	rid, _ := e[markerSource].(string)
	return rt != "" && rid != ""
}

// IsEmbedded reports whether a reference value is a full sub-object inlined
// by its parent rather than an id. Only the resourceType/resourceId marker
// pair counts; a type tag alone does not.
func IsEmbedded(value any) bool {
	obj := asObject(value)
	return obj != nil && obj.hasMarkers()
}

// Clone returns a deep copy. Values are expected to be JSON-shaped.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return cloneValue(map[string]any(e)).(map[string]any)
}

// CanonicalJSON encodes e with sorted keys, giving a stable byte form.
func (e Entity) CanonicalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(e))
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case Entity:
		return Entity(cloneValue(map[string]any(typed)).(map[string]any))
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

func asObject(value any) Entity {
	switch typed := value.(type) {
	case Entity:
		return typed
	case map[string]any:
		return Entity(typed)
	default:
		return nil
	}
}
