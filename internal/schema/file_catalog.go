package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

const catalogMetaSchemaURL = "https://curamigrate.local/catalog-file.json"

// catalogMetaSchema constrains the part of a model file that relation
// discovery depends on. Everything else in the file is ignored.
const catalogMetaSchema = `{
  "type": "object",
  "required": ["properties"],
  "properties": {
    "properties": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/field"}
    }
  },
  "$defs": {
    "field": {
      "type": "object",
      "properties": {
        "$schema": {"type": "string", "minLength": 1},
        "type": {
          "anyOf": [
            {"type": "string"},
            {"type": "array", "items": {"type": "string"}}
          ]
        },
        "items": {
          "type": "object",
          "properties": {
            "$schema": {"type": "string", "minLength": 1}
          }
        },
        "properties": {
          "type": "object",
          "additionalProperties": {"$ref": "#/$defs/field"}
        }
      }
    }
  }
}`

// FileCatalog reads one JSON model file per entity type from a directory.
type FileCatalog struct {
	dir    string
	schema *jsonschema.Schema
	cache  cache
}

func NewFileCatalog(dir string) (*FileCatalog, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("schema directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory %s is not a directory", dir)
	}
	sch, err := compileMetaSchema()
	if err != nil {
		return nil, err
	}
	return &FileCatalog{dir: dir, schema: sch}, nil
}

func compileMetaSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogMetaSchema))
	if err != nil {
		return nil, fmt.Errorf("parse catalog meta-schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(catalogMetaSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add catalog meta-schema: %w", err)
	}
	sch, err := compiler.Compile(catalogMetaSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile catalog meta-schema: %w", err)
	}
	return sch, nil
}

func (c *FileCatalog) RelationsOf(_ context.Context, t entity.Type) ([]Relation, error) {
	if rels, ok := c.cache.get(t); ok {
		return rels, nil
	}
	if !t.Known() {
		return nil, &Error{Type: t, Reason: "unknown entity type"}
	}
	path := filepath.Join(c.dir, string(t)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Type: t, Reason: "no model file " + path}
		}
		return nil, &Error{Type: t, Reason: "read model file", Err: err}
	}
	rels, err := c.parse(t, data)
	if err != nil {
		return nil, err
	}
	c.cache.put(t, rels)
	return rels, nil
}

func (c *FileCatalog) parse(t entity.Type, data []byte) ([]Relation, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Type: t, Reason: "model file is not JSON", Err: err}
	}
	if err := c.schema.Validate(inst); err != nil {
		return nil, &Error{Type: t, Reason: "malformed model file", Err: err}
	}
	var model struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, &Error{Type: t, Reason: "decode model file", Err: err}
	}
	rels, err := relationsFromProperties(t, "", model.Properties)
	if err != nil {
		return nil, err
	}
	sortRelations(rels)
	if err := validateRelations(t, rels); err != nil {
		return nil, err
	}
	return rels, nil
}

type fieldSchema struct {
	Target     string                     `json:"$schema"`
	Type       json.RawMessage            `json:"type"`
	Items      *fieldSchema               `json:"items"`
	Properties map[string]json.RawMessage `json:"properties"`
}

func relationsFromProperties(t entity.Type, prefix string, props map[string]json.RawMessage) ([]Relation, error) {
	var rels []Relation
	for name, raw := range props {
		var field fieldSchema
		if err := json.Unmarshal(raw, &field); err != nil {
			return nil, &Error{Type: t, Reason: "decode field " + prefix + name, Err: err}
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		switch {
		case field.Target != "":
			rels = append(rels, Relation{FieldPath: path, Cardinality: Singular, Target: entity.Type(field.Target)})
		case field.isArray() && field.Items != nil && field.Items.Target != "":
			rels = append(rels, Relation{FieldPath: path, Cardinality: Plural, Target: entity.Type(field.Items.Target)})
		case len(field.Properties) > 0:
			nested, err := relationsFromProperties(t, path, field.Properties)
			if err != nil {
				return nil, err
			}
			rels = append(rels, nested...)
		}
	}
	return rels, nil
}

func (f fieldSchema) isArray() bool {
	if len(f.Type) == 0 {
		return false
	}
	var single string
	if err := json.Unmarshal(f.Type, &single); err == nil {
		return single == "array"
	}
	var many []string
	if err := json.Unmarshal(f.Type, &many); err == nil {
		for _, s := range many {
			if s == "array" {
				return true
			}
		}
	}
	return false
}
