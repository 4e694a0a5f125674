package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Mutation payload shapes, validated before any store call so malformed
// requests are rejected without side effects.
var mutationSchemas = map[string]string{
	"shop_buy": `{
		"type": "object",
		"required": ["characterId", "shopId", "itemId", "qty"],
		"properties": {
			"characterId": {"type": "string", "minLength": 1},
			"shopId": {"type": "string", "minLength": 1},
			"itemId": {"type": "string", "minLength": 1},
			"qty": {"type": "integer", "minimum": 1},
			"sessionName": {"type": "string"}
		}
	}`,
	"shops_save": `{
		"type": "object",
		"required": ["shops"],
		"properties": {
			"shops": {
				"type": "object",
				"properties": {
					"enabled": {"type": "boolean"},
					"activeShopId": {"type": "string"},
					"list": {"type": "array", "items": {"type": "object", "required": ["name"]}}
				}
			}
		}
	}`,
	"character": `{
		"type": "object",
		"required": ["character"],
		"properties": {
			"character": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"id": {"type": "string"},
					"name": {"type": "string", "minLength": 1},
					"inventory": {"type": "array"}
				}
			}
		}
	}`,
	"id_string": `{
		"type": "object",
		"required": ["id"],
		"properties": {"id": {"type": "string", "minLength": 1}}
	}`,
	"id_int": `{
		"type": "object",
		"required": ["id"],
		"properties": {"id": {"type": "integer", "minimum": 1}}
	}`,
	"notify": `{
		"type": "object",
		"required": ["type", "detail"],
		"properties": {
			"type": {"type": "string", "minLength": 1},
			"detail": {"type": "string", "minLength": 1},
			"from": {"type": "string"}
		}
	}`,
	"notifications_save": `{
		"type": "object",
		"required": ["notifications"],
		"properties": {
			"notifications": {
				"type": "array",
				"items": {"type": "object", "required": ["id"], "properties": {"id": {"type": "integer"}}}
			}
		}
	}`,
	"clue_create": `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"details": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"district": {"type": "string"},
			"date": {"type": "string"}
		}
	}`,
	"clue_update": `{
		"type": "object",
		"required": ["id", "title"],
		"properties": {
			"id": {"type": "integer", "minimum": 1},
			"title": {"type": "string", "minLength": 1},
			"details": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"district": {"type": "string"},
			"date": {"type": "string"}
		}
	}`,
	"clue_visibility": `{
		"type": "object",
		"required": ["id", "visibility"],
		"properties": {
			"id": {"type": "integer", "minimum": 1},
			"visibility": {"enum": ["hidden", "revealed"]}
		}
	}`,
	"settings_save": `{
		"type": "object",
		"properties": {
			"dmKey": {"type": "string", "minLength": 1},
			"features": {
				"type": "object",
				"properties": {
					"shop": {"type": "boolean"},
					"intel": {"type": "boolean"}
				}
			}
		}
	}`,
}

type schemaSet struct {
	byName map[string]*jsonschema.Schema
}

func newSchemaSet() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	for name, src := range mutationSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaURL(name), doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	set := &schemaSet{byName: map[string]*jsonschema.Schema{}}
	for name := range mutationSchemas {
		compiled, err := compiler.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		set.byName[name] = compiled
	}
	return set, nil
}

func schemaURL(name string) string {
	return "campaignd:///" + name + ".json"
}

// validate checks a raw request body against the named schema.
func (s *schemaSet) validate(name string, body []byte) error {
	schema, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("unknown payload schema %s", name)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return schema.Validate(instance)
}

// the schemas are compile-time constants; a failure here is a build defect
var defaultSchemas = func() *schemaSet {
	set, err := newSchemaSet()
	if err != nil {
		panic(err)
	}
	return set
}()
