package templates

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// structureSchema is the JSON schema every stored structure must satisfy.
// Cross-item rules (unique keys, relation fields) live in Validate.
const structureSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "required": {"type": "boolean"},
    "name": {"type": "string", "minLength": 1}
  },
  "properties": {
    "modules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["technical_name"],
        "properties": {
          "technical_name": {"type": "string", "pattern": "^[a-z0-9_]+$"},
          "name": {"type": "string"},
          "required": {"$ref": "#/definitions/required"}
        }
      }
    },
    "custom_fields": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field_name", "model", "field_type"],
        "properties": {
          "field_name": {"type": "string", "pattern": "^x_[a-z0-9_]+$"},
          "model": {"type": "string", "pattern": "^[a-z0-9_.]+$"},
          "field_description": {"type": "string"},
          "field_type": {
            "enum": ["char", "text", "html", "integer", "float", "monetary", "boolean",
                     "date", "datetime", "selection", "binary", "many2one", "one2many", "many2many"]
          },
          "relation": {"type": "string"},
          "selection": {
            "type": "array",
            "items": {"type": "array", "minItems": 2, "maxItems": 2, "items": {"type": "string"}}
          },
          "required": {"$ref": "#/definitions/required"},
          "attributes": {"type": "object"}
        }
      }
    },
    "workflows": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "model", "trigger"],
        "properties": {
          "name": {"$ref": "#/definitions/name"},
          "model": {"type": "string"},
          "trigger": {"type": "string"},
          "filter_domain": {"type": "string"},
          "actions": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "state"],
              "properties": {
                "name": {"$ref": "#/definitions/name"},
                "state": {"enum": ["code", "object_write", "object_create", "email", "followers", "next_activity"]},
                "code": {"type": "string"},
                "field_updates": {"type": "object"}
              }
            }
          },
          "states": {"type": "array", "items": {"type": "string"}},
          "required": {"$ref": "#/definitions/required"}
        }
      }
    },
    "dashboards": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "model", "arch"],
        "properties": {
          "name": {"$ref": "#/definitions/name"},
          "model": {"type": "string"},
          "view_type": {"enum": ["", "form", "tree", "list", "kanban", "graph", "pivot", "calendar", "dashboard", "search"]},
          "arch": {"type": "string", "minLength": 1},
          "required": {"$ref": "#/definitions/required"}
        }
      }
    },
    "reports": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "model", "report_name"],
        "properties": {
          "name": {"$ref": "#/definitions/name"},
          "model": {"type": "string"},
          "report_name": {"type": "string", "minLength": 1},
          "report_type": {"enum": ["", "qweb-pdf", "qweb-html", "qweb-text", "xlsx"]},
          "required": {"$ref": "#/definitions/required"}
        }
      }
    },
    "configurations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["key", "value"],
        "properties": {
          "name": {"type": "string"},
          "key": {"type": "string", "minLength": 1},
          "value": {"type": "string"},
          "required": {"$ref": "#/definitions/required"}
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(structureSchema)

// ValidateJSON checks raw structure JSON against the schema
func ValidateJSON(raw []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to validate structure: %w", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return &StructureError{Problems: problems}
}

// Parse validates raw JSON against the schema and the structural rules and
// returns the typed structure.
func Parse(raw []byte) (*TemplateStructure, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	if err := ValidateJSON(raw); err != nil {
		return nil, err
	}
	s, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Decode unmarshals a stored structure without re-validating it
func Decode(raw []byte) (*TemplateStructure, error) {
	var s TemplateStructure
	if len(bytes.TrimSpace(raw)) == 0 {
		return &s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode template structure: %w", err)
	}
	return &s, nil
}

// Encode marshals a structure for storage
func Encode(s *TemplateStructure) (json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode template structure: %w", err)
	}
	return raw, nil
}
