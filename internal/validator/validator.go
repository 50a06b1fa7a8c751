// Package validator provides JSON schema validation for pipeline definitions.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/docflow/pkg/types"
)

// Validator validates pipeline definitions against the embedded schema.
type Validator struct {
	definitionSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// New creates a new validator with the embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("definition.json", strings.NewReader(definitionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add definition schema: %w", err)
	}

	definitionSchema, err := compiler.Compile("definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &Validator{definitionSchema: definitionSchema}, nil
}

// ValidateDefinition validates a pipeline definition. A nil/empty result
// means the definition conforms.
func (v *Validator) ValidateDefinition(def *types.PipelineDefinition) []ValidationError {
	// Round-trip through JSON so schema validation sees what the wire sees.
	raw, err := json.Marshal(def)
	if err != nil {
		return []ValidationError{{Path: "$", Message: fmt.Sprintf("marshal definition: %v", err)}}
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return []ValidationError{{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}}
	}

	err = v.definitionSchema.Validate(data)
	if err == nil {
		return nil
	}

	if verr, ok := err.(*jsonschema.ValidationError); ok {
		return extractErrors(verr)
	}
	return []ValidationError{{Path: "$", Message: err.Error()}}
}

// ValidateDefinitionJSON validates a JSON-encoded definition.
func (v *Validator) ValidateDefinitionJSON(data []byte) []ValidationError {
	var def types.PipelineDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return []ValidationError{{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}}
	}
	return v.ValidateDefinition(&def)
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "version": {"type": "integer", "minimum": 0},
    "entry": {"type": "string"},
    "required_fields": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {
            "type": "string",
            "enum": ["trigger", "action", "branch", "approval", "signature"]
          },
          "name": {"type": "string"},
          "phase": {
            "type": "string",
            "enum": ["preflight", "trigger", "render", "save", "delivery", "signature"]
          },
          "config": {"type": "object"},
          "next": {"type": "string"},
          "default_next": {"type": "string"},
          "branches": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["next"],
              "properties": {
                "next": {"type": "string", "minLength": 1},
                "expr": {"type": "string"},
                "when": {
                  "type": "object",
                  "required": ["field", "op"],
                  "properties": {
                    "field": {"type": "string", "minLength": 1},
                    "op": {
                      "type": "string",
                      "enum": ["==", "!=", ">", "<", ">=", "<=",
                               "contains", "not_contains", "starts_with",
                               "ends_with", "is_empty", "is_not_empty"]
                    },
                    "value": {}
                  }
                }
              }
            }
          },
          "expires_in": {"type": "integer", "minimum": 0},
          "auto_resolve_on_expiry": {"type": "boolean"},
          "timeout": {"type": "integer", "minimum": 0},
          "max_retries": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`
