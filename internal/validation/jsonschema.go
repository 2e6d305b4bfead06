package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/davrud/nodeflow/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for GraphDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://nodeflow.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/connection" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["variable", "function", "library", "terminal", "custom"]
        },
        "title": { "type": "string" },
        "content": { "type": "string" },
        "ports": {
          "type": "array",
          "items": { "$ref": "#/$defs/port" }
        },
        "operation": {
          "type": "string",
          "enum": ["expr", "cel", "jq", "concat", "sum"]
        },
        "handler": { "type": "string" },
        "category": { "type": "string" },
        "tags": {
          "type": "array",
          "items": { "type": "string" }
        },
        "description": { "type": "string" },
        "muted": { "type": "boolean" },
        "snapshot": { "type": "boolean" },
        "config": {}
      },
      "additionalProperties": false
    },
    "port": {
      "type": "object",
      "required": ["id", "direction"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "direction": {
          "type": "string",
          "enum": ["input", "output"]
        },
        "data_type": { "type": "string" }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["id", "source_node", "source_port", "target_node", "target_port"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "source_node": { "type": "string", "minLength": 1 },
        "source_port": { "type": "string", "minLength": 1 },
        "target_node": { "type": "string", "minLength": 1 },
        "target_port": { "type": "string", "minLength": 1 },
        "logic": {
          "type": "string",
          "enum": ["passthrough", "list", "unique", "concat", "switch"]
        },
        "config": {}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates graph definitions and node configs using
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the graph schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource("https://nodeflow.dev/schemas/graph.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}

	gSchema, err := c.Compile("https://nodeflow.dev/schemas/graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &JSONSchemaValidator{
		graphSchema: gSchema,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a GraphDefinition against the graph JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize graph definition").WithCause(err)
	}

	if err := v.graphSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateRaw validates raw project-file bytes against the graph JSON Schema
// before they are decoded, so malformed files fail with location context.
func (v *JSONSchemaValidator) ValidateRaw(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed graph JSON").WithCause(err)
	}
	if err := v.graphSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateConfig validates a node or connection config blob against a JSON
// Schema provided as raw bytes. The schema is compiled and cached for
// subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateConfig(config json.RawMessage, configSchema []byte) error {
	if len(configSchema) == 0 {
		return nil // no schema means no validation needed
	}
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}

	compiled, err := v.getOrCompile(configSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid config schema").WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(config)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed config JSON").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("nodeflow://config-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// clear, actionable messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
