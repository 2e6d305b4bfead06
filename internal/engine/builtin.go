package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/davrud/nodeflow/pkg/schema"
)

// RegisterBuiltins registers the built-in library handlers.
func RegisterBuiltins(reg *Registry) error {
	all := []Handler{
		textHandler{name: "text.upper", desc: "Uppercase the first input.", fn: strings.ToUpper},
		textHandler{name: "text.lower", desc: "Lowercase the first input.", fn: strings.ToLower},
		textHandler{name: "text.trim", desc: "Trim surrounding whitespace from the first input.", fn: strings.TrimSpace},
		linesHandler{},
		jsonParseHandler{},
		jsonStringifyHandler{},
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// textHandler applies a string transform to the first input, falling back to
// the node's own content when nothing is connected.
type textHandler struct {
	name string
	desc string
	fn   func(string) string
}

func (h textHandler) Name() string        { return h.name }
func (h textHandler) Description() string { return h.desc }

func (h textHandler) Evaluate(ctx context.Context, node schema.Node, inputs map[string]any) (any, error) {
	v := firstInput(node, inputs)
	if v == nil {
		return h.fn(node.Content), nil
	}
	return h.fn(stringify(v)), nil
}

// linesHandler splits the first input into a list of lines.
type linesHandler struct{}

func (linesHandler) Name() string        { return "text.lines" }
func (linesHandler) Description() string { return "Split the first input into a list of lines." }

func (linesHandler) Evaluate(ctx context.Context, node schema.Node, inputs map[string]any) (any, error) {
	v := firstInput(node, inputs)
	text := node.Content
	if v != nil {
		text = stringify(v)
	}
	if text == "" {
		return []any{}, nil
	}
	lines := strings.Split(text, "\n")
	out := make([]any, len(lines))
	for i, l := range lines {
		out[i] = l
	}
	return out, nil
}

// jsonParseHandler decodes the first input as JSON.
type jsonParseHandler struct{}

func (jsonParseHandler) Name() string        { return "json.parse" }
func (jsonParseHandler) Description() string { return "Parse the first input as a JSON document." }

func (jsonParseHandler) Evaluate(ctx context.Context, node schema.Node, inputs map[string]any) (any, error) {
	v := firstInput(node, inputs)
	text := node.Content
	if v != nil {
		text = stringify(v)
	}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "invalid JSON: %s", err.Error()).WithCause(err)
	}
	return parsed, nil
}

// jsonStringifyHandler encodes the first input as compact JSON.
type jsonStringifyHandler struct{}

func (jsonStringifyHandler) Name() string        { return "json.stringify" }
func (jsonStringifyHandler) Description() string { return "Encode the first input as a JSON string." }

func (jsonStringifyHandler) Evaluate(ctx context.Context, node schema.Node, inputs map[string]any) (any, error) {
	v := firstInput(node, inputs)
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode JSON: %s", err.Error()).WithCause(err)
	}
	return string(data), nil
}
