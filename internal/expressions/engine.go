package expressions

import "context"

// Engine evaluates a function node's expression against its input values.
// Three implementations: Expr (general logic), CEL (guarded conditions),
// GoJQ (structured transforms).
//
// The data map exposes each connected input port's value under the port ID,
// plus two convenience keys: "input" (the first input port's value) and
// "inputs" (the full map).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
