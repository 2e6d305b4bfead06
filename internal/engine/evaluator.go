package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/davrud/nodeflow/internal/expressions"
	"github.com/davrud/nodeflow/internal/graph"
	"github.com/davrud/nodeflow/internal/logging"
	"github.com/davrud/nodeflow/pkg/schema"
)

// Evaluator computes per-node results for the evaluable subgraph. Evaluation
// is synchronous, single-threaded, and a pure function of graph state:
// repeated calls with no intervening mutation yield identical results and
// never mutate the graph.
type Evaluator struct {
	registry *Registry
	engines  map[schema.FunctionOp]expressions.Engine
	logger   *slog.Logger
}

// New creates an Evaluator with the expr, cel, and jq expression engines and
// the given handler registry.
func New(registry *Registry, logger *slog.Logger) (*Evaluator, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create cel engine: %w", err)
	}

	return &Evaluator{
		registry: registry,
		engines: map[schema.FunctionOp]expressions.Engine{
			schema.OpExpr: expressions.NewExprEngine(),
			schema.OpCEL:  celEngine,
			schema.OpJQ:   expressions.NewGoJQEngine(),
		},
		logger: logger,
	}, nil
}

// Registry returns the handler registry for library/custom registration.
func (e *Evaluator) Registry() *Registry { return e.registry }

// Evaluate computes a result for every evaluable node in dependency order.
// A cycle among evaluable nodes fails with CYCLE_DETECTED and produces no
// partial results.
func (e *Evaluator) Evaluate(ctx context.Context, g *graph.Graph) (map[string]schema.EvaluationResult, error) {
	dg, err := buildDepGraph(g)
	if err != nil {
		return nil, err
	}

	results := make(map[string]schema.EvaluationResult, len(dg.Sorted))

	for _, id := range dg.Sorted {
		node := dg.Nodes[id]
		nodeCtx := logging.WithNodeID(ctx, id)

		inputs := e.gatherInputs(g, dg, node, results)

		value, err := e.evaluateNode(nodeCtx, node, inputs)
		if err != nil {
			return nil, err
		}

		results[id] = schema.EvaluationResult{NodeID: id, Value: value}
	}

	e.logger.DebugContext(ctx, "graph evaluated", slog.Int("nodes", len(results)))
	return results, nil
}

// gatherInputs collects the upstream values feeding a node, keyed by input
// port ID, applying each connection's edge logic.
func (e *Evaluator) gatherInputs(g *graph.Graph, dg *depGraph, node schema.Node, results map[string]schema.EvaluationResult) map[string]any {
	inputs := make(map[string]any)
	for _, c := range g.Incoming(node.ID) {
		if _, ok := dg.Nodes[c.SourceNode]; !ok {
			continue // terminal sources never feed evaluation
		}
		upstream, ok := results[c.SourceNode]
		if !ok {
			continue
		}
		inputs[c.TargetPort] = applyLogic(c, upstream.Value)
	}
	return inputs
}

// evaluateNode applies the type-specific transform.
func (e *Evaluator) evaluateNode(ctx context.Context, node schema.Node, inputs map[string]any) (any, error) {
	// Muted nodes pass their first non-nil input through unchanged.
	if node.Muted {
		return firstInput(node, inputs), nil
	}

	switch node.Type {
	case schema.NodeTypeVariable:
		return node.Content, nil

	case schema.NodeTypeFunction:
		return e.evaluateFunction(ctx, node, inputs)

	case schema.NodeTypeLibrary, schema.NodeTypeCustom:
		handler, err := e.registry.Get(node.Handler)
		if err != nil {
			if fe, ok := err.(*schema.FlowError); ok {
				return nil, fe.WithNode(node.ID)
			}
			return nil, err
		}
		value, err := handler.Evaluate(ctx, node, inputs)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"handler %q failed: %s", node.Handler, err.Error()).
				WithNode(node.ID).WithCause(err)
		}
		return value, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node type %s is not evaluable", node.Type).
			WithNode(node.ID)
	}
}

func (e *Evaluator) evaluateFunction(ctx context.Context, node schema.Node, inputs map[string]any) (any, error) {
	op := node.Operation
	if op == "" {
		op = schema.OpExpr
	}

	switch op {
	case schema.OpConcat:
		parts := make([]string, 0, len(inputs)+1)
		for _, p := range node.InputPorts() {
			if v, ok := inputs[p.ID]; ok && v != nil {
				parts = append(parts, stringify(v))
			}
		}
		if node.Content != "" {
			parts = append(parts, node.Content)
		}
		return strings.Join(parts, "\n"), nil

	case schema.OpSum:
		var total float64
		for _, p := range node.InputPorts() {
			v, ok := inputs[p.ID]
			if !ok || v == nil {
				continue
			}
			n, err := toNumber(v)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"sum input on port %s is not numeric: %v", p.ID, v).WithNode(node.ID)
			}
			total += n
		}
		return total, nil

	case schema.OpExpr, schema.OpCEL, schema.OpJQ:
		engine, ok := e.engines[op]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown function operation: %s", op).
				WithNode(node.ID)
		}
		value, err := engine.Evaluate(ctx, node.Content, expressionData(node, inputs))
		if err != nil {
			if fe, ok := err.(*schema.FlowError); ok {
				return nil, fe.WithNode(node.ID)
			}
			return nil, err
		}
		return value, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown function operation: %s", op).
			WithNode(node.ID)
	}
}

// expressionData builds the expression environment: each input port value
// under its port ID, plus "input" (first port) and "inputs" (full map).
func expressionData(node schema.Node, inputs map[string]any) map[string]any {
	data := make(map[string]any, len(inputs)+2)
	for k, v := range inputs {
		data[k] = v
	}
	data["input"] = firstInput(node, inputs)
	data["inputs"] = inputs
	return data
}

// firstInput returns the first non-nil input value in port declaration order.
func firstInput(node schema.Node, inputs map[string]any) any {
	for _, p := range node.InputPorts() {
		if v, ok := inputs[p.ID]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if item != nil {
				parts = append(parts, stringify(item))
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
