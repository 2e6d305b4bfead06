package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davrud/nodeflow/internal/graph"
	"github.com/davrud/nodeflow/pkg/schema"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	e, err := New(reg, nil)
	require.NoError(t, err)
	return e
}

func addVar(t *testing.T, g *graph.Graph, content string) *schema.Node {
	t.Helper()
	n, err := g.AddNode(graph.NodeSpec{
		Type:    schema.NodeTypeVariable,
		Content: content,
		Outputs: []graph.PortSpec{{ID: "value"}},
	})
	require.NoError(t, err)
	return n
}

func addFn(t *testing.T, g *graph.Graph, op schema.FunctionOp, content string, inputPorts ...string) *schema.Node {
	t.Helper()
	spec := graph.NodeSpec{
		Type:      schema.NodeTypeFunction,
		Operation: op,
		Content:   content,
		Outputs:   []graph.PortSpec{{ID: "out"}},
	}
	for _, p := range inputPorts {
		spec.Inputs = append(spec.Inputs, graph.PortSpec{ID: p})
	}
	n, err := g.AddNode(spec)
	require.NoError(t, err)
	return n
}

func connect(t *testing.T, g *graph.Graph, src *schema.Node, srcPort string, dst *schema.Node, dstPort string) {
	t.Helper()
	_, err := g.AddConnection(src.ID, srcPort, dst.ID, dstPort, "")
	require.NoError(t, err)
}

func TestEvaluateVariable(t *testing.T) {
	g := graph.New()
	n := addVar(t, g, "hello")

	results, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "hello", results[n.ID].Value)
}

func TestEvaluateExprFunction(t *testing.T) {
	g := graph.New()
	src := addVar(t, g, "hello world")
	fn := addFn(t, g, schema.OpExpr, "upper(input)", "in")
	connect(t, g, src, "value", fn, "in")

	results, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", results[fn.ID].Value)
}

func TestEvaluateCELFunction(t *testing.T) {
	g := graph.New()
	src := addVar(t, g, "cel")
	fn := addFn(t, g, schema.OpCEL, `inputs["in"] + "!"`, "in")
	connect(t, g, src, "value", fn, "in")

	results, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "cel!", results[fn.ID].Value)
}

func TestEvaluateJQFunction(t *testing.T) {
	g := graph.New()
	src := addVar(t, g, "abc")
	fn := addFn(t, g, schema.OpJQ, ".input | ascii_upcase", "in")
	connect(t, g, src, "value", fn, "in")

	results, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "ABC", results[fn.ID].Value)
}

func TestEvaluateConcat(t *testing.T) {
	g := graph.New()
	a := addVar(t, g, "first")
	b := addVar(t, g, "second")
	fn := addFn(t, g, schema.OpConcat, "tail", "a", "b")
	connect(t, g, a, "value", fn, "a")
	connect(t, g, b, "value", fn, "b")

	results, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\ntail", results[fn.ID].Value)
}

func TestEvaluateSum(t *testing.T) {
	g := graph.New()
	a := addVar(t, g, "2")
	b := addVar(t, g, "3.5")
	fn := addFn(t, g, schema.OpSum, "", "a", "b")
	connect(t, g, a, "value", fn, "a")
	connect(t, g, b, "value", fn, "b")

	results, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 5.5, results[fn.ID].Value)
}

func TestEvaluateSumRejectsNonNumeric(t *testing.T) {
	g := graph.New()
	a := addVar(t, g, "not a number")
	fn := addFn(t, g, schema.OpSum, "", "a")
	connect(t, g, a, "value", fn, "a")

	_, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestEvaluateMutedNodePassesFirstInputThrough(t *testing.T) {
	g := graph.New()
	src := addVar(t, g, "untouched")
	fn := addFn(t, g, schema.OpExpr, "upper(input)", "in")
	connect(t, g, src, "value", fn, "in")
	require.NoError(t, g.SetMuted(fn.ID, true))

	results, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "untouched", results[fn.ID].Value)
}

func TestEvaluateLibraryHandler(t *testing.T) {
	g := graph.New()
	src := addVar(t, g, "quiet")
	lib, err := g.AddNode(graph.NodeSpec{
		Type:    schema.NodeTypeLibrary,
		Handler: "text.upper",
		Inputs:  []graph.PortSpec{{ID: "in"}},
		Outputs: []graph.PortSpec{{ID: "out"}},
	})
	require.NoError(t, err)
	connect(t, g, src, "value", lib, "in")

	results, evalErr := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, evalErr)
	assert.Equal(t, "QUIET", results[lib.ID].Value)
}

func TestEvaluateUnknownHandler(t *testing.T) {
	g := graph.New()
	_, err := g.AddNode(graph.NodeSpec{
		Type:    schema.NodeTypeCustom,
		Handler: "does.not.exist",
	})
	require.NoError(t, err)

	_, evalErr := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.Error(t, evalErr)
	assert.Equal(t, schema.ErrCodeHandlerUnavailable, schema.CodeOf(evalErr))
}

func TestEvaluateExcludesTerminalNodes(t *testing.T) {
	g := graph.New()
	src := addVar(t, g, "v")
	term, err := g.AddNode(graph.NodeSpec{
		Type:   schema.NodeTypeTerminal,
		Inputs: []graph.PortSpec{{ID: "in"}},
	})
	require.NoError(t, err)
	connect(t, g, src, "value", term, "in")

	results, evalErr := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, evalErr)
	assert.Contains(t, results, src.ID)
	assert.NotContains(t, results, term.ID)
}

func TestEvaluateChainOrder(t *testing.T) {
	g := graph.New()
	src := addVar(t, g, "x")
	first := addFn(t, g, schema.OpExpr, `input + "y"`, "in")
	second := addFn(t, g, schema.OpExpr, `input + "z"`, "in")
	connect(t, g, src, "value", first, "in")
	connect(t, g, first, "out", second, "in")

	results, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "xyz", results[second.ID].Value)
}

// Adding a back edge succeeds (connections are structural) but evaluation
// refuses the cyclic graph.
func TestEvaluateCycleFails(t *testing.T) {
	g := graph.New()
	a := addFn(t, g, schema.OpConcat, "a", "in")
	b := addFn(t, g, schema.OpConcat, "b", "in")
	c := addFn(t, g, schema.OpConcat, "c", "in")
	connect(t, g, a, "out", b, "in")
	connect(t, g, b, "out", c, "in")

	_, err := g.AddConnection(c.ID, "out", a.ID, "in", "")
	require.NoError(t, err)

	_, evalErr := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.Error(t, evalErr)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(evalErr))

	fe, ok := evalErr.(*schema.FlowError)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, fe.Details["nodes"])
}

func TestEvaluateIsDeterministic(t *testing.T) {
	g := graph.New()
	a := addVar(t, g, "1")
	b := addVar(t, g, "2")
	fn := addFn(t, g, schema.OpSum, "", "a", "b")
	connect(t, g, a, "value", fn, "a")
	connect(t, g, b, "value", fn, "b")

	e := newTestEvaluator(t)
	first, err := e.Evaluate(context.Background(), g)
	require.NoError(t, err)
	second, err := e.Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEvaluateDisconnectedInputReadsNil(t *testing.T) {
	g := graph.New()
	fn := addFn(t, g, schema.OpExpr, "input == nil", "in")

	results, err := newTestEvaluator(t).Evaluate(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, true, results[fn.ID].Value)
}
