package main

import (
	"github.com/davrud/nodeflow/internal/graph"
	"github.com/davrud/nodeflow/pkg/schema"
)

// seedDemoGraph populates a fresh project with the starter canvas: a variable
// feeding an uppercasing function, whose result flows into a terminal node.
// Mirrors what a new user sees on first launch.
func seedDemoGraph(g *graph.Graph) error {
	input, err := g.AddNode(graph.NodeSpec{
		Type:    schema.NodeTypeVariable,
		Title:   "Input",
		Content: "hello world",
		Outputs: []graph.PortSpec{{ID: "value", DataType: "string"}},
	})
	if err != nil {
		return err
	}

	process, err := g.AddNode(graph.NodeSpec{
		Type:      schema.NodeTypeFunction,
		Title:     "Process",
		Content:   "upper(input)",
		Operation: schema.OpExpr,
		Inputs:    []graph.PortSpec{{ID: "in", DataType: "string"}},
		Outputs:   []graph.PortSpec{{ID: "out", DataType: "string"}},
	})
	if err != nil {
		return err
	}

	terminal, err := g.AddNode(graph.NodeSpec{
		Type:   schema.NodeTypeTerminal,
		Title:  "Terminal",
		Inputs: []graph.PortSpec{{ID: "in", DataType: "any"}},
	})
	if err != nil {
		return err
	}

	if _, err := g.AddConnection(input.ID, "value", process.ID, "in", schema.LogicPassthrough); err != nil {
		return err
	}
	if _, err := g.AddConnection(process.ID, "out", terminal.ID, "in", schema.LogicPassthrough); err != nil {
		return err
	}
	return nil
}
