package engine

import (
	"sort"

	"github.com/davrud/nodeflow/internal/graph"
	"github.com/davrud/nodeflow/pkg/schema"
)

// depGraph is the dependency view of the evaluable subgraph: terminal nodes
// and their incident connections are excluded entirely.
type depGraph struct {
	Nodes   map[string]schema.Node // node ID → node
	Edges   map[string][]string    // node ID → dependencies (upstream producers)
	Reverse map[string][]string    // node ID → dependents
	Sorted  []string               // topological order
}

// buildDepGraph extracts the evaluable subgraph, performs a topological sort
// using Kahn's algorithm, and detects cycles. A cycle fails with
// CYCLE_DETECTED naming the offending node set; no partial order is returned.
func buildDepGraph(g *graph.Graph) (*depGraph, error) {
	dg := &depGraph{
		Nodes:   make(map[string]schema.Node),
		Edges:   make(map[string][]string),
		Reverse: make(map[string][]string),
	}

	for _, n := range g.Nodes() {
		if n.Type.Evaluable() {
			dg.Nodes[n.ID] = n
		}
	}

	for _, c := range g.Connections() {
		if _, ok := dg.Nodes[c.SourceNode]; !ok {
			continue
		}
		if _, ok := dg.Nodes[c.TargetNode]; !ok {
			continue
		}
		dg.Edges[c.TargetNode] = append(dg.Edges[c.TargetNode], c.SourceNode)
		dg.Reverse[c.SourceNode] = append(dg.Reverse[c.SourceNode], c.TargetNode)
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dg.Nodes))
	for id := range dg.Nodes {
		inDegree[id] = len(dg.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic ordering.
	sort.Strings(queue)

	sorted := make([]string, 0, len(dg.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(dg.Reverse[node]))
		copy(dependents, dg.Reverse[node])
		sort.Strings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dg.Nodes) {
		// Every node still carrying in-degree is part of (or downstream of) a cycle.
		offenders := make([]string, 0)
		for id, deg := range inDegree {
			if deg > 0 {
				offenders = append(offenders, id)
			}
		}
		sort.Strings(offenders)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "graph contains a dependency cycle").
			WithDetails(map[string]any{"nodes": offenders})
	}

	dg.Sorted = sorted
	return dg, nil
}
