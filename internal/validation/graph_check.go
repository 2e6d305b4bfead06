package validation

import (
	"fmt"
	"sort"

	"github.com/davrud/nodeflow/pkg/schema"
)

// checkStructure verifies referential integrity of a GraphDefinition:
// unique node and port IDs, connections pointing at real ports with the
// right directions, type compatibility, and the single-connection fan-in
// rule. These are the same rules the live graph enforces on mutation; here
// they guard definitions arriving from disk or over the wire.
func checkStructure(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%s]", n.ID)
		if _, dup := nodes[n.ID]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n

		seen := make(map[string]bool, len(n.Ports))
		for _, p := range n.Ports {
			if seen[p.ID] {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("duplicate port id %q on node %q", p.ID, n.ID))
			}
			seen[p.ID] = true
		}
	}

	connIDs := make(map[string]bool, len(def.Connections))
	occupied := make(map[string]string, len(def.Connections)) // target port -> connection id
	for _, c := range def.Connections {
		path := fmt.Sprintf("connections[%s]", c.ID)
		if connIDs[c.ID] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate connection id %q", c.ID))
			continue
		}
		connIDs[c.ID] = true

		src, ok := nodes[c.SourceNode]
		if !ok {
			result.AddError(path, schema.ErrCodeNotFound,
				fmt.Sprintf("source node %q does not exist", c.SourceNode))
			continue
		}
		dst, ok := nodes[c.TargetNode]
		if !ok {
			result.AddError(path, schema.ErrCodeNotFound,
				fmt.Sprintf("target node %q does not exist", c.TargetNode))
			continue
		}

		srcPort := src.Port(c.SourcePort)
		if srcPort == nil {
			result.AddError(path, schema.ErrCodeNotFound,
				fmt.Sprintf("port %q does not exist on node %q", c.SourcePort, c.SourceNode))
			continue
		}
		dstPort := dst.Port(c.TargetPort)
		if dstPort == nil {
			result.AddError(path, schema.ErrCodeNotFound,
				fmt.Sprintf("port %q does not exist on node %q", c.TargetPort, c.TargetNode))
			continue
		}

		if srcPort.Direction != schema.PortOutput || dstPort.Direction != schema.PortInput {
			result.AddError(path, schema.ErrCodeIncompatiblePorts,
				"connections must run from an output port to an input port")
			continue
		}
		if !schema.Compatible(*srcPort, *dstPort) {
			result.AddError(path, schema.ErrCodeIncompatiblePorts,
				fmt.Sprintf("data type %q does not flow into %q", srcPort.DataType, dstPort.DataType))
		}

		key := c.TargetNode + "/" + c.TargetPort
		if prev, taken := occupied[key]; taken {
			result.AddError(path, schema.ErrCodeFanInViolation,
				fmt.Sprintf("input port %q on node %q is already fed by connection %q",
					c.TargetPort, c.TargetNode, prev))
			continue
		}
		occupied[key] = c.ID
	}

	result.Merge(checkCycles(def, nodes))
	return result
}

// checkCycles runs Kahn's algorithm over the evaluable subgraph. A cycle is
// structurally legal (the canvas allows drawing it) so it surfaces as a
// warning here; evaluation will refuse it with CYCLE_DETECTED.
func checkCycles(def *schema.GraphDefinition, nodes map[string]*schema.Node) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	for id, n := range nodes {
		if n.Type.Evaluable() {
			inDegree[id] = 0
		}
	}
	for _, c := range def.Connections {
		src, sok := nodes[c.SourceNode]
		dst, dok := nodes[c.TargetNode]
		if !sok || !dok || !src.Type.Evaluable() || !dst.Type.Evaluable() {
			continue
		}
		inDegree[c.TargetNode]++
		dependents[c.SourceNode] = append(dependents[c.SourceNode], c.TargetNode)
	}

	queue := make([]string, 0, len(inDegree))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(inDegree) {
		var offenders []string
		for id, deg := range inDegree {
			if deg > 0 {
				offenders = append(offenders, id)
			}
		}
		sort.Strings(offenders)
		result.AddWarning("connections", schema.ErrCodeCycleDetected,
			fmt.Sprintf("dependency cycle among nodes %v; evaluation will fail until it is broken", offenders))
	}
	return result
}
