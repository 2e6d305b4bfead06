package graph

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/davrud/nodeflow/pkg/schema"
)

// NodeSpec describes a node to be added to the graph.
type NodeSpec struct {
	Type        schema.NodeType
	Title       string
	Content     string
	Inputs      []PortSpec
	Outputs     []PortSpec
	Operation   schema.FunctionOp
	Handler     string
	Category    string
	Tags        []string
	Description string
}

// PortSpec describes a port on a new node. An empty DataType means "any".
type PortSpec struct {
	ID       string
	DataType string
}

// Graph owns all nodes and connections of one project. Mutators are
// synchronous and touch nothing beyond the graph itself: no evaluation,
// no process spawning. Safe for concurrent use.
type Graph struct {
	mu          sync.RWMutex
	nodes       map[string]*schema.Node
	nodeOrder   []string
	connections map[string]*schema.Connection
	connOrder   []string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:       make(map[string]*schema.Node),
		connections: make(map[string]*schema.Connection),
	}
}

// AddNode creates a node from the spec and returns a copy of it.
func (g *Graph) AddNode(spec NodeSpec) (*schema.Node, error) {
	if spec.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "node type is empty")
	}
	if !validNodeTypes[spec.Type] {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown node type: %s", spec.Type)
	}

	node := &schema.Node{
		ID:          uuid.New().String(),
		Type:        spec.Type,
		Title:       spec.Title,
		Content:     spec.Content,
		Operation:   spec.Operation,
		Handler:     spec.Handler,
		Category:    spec.Category,
		Tags:        spec.Tags,
		Description: spec.Description,
	}
	for _, p := range spec.Inputs {
		node.Ports = append(node.Ports, schema.Port{ID: p.ID, Direction: schema.PortInput, DataType: p.DataType})
	}
	for _, p := range spec.Outputs {
		node.Ports = append(node.Ports, schema.Port{ID: p.ID, Direction: schema.PortOutput, DataType: p.DataType})
	}
	if err := validatePorts(node); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)

	out := *node
	return &out, nil
}

var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeVariable: true,
	schema.NodeTypeFunction: true,
	schema.NodeTypeLibrary:  true,
	schema.NodeTypeTerminal: true,
	schema.NodeTypeCustom:   true,
}

func validatePorts(node *schema.Node) error {
	seen := make(map[string]bool, len(node.Ports))
	for _, p := range node.Ports {
		if p.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, "port has empty ID").WithNode(node.ID)
		}
		if seen[p.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate port ID: %s", p.ID).WithNode(node.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// RemoveNode deletes a node and cascades deletion of its incident
// connections. Live sessions must be terminated by the caller first;
// the graph layer never touches the process layer.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id)
	}

	for _, cid := range g.connOrder {
		c := g.connections[cid]
		if c != nil && (c.SourceNode == id || c.TargetNode == id) {
			delete(g.connections, cid)
		}
	}
	g.compactConnOrder()

	delete(g.nodes, id)
	for i, nid := range g.nodeOrder {
		if nid == id {
			g.nodeOrder = append(g.nodeOrder[:i], g.nodeOrder[i+1:]...)
			break
		}
	}
	return nil
}

// AddConnection links an output port to an input port. Fails with
// IncompatiblePorts when the type tags mismatch and FanInViolation when the
// target port is already connected. Connections are structural: a cycle is
// legal here and only rejected at evaluation time.
func (g *Graph) AddConnection(srcNode, srcPort, dstNode, dstPort string, logic schema.ConnectionLogic) (*schema.Connection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.nodes[srcNode]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "source node %s not found", srcNode)
	}
	dst, ok := g.nodes[dstNode]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "target node %s not found", dstNode)
	}

	sp := src.Port(srcPort)
	if sp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "port %s not found", srcPort).WithNode(srcNode)
	}
	dp := dst.Port(dstPort)
	if dp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "port %s not found", dstPort).WithNode(dstNode)
	}

	if sp.Direction != schema.PortOutput || dp.Direction != schema.PortInput {
		return nil, schema.NewErrorf(schema.ErrCodeIncompatiblePorts,
			"connection must go from an output port to an input port (%s/%s -> %s/%s)",
			srcNode, srcPort, dstNode, dstPort)
	}
	if !schema.Compatible(*sp, *dp) {
		return nil, schema.NewErrorf(schema.ErrCodeIncompatiblePorts,
			"port data types are incompatible: %s vs %s", sp.DataType, dp.DataType)
	}

	for _, cid := range g.connOrder {
		c := g.connections[cid]
		if c != nil && c.TargetNode == dstNode && c.TargetPort == dstPort {
			return nil, schema.NewErrorf(schema.ErrCodeFanInViolation,
				"input port %s/%s already has an incoming connection", dstNode, dstPort)
		}
	}

	if logic == "" {
		logic = schema.LogicPassthrough
	}
	conn := &schema.Connection{
		ID:         uuid.New().String(),
		SourceNode: srcNode,
		SourcePort: srcPort,
		TargetNode: dstNode,
		TargetPort: dstPort,
		Logic:      logic,
	}
	g.connections[conn.ID] = conn
	g.connOrder = append(g.connOrder, conn.ID)

	out := *conn
	return &out, nil
}

// RemoveConnection deletes a connection by ID.
func (g *Graph) RemoveConnection(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.connections[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "connection %s not found", id)
	}
	delete(g.connections, id)
	g.compactConnOrder()
	return nil
}

func (g *Graph) compactConnOrder() {
	kept := g.connOrder[:0]
	for _, cid := range g.connOrder {
		if _, ok := g.connections[cid]; ok {
			kept = append(kept, cid)
		}
	}
	g.connOrder = kept
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (*schema.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id)
	}
	out := *n
	return &out, nil
}

// SetContent replaces a node's content. Snapshot nodes are frozen; the call
// is a no-op for them.
func (g *Graph) SetContent(id, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id)
	}
	if n.Snapshot {
		return nil
	}
	n.Content = content
	return nil
}

// SetMuted toggles a node's muted flag.
func (g *Graph) SetMuted(id string, muted bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id)
	}
	n.Muted = muted
	return nil
}

// SetSnapshot toggles a node's snapshot flag.
func (g *Graph) SetSnapshot(id string, snapshot bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id)
	}
	n.Snapshot = snapshot
	return nil
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []schema.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]schema.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		if n, ok := g.nodes[id]; ok {
			out = append(out, *n)
		}
	}
	return out
}

// Connections returns copies of all connections in insertion order.
func (g *Graph) Connections() []schema.Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]schema.Connection, 0, len(g.connOrder))
	for _, id := range g.connOrder {
		if c, ok := g.connections[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// Incoming returns the connections targeting the given node, ordered by the
// node's input port declaration order.
func (g *Graph) Incoming(nodeID string) []schema.Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[nodeID]
	if !ok {
		return nil
	}

	var out []schema.Connection
	for _, p := range n.Ports {
		if p.Direction != schema.PortInput {
			continue
		}
		for _, cid := range g.connOrder {
			c := g.connections[cid]
			if c != nil && c.TargetNode == nodeID && c.TargetPort == p.ID {
				out = append(out, *c)
			}
		}
	}
	return out
}

// Definition snapshots the graph into its serializable form.
func (g *Graph) Definition() *schema.GraphDefinition {
	g.mu.RLock()
	defer g.mu.RUnlock()

	def := &schema.GraphDefinition{
		Nodes:       make([]schema.Node, 0, len(g.nodeOrder)),
		Connections: make([]schema.Connection, 0, len(g.connOrder)),
	}
	for _, id := range g.nodeOrder {
		if n, ok := g.nodes[id]; ok {
			def.Nodes = append(def.Nodes, *n)
		}
	}
	for _, id := range g.connOrder {
		if c, ok := g.connections[id]; ok {
			def.Connections = append(def.Connections, *c)
		}
	}
	return def
}

// Load replaces the graph contents with the given definition. Node and
// connection IDs from the definition are preserved.
func Load(def *schema.GraphDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	g := New()
	for i := range def.Nodes {
		n := def.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if !validNodeTypes[n.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown node type: %s", n.Type).WithNode(n.ID)
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "duplicate node ID: %s", n.ID)
		}
		if err := validatePorts(&n); err != nil {
			return nil, err
		}
		copied := n
		g.nodes[n.ID] = &copied
		g.nodeOrder = append(g.nodeOrder, n.ID)
	}
	for i := range def.Connections {
		c := def.Connections[i]
		if c.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "connection at index %d has empty ID", i)
		}
		if _, exists := g.connections[c.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "duplicate connection ID: %s", c.ID)
		}
		src, ok := g.nodes[c.SourceNode]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "connection %s references missing node %s", c.ID, c.SourceNode)
		}
		dst, ok := g.nodes[c.TargetNode]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "connection %s references missing node %s", c.ID, c.TargetNode)
		}
		if src.Port(c.SourcePort) == nil || dst.Port(c.TargetPort) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "connection %s references a missing port", c.ID)
		}
		copied := c
		g.connections[c.ID] = &copied
		g.connOrder = append(g.connOrder, c.ID)
	}
	return g, nil
}

// SortedNodeIDs returns all node IDs sorted lexicographically. Used for
// deterministic iteration in evaluation and persistence.
func (g *Graph) SortedNodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
