package schema

import "encoding/json"

// NodeType enumerates the closed set of node kinds on the canvas.
type NodeType string

const (
	NodeTypeVariable NodeType = "variable"
	NodeTypeFunction NodeType = "function"
	NodeTypeLibrary  NodeType = "library"
	NodeTypeTerminal NodeType = "terminal"
	NodeTypeCustom   NodeType = "custom"
)

// Evaluable reports whether nodes of this type participate in graph evaluation.
// Terminal nodes never do; their content is owned by the session layer.
func (t NodeType) Evaluable() bool {
	return t != NodeTypeTerminal
}

// PortDirection tags a port as an input or an output.
type PortDirection string

const (
	PortInput  PortDirection = "input"
	PortOutput PortDirection = "output"
)

// DataTypeAny is the wildcard port data type, compatible with everything.
const DataTypeAny = "any"

// Port is a typed connection point owned by a node.
type Port struct {
	ID        string        `json:"id"`
	Direction PortDirection `json:"direction"`
	DataType  string        `json:"data_type,omitempty"` // empty means "any"
}

// Compatible reports whether a value produced at src may flow into dst.
// Types match when equal, or when either side is the "any" wildcard.
func Compatible(src, dst Port) bool {
	st, dt := src.DataType, dst.DataType
	if st == "" || st == DataTypeAny || dt == "" || dt == DataTypeAny {
		return true
	}
	return st == dt
}

// FunctionOp selects how a function node combines its inputs.
type FunctionOp string

const (
	OpExpr   FunctionOp = "expr"   // expr-lang expression over input values
	OpCEL    FunctionOp = "cel"    // CEL expression over input values
	OpJQ     FunctionOp = "jq"     // jq program over structured inputs
	OpConcat FunctionOp = "concat" // join stringified inputs with a newline
	OpSum    FunctionOp = "sum"    // numeric sum of inputs
)

// Node is a single unit on the canvas: a semantic code construct or an
// interactive terminal session.
type Node struct {
	ID          string   `json:"id"`
	Type        NodeType `json:"type"`
	Title       string   `json:"title"`
	Content     string   `json:"content,omitempty"`
	Ports       []Port   `json:"ports,omitempty"`
	Operation   FunctionOp `json:"operation,omitempty"` // function nodes only
	Handler     string   `json:"handler,omitempty"`     // library/custom capability tag
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
	Muted       bool     `json:"muted,omitempty"`    // pass first input through unchanged
	Snapshot    bool     `json:"snapshot,omitempty"` // content is never overwritten
	Config      json.RawMessage `json:"config,omitempty"`
}

// Port returns the node's port with the given ID, or nil.
func (n *Node) Port(id string) *Port {
	for i := range n.Ports {
		if n.Ports[i].ID == id {
			return &n.Ports[i]
		}
	}
	return nil
}

// InputPorts returns the node's input ports in declaration order.
func (n *Node) InputPorts() []Port {
	var out []Port
	for _, p := range n.Ports {
		if p.Direction == PortInput {
			out = append(out, p)
		}
	}
	return out
}

// OutputPorts returns the node's output ports in declaration order.
func (n *Node) OutputPorts() []Port {
	var out []Port
	for _, p := range n.Ports {
		if p.Direction == PortOutput {
			out = append(out, p)
		}
	}
	return out
}

// ConnectionLogic names the transform applied to a value as it crosses an edge.
type ConnectionLogic string

const (
	LogicPassthrough ConnectionLogic = "passthrough"
	LogicList        ConnectionLogic = "list"
	LogicUnique      ConnectionLogic = "unique"
	LogicConcat      ConnectionLogic = "concat"
	LogicSwitch      ConnectionLogic = "switch"
)

// Connection is a directed link from an output port to an input port.
type Connection struct {
	ID         string          `json:"id"`
	SourceNode string          `json:"source_node"`
	SourcePort string          `json:"source_port"`
	TargetNode string          `json:"target_node"`
	TargetPort string          `json:"target_port"`
	Logic      ConnectionLogic `json:"logic,omitempty"` // default passthrough
	Config     json.RawMessage `json:"config,omitempty"`
}

// GraphDefinition is the JSON-serializable project graph format. It carries
// only structural state: no evaluation results and no process handles.
type GraphDefinition struct {
	Nodes       []Node         `json:"nodes"`
	Connections []Connection   `json:"connections,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EvaluationResult is the computed value for a single evaluable node.
type EvaluationResult struct {
	NodeID string `json:"node_id"`
	Value  any    `json:"value"`
}
