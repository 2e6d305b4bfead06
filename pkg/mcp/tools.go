package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/davrud/nodeflow/internal/graph"
	"github.com/davrud/nodeflow/pkg/schema"
)

// handleAddNode adds a node to the canvas.
func (s *FlowServer) handleAddNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}

	spec := graph.NodeSpec{
		Type:      schema.NodeType(nodeType),
		Title:     req.GetString("title", ""),
		Content:   req.GetString("content", ""),
		Operation: schema.FunctionOp(req.GetString("operation", "")),
		Handler:   req.GetString("handler", ""),
	}

	if ports, ok := req.GetArguments()["ports"]; ok {
		inputs, outputs, portErr := parsePorts(ports)
		if portErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid ports: %v", portErr)), nil
		}
		spec.Inputs = inputs
		spec.Outputs = outputs
	}

	node, addErr := s.controller.AddNode(ctx, spec)
	if addErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add node failed: %v", addErr)), nil
	}
	return marshalResult(node)
}

// parsePorts decodes the raw ports argument into input/output port specs.
func parsePorts(raw any) (inputs, outputs []graph.PortSpec, err error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, err
	}
	var decls []struct {
		ID        string `json:"id"`
		Direction string `json:"direction"`
		DataType  string `json:"data_type"`
	}
	if err := json.Unmarshal(data, &decls); err != nil {
		return nil, nil, err
	}
	for _, d := range decls {
		spec := graph.PortSpec{ID: d.ID, DataType: d.DataType}
		switch schema.PortDirection(d.Direction) {
		case schema.PortInput:
			inputs = append(inputs, spec)
		case schema.PortOutput:
			outputs = append(outputs, spec)
		default:
			return nil, nil, fmt.Errorf("port %q has unknown direction %q", d.ID, d.Direction)
		}
	}
	return inputs, outputs, nil
}

// handleRemoveNode removes a node, terminating its session first if needed.
func (s *FlowServer) handleRemoveNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	if rmErr := s.controller.RemoveNode(ctx, nodeID); rmErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("remove node failed: %v", rmErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "node_id": nodeID})
}

// handleConnect connects two ports.
func (s *FlowServer) handleConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	srcNode, err := req.RequireString("source_node")
	if err != nil {
		return mcp.NewToolResultError("source_node is required"), nil
	}
	srcPort, err := req.RequireString("source_port")
	if err != nil {
		return mcp.NewToolResultError("source_port is required"), nil
	}
	dstNode, err := req.RequireString("target_node")
	if err != nil {
		return mcp.NewToolResultError("target_node is required"), nil
	}
	dstPort, err := req.RequireString("target_port")
	if err != nil {
		return mcp.NewToolResultError("target_port is required"), nil
	}
	logic := schema.ConnectionLogic(req.GetString("logic", string(schema.LogicPassthrough)))

	conn, connErr := s.controller.AddConnection(ctx, srcNode, srcPort, dstNode, dstPort, logic)
	if connErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("connect failed: %v", connErr)), nil
	}
	return marshalResult(conn)
}

// handleDisconnect removes a connection.
func (s *FlowServer) handleDisconnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	connID, err := req.RequireString("connection_id")
	if err != nil {
		return mcp.NewToolResultError("connection_id is required"), nil
	}
	if rmErr := s.controller.RemoveConnection(ctx, connID); rmErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("disconnect failed: %v", rmErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "connection_id": connID})
}

// handleEvaluate evaluates the whole graph.
func (s *FlowServer) handleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	results, evalErr := s.evaluator.Evaluate(ctx, s.graph)
	if evalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("evaluation failed: %v", evalErr)), nil
	}

	// Sort by node ID for stable output.
	out := make([]schema.EvaluationResult, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return marshalResult(out)
}

// handleOpenEditor opens a node's editor.
func (s *FlowServer) handleOpenEditor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	if openErr := s.controller.OpenEditor(ctx, nodeID); openErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("open editor failed: %v", openErr)), nil
	}
	rendered, renderErr := s.controller.Render(nodeID)
	if renderErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("render failed: %v", renderErr)), nil
	}
	return marshalResult(rendered)
}

// handleCloseEditor closes a node's editor.
func (s *FlowServer) handleCloseEditor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	if closeErr := s.controller.CloseEditor(ctx, nodeID); closeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("close editor failed: %v", closeErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "node_id": nodeID})
}

// handleSave saves a node's content.
func (s *FlowServer) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	content := req.GetString("content", "")

	if saveErr := s.controller.Save(ctx, nodeID, content); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save failed: %v", saveErr)), nil
	}
	node, nodeErr := s.graph.Node(nodeID)
	if nodeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("node lookup failed: %v", nodeErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "node_id": nodeID, "bytes": len(node.Content)})
}

// handleSubmitInput routes input to a terminal node's session.
func (s *FlowServer) handleSubmitInput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text is required"), nil
	}
	if subErr := s.controller.SubmitInput(ctx, nodeID, text); subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit input failed: %v", subErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "node_id": nodeID})
}

// handleSwitchProfile switches a terminal node's interpreter.
func (s *FlowServer) handleSwitchProfile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	profile, err := req.RequireString("profile")
	if err != nil {
		return mcp.NewToolResultError("profile is required"), nil
	}

	handle, switchErr := s.controller.SwitchProfile(ctx, nodeID, schema.Profile(profile))
	if switchErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("switch profile failed: %v", switchErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":         true,
		"node_id":    nodeID,
		"session_id": handle.SessionID,
		"profile":    string(handle.Profile),
	})
}

// handleQuery serves read-only views of the canvas.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	nodeID := req.GetString("node_id", "")

	switch resource {
	case "nodes":
		return marshalResult(s.graph.Nodes())
	case "connections":
		return marshalResult(s.graph.Connections())
	case "render":
		if nodeID == "" {
			return mcp.NewToolResultError("node_id is required for render queries"), nil
		}
		rendered, renderErr := s.controller.Render(nodeID)
		if renderErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("render failed: %v", renderErr)), nil
		}
		return marshalResult(rendered)
	case "transcript":
		if nodeID == "" {
			return mcp.NewToolResultError("node_id is required for transcript queries"), nil
		}
		return marshalResult(map[string]any{
			"node_id":    nodeID,
			"state":      s.sessions.State(nodeID),
			"transcript": s.sessions.RenderTranscript(nodeID),
		})
	case "events":
		if nodeID == "" {
			return mcp.NewToolResultError("node_id is required for event queries"), nil
		}
		if s.events == nil {
			return mcp.NewToolResultError("event log is not configured"), nil
		}
		since := int64(req.GetFloat("since", 0))
		events, evErr := s.events.GetEvents(ctx, nodeID, since)
		if evErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
		}
		return marshalResult(events)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource %q", resource)), nil
	}
}

// marshalResult serializes a value as indented JSON tool output.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to serialize result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
