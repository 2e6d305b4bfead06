package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/davrud/nodeflow/internal/controller"
	"github.com/davrud/nodeflow/internal/engine"
	"github.com/davrud/nodeflow/internal/graph"
	"github.com/davrud/nodeflow/internal/store"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Graph      *graph.Graph
	Controller *controller.Controller
	Evaluator  *engine.Evaluator
	Sessions   controller.SessionManager
	Events     *store.EventLog
	Logger     *slog.Logger
}

// FlowServer wraps an MCP server exposing the canvas as tools: graph edits,
// evaluation, and terminal session control.
type FlowServer struct {
	graph      *graph.Graph
	controller *controller.Controller
	evaluator  *engine.Evaluator
	sessions   controller.SessionManager
	events     *store.EventLog
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewFlowServer creates a FlowServer with all canvas tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		graph:      deps.Graph,
		controller: deps.Controller,
		evaluator:  deps.Evaluator,
		sessions:   deps.Sessions,
		events:     deps.Events,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"nodeflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Nodeflow is a node-based code construction canvas. Use nodeflow.add_node and nodeflow.connect to build the graph, nodeflow.evaluate to compute it, and the editor tools (open_editor, submit_input, save, switch_profile, close_editor) to drive interactive terminal nodes."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: addNodeTool(), Handler: s.handleAddNode},
		{Tool: removeNodeTool(), Handler: s.handleRemoveNode},
		{Tool: connectTool(), Handler: s.handleConnect},
		{Tool: disconnectTool(), Handler: s.handleDisconnect},
		{Tool: evaluateTool(), Handler: s.handleEvaluate},
		{Tool: openEditorTool(), Handler: s.handleOpenEditor},
		{Tool: closeEditorTool(), Handler: s.handleCloseEditor},
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: submitInputTool(), Handler: s.handleSubmitInput},
		{Tool: switchProfileTool(), Handler: s.handleSwitchProfile},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func addNodeTool() mcp.Tool {
	return mcp.NewTool("nodeflow.add_node",
		mcp.WithDescription("Add a node to the canvas"),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("variable", "function", "library", "terminal", "custom"),
			mcp.Description("Node type"),
		),
		mcp.WithString("title", mcp.Description("Display title")),
		mcp.WithString("content", mcp.Description("Initial content (variable value, expression source)")),
		mcp.WithString("operation", mcp.Enum("expr", "cel", "jq", "concat", "sum"),
			mcp.Description("How a function node combines its inputs")),
		mcp.WithString("handler", mcp.Description("Registered capability for library/custom nodes")),
		mcp.WithArray("ports", mcp.Description("Port declarations: {id, direction, data_type}")),
	)
}

func removeNodeTool() mcp.Tool {
	return mcp.NewTool("nodeflow.remove_node",
		mcp.WithDescription("Remove a node and its connections; a terminal node's session is terminated first"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to remove")),
	)
}

func connectTool() mcp.Tool {
	return mcp.NewTool("nodeflow.connect",
		mcp.WithDescription("Connect an output port to an input port"),
		mcp.WithString("source_node", mcp.Required(), mcp.Description("Source node ID")),
		mcp.WithString("source_port", mcp.Required(), mcp.Description("Source output port ID")),
		mcp.WithString("target_node", mcp.Required(), mcp.Description("Target node ID")),
		mcp.WithString("target_port", mcp.Required(), mcp.Description("Target input port ID")),
		mcp.WithString("logic", mcp.Enum("passthrough", "list", "unique", "concat", "switch"),
			mcp.Description("Edge transform (default: passthrough)")),
	)
}

func disconnectTool() mcp.Tool {
	return mcp.NewTool("nodeflow.disconnect",
		mcp.WithDescription("Remove a connection"),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("ID of the connection to remove")),
	)
}

func evaluateTool() mcp.Tool {
	return mcp.NewTool("nodeflow.evaluate",
		mcp.WithDescription("Evaluate all evaluable nodes in dependency order; fails with CYCLE_DETECTED on a cyclic graph"),
	)
}

func openEditorTool() mcp.Tool {
	return mcp.NewTool("nodeflow.open_editor",
		mcp.WithDescription("Open a node's editor; a terminal node spawns or re-attaches its session"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to edit")),
	)
}

func closeEditorTool() mcp.Tool {
	return mcp.NewTool("nodeflow.close_editor",
		mcp.WithDescription("Close a node's editor, discarding unsaved content; a terminal node's session is terminated"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node")),
	)
}

func saveTool() mcp.Tool {
	return mcp.NewTool("nodeflow.save",
		mcp.WithDescription("Save a node's content while editing; a terminal node persists its transcript snapshot and keeps streaming"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node")),
		mcp.WithString("content", mcp.Description("Content to save (ignored for terminal nodes)")),
	)
}

func submitInputTool() mcp.Tool {
	return mcp.NewTool("nodeflow.submit_input",
		mcp.WithDescription("Submit a line of input to a terminal node's live session"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the terminal node")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Input text; a trailing newline is added if missing")),
	)
}

func switchProfileTool() mcp.Tool {
	return mcp.NewTool("nodeflow.switch_profile",
		mcp.WithDescription("Switch a terminal node's interpreter mid-session, retaining the transcript"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the terminal node")),
		mcp.WithString("profile", mcp.Required(),
			mcp.Enum("bash", "sh", "python"),
			mcp.Description("Interpreter profile to switch to"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("nodeflow.query",
		mcp.WithDescription("Query nodes, connections, a node's render surface, its transcript, or its event history"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("nodes", "connections", "render", "transcript", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithString("node_id", mcp.Description("Node scope (required for render, transcript, events)")),
		mcp.WithNumber("since", mcp.Description("Events only: return events with sequence greater than this")),
	)
}
