package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/davrud/nodeflow/internal/graph"
	"github.com/davrud/nodeflow/internal/logging"
	"github.com/davrud/nodeflow/internal/session"
	"github.com/davrud/nodeflow/internal/store"
	"github.com/davrud/nodeflow/internal/streaming"
	"github.com/davrud/nodeflow/pkg/schema"
)

// EditState is a node's editor state as tracked by the controller.
type EditState string

const (
	Viewing EditState = "viewing"
	Editing EditState = "editing"
)

// SessionManager is the subset of the process session manager the controller
// drives. Satisfied by *session.Manager.
type SessionManager interface {
	Spawn(ctx context.Context, nodeID string, profile schema.Profile) (*session.Handle, error)
	SubmitInput(ctx context.Context, nodeID, text string) error
	SwitchProfile(ctx context.Context, nodeID string, profile schema.Profile) (*session.Handle, error)
	Terminate(ctx context.Context, nodeID string, grace time.Duration) error
	Output(ctx context.Context, nodeID string) (<-chan streaming.ChunkEvent, func(), error)
	RenderTranscript(nodeID string) string
	State(nodeID string) schema.SessionState
	Profile(nodeID string) schema.Profile
}

// RenderedNode is what the controller hands to the rendering collaborator.
// While Viewing only the title is populated, for every node type.
type RenderedNode struct {
	ID           string              `json:"id"`
	Title        string              `json:"title"`
	EditState    EditState           `json:"edit_state"`
	Content      string              `json:"content,omitempty"`
	SessionState schema.SessionState `json:"session_state,omitempty"`
	Profile      schema.Profile      `json:"profile,omitempty"`
}

// DirtyMarker is notified on every graph mutation so the autosaver knows the
// persisted definition is stale. Satisfied by *scheduler.Autosaver.
type DirtyMarker interface {
	MarkDirty()
}

// Options configures a Controller.
type Options struct {
	Appender       session.EventAppender
	Logger         *slog.Logger
	Dirty          DirtyMarker
	DefaultProfile schema.Profile
	GracePeriod    time.Duration
}

// Controller coordinates the graph model, the session manager, and the
// rendering collaborator. UI intents (open editor, save, close, switch
// profile, graph edits) enter here; the controller decides when a terminal
// node needs a process session and enforces the persistence contract.
type Controller struct {
	graph    *graph.Graph
	sessions SessionManager
	appender session.EventAppender
	logger   *slog.Logger
	dirty    DirtyMarker
	profile  schema.Profile
	grace    time.Duration

	mu     sync.Mutex
	states map[string]EditState
}

// New creates a Controller over a graph and session manager.
func New(g *graph.Graph, sessions SessionManager, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	profile := opts.DefaultProfile
	if profile == "" {
		profile = schema.ProfileBash
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Controller{
		graph:    g,
		sessions: sessions,
		appender: opts.Appender,
		logger:   logger,
		dirty:    opts.Dirty,
		profile:  profile,
		grace:    grace,
		states:   make(map[string]EditState),
	}
}

// EditState returns the node's current editor state. Unknown nodes are Viewing.
func (c *Controller) EditState(nodeID string) EditState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[nodeID]; ok {
		return s
	}
	return Viewing
}

func (c *Controller) setEditState(nodeID string, state EditState) {
	c.mu.Lock()
	c.states[nodeID] = state
	c.mu.Unlock()
}

// OpenEditor transitions a node Viewing -> Editing. For terminal nodes this
// spawns a session with the node's profile (falling back to the default) when
// none is streaming; an already streaming session is re-attached so reopening
// the editor never loses a running process. Idempotent when already Editing.
// A spawn failure leaves the node in Viewing and is returned to the caller.
func (c *Controller) OpenEditor(ctx context.Context, nodeID string) error {
	node, err := c.graph.Node(nodeID)
	if err != nil {
		return err
	}
	if c.EditState(nodeID) == Editing {
		return nil
	}

	ctx = logging.WithNodeID(ctx, nodeID)

	if node.Type == schema.NodeTypeTerminal && c.sessions.State(nodeID) != schema.SessionStreaming {
		if _, err := c.sessions.Spawn(ctx, nodeID, c.nodeProfile(node)); err != nil {
			return err
		}
	}

	c.setEditState(nodeID, Editing)
	c.appendEvent(ctx, nodeID, schema.EventEditorOpened, nil)
	c.logger.InfoContext(ctx, "editor opened", "node_type", string(node.Type))
	return nil
}

// CloseEditor transitions a node Editing -> Viewing. For terminal nodes the
// session is terminated: no session survives the editor being closed.
// Unsaved editor content is discarded; the node keeps its last saved content.
func (c *Controller) CloseEditor(ctx context.Context, nodeID string) error {
	node, err := c.graph.Node(nodeID)
	if err != nil {
		return err
	}
	if c.EditState(nodeID) == Viewing {
		return nil
	}

	ctx = logging.WithNodeID(ctx, nodeID)

	if node.Type == schema.NodeTypeTerminal {
		if err := c.sessions.Terminate(ctx, nodeID, c.grace); err != nil {
			return err
		}
	}

	c.setEditState(nodeID, Viewing)
	c.appendEvent(ctx, nodeID, schema.EventEditorClosed, nil)
	c.logger.InfoContext(ctx, "editor closed")
	return nil
}

// Save persists a node's content while Editing; it never changes the editor
// state and never terminates a session. For terminal nodes the content
// argument is ignored: the current transcript snapshot becomes the node's
// content, and the session keeps streaming. Returns CONFLICT when the node is
// not in Editing.
func (c *Controller) Save(ctx context.Context, nodeID, content string) error {
	node, err := c.graph.Node(nodeID)
	if err != nil {
		return err
	}
	if c.EditState(nodeID) != Editing {
		return schema.NewError(schema.ErrCodeConflict,
			"save requires the node to be in editing state").WithNode(nodeID)
	}

	ctx = logging.WithNodeID(ctx, nodeID)

	if node.Type == schema.NodeTypeTerminal {
		content = c.sessions.RenderTranscript(nodeID)
	}
	if err := c.graph.SetContent(nodeID, content); err != nil {
		return err
	}
	c.markDirty()
	c.appendEvent(ctx, nodeID, schema.EventNodeSaved, map[string]any{"bytes": len(content)})
	c.logger.InfoContext(ctx, "node saved", "bytes", len(content))
	return nil
}

// SubmitInput routes user input to the node's live session.
func (c *Controller) SubmitInput(ctx context.Context, nodeID, text string) error {
	return c.sessions.SubmitInput(logging.WithNodeID(ctx, nodeID), nodeID, text)
}

// SwitchProfile switches a terminal node's interpreter mid-session. Only
// valid for terminal nodes.
func (c *Controller) SwitchProfile(ctx context.Context, nodeID string, profile schema.Profile) (*session.Handle, error) {
	node, err := c.graph.Node(nodeID)
	if err != nil {
		return nil, err
	}
	if node.Type != schema.NodeTypeTerminal {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"profile switch is only valid for terminal nodes, got %s", node.Type).WithNode(nodeID)
	}
	return c.sessions.SwitchProfile(logging.WithNodeID(ctx, nodeID), nodeID, profile)
}

// Output exposes the node's live chunk sequence to the rendering collaborator.
func (c *Controller) Output(ctx context.Context, nodeID string) (<-chan streaming.ChunkEvent, func(), error) {
	return c.sessions.Output(ctx, nodeID)
}

// Render produces the display surface for a node. Viewing exposes only the
// title regardless of node type or transcript size; Editing exposes content
// (the live transcript for streaming terminal nodes) plus session status.
func (c *Controller) Render(nodeID string) (*RenderedNode, error) {
	node, err := c.graph.Node(nodeID)
	if err != nil {
		return nil, err
	}
	out := &RenderedNode{ID: node.ID, Title: node.Title, EditState: c.EditState(nodeID)}
	if out.EditState == Viewing {
		return out, nil
	}

	if node.Type == schema.NodeTypeTerminal {
		out.SessionState = c.sessions.State(nodeID)
		out.Profile = c.sessions.Profile(nodeID)
		if out.SessionState == schema.SessionStreaming {
			out.Content = c.sessions.RenderTranscript(nodeID)
			return out, nil
		}
	}
	out.Content = node.Content
	return out, nil
}

// AddNode adds a node to the graph.
func (c *Controller) AddNode(ctx context.Context, spec graph.NodeSpec) (*schema.Node, error) {
	node, err := c.graph.AddNode(spec)
	if err != nil {
		return nil, err
	}
	c.markDirty()
	c.appendEvent(ctx, node.ID, schema.EventNodeAdded, map[string]any{
		"type": string(node.Type), "title": node.Title,
	})
	return node, nil
}

// RemoveNode removes a node, first terminating any live session and dropping
// its editor state. Incident connections are removed by the graph.
func (c *Controller) RemoveNode(ctx context.Context, nodeID string) error {
	node, err := c.graph.Node(nodeID)
	if err != nil {
		return err
	}
	ctx = logging.WithNodeID(ctx, nodeID)

	if node.Type == schema.NodeTypeTerminal {
		if err := c.sessions.Terminate(ctx, nodeID, c.grace); err != nil {
			return err
		}
	}
	if err := c.graph.RemoveNode(nodeID); err != nil {
		return err
	}
	c.markDirty()

	c.mu.Lock()
	delete(c.states, nodeID)
	c.mu.Unlock()

	c.appendEvent(ctx, nodeID, schema.EventNodeRemoved, nil)
	return nil
}

// AddConnection connects two ports in the graph.
func (c *Controller) AddConnection(ctx context.Context, srcNode, srcPort, dstNode, dstPort string, logic schema.ConnectionLogic) (*schema.Connection, error) {
	conn, err := c.graph.AddConnection(srcNode, srcPort, dstNode, dstPort, logic)
	if err != nil {
		return nil, err
	}
	c.markDirty()
	c.appendEvent(ctx, srcNode, schema.EventConnectionAdded, map[string]any{
		"connection_id": conn.ID, "target_node": dstNode,
	})
	return conn, nil
}

// RemoveConnection removes a connection from the graph.
func (c *Controller) RemoveConnection(ctx context.Context, connectionID string) error {
	if err := c.graph.RemoveConnection(connectionID); err != nil {
		return err
	}
	c.markDirty()
	c.appendEvent(ctx, "", schema.EventConnectionRemoved, map[string]any{
		"connection_id": connectionID,
	})
	return nil
}

// Shutdown closes all open editors, terminating their sessions.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	var open []string
	for nodeID, state := range c.states {
		if state == Editing {
			open = append(open, nodeID)
		}
	}
	c.mu.Unlock()

	for _, nodeID := range open {
		if err := c.CloseEditor(ctx, nodeID); err != nil {
			c.logger.WarnContext(ctx, "editor close failed on shutdown",
				"node_id", nodeID, "error", err)
		}
	}
}

// nodeProfile picks the spawn profile for a terminal node: an explicit
// "profile" entry in the node config wins, otherwise the controller default.
func (c *Controller) nodeProfile(node *schema.Node) schema.Profile {
	if len(node.Config) > 0 {
		var cfg struct {
			Profile string `json:"profile"`
		}
		if err := json.Unmarshal(node.Config, &cfg); err == nil && cfg.Profile != "" {
			return schema.Profile(cfg.Profile)
		}
	}
	return c.profile
}

func (c *Controller) markDirty() {
	if c.dirty != nil {
		c.dirty.MarkDirty()
	}
}

func (c *Controller) appendEvent(ctx context.Context, nodeID, eventType string, payload map[string]any) {
	if c.appender == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.logger.WarnContext(ctx, "event payload marshal failed", "error", err)
			return
		}
		raw = b
	}
	event := &store.Event{NodeID: nodeID, Type: eventType, Payload: raw}
	if err := c.appender.AppendEvent(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "event append failed", "type", eventType, "error", err)
	}
}
