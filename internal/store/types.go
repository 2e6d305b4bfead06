package store

import (
	"encoding/json"
	"time"

	"github.com/davrud/nodeflow/pkg/schema"
)

// Project is the persisted representation of one canvas: the full graph
// definition including each node's last-saved content. No process handle or
// live session state is ever serialized.
type Project struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Definition schema.GraphDefinition `json:"definition"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Event is an immutable entry in the session event log. Sequence numbers are
// monotonic per node.
type Event struct {
	ID        int64           `json:"id"`
	NodeID    string          `json:"node_id"`
	SessionID string          `json:"session_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ChunkPayload is the payload format of chunk_* events. Sequence is the
// transcript sequence number, distinct from the event-log sequence, which
// also counts lifecycle events.
type ChunkPayload struct {
	Sequence int64              `json:"sequence"`
	Source   schema.ChunkSource `json:"source"`
	Text     string             `json:"text"`
	Time     time.Time          `json:"time"`
}

// EventFilter narrows event queries.
type EventFilter struct {
	NodeID    string `json:"node_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ProjectFilter narrows project listings.
type ProjectFilter struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}
