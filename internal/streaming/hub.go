package streaming

import (
	"context"

	"github.com/davrud/nodeflow/pkg/schema"
)

// ChunkEvent is a transcript chunk emitted in real time by a live session.
// Asynchronous session failures travel on the same channel as normal output,
// tagged as marker chunks, so consumers have a single consumption path.
type ChunkEvent struct {
	NodeID string       `json:"node_id"`
	Chunk  schema.Chunk `json:"chunk"`
}

// ChunkFilter specifies which chunk events a subscriber wants to receive.
// A zero filter matches everything.
type ChunkFilter struct {
	NodeID  string               `json:"node_id,omitempty"`
	Sources []schema.ChunkSource `json:"sources,omitempty"`
}

// ChunkHub provides pub/sub fan-out for live transcript chunks. Attaching a
// consumer never affects the session's own buffering: the transcript remains
// the single source of truth.
type ChunkHub interface {
	Publish(ctx context.Context, event ChunkEvent) error
	Subscribe(ctx context.Context, filter ChunkFilter) (<-chan ChunkEvent, func(), error)
}
