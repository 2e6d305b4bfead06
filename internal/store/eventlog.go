package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davrud/nodeflow/pkg/schema"
)

// EventLog provides append operations with per-node monotonic sequencing on
// top of a LibSQLStore, and transcript replay from the persisted history.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-node
// sequence. The read-then-insert runs inside one transaction; with a single
// writer connection this keeps sequences gap-free under concurrency.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE node_id = ?`, event.NodeID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (node_id, session_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.NodeID, nullStr(event.SessionID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a node with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, nodeID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, nodeID, since)
}

// ReplayTranscript reconstructs a node's transcript from the persisted chunk
// events. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayTranscript(ctx context.Context, nodeID string) ([]schema.Chunk, error) {
	events, err := el.store.GetEvents(ctx, nodeID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in node %s: expected %d, got %d", nodeID, expected, e.Sequence)
		}
	}

	var chunks []schema.Chunk
	for _, e := range events {
		switch e.Type {
		case schema.EventChunkInput, schema.EventChunkOutput, schema.EventChunkMarker:
		default:
			continue
		}
		var payload ChunkPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"malformed chunk payload at sequence %d for node %s", e.Sequence, nodeID).WithCause(err)
		}
		seq := payload.Sequence
		if seq == 0 {
			// Rows written before payloads carried the transcript sequence.
			seq = e.Sequence
		}
		chunks = append(chunks, schema.Chunk{
			Sequence: seq,
			Source:   payload.Source,
			Text:     payload.Text,
			Time:     payload.Time,
		})
	}
	return chunks, nil
}
