package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davrud/nodeflow/pkg/schema"
)

func chunkPayload(t *testing.T, source schema.ChunkSource, text string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(ChunkPayload{Source: source, Text: text, Time: time.Now().UTC()})
	require.NoError(t, err)
	return b
}

func TestAppendEventAssignsMonotonicSequences(t *testing.T) {
	s := newTestStore(t)
	log := NewEventLog(s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &Event{NodeID: "n1", Type: schema.EventChunkOutput, Payload: chunkPayload(t, schema.ChunkOutput, "x\n")}
		require.NoError(t, log.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	events, err := log.GetEvents(ctx, "n1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestSequencesAreIndependentAcrossNodes(t *testing.T) {
	s := newTestStore(t)
	log := NewEventLog(s)
	ctx := context.Background()

	a := &Event{NodeID: "a", Type: schema.EventSessionSpawned}
	b := &Event{NodeID: "b", Type: schema.EventSessionSpawned}
	require.NoError(t, log.AppendEvent(ctx, a))
	require.NoError(t, log.AppendEvent(ctx, b))

	assert.Equal(t, int64(1), a.Sequence)
	assert.Equal(t, int64(1), b.Sequence)
}

func TestGetEventsSinceFilter(t *testing.T) {
	s := newTestStore(t)
	log := NewEventLog(s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, log.AppendEvent(ctx, &Event{NodeID: "n1", Type: schema.EventChunkOutput,
			Payload: chunkPayload(t, schema.ChunkOutput, "x\n")}))
	}

	events, err := log.GetEvents(ctx, "n1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(5), events[1].Sequence)
}

func TestReplayTranscript(t *testing.T) {
	s := newTestStore(t)
	log := NewEventLog(s)
	ctx := context.Background()

	require.NoError(t, log.AppendEvent(ctx, &Event{NodeID: "n1", SessionID: "s1",
		Type: schema.EventSessionSpawned}))
	require.NoError(t, log.AppendEvent(ctx, &Event{NodeID: "n1", SessionID: "s1",
		Type: schema.EventChunkInput, Payload: chunkPayload(t, schema.ChunkInput, "echo hi\n")}))
	require.NoError(t, log.AppendEvent(ctx, &Event{NodeID: "n1", SessionID: "s1",
		Type: schema.EventChunkOutput, Payload: chunkPayload(t, schema.ChunkOutput, "hi\n")}))
	require.NoError(t, log.AppendEvent(ctx, &Event{NodeID: "n1", SessionID: "s1",
		Type: schema.EventSessionTerminated}))

	chunks, err := log.ReplayTranscript(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, chunks, 2) // lifecycle events are not chunks
	assert.Equal(t, schema.ChunkInput, chunks[0].Source)
	assert.Equal(t, "echo hi\n", chunks[0].Text)
	assert.Equal(t, schema.ChunkOutput, chunks[1].Source)
	// Payloads without a transcript sequence fall back to the event-log one.
	assert.Equal(t, int64(3), chunks[1].Sequence)
}

func TestReplayTranscriptPreservesTranscriptSequences(t *testing.T) {
	s := newTestStore(t)
	log := NewEventLog(s)
	ctx := context.Background()

	// The spawned event occupies event-log sequence 1, so the chunk rows land
	// at 2 and 3 while their transcript sequences are 1 and 2. Replay must
	// surface the transcript numbering, matching what a live consumer saw.
	require.NoError(t, log.AppendEvent(ctx, &Event{NodeID: "n1", SessionID: "s1",
		Type: schema.EventSessionSpawned}))
	for i, c := range []struct {
		typ    string
		source schema.ChunkSource
		text   string
	}{
		{schema.EventChunkInput, schema.ChunkInput, "echo hi\n"},
		{schema.EventChunkOutput, schema.ChunkOutput, "hi\n"},
	} {
		payload, err := json.Marshal(ChunkPayload{
			Sequence: int64(i + 1),
			Source:   c.source,
			Text:     c.text,
			Time:     time.Now().UTC(),
		})
		require.NoError(t, err)
		require.NoError(t, log.AppendEvent(ctx, &Event{NodeID: "n1", SessionID: "s1",
			Type: c.typ, Payload: payload}))
	}

	chunks, err := log.ReplayTranscript(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(1), chunks[0].Sequence)
	assert.Equal(t, int64(2), chunks[1].Sequence)
}

func TestReplayTranscriptDetectsSequenceGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Raw AppendEvent bypasses the event log's sequencing; insert a gap.
	require.NoError(t, s.AppendEvent(ctx, &Event{NodeID: "n1", Type: schema.EventChunkOutput,
		Payload: chunkPayload(t, schema.ChunkOutput, "a\n"), Sequence: 1}))
	require.NoError(t, s.AppendEvent(ctx, &Event{NodeID: "n1", Type: schema.EventChunkOutput,
		Payload: chunkPayload(t, schema.ChunkOutput, "b\n"), Sequence: 3}))

	_, err := NewEventLog(s).ReplayTranscript(ctx, "n1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestReplayTranscriptEmptyNode(t *testing.T) {
	s := newTestStore(t)

	chunks, err := NewEventLog(s).ReplayTranscript(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
