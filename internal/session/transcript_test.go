package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davrud/nodeflow/pkg/schema"
)

func TestTranscriptAppendAssignsMonotonicSequences(t *testing.T) {
	tr := NewTranscript(0)

	first := tr.Append(schema.ChunkInput, "echo hi\n")
	second := tr.Append(schema.ChunkOutput, "hi\n")

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, int64(2), tr.LastSequence())
}

func TestTranscriptSnapshotIsACopy(t *testing.T) {
	tr := NewTranscript(0)
	tr.Append(schema.ChunkOutput, "a")

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Text = "mutated"

	again := tr.Snapshot()
	assert.Equal(t, "a", again[0].Text)
}

func TestTranscriptRender(t *testing.T) {
	tr := NewTranscript(0)
	tr.Append(schema.ChunkInput, "echo hi\n")
	tr.Append(schema.ChunkOutput, "hi\n")
	tr.Append(schema.ChunkMarker, "session terminated")

	assert.Equal(t, "echo hi\nhi\n--- session terminated ---\n", tr.Render())
}

func TestTranscriptRenderMarkerBreaksLine(t *testing.T) {
	tr := NewTranscript(0)
	tr.Append(schema.ChunkOutput, "no trailing newline")
	tr.Append(schema.ChunkMarker, "profile switched: sh -> bash")

	assert.Equal(t, "no trailing newline\n--- profile switched: sh -> bash ---\n", tr.Render())
}

func TestTranscriptEvictsOldestBeyondBound(t *testing.T) {
	tr := NewTranscript(3)
	for i := 0; i < 5; i++ {
		tr.Append(schema.ChunkOutput, fmt.Sprintf("line-%d\n", i))
	}

	snap := tr.Snapshot()
	require.Len(t, snap, 3)
	// Oldest two evicted; sequences keep counting.
	assert.Equal(t, int64(3), snap[0].Sequence)
	assert.Equal(t, int64(5), snap[2].Sequence)
	assert.Equal(t, int64(5), tr.LastSequence())
}

func TestTranscriptClearKeepsSequenceCounter(t *testing.T) {
	tr := NewTranscript(0)
	tr.Append(schema.ChunkOutput, "a")
	tr.Append(schema.ChunkOutput, "b")

	tr.Clear()
	assert.Zero(t, tr.Len())

	next := tr.Append(schema.ChunkOutput, "c")
	assert.Equal(t, int64(3), next.Sequence)
}
