package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davrud/nodeflow/pkg/schema"
)

// DefaultMaxChunks bounds the in-memory transcript. Older chunks are evicted
// once the bound is exceeded; the persisted event log keeps the full history.
const DefaultMaxChunks = 10000

// Transcript is an append-only, ordered record of everything that flowed
// through a node's process session: submitted input, captured output, and
// lifecycle markers. A single goroutine appends at a time (the Manager's
// capture goroutine or a control operation holding the node lock); reads may
// happen concurrently.
type Transcript struct {
	mu        sync.RWMutex
	chunks    []schema.Chunk
	nextSeq   int64
	maxChunks int
}

// NewTranscript creates a transcript bounded at maxChunks entries.
// A maxChunks of zero or below uses DefaultMaxChunks.
func NewTranscript(maxChunks int) *Transcript {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Transcript{maxChunks: maxChunks}
}

// Append records a chunk and returns it with its assigned sequence number.
// Sequences are monotonically increasing for the life of the transcript and
// are never reused, even after eviction or Clear.
func (t *Transcript) Append(source schema.ChunkSource, text string) schema.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSeq++
	chunk := schema.Chunk{
		Sequence: t.nextSeq,
		Source:   source,
		Text:     text,
		Time:     time.Now().UTC(),
	}
	t.chunks = append(t.chunks, chunk)
	if len(t.chunks) > t.maxChunks {
		overflow := len(t.chunks) - t.maxChunks
		t.chunks = append([]schema.Chunk(nil), t.chunks[overflow:]...)
	}
	return chunk
}

// Snapshot returns a copy of the retained chunks in order.
func (t *Transcript) Snapshot() []schema.Chunk {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]schema.Chunk, len(t.chunks))
	copy(out, t.chunks)
	return out
}

// Render produces the plain-text form of the transcript: input and output
// chunks verbatim in order, markers set off on their own line.
func (t *Transcript) Render() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	for _, c := range t.chunks {
		if c.Source == schema.ChunkMarker {
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "--- %s ---\n", c.Text)
			continue
		}
		b.WriteString(c.Text)
	}
	return b.String()
}

// Len returns the number of retained chunks.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.chunks)
}

// LastSequence returns the highest sequence assigned so far, 0 if none.
func (t *Transcript) LastSequence() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextSeq
}

// Clear drops all retained chunks. The sequence counter is not reset, so
// chunks appended afterwards continue the monotonic order.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = nil
}
