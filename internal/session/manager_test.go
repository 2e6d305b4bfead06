package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davrud/nodeflow/internal/streaming"
	"github.com/davrud/nodeflow/pkg/schema"
)

const (
	waitFor  = 5 * time.Second
	interval = 20 * time.Millisecond
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Options{
		Resolver: NewLookPathResolver(),
		Hub:      streaming.NewMemoryHub(),
	})
	t.Cleanup(func() {
		m.Shutdown(context.Background(), time.Second)
	})
	return m
}

func TestSpawnSubmitSnapshot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	handle, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	assert.NotEmpty(t, handle.SessionID)
	assert.Equal(t, schema.SessionStreaming, m.State("term-1"))
	assert.Equal(t, schema.ProfileSh, m.Profile("term-1"))

	require.NoError(t, m.SubmitInput(ctx, "term-1", "echo hi"))

	require.Eventually(t, func() bool {
		return strings.Contains(m.RenderTranscript("term-1"), "echo hi\nhi\n")
	}, waitFor, interval, "expected echoed output in transcript")

	snap := m.Snapshot("term-1")
	require.NotEmpty(t, snap)
	assert.Equal(t, schema.ChunkInput, snap[0].Source)
	assert.Equal(t, "echo hi\n", snap[0].Text)

	require.NoError(t, m.Terminate(ctx, "term-1", time.Second))
	assert.Equal(t, schema.SessionTerminated, m.State("term-1"))
}

func TestSpawnRejectsSecondSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)

	_, err = m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAlreadyRunning, schema.CodeOf(err))
}

func TestSpawnUnavailableProfileLeavesStateIdle(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Spawn(context.Background(), "term-1", schema.Profile("cobol"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeProfileUnavailable, schema.CodeOf(err))
	assert.Equal(t, schema.SessionIdle, m.State("term-1"))
	assert.Empty(t, m.Snapshot("term-1"))
}

func TestSubmitInputWithoutSession(t *testing.T) {
	m := newTestManager(t)

	err := m.SubmitInput(context.Background(), "term-1", "echo hi")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotRunning, schema.CodeOf(err))
}

func TestSubmitInputAppendsNewline(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.SubmitInput(ctx, "term-1", "true"))

	snap := m.Snapshot("term-1")
	require.NotEmpty(t, snap)
	assert.Equal(t, "true\n", snap[0].Text)
}

func TestTerminateIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Terminate(ctx, "never-spawned", time.Second))

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.Terminate(ctx, "term-1", time.Second))
	require.NoError(t, m.Terminate(ctx, "term-1", time.Second))
	assert.Equal(t, schema.SessionTerminated, m.State("term-1"))
}

func TestTerminateWritesMarker(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.Terminate(ctx, "term-1", time.Second))

	assert.Contains(t, m.RenderTranscript("term-1"), "--- session terminated ---")
}

func TestUnexpectedExitTransitionsToFailed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.SubmitInput(ctx, "term-1", "exit 0"))

	require.Eventually(t, func() bool {
		return m.State("term-1") == schema.SessionFailed
	}, waitFor, interval, "expected session to settle as failed")

	assert.Contains(t, m.RenderTranscript("term-1"), "process exited unexpectedly")
}

func TestSessionStateSettlesOnce(t *testing.T) {
	s := &session{state: schema.SessionStreaming}

	require.True(t, s.casState(schema.SessionStreaming, schema.SessionFailed))

	// Late writers lose: a settled session never leaves its terminal state.
	assert.False(t, s.casState(schema.SessionStreaming, schema.SessionTerminating))
	s.setState(schema.SessionTerminating)
	assert.Equal(t, schema.SessionFailed, s.State())
}

func TestTerminateAfterUnexpectedExitAllowsRespawn(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.SubmitInput(ctx, "term-1", "exit 0"))
	require.Eventually(t, func() bool {
		return m.State("term-1") == schema.SessionFailed
	}, waitFor, interval)

	// Terminating a session that already settled must not resurrect it.
	require.NoError(t, m.Terminate(ctx, "term-1", time.Second))
	assert.Equal(t, schema.SessionFailed, m.State("term-1"))

	_, err = m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionStreaming, m.State("term-1"))
}

func TestRespawnAfterTerminationRetainsTranscript(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.SubmitInput(ctx, "term-1", "echo first"))
	require.Eventually(t, func() bool {
		return strings.Contains(m.RenderTranscript("term-1"), "first\n")
	}, waitFor, interval)
	require.NoError(t, m.Terminate(ctx, "term-1", time.Second))
	lastSeq := m.Snapshot("term-1")[len(m.Snapshot("term-1"))-1].Sequence

	_, err = m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.SubmitInput(ctx, "term-1", "echo second"))

	require.Eventually(t, func() bool {
		return strings.Contains(m.RenderTranscript("term-1"), "second\n")
	}, waitFor, interval)

	rendered := m.RenderTranscript("term-1")
	assert.Contains(t, rendered, "echo first")
	assert.Contains(t, rendered, "echo second")

	snap := m.Snapshot("term-1")
	assert.Greater(t, snap[len(snap)-1].Sequence, lastSeq, "sequences continue across re-spawns")
}

// Switching profiles mid-session keeps the transcript and inserts a boundary
// marker between the two interpreters' output.
func TestSwitchProfileRetainsTranscriptWithMarker(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.SubmitInput(ctx, "term-1", "echo before"))
	require.Eventually(t, func() bool {
		return strings.Contains(m.RenderTranscript("term-1"), "before\n")
	}, waitFor, interval)

	handle, err := m.SwitchProfile(ctx, "term-1", schema.ProfileBash)
	require.NoError(t, err)
	assert.Equal(t, schema.ProfileBash, handle.Profile)
	assert.Equal(t, schema.SessionStreaming, m.State("term-1"))

	require.NoError(t, m.SubmitInput(ctx, "term-1", "echo after"))
	require.Eventually(t, func() bool {
		return strings.Contains(m.RenderTranscript("term-1"), "after\n")
	}, waitFor, interval)

	rendered := m.RenderTranscript("term-1")
	assert.Contains(t, rendered, "echo before")
	assert.Contains(t, rendered, "--- profile switched: sh -> bash ---")
	assert.Contains(t, rendered, "echo after")

	// Marker sits between the two interpreters' chunks.
	beforeIdx := strings.Index(rendered, "before")
	markerIdx := strings.Index(rendered, "profile switched")
	afterIdx := strings.Index(rendered, "echo after")
	assert.Less(t, beforeIdx, markerIdx)
	assert.Less(t, markerIdx, afterIdx)
}

func TestOutputReplaysHistoryThenStreamsLive(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.SubmitInput(ctx, "term-1", "echo replayed"))
	require.Eventually(t, func() bool {
		return strings.Contains(m.RenderTranscript("term-1"), "replayed\n")
	}, waitFor, interval)

	out, stop, err := m.Output(ctx, "term-1")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, m.SubmitInput(ctx, "term-1", "echo live"))

	var seen []string
	var lastSeq int64
	for ev := range out {
		assert.Greater(t, ev.Chunk.Sequence, lastSeq, "no duplicates, strictly increasing")
		lastSeq = ev.Chunk.Sequence
		seen = append(seen, ev.Chunk.Text)
		joined := strings.Join(seen, "")
		if strings.Contains(joined, "replayed\n") && strings.Contains(joined, "live\n") {
			return
		}
	}
	t.Fatalf("stream ended before live output arrived: %q", strings.Join(seen, ""))
}

func TestOutputAttachedBeforeFirstSpawnStreamsLater(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	// Attach before any session exists; the stream must stay open.
	out, stop, err := m.Output(ctx, "term-1")
	require.NoError(t, err)
	defer stop()

	_, err = m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.SubmitInput(ctx, "term-1", "echo early"))

	var seen strings.Builder
	for ev := range out {
		seen.WriteString(ev.Chunk.Text)
		if strings.Contains(seen.String(), "early\n") {
			return
		}
	}
	t.Fatalf("stream closed before the first session's output arrived: %q", seen.String())
}

func TestOutputStreamEndsWhenSessionSettles(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)

	out, stop, err := m.Output(ctx, "term-1")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, m.Terminate(ctx, "term-1", time.Second))

	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return // closed after settlement
			}
		case <-deadline:
			t.Fatal("output channel never closed after termination")
		}
	}
}

func TestClearTranscriptRequiresSettledSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)

	err = m.ClearTranscript("term-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	require.NoError(t, m.Terminate(ctx, "term-1", time.Second))
	require.NoError(t, m.ClearTranscript("term-1"))
	assert.Empty(t, m.Snapshot("term-1"))
}

func TestShutdownTerminatesAllSessions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Spawn(ctx, "a", schema.ProfileSh)
	require.NoError(t, err)
	_, err = m.Spawn(ctx, "b", schema.ProfileSh)
	require.NoError(t, err)

	m.Shutdown(ctx, time.Second)
	assert.Equal(t, schema.SessionTerminated, m.State("a"))
	assert.Equal(t, schema.SessionTerminated, m.State("b"))
}

func TestEventsPersistedThroughAppender(t *testing.T) {
	rec := &recordingAppender{}
	m := NewManager(Options{
		Resolver: NewLookPathResolver(),
		Hub:      streaming.NewMemoryHub(),
		Appender: rec,
	})
	ctx := context.Background()

	_, err := m.Spawn(ctx, "term-1", schema.ProfileSh)
	require.NoError(t, err)
	require.NoError(t, m.SubmitInput(ctx, "term-1", "echo hi"))
	require.Eventually(t, func() bool {
		return len(rec.byType(schema.EventChunkOutput)) > 0
	}, waitFor, interval)
	require.NoError(t, m.Terminate(ctx, "term-1", time.Second))

	assert.NotEmpty(t, rec.byType(schema.EventSessionSpawned))
	assert.NotEmpty(t, rec.byType(schema.EventChunkInput))
	assert.NotEmpty(t, rec.byType(schema.EventSessionTerminated))
}
