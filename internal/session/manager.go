package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/davrud/nodeflow/internal/logging"
	"github.com/davrud/nodeflow/internal/store"
	"github.com/davrud/nodeflow/internal/streaming"
	"github.com/davrud/nodeflow/pkg/schema"
)

const (
	captureBufferSize   = 4096
	defaultGracePeriod  = 2 * time.Second
	outputChannelBuffer = 256
)

// Handle identifies a live session returned by Spawn and SwitchProfile.
type Handle struct {
	SessionID string
	NodeID    string
	Profile   schema.Profile
}

// Options configures a Manager. Resolver and Hub are required; Appender is
// optional (nil disables event persistence).
type Options struct {
	Resolver  Resolver
	Hub       streaming.ChunkHub
	Appender  EventAppender
	Logger    *slog.Logger
	MaxChunks int
}

// session is the per-node runtime record. The state field is guarded by its
// own mutex so the capture goroutine never needs the node's control lock.
type session struct {
	id      string
	nodeID  string
	profile schema.Profile

	stateMu sync.Mutex
	state   schema.SessionState

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	transcript *Transcript
	done       chan struct{}
}

func (s *session) State() schema.SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// setState ignores writes once the session has settled: a terminal state is
// never left except through a fresh session.
func (s *session) setState(state schema.SessionState) {
	s.stateMu.Lock()
	if !s.state.Terminal() {
		s.state = state
	}
	s.stateMu.Unlock()
}

// casState moves from -> to atomically, failing if another writer got there
// first. The capture goroutine and the control path both settle state through
// this, so their read-then-write sequences cannot interleave.
func (s *session) casState(from, to schema.SessionState) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Manager owns process sessions for terminal nodes: at most one session per
// node, control operations serialized per node, output captured by a single
// goroutine per session and fanned out through the hub.
type Manager struct {
	resolver  Resolver
	hub       streaming.ChunkHub
	fsm       *FSM
	appender  EventAppender
	logger    *slog.Logger
	maxChunks int

	mu       sync.Mutex
	sessions map[string]*session
	locks    map[string]*sync.Mutex
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewLookPathResolver()
	}
	return &Manager{
		resolver:  resolver,
		hub:       opts.Hub,
		fsm:       NewFSM(opts.Appender),
		appender:  opts.Appender,
		logger:    logger,
		maxChunks: opts.MaxChunks,
		sessions:  make(map[string]*session),
		locks:     make(map[string]*sync.Mutex),
	}
}

// nodeLock returns the control mutex for a node, creating it on first use.
// Control operations (spawn, submit, switch, terminate) for the same node are
// serialized by this lock; operations on different nodes proceed in parallel.
func (m *Manager) nodeLock(nodeID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[nodeID]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[nodeID] = lk
	}
	return lk
}

func (m *Manager) get(nodeID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[nodeID]
}

func (m *Manager) put(nodeID string, s *session) {
	m.mu.Lock()
	m.sessions[nodeID] = s
	m.mu.Unlock()
}

// State returns the session state for a node. Nodes without a session report Idle.
func (m *Manager) State(nodeID string) schema.SessionState {
	if s := m.get(nodeID); s != nil {
		return s.State()
	}
	return schema.SessionIdle
}

// Profile returns the profile of the node's current session, or "" if none.
func (m *Manager) Profile(nodeID string) schema.Profile {
	if s := m.get(nodeID); s != nil {
		return s.profile
	}
	return ""
}

// Spawn starts an interpreter session for the node using the given profile.
// Returns ALREADY_RUNNING if a non-terminal session exists, and
// PROFILE_UNAVAILABLE if the profile cannot be resolved or started. The
// node's transcript is retained across re-spawns.
func (m *Manager) Spawn(ctx context.Context, nodeID string, profile schema.Profile) (*Handle, error) {
	lk := m.nodeLock(nodeID)
	lk.Lock()
	defer lk.Unlock()
	return m.spawnLocked(ctx, nodeID, profile)
}

func (m *Manager) spawnLocked(ctx context.Context, nodeID string, profile schema.Profile) (*Handle, error) {
	prev := m.get(nodeID)
	if prev != nil && !prev.State().Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeAlreadyRunning,
			"session already active in state %s", prev.State()).WithNode(nodeID)
	}

	// Resolve before any state change: an unknown or missing interpreter
	// leaves the node untouched (still Idle or in its prior terminal state).
	spec, err := m.resolver.Resolve(profile)
	if err != nil {
		return nil, err
	}

	var transcript *Transcript
	if prev != nil {
		transcript = prev.transcript
	} else {
		transcript = NewTranscript(m.maxChunks)
	}

	s := &session{
		id:         uuid.New().String(),
		nodeID:     nodeID,
		profile:    profile,
		state:      schema.SessionIdle,
		transcript: transcript,
		done:       make(chan struct{}),
	}

	ctx = logging.WithSessionID(logging.WithNodeID(ctx, nodeID), s.id)

	if err := m.fsm.Transition(ctx, nodeID, s.id, schema.SessionIdle, schema.SessionSpawning); err != nil {
		return nil, err
	}
	s.setState(schema.SessionSpawning)

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.setState(schema.SessionFailed)
		return nil, schema.NewErrorf(schema.ErrCodeProfileUnavailable,
			"open stdin pipe for profile %q", profile).WithNode(nodeID).WithCause(err)
	}

	// stdout and stderr share one pipe so interleaving matches what the
	// process actually produced.
	pr, pw, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		s.setState(schema.SessionFailed)
		return nil, schema.NewErrorf(schema.ErrCodeProfileUnavailable,
			"open output pipe for profile %q", profile).WithNode(nodeID).WithCause(err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = pw.Close()
		_ = pr.Close()
		_ = m.fsm.Transition(ctx, nodeID, s.id, schema.SessionSpawning, schema.SessionFailed)
		s.setState(schema.SessionFailed)
		close(s.done)
		m.put(nodeID, s)
		chunk := transcript.Append(schema.ChunkMarker, fmt.Sprintf("spawn failed: %s", err))
		m.emitChunk(ctx, s, chunk)
		return nil, schema.NewErrorf(schema.ErrCodeProfileUnavailable,
			"start interpreter for profile %q: %s", profile, err.Error()).WithNode(nodeID).WithCause(err)
	}
	// Close the parent's copy of the write end; the capture goroutine sees
	// EOF once the child's copies are gone.
	_ = pw.Close()

	s.cmd = cmd
	s.stdin = stdin

	if err := m.fsm.Transition(ctx, nodeID, s.id, schema.SessionSpawning, schema.SessionStreaming); err != nil {
		m.logger.WarnContext(ctx, "session event emission failed", "error", err)
	}
	s.setState(schema.SessionStreaming)
	m.put(nodeID, s)

	go m.capture(context.WithoutCancel(ctx), s, pr)

	m.logger.InfoContext(ctx, "session spawned",
		"profile", string(profile), "pid", cmd.Process.Pid)

	return &Handle{SessionID: s.id, NodeID: nodeID, Profile: profile}, nil
}

// capture is the sole writer of output chunks for a session. It reads the
// merged output pipe until EOF, then settles the final state.
func (m *Manager) capture(ctx context.Context, s *session, pr *os.File) {
	defer close(s.done)

	reader := bufio.NewReader(pr)
	buf := make([]byte, captureBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := s.transcript.Append(schema.ChunkOutput, string(buf[:n]))
			m.emitChunk(ctx, s, chunk)
		}
		if err != nil {
			break
		}
	}
	_ = pr.Close()
	waitErr := s.cmd.Wait()

	switch {
	case s.casState(schema.SessionTerminating, schema.SessionTerminated):
		// Requested termination completed; exit status is irrelevant.
		_ = m.fsm.Transition(ctx, s.nodeID, s.id, schema.SessionTerminating, schema.SessionTerminated)
		chunk := s.transcript.Append(schema.ChunkMarker, "session terminated")
		m.emitChunk(ctx, s, chunk)
		m.logger.InfoContext(ctx, "session terminated")
	case s.casState(schema.SessionStreaming, schema.SessionFailed):
		// The process exited on its own: crash, exit command, or closed stdin.
		_ = m.fsm.Transition(ctx, s.nodeID, s.id, schema.SessionStreaming, schema.SessionFailed)
		text := "process exited unexpectedly"
		if waitErr != nil {
			text = fmt.Sprintf("process exited unexpectedly: %s", waitErr)
		}
		chunk := s.transcript.Append(schema.ChunkMarker, text)
		m.emitChunk(ctx, s, chunk)
		m.logger.WarnContext(ctx, "session failed", "error", waitErr)
	}
}

// SubmitInput writes text to the session's stdin and records it as an input
// chunk. A trailing newline is appended if missing so the interpreter sees a
// complete line. Returns NOT_RUNNING unless the session is Streaming.
func (m *Manager) SubmitInput(ctx context.Context, nodeID, text string) error {
	lk := m.nodeLock(nodeID)
	lk.Lock()
	defer lk.Unlock()

	s := m.get(nodeID)
	if s == nil || s.State() != schema.SessionStreaming {
		return schema.NewError(schema.ErrCodeNotRunning,
			"no streaming session to receive input").WithNode(nodeID)
	}

	ctx = logging.WithSessionID(logging.WithNodeID(ctx, nodeID), s.id)

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	// Record the input before writing so it precedes any output it triggers.
	chunk := s.transcript.Append(schema.ChunkInput, text)
	m.emitChunk(ctx, s, chunk)

	if _, err := io.WriteString(s.stdin, text); err != nil {
		// A broken pipe means the process is going down; the capture
		// goroutine will settle the state when it sees EOF.
		return schema.NewError(schema.ErrCodeExecution,
			"write to session stdin").WithNode(nodeID).WithCause(err)
	}
	return nil
}

// Terminate requests orderly shutdown of the node's session: close stdin,
// SIGTERM, then SIGKILL after the grace period. Idempotent; terminating an
// idle or already-terminal session is a no-op. Blocks until the session has
// fully settled.
func (m *Manager) Terminate(ctx context.Context, nodeID string, grace time.Duration) error {
	lk := m.nodeLock(nodeID)
	lk.Lock()
	defer lk.Unlock()
	return m.terminateLocked(ctx, nodeID, grace)
}

func (m *Manager) terminateLocked(ctx context.Context, nodeID string, grace time.Duration) error {
	s := m.get(nodeID)
	if s == nil {
		return nil
	}
	state := s.State()
	if state == schema.SessionIdle || state.Terminal() {
		return nil
	}
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	ctx = logging.WithSessionID(logging.WithNodeID(ctx, nodeID), s.id)

	// The CAS loses when the capture goroutine settles the session between
	// our state read and here; in that case just wait for it to finish.
	if (state == schema.SessionSpawning || state == schema.SessionStreaming) &&
		s.casState(state, schema.SessionTerminating) {
		if err := m.fsm.Transition(ctx, nodeID, s.id, state, schema.SessionTerminating); err != nil {
			m.logger.WarnContext(ctx, "session event emission failed", "error", err)
		}
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	select {
	case <-s.done:
	case <-time.After(grace):
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.done
	}
	return nil
}

// SwitchProfile terminates the node's current session (if any), records a
// boundary marker in the retained transcript, and spawns a fresh session with
// the new profile. Equivalent to Terminate followed by Spawn, executed under
// one control-lock acquisition so no other operation can interleave.
func (m *Manager) SwitchProfile(ctx context.Context, nodeID string, profile schema.Profile) (*Handle, error) {
	lk := m.nodeLock(nodeID)
	lk.Lock()
	defer lk.Unlock()

	old := m.get(nodeID)
	if old != nil && !old.State().Terminal() && old.State() != schema.SessionIdle {
		if err := m.terminateLocked(ctx, nodeID, defaultGracePeriod); err != nil {
			return nil, err
		}
	}
	if old != nil {
		chunk := old.transcript.Append(schema.ChunkMarker,
			fmt.Sprintf("profile switched: %s -> %s", old.profile, profile))
		m.emitChunk(logging.WithNodeID(ctx, nodeID), old, chunk)
		m.appendEvent(ctx, nodeID, old.id, schema.EventProfileSwitched, map[string]any{
			"from": string(old.profile), "to": string(profile),
		})
	}
	return m.spawnLocked(ctx, nodeID, profile)
}

// Output returns a channel that replays the node's retained transcript and
// then streams live chunks until the session settles or ctx is cancelled.
// Replay and live delivery are deduplicated by sequence number so chunks
// arriving during attachment are delivered exactly once. A node with no
// session yet keeps the subscription open, so a consumer attaching before the
// first Spawn sees that session's chunks when it starts. The returned cancel
// function releases the subscription; the channel is closed when the stream
// ends.
func (m *Manager) Output(ctx context.Context, nodeID string) (<-chan streaming.ChunkEvent, func(), error) {
	// Subscribe before snapshotting so nothing falls in the gap; duplicates
	// are filtered by sequence below.
	live, unsubscribe, err := m.hub.Subscribe(ctx, streaming.ChunkFilter{NodeID: nodeID})
	if err != nil {
		return nil, nil, err
	}

	s := m.get(nodeID)
	var history []schema.Chunk
	var done chan struct{}
	if s != nil {
		history = s.transcript.Snapshot()
		done = s.done
	}

	out := make(chan streaming.ChunkEvent, outputChannelBuffer)
	stop := make(chan struct{})
	var stopOnce sync.Once
	cancel := func() {
		stopOnce.Do(func() { close(stop) })
	}

	go func() {
		defer close(out)
		defer unsubscribe()

		var lastSeq int64
		deliver := func(ev streaming.ChunkEvent) bool {
			if ev.Chunk.Sequence <= lastSeq {
				return true
			}
			select {
			case out <- ev:
				lastSeq = ev.Chunk.Sequence
				return true
			case <-stop:
				return false
			case <-ctx.Done():
				return false
			}
		}

		for _, c := range history {
			if !deliver(streaming.ChunkEvent{NodeID: nodeID, Chunk: c}) {
				return
			}
		}
		if s == nil {
			// No session yet: stay attached so chunks from a future spawn
			// flow through until the consumer detaches.
			for {
				select {
				case ev, ok := <-live:
					if !ok || !deliver(ev) {
						return
					}
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}

		for {
			select {
			case ev, ok := <-live:
				if !ok || !deliver(ev) {
					return
				}
			case <-done:
				// Session settled; drain whatever was published before the
				// final marker, then end the stream.
				for {
					select {
					case ev := <-live:
						if !deliver(ev) {
							return
						}
					default:
						return
					}
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

// Snapshot returns a copy of the node's retained transcript chunks.
// Nodes without a session have an empty transcript.
func (m *Manager) Snapshot(nodeID string) []schema.Chunk {
	if s := m.get(nodeID); s != nil {
		return s.transcript.Snapshot()
	}
	return nil
}

// RenderTranscript returns the plain-text transcript for a node.
func (m *Manager) RenderTranscript(nodeID string) string {
	if s := m.get(nodeID); s != nil {
		return s.transcript.Render()
	}
	return ""
}

// ClearTranscript drops the node's retained transcript. Only valid when no
// session is live; returns CONFLICT otherwise. Sequence numbers continue
// from where they left off.
func (m *Manager) ClearTranscript(nodeID string) error {
	lk := m.nodeLock(nodeID)
	lk.Lock()
	defer lk.Unlock()

	s := m.get(nodeID)
	if s == nil {
		return nil
	}
	if state := s.State(); state != schema.SessionIdle && !state.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"cannot clear transcript while session is %s", state).WithNode(nodeID)
	}
	s.transcript.Clear()
	return nil
}

// Shutdown terminates all live sessions in parallel and waits for them.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	m.mu.Lock()
	nodeIDs := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		nodeIDs = append(nodeIDs, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, nodeID := range nodeIDs {
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			if err := m.Terminate(ctx, nodeID, grace); err != nil {
				m.logger.WarnContext(ctx, "session shutdown failed",
					"node_id", nodeID, "error", err)
			}
		}(nodeID)
	}
	wg.Wait()
}

// emitChunk publishes a chunk to the hub and persists it in the event log.
// Both are best-effort: the transcript already holds the chunk.
func (m *Manager) emitChunk(ctx context.Context, s *session, chunk schema.Chunk) {
	if m.hub != nil {
		if err := m.hub.Publish(ctx, streaming.ChunkEvent{NodeID: s.nodeID, Chunk: chunk}); err != nil {
			m.logger.WarnContext(ctx, "chunk publish failed", "error", err)
		}
	}
	if m.appender != nil {
		payload := store.ChunkPayload{
			Sequence: chunk.Sequence,
			Source:   chunk.Source,
			Text:     chunk.Text,
			Time:     chunk.Time,
		}
		m.appendEvent(ctx, s.nodeID, s.id, chunkEventType(chunk.Source), payload)
	}
}

func (m *Manager) appendEvent(ctx context.Context, nodeID, sessionID, eventType string, payload any) {
	if m.appender == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		m.logger.WarnContext(ctx, "event payload marshal failed", "error", err)
		return
	}
	event := &store.Event{
		NodeID:    nodeID,
		SessionID: sessionID,
		Type:      eventType,
		Payload:   raw,
	}
	if err := m.appender.AppendEvent(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "event append failed", "type", eventType, "error", err)
	}
}

func chunkEventType(source schema.ChunkSource) string {
	switch source {
	case schema.ChunkInput:
		return schema.EventChunkInput
	case schema.ChunkMarker:
		return schema.EventChunkMarker
	default:
		return schema.EventChunkOutput
	}
}
