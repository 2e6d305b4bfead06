package session

import (
	"context"
	"sync"

	"github.com/davrud/nodeflow/internal/store"
	"github.com/davrud/nodeflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.SessionState) error

// EventAppender is satisfied by the store and EventLog; used by the FSM to
// emit lifecycle events on transitions. May be nil for in-memory use.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.SessionState
}

// FSM validates and executes process session state transitions.
// All transitions for a given session flow through here, so an invalid move
// (double spawn, terminate of a terminated session) is rejected before any
// process state changes.
type FSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewFSM creates a new FSM that emits events via the given appender.
func NewFSM(appender EventAppender) *FSM {
	return &FSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *FSM) OnBefore(from, to schema.SessionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *FSM) OnAfter(from, to schema.SessionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a session state transition, emitting the
// corresponding event via the appender. The caller (Manager) is responsible
// for updating the session's own state field.
func (f *FSM) Transition(ctx context.Context, nodeID, sessionID string, from, to schema.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"session_id": sessionID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	eventType := sessionEventType(to)
	if eventType != "" && f.appender != nil {
		event := &store.Event{
			NodeID:    nodeID,
			SessionID: sessionID,
			Type:      eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit session event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidTransition(from, to schema.SessionState) bool {
	allowed, ok := ValidSessionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func sessionEventType(to schema.SessionState) string {
	switch to {
	case schema.SessionStreaming:
		return schema.EventSessionSpawned
	case schema.SessionTerminated:
		return schema.EventSessionTerminated
	case schema.SessionFailed:
		return schema.EventSessionFailed
	default:
		return ""
	}
}

// ValidSessionTransitions defines the allowed state transitions for process
// sessions. A re-spawn after Terminated/Failed starts a fresh session object
// beginning at Idle; terminal states therefore admit no transitions here.
var ValidSessionTransitions = map[schema.SessionState][]schema.SessionState{
	schema.SessionIdle:        {schema.SessionSpawning},
	schema.SessionSpawning:    {schema.SessionStreaming, schema.SessionTerminating, schema.SessionFailed},
	schema.SessionStreaming:   {schema.SessionTerminating, schema.SessionFailed},
	schema.SessionTerminating: {schema.SessionTerminated},
	schema.SessionTerminated:  {},
	schema.SessionFailed:      {},
}
