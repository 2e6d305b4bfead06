package schema

// Event type constants for the transcript/session event log.
const (
	EventSessionSpawned    = "session_spawned"
	EventSessionFailed     = "session_failed"
	EventSessionTerminated = "session_terminated"
	EventProfileSwitched   = "profile_switched"

	EventChunkInput  = "chunk_input"
	EventChunkOutput = "chunk_output"
	EventChunkMarker = "chunk_marker"

	EventNodeAdded         = "node_added"
	EventNodeRemoved       = "node_removed"
	EventConnectionAdded   = "connection_added"
	EventConnectionRemoved = "connection_removed"

	EventEditorOpened = "editor_opened"
	EventEditorClosed = "editor_closed"
	EventNodeSaved    = "node_saved"

	EventGraphEvaluated = "graph_evaluated"
	EventGraphAutosaved = "graph_autosaved"
)
