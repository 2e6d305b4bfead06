package schema

import "time"

// Profile selects which interactive shell a terminal node launches.
// The set is closed but extensible through the profile resolver.
type Profile string

const (
	ProfileBash   Profile = "bash"
	ProfileSh     Profile = "sh"
	ProfilePython Profile = "python"
)

// SessionState is the lifecycle state of a terminal node's process session.
type SessionState string

const (
	SessionIdle        SessionState = "idle"
	SessionSpawning    SessionState = "spawning"
	SessionStreaming   SessionState = "streaming"
	SessionTerminating SessionState = "terminating"
	SessionTerminated  SessionState = "terminated"
	SessionFailed      SessionState = "failed"
)

// Terminal reports whether the state admits no further transitions except a
// fresh re-spawn.
func (s SessionState) Terminal() bool {
	return s == SessionTerminated || s == SessionFailed
}

// ChunkSource tags where a transcript chunk came from.
type ChunkSource string

const (
	ChunkInput  ChunkSource = "input"  // text submitted by the user
	ChunkOutput ChunkSource = "output" // text captured from the process
	ChunkMarker ChunkSource = "marker" // synthetic boundary/failure record
)

// Chunk is one entry in a session transcript. Sequence numbers are monotonic
// per session and never reset, even across profile switches and re-spawns.
type Chunk struct {
	Sequence int64       `json:"sequence"`
	Source   ChunkSource `json:"source"`
	Text     string      `json:"text"`
	Time     time.Time   `json:"time"`
}
