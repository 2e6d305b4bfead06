package session

import (
	"os/exec"
	"sync"

	"github.com/davrud/nodeflow/pkg/schema"
)

// LaunchSpec describes how to start an interpreter process for a profile.
type LaunchSpec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Resolver maps a profile to a concrete launch spec on the current host.
type Resolver interface {
	Resolve(profile schema.Profile) (*LaunchSpec, error)
}

type profileCandidate struct {
	names []string
	args  []string
}

// LookPathResolver resolves profiles by searching PATH for known interpreter
// binaries. Additional profiles can be registered at runtime.
type LookPathResolver struct {
	mu         sync.RWMutex
	candidates map[schema.Profile]profileCandidate
}

// NewLookPathResolver creates a resolver pre-populated with the built-in
// profiles: bash, sh and python.
func NewLookPathResolver() *LookPathResolver {
	return &LookPathResolver{
		candidates: map[schema.Profile]profileCandidate{
			schema.ProfileBash:   {names: []string{"bash"}},
			schema.ProfileSh:     {names: []string{"sh"}},
			schema.ProfilePython: {names: []string{"python3", "python"}, args: []string{"-i", "-u"}},
		},
	}
}

// Register adds or replaces a profile. The first name found on PATH wins.
func (r *LookPathResolver) Register(profile schema.Profile, names []string, args []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates[profile] = profileCandidate{names: names, args: args}
}

// Resolve returns a launch spec for the profile, or a PROFILE_UNAVAILABLE
// error when the profile is unknown or none of its binaries exist on PATH.
func (r *LookPathResolver) Resolve(profile schema.Profile) (*LaunchSpec, error) {
	r.mu.RLock()
	cand, ok := r.candidates[profile]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeProfileUnavailable,
			"unknown profile %q", profile)
	}
	for _, name := range cand.names {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		return &LaunchSpec{Command: path, Args: cand.args}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeProfileUnavailable,
		"no interpreter found on PATH for profile %q", profile)
}

var _ Resolver = (*LookPathResolver)(nil)
