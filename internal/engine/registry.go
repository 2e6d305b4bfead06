package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/davrud/nodeflow/pkg/schema"
)

// Handler is the capability interface library and custom nodes dispatch
// through. Handlers register once at startup against a fixed capability tag.
type Handler interface {
	Name() string
	Description() string
	Evaluate(ctx context.Context, node schema.Node, inputs map[string]any) (any, error)
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is the thread-safe handler registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler to the registry. Returns an error on duplicate name.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get retrieves a handler by capability tag.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "handler %q not registered", name)
	}
	return h, nil
}

// Has checks whether a handler is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// List returns info for all registered handlers, sorted by name.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, HandlerInfo{Name: h.Name(), Description: h.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
