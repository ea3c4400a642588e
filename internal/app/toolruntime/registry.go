package toolruntime

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"taskplane/internal/domain/tool"
)

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidTool   = errors.New("invalid tool")
)

// Registry maps tool ids to capabilities. New tool kinds are added by
// registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool.Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]tool.Tool)}
}

// Register adds a tool. Ids are unique.
func (r *Registry) Register(t tool.Tool) error {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTool)
	}
	if t.Run == nil {
		return fmt.Errorf("%w: %s has no run function", ErrInvalidTool, t.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.ID)
	}
	r.tools[t.ID] = t
	return nil
}

// MustRegister registers t and panics on error.
func (r *Registry) MustRegister(t tool.Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Unregister removes a tool and reports whether it existed.
func (r *Registry) Unregister(toolID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[toolID]; !ok {
		return false
	}
	delete(r.tools, toolID)
	return true
}

// Get looks up a tool by id.
func (r *Registry) Get(toolID string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolID]
	return t, ok
}

// Has reports whether a tool id is registered.
func (r *Registry) Has(toolID string) bool {
	_, ok := r.Get(toolID)
	return ok
}

// List returns registered tool ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for toolID := range r.tools {
		ids = append(ids, toolID)
	}
	sort.Strings(ids)
	return ids
}
