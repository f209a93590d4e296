package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agor-sh/agor/internal/common/logger"
)

// Registry maps tool names to constructed adapters.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// DefaultRegistry builds a registry with every production adapter.
func DefaultRegistry(log *logger.Logger) *Registry {
	r := NewRegistry()
	r.Register(NewClaudeCode(log))
	r.Register(NewCodex(log))
	r.Register(NewGemini(log))
	r.Register(NewOpenCode(log))
	return r
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q (known: %v)", name, r.namesLocked())
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
