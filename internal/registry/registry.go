// Package registry maps tool names to their handlers and hosts the builtin
// tools: a single-call chat tool and workflow-driven investigation tools.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/arbiter-dev/arbiterd/internal/domain"
)

// Registry is the daemon's tool table. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*domain.ToolRegistration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*domain.ToolRegistration)}
}

// Register adds a tool. Duplicate names are a wiring bug.
func (r *Registry) Register(reg *domain.ToolRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[reg.Name]; exists {
		return fmt.Errorf("tool %q already registered", reg.Name)
	}
	r.tools[reg.Name] = reg
	return nil
}

// Lookup implements domain.ToolRegistry.
func (r *Registry) Lookup(toolName string) (*domain.ToolRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[toolName]
	return reg, ok
}

// Names lists registered tools sorted, for the handshake and health output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
