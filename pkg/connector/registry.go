package connector

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry stores registered connectors keyed by name.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry constructs a connector registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
	}
}

// Register adds a connector to the registry.
func (r *Registry) Register(c Connector) error {
	if c == nil {
		return fmt.Errorf("connector is required")
	}

	name := strings.TrimSpace(c.Name())
	if name == "" {
		return fmt.Errorf("connector name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("connector %q already registered", name)
	}

	r.connectors[name] = c
	return nil
}

// Get returns the connector registered under name, or nil.
func (r *Registry) Get(name string) Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectors[strings.TrimSpace(name)]
}

// Names returns sorted registered connector names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
