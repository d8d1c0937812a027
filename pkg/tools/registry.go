package tools

import (
	"sort"
	"sync"
)

// Registry holds the tools visible to one agent. Definitions are emitted in
// sorted name order so identical tool sets produce identical request bodies.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Register(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the function-calling definitions for every registered tool
// plus the given extras (strategy tools, which vary per iteration).
func (r *Registry) Schemas(extras []*Tool) []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]map[string]any, 0, len(r.tools)+len(extras))
	for _, name := range r.sortedNames() {
		defs = append(defs, r.tools[name].Schema())
	}
	for _, tool := range extras {
		defs = append(defs, tool.Schema())
	}
	return defs
}

// Resolve looks a tool up in the registry or the per-iteration extras.
func (r *Registry) Resolve(name string, extras []*Tool) (*Tool, bool) {
	for _, tool := range extras {
		if tool.Name == name {
			return tool, true
		}
	}
	return r.Get(name)
}
