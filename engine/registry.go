package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/emberward/residentd/interfaces"
)

// Tool is one callable exposed to the resident during a run. Execute mutates
// the run's ToolContext; it must not perform its own persistence beyond the
// collaborators handed to it.
type Tool interface {
	Name() string
	Definition() interfaces.ToolDefinition
	Execute(ctx context.Context, tc *ToolContext, args json.RawMessage) error
}

// Registry is a thread-safe, string-keyed tool registry. Built-in tools are
// registered at engine construction; deployments add their own before the
// first run. Registering an existing name replaces the tool.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool under its name. Nil tools are ignored.
func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[tool.Name()] = tool
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Definitions returns every registered tool's definition, ordered by name so
// the completion request is deterministic.
func (r *Registry) Definitions() []interfaces.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.ToolDefinition, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
