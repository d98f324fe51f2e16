// Package tools holds the tool registry and the ordered-rule tool policy.
// Concrete tool implementations live elsewhere; the runtime only needs names,
// schemas, and execute functions.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Tool is one callable tool exposed to the model.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON-schema parameters object.
	Schema map[string]any
	// Execute runs the tool. Implementations honor ctx cancellation.
	Execute func(ctx context.Context, input json.RawMessage) (Result, error)
}

// Result is a tool execution outcome in provider shape.
type Result struct {
	Content string          `json:"content"`
	IsError bool            `json:"isError,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Registry is a named set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
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

// All returns all tools keyed by name (copy).
func (r *Registry) All() map[string]Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Tool, len(r.tools))
	for name, t := range r.tools {
		out[name] = t
	}
	return out
}
