// Package tools is the gateway's tool runtime: a registry of built-in and
// MCP-served tools, a policy gate, JSON-schema input validation, lifecycle
// event emission, and redacted trace persistence. Everything a model-issued
// tool call passes through on its way to side effects lives here.
package tools

import (
	"context"
	"sort"
	"sync"

	"log/slog"
)

// ToolContext carries per-call execution context into a tool.
type ToolContext struct {
	WorkspaceDir string
	MutableRoots []string
	SessionID    string
	ProviderID   string
}

// Tool is one callable unit exposed to models. Parameters returns a JSON
// schema for the input object; Execute returns the text fed back to the
// model or an error.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, input map[string]interface{}, tc ToolContext) (string, error)
}

// Definition is the provider-facing projection of a tool.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry holds the tools available to turns. It is built at startup;
// collisions are skipped with a diagnostic rather than failing the gateway.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	stale bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. A name collision leaves the existing tool in place
// and logs the skip.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	if name == "" {
		slog.Warn("tools.register.skipped", "reason", "empty name")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		slog.Warn("tools.register.collision", "tool", name)
		return
	}
	r.tools[name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
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

// Definitions returns provider-facing definitions for every registered
// tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// MarkStale flags the registry as out of date with its on-disk config.
// There is no hot swap: the flag surfaces in status until a restart.
func (r *Registry) MarkStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale = true
}

// Stale reports whether the tools config changed since startup.
func (r *Registry) Stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stale
}
