// Package agent hosts in-process subagents: named tool providers whose
// tools are injected into a request and executed locally when the model
// calls them mid-stream.
package agent

import (
	"context"
	"sync"

	"github.com/yansir/cc-router/internal/config"
)

// Tool is one tool descriptor in Messages API shape.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Meta is the request context handed to tool handlers. ProjectDir is the
// Claude Code project that owns the session, when one can be resolved.
type Meta struct {
	RequestID  string
	SessionID  string
	ProjectDir string
	Config     *config.Config
}

// Agent contributes tools and executes their calls.
type Agent interface {
	Name() string
	Tools() []Tool
	// Handle executes one tool call. The returned value is serialized
	// into the tool_result content.
	Handle(ctx context.Context, tool string, input map[string]any, meta *Meta) (any, error)
}

// Registry is the process-wide agent set.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
}

func (r *Registry) Get(name string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[name]
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// Filter keeps only the names that are actually registered.
func (r *Registry) Filter(names []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range names {
		if _, ok := r.agents[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// OwnerOf returns the allowed agent that declares the tool, or nil. Only
// tools owned by one of the request's allowed agents are intercepted;
// everything else streams through to the client.
func (r *Registry) OwnerOf(allowed []string, tool string) Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range allowed {
		a, ok := r.agents[name]
		if !ok {
			continue
		}
		for _, t := range a.Tools() {
			if t.Name == tool {
				return a
			}
		}
	}
	return nil
}

// InjectTools appends the allowed agents' tool descriptors to
// body.tools, creating the array when absent. Tools already present by
// name are not duplicated.
func (r *Registry) InjectTools(allowed []string, body map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools, _ := body["tools"].([]any)
	present := make(map[string]bool, len(tools))
	for _, tool := range tools {
		if t, ok := tool.(map[string]any); ok {
			if name, ok := t["name"].(string); ok {
				present[name] = true
			}
		}
	}

	for _, name := range allowed {
		a, ok := r.agents[name]
		if !ok {
			continue
		}
		for _, t := range a.Tools() {
			if present[t.Name] {
				continue
			}
			present[t.Name] = true
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			})
		}
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
}
