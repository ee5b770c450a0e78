// Package tools merges tool catalogs across native tools and every
// connected tool server into one deduplicated, scope-aware list.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/toolplane/toolplane/pkg/models"
)

// DelegateToolName is the reserved native tool the executor intercepts to
// spawn a nested agent turn. It never reaches a tool server.
const DelegateToolName = "delegate_to_agent"

// NativeHandler executes an in-process tool.
type NativeHandler func(ctx context.Context, args map[string]interface{}) ([]models.ContentBlock, error)

// NativeTool is one in-process tool under the reserved "native" namespace.
type NativeTool struct {
	Descriptor models.ToolDescriptor
	Handler    NativeHandler
}

// NativeRegistry holds the in-process tools.
type NativeRegistry struct {
	mu    sync.RWMutex
	tools map[string]NativeTool
}

func NewNativeRegistry() *NativeRegistry {
	r := &NativeRegistry{tools: make(map[string]NativeTool)}
	r.Register(delegateTool())
	return r
}

// Register adds or replaces a native tool. The descriptor's server id is
// forced to the native namespace.
func (r *NativeRegistry) Register(tool NativeTool) {
	tool.Descriptor.ServerID = models.NativeServerID
	r.mu.Lock()
	r.tools[tool.Descriptor.Name] = tool
	r.mu.Unlock()
}

// Get returns the named native tool.
func (r *NativeRegistry) Get(name string) (NativeTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Call executes a native tool by name.
func (r *NativeRegistry) Call(ctx context.Context, name string, args map[string]interface{}) ([]models.ContentBlock, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown native tool %q", name)
	}
	if tool.Handler == nil {
		return nil, fmt.Errorf("native tool %q has no handler", name)
	}
	return tool.Handler(ctx, args)
}

// Descriptors returns the native catalog, sorted by name.
func (r *NativeRegistry) Descriptors() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// delegateTool is the descriptor the model sees when an agent may delegate.
// It has no handler: the executor intercepts it and runs the nested turn
// itself.
func delegateTool() NativeTool {
	return NativeTool{
		Descriptor: models.ToolDescriptor{
			Name:        DelegateToolName,
			Description: "Delegate a sub-task to another agent. The agent runs its own conversation and returns its final answer.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent_id": map[string]interface{}{
						"type":        "string",
						"description": "ID of the agent to delegate to.",
					},
					"prompt": map[string]interface{}{
						"type":        "string",
						"description": "The sub-task for the delegated agent.",
					},
					"context": map[string]interface{}{
						"type":        "string",
						"description": "Optional background the delegated agent should know.",
					},
				},
				"required": []interface{}{"agent_id", "prompt"},
			},
		},
	}
}
