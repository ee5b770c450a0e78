// Package agents provides the persona registry: lookup plus per-agent
// tool filtering.
package agents

import (
	"context"

	"github.com/toolplane/toolplane/internal/store"
	"github.com/toolplane/toolplane/internal/tools"
	"github.com/toolplane/toolplane/pkg/models"
)

// Registry resolves agent personas and shapes their tool catalogs.
type Registry struct {
	store store.AgentStore
}

func NewRegistry(st store.AgentStore) *Registry {
	return &Registry{store: st}
}

// GetAgentByID returns the persona, or a not-found error from the store.
func (r *Registry) GetAgentByID(ctx context.Context, id string) (*models.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// ListAgents returns every configured persona.
func (r *Registry) ListAgents(ctx context.Context) ([]models.Agent, error) {
	return r.store.ListAgents(ctx)
}

// FilterToolsForAgent restricts the aggregated catalog to what the agent
// may see. An empty allow-list means everything. The delegation tool is
// kept only when the agent may delegate AND the caller permits delegation
// at the current depth; a delegated sub-turn never sees it.
func (r *Registry) FilterToolsForAgent(agent *models.Agent, catalog []models.ToolDescriptor, allowDelegation bool) []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, 0, len(catalog))
	for _, d := range catalog {
		if isDelegateTool(&d) {
			if agent == nil || !agent.CanDelegate || !allowDelegation {
				continue
			}
			out = append(out, d)
			continue
		}

		if agent != nil && len(agent.AllowedTools) > 0 && !allowed(agent.AllowedTools, &d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func isDelegateTool(d *models.ToolDescriptor) bool {
	return d.ServerID == models.NativeServerID && d.Name == tools.DelegateToolName
}

// allowed matches either the full serverID:name id or the bare name.
func allowed(entries []string, d *models.ToolDescriptor) bool {
	toolID := models.ToolID(d.ServerID, d.Name)
	for _, e := range entries {
		if e == toolID || e == d.Name {
			return true
		}
	}
	return false
}
