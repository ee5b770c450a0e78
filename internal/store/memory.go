package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/toolplane/toolplane/pkg/models"
)

// MemoryStore is a thread-safe in-memory implementation of Store.
type MemoryStore struct {
	mu sync.RWMutex

	servers     map[string]*models.ToolServer // key: server id
	credentials map[string]*models.Credential // key: scope:owner:server
	allowLists  map[string]map[string]bool    // key: user id → tool ids
	agents      map[string]*models.Agent      // key: agent id
	policy      *models.ConfirmPolicy
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:     make(map[string]*models.ToolServer),
		credentials: make(map[string]*models.Credential),
		allowLists:  make(map[string]map[string]bool),
		agents:      make(map[string]*models.Agent),
	}
}

func credKey(scope models.CredentialScope, ownerID, serverID string) string {
	return string(scope) + ":" + ownerID + ":" + serverID
}

// ── Tool Servers ─────────────────────────────────────────────

func (s *MemoryStore) ListToolServers(_ context.Context) ([]models.ToolServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ToolServer, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, *srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetToolServer(_ context.Context, id string) (*models.ToolServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool server", Key: id}
	}
	cp := *srv
	return &cp, nil
}

func (s *MemoryStore) CreateToolServer(_ context.Context, server *models.ToolServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now
	cp := *server
	s.servers[server.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateToolServer(_ context.Context, server *models.ToolServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[server.ID]; !ok {
		return &ErrNotFound{Entity: "tool server", Key: server.ID}
	}
	server.UpdatedAt = time.Now().UTC()
	cp := *server
	s.servers[server.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteToolServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[id]; !ok {
		return &ErrNotFound{Entity: "tool server", Key: id}
	}
	delete(s.servers, id)
	return nil
}

// ── Credentials ──────────────────────────────────────────────

func (s *MemoryStore) FindCredential(_ context.Context, scope models.CredentialScope, ownerID, serverID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[credKey(scope, ownerID, serverID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "credential", Key: credKey(scope, ownerID, serverID)}
	}
	cp := *cred
	return &cp, nil
}

func (s *MemoryStore) UpsertCredential(_ context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	cp := *cred
	s.credentials[credKey(cred.Scope, cred.OwnerID, cred.ServerID)] = &cp
	return nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, scope models.CredentialScope, ownerID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey(scope, ownerID, serverID)
	if _, ok := s.credentials[key]; !ok {
		return &ErrNotFound{Entity: "credential", Key: key}
	}
	delete(s.credentials, key)
	return nil
}

// ── Always-Allow Lists ───────────────────────────────────────

func (s *MemoryStore) GetAlwaysAllowed(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.allowLists[userID]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) AddAlwaysAllowed(_ context.Context, userID, toolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allowLists[userID] == nil {
		s.allowLists[userID] = make(map[string]bool)
	}
	s.allowLists[userID][toolID] = true
	return nil
}

func (s *MemoryStore) RemoveAlwaysAllowed(_ context.Context, userID, toolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.allowLists[userID], toolID)
	return nil
}

// ── Agents ───────────────────────────────────────────────────

func (s *MemoryStore) ListAgents(_ context.Context) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agent.ID]; !ok {
		return &ErrNotFound{Entity: "agent", Key: agent.ID}
	}
	agent.UpdatedAt = time.Now().UTC()
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	delete(s.agents, id)
	return nil
}

// ── Confirm Policy ───────────────────────────────────────────

func (s *MemoryStore) GetConfirmPolicy(_ context.Context) (*models.ConfirmPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.policy == nil {
		// Default: confirm everything.
		return &models.ConfirmPolicy{Mode: models.ConfirmAll}, nil
	}
	cp := *s.policy
	return &cp, nil
}

func (s *MemoryStore) SetConfirmPolicy(_ context.Context, policy *models.ConfirmPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *policy
	s.policy = &cp
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
