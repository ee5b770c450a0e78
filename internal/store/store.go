// Package store provides the storage interface and implementations for the
// toolplane. The in-memory store backs tests and zero-config deployments;
// the PostgreSQL store backs production.
package store

import (
	"context"
	"errors"

	"github.com/toolplane/toolplane/pkg/models"
)

// Store is the primary storage interface. All orchestration code depends
// on this interface, making it easy to swap between in-memory (tests)
// and PostgreSQL (production) implementations.
type Store interface {
	ToolServerStore
	CredentialStore
	AllowListStore
	AgentStore
	PolicyStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Tool Server Store ───────────────────────────────────────

type ToolServerStore interface {
	ListToolServers(ctx context.Context) ([]models.ToolServer, error)
	GetToolServer(ctx context.Context, id string) (*models.ToolServer, error)
	CreateToolServer(ctx context.Context, server *models.ToolServer) error
	UpdateToolServer(ctx context.Context, server *models.ToolServer) error
	DeleteToolServer(ctx context.Context, id string) error
}

// ── Credential Store ────────────────────────────────────────

type CredentialStore interface {
	// FindCredential returns the credential for (scope, owner, server),
	// or *ErrNotFound if none is stored.
	FindCredential(ctx context.Context, scope models.CredentialScope, ownerID, serverID string) (*models.Credential, error)
	UpsertCredential(ctx context.Context, cred *models.Credential) error
	DeleteCredential(ctx context.Context, scope models.CredentialScope, ownerID, serverID string) error
}

// ── Always-Allow List Store ─────────────────────────────────

// AllowListStore persists each user's always-allow tool ids, populated
// when a confirmation is resolved with scope "always".
type AllowListStore interface {
	GetAlwaysAllowed(ctx context.Context, userID string) ([]string, error)
	AddAlwaysAllowed(ctx context.Context, userID, toolID string) error
	RemoveAlwaysAllowed(ctx context.Context, userID, toolID string) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context) ([]models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error
}

// ── Policy Store ────────────────────────────────────────────

// PolicyStore holds the admin confirmation policy. A missing policy
// defaults to mode "all" (confirm everything).
type PolicyStore interface {
	GetConfirmPolicy(ctx context.Context) (*models.ConfirmPolicy, error)
	SetConfirmPolicy(ctx context.Context, policy *models.ConfirmPolicy) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
