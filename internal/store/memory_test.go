package store

import (
	"context"
	"testing"
	"time"

	"github.com/toolplane/toolplane/pkg/models"
)

func TestToolServerCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	srv := &models.ToolServer{
		ID:        "github",
		Name:      "GitHub",
		Transport: models.TransportStdio,
		Command:   "mcp-github",
		Args:      []string{"--stdio"},
		Enabled:   true,
		AuthMode:  models.AuthUserAPIKey,
	}
	if err := s.CreateToolServer(ctx, srv); err != nil {
		t.Fatalf("CreateToolServer() error = %v", err)
	}
	if srv.CreatedAt.IsZero() {
		t.Error("CreateToolServer() should set CreatedAt")
	}

	got, err := s.GetToolServer(ctx, "github")
	if err != nil {
		t.Fatalf("GetToolServer() error = %v", err)
	}
	if got.Name != "GitHub" || got.Command != "mcp-github" {
		t.Errorf("GetToolServer() = %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Name = "mutated"
	again, _ := s.GetToolServer(ctx, "github")
	if again.Name != "GitHub" {
		t.Error("GetToolServer() returned a shared pointer, want a copy")
	}

	srv.Name = "GitHub Tools"
	if err := s.UpdateToolServer(ctx, srv); err != nil {
		t.Fatalf("UpdateToolServer() error = %v", err)
	}
	got, _ = s.GetToolServer(ctx, "github")
	if got.Name != "GitHub Tools" {
		t.Errorf("after update, Name = %q", got.Name)
	}

	list, err := s.ListToolServers(ctx)
	if err != nil {
		t.Fatalf("ListToolServers() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListToolServers() len = %d, want 1", len(list))
	}

	if err := s.DeleteToolServer(ctx, "github"); err != nil {
		t.Fatalf("DeleteToolServer() error = %v", err)
	}
	if _, err := s.GetToolServer(ctx, "github"); !IsNotFound(err) {
		t.Errorf("GetToolServer(deleted) error = %v, want not-found", err)
	}
	if err := s.DeleteToolServer(ctx, "github"); !IsNotFound(err) {
		t.Errorf("DeleteToolServer(missing) error = %v, want not-found", err)
	}
}

func TestListToolServersSorted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := s.CreateToolServer(ctx, &models.ToolServer{ID: id}); err != nil {
			t.Fatalf("CreateToolServer(%s) error = %v", id, err)
		}
	}

	list, err := s.ListToolServers(ctx)
	if err != nil {
		t.Fatalf("ListToolServers() error = %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, srv := range list {
		if srv.ID != want[i] {
			t.Errorf("list[%d].ID = %q, want %q", i, srv.ID, want[i])
		}
	}
}

func TestCredentialScoping(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exp := time.Now().Add(time.Hour).UTC()
	creds := []*models.Credential{
		{ID: "c1", Scope: models.ScopeUser, OwnerID: "alice", ServerID: "github", Type: models.CredentialAPIKey, Ciphertext: "xxx"},
		{ID: "c2", Scope: models.ScopeUser, OwnerID: "bob", ServerID: "github", Type: models.CredentialOAuth, Ciphertext: "yyy", OAuthExpiry: &exp},
		{ID: "c3", Scope: models.ScopeTeam, OwnerID: "platform", ServerID: "github", Type: models.CredentialAPIKey, Ciphertext: "zzz"},
	}
	for _, c := range creds {
		if err := s.UpsertCredential(ctx, c); err != nil {
			t.Fatalf("UpsertCredential(%s) error = %v", c.ID, err)
		}
	}

	got, err := s.FindCredential(ctx, models.ScopeUser, "alice", "github")
	if err != nil {
		t.Fatalf("FindCredential(alice) error = %v", err)
	}
	if got.ID != "c1" {
		t.Errorf("FindCredential(alice).ID = %q, want c1", got.ID)
	}

	// Same server, different scope must not collide.
	got, err = s.FindCredential(ctx, models.ScopeTeam, "platform", "github")
	if err != nil {
		t.Fatalf("FindCredential(team) error = %v", err)
	}
	if got.ID != "c3" {
		t.Errorf("FindCredential(team).ID = %q, want c3", got.ID)
	}

	if _, err := s.FindCredential(ctx, models.ScopeUser, "carol", "github"); !IsNotFound(err) {
		t.Errorf("FindCredential(missing) error = %v, want not-found", err)
	}

	// Upsert replaces in place.
	if err := s.UpsertCredential(ctx, &models.Credential{
		ID: "c1b", Scope: models.ScopeUser, OwnerID: "alice", ServerID: "github",
		Type: models.CredentialAPIKey, Ciphertext: "rotated",
	}); err != nil {
		t.Fatalf("UpsertCredential(replace) error = %v", err)
	}
	got, _ = s.FindCredential(ctx, models.ScopeUser, "alice", "github")
	if got.Ciphertext != "rotated" {
		t.Errorf("after upsert, Ciphertext = %q", got.Ciphertext)
	}

	if err := s.DeleteCredential(ctx, models.ScopeUser, "bob", "github"); err != nil {
		t.Fatalf("DeleteCredential() error = %v", err)
	}
	if _, err := s.FindCredential(ctx, models.ScopeUser, "bob", "github"); !IsNotFound(err) {
		t.Errorf("FindCredential(deleted) error = %v, want not-found", err)
	}
}

func TestAlwaysAllowedList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ids, err := s.GetAlwaysAllowed(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAlwaysAllowed(empty) error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("GetAlwaysAllowed(empty) = %v, want empty", ids)
	}

	for _, id := range []string{"github:create_issue", "slack:post_message", "github:create_issue"} {
		if err := s.AddAlwaysAllowed(ctx, "alice", id); err != nil {
			t.Fatalf("AddAlwaysAllowed(%s) error = %v", id, err)
		}
	}

	ids, _ = s.GetAlwaysAllowed(ctx, "alice")
	if len(ids) != 2 {
		t.Fatalf("GetAlwaysAllowed() = %v, want 2 deduped entries", ids)
	}
	if ids[0] != "github:create_issue" || ids[1] != "slack:post_message" {
		t.Errorf("GetAlwaysAllowed() = %v, want sorted", ids)
	}

	// Other users are unaffected.
	ids, _ = s.GetAlwaysAllowed(ctx, "bob")
	if len(ids) != 0 {
		t.Errorf("GetAlwaysAllowed(bob) = %v, want empty", ids)
	}

	if err := s.RemoveAlwaysAllowed(ctx, "alice", "slack:post_message"); err != nil {
		t.Fatalf("RemoveAlwaysAllowed() error = %v", err)
	}
	ids, _ = s.GetAlwaysAllowed(ctx, "alice")
	if len(ids) != 1 || ids[0] != "github:create_issue" {
		t.Errorf("after remove, GetAlwaysAllowed() = %v", ids)
	}
}

func TestAgentCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	agent := &models.Agent{
		ID:           "researcher",
		Name:         "Researcher",
		SystemPrompt: "You research things.",
		AllowedTools: []string{"web:search"},
		CanDelegate:  true,
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}

	got, err := s.GetAgent(ctx, "researcher")
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	if !got.CanDelegate || len(got.AllowedTools) != 1 {
		t.Errorf("GetAgent() = %+v", got)
	}

	agent.CanDelegate = false
	if err := s.UpdateAgent(ctx, agent); err != nil {
		t.Fatalf("UpdateAgent() error = %v", err)
	}
	got, _ = s.GetAgent(ctx, "researcher")
	if got.CanDelegate {
		t.Error("after update, CanDelegate = true, want false")
	}

	if err := s.UpdateAgent(ctx, &models.Agent{ID: "ghost"}); !IsNotFound(err) {
		t.Errorf("UpdateAgent(missing) error = %v, want not-found", err)
	}

	if err := s.DeleteAgent(ctx, "researcher"); err != nil {
		t.Fatalf("DeleteAgent() error = %v", err)
	}
	if _, err := s.GetAgent(ctx, "researcher"); !IsNotFound(err) {
		t.Errorf("GetAgent(deleted) error = %v, want not-found", err)
	}
}

func TestConfirmPolicyDefaultsToAll(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	policy, err := s.GetConfirmPolicy(ctx)
	if err != nil {
		t.Fatalf("GetConfirmPolicy() error = %v", err)
	}
	if policy.Mode != models.ConfirmAll {
		t.Errorf("default policy mode = %q, want %q", policy.Mode, models.ConfirmAll)
	}

	if err := s.SetConfirmPolicy(ctx, &models.ConfirmPolicy{
		Mode:  models.ConfirmWhitelist,
		Tools: []string{"github:get_issue"},
	}); err != nil {
		t.Fatalf("SetConfirmPolicy() error = %v", err)
	}

	policy, _ = s.GetConfirmPolicy(ctx)
	if policy.Mode != models.ConfirmWhitelist || len(policy.Tools) != 1 {
		t.Errorf("GetConfirmPolicy() = %+v", policy)
	}
}
