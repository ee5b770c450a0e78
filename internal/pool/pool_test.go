package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/internal/crypto"
	"github.com/toolplane/toolplane/internal/mcpclient"
	"github.com/toolplane/toolplane/internal/store"
	"github.com/toolplane/toolplane/pkg/models"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type fakeClient struct {
	closed atomic.Bool
	tools  []mcp.Tool
}

func (f *fakeClient) Initialize(context.Context) error { return nil }

func (f *fakeClient) ListTools(context.Context) ([]mcp.Tool, error) { return f.tools, nil }

func (f *fakeClient) CallTool(context.Context, string, map[string]interface{}) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func (f *fakeClient) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeClient) Close() error {
	f.closed.Store(true)
	return nil
}

// newTestPool wires a pool over the in-memory store with a counting factory.
func newTestPool(t *testing.T) (*Pool, *store.MemoryStore, *atomic.Int64) {
	t.Helper()

	cr, err := crypto.NewService(testKey)
	if err != nil {
		t.Fatalf("crypto.NewService() error = %v", err)
	}
	st := store.NewMemoryStore()

	p := New(st, cr, config.PoolConfig{
		IdleTTL:       5 * time.Minute,
		SweepInterval: time.Minute,
	})

	var connects atomic.Int64
	p.SetFactory(func(server *models.ToolServer, headers map[string]string) (mcpclient.MCPClient, error) {
		connects.Add(1)
		return &fakeClient{tools: []mcp.Tool{{Name: "ping"}}}, nil
	})
	return p, st, &connects
}

func seedCredential(t *testing.T, st *store.MemoryStore, scope models.CredentialScope, ownerID, serverID string) {
	t.Helper()

	cr, err := crypto.NewService(testKey)
	if err != nil {
		t.Fatalf("crypto.NewService() error = %v", err)
	}
	ciphertext, err := cr.Encrypt(&models.CredentialPayload{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	err = st.UpsertCredential(context.Background(), &models.Credential{
		ID: "cred-1", Scope: scope, OwnerID: ownerID, ServerID: serverID,
		Type: models.CredentialAPIKey, Ciphertext: ciphertext,
	})
	if err != nil {
		t.Fatalf("UpsertCredential() error = %v", err)
	}
}

func userServer(id string) *models.ToolServer {
	return &models.ToolServer{
		ID: id, Transport: models.TransportSSE, URL: "http://example.com/sse",
		Enabled: true, AuthMode: models.AuthUserAPIKey,
		Instructions: "add your key in settings",
	}
}

func TestConnectGlobalIdempotent(t *testing.T) {
	p, _, connects := newTestPool(t)
	ctx := context.Background()

	srv := &models.ToolServer{ID: "fetch", Transport: models.TransportStdio, Command: "mcp-fetch", AuthMode: models.AuthNone}

	first, err := p.ConnectGlobal(ctx, srv)
	if err != nil {
		t.Fatalf("ConnectGlobal() error = %v", err)
	}
	second, err := p.ConnectGlobal(ctx, srv)
	if err != nil {
		t.Fatalf("ConnectGlobal() second call error = %v", err)
	}
	if first != second {
		t.Error("ConnectGlobal() should return the same connection")
	}
	if n := connects.Load(); n != 1 {
		t.Errorf("connect count = %d, want 1", n)
	}
	if tools := first.Tools(); len(tools) != 1 || tools[0].ServerID != "fetch" {
		t.Errorf("Tools() = %+v, want one tool tagged with server id", tools)
	}
}

func TestConnectGlobalRejectsScopedServer(t *testing.T) {
	p, _, _ := newTestPool(t)
	if _, err := p.ConnectGlobal(context.Background(), userServer("github")); err == nil {
		t.Error("ConnectGlobal(user-scoped server) expected error")
	}
}

func TestGetForOwnerConnectsOnce(t *testing.T) {
	p, st, connects := newTestPool(t)
	ctx := context.Background()
	seedCredential(t, st, models.ScopeUser, "alice", "github")

	srv := userServer("github")

	var wg sync.WaitGroup
	conns := make([]*Conn, 8)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.GetForOwner(ctx, srv, models.ScopeUser, "alice")
			if err != nil {
				t.Errorf("GetForOwner() error = %v", err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	if n := connects.Load(); n != 1 {
		t.Errorf("connect count = %d, want 1 for concurrent callers", n)
	}
	for i := 1; i < len(conns); i++ {
		if conns[i] != conns[0] {
			t.Fatal("concurrent GetForOwner() calls returned different connections")
		}
	}
}

func TestGetForOwnerWithoutCredential(t *testing.T) {
	p, _, connects := newTestPool(t)

	_, err := p.GetForOwner(context.Background(), userServer("github"), models.ScopeUser, "alice")
	var noCred *ErrNoCredential
	if !errors.As(err, &noCred) {
		t.Fatalf("GetForOwner() error = %v, want *ErrNoCredential", err)
	}
	if noCred.ServerID != "github" || noCred.Instructions == "" {
		t.Errorf("ErrNoCredential = %+v, want server id and instructions", noCred)
	}
	if n := connects.Load(); n != 0 {
		t.Errorf("connect count = %d, want 0 without a credential", n)
	}
}

func TestGetForOwnerExpiredOAuth(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()

	cr, _ := crypto.NewService(testKey)
	ciphertext, _ := cr.Encrypt(&models.CredentialPayload{AccessToken: "stale"})
	expiry := time.Now().Add(time.Minute) // inside the 5-minute buffer
	if err := st.UpsertCredential(ctx, &models.Credential{
		ID: "cred-oauth", Scope: models.ScopeUser, OwnerID: "alice", ServerID: "github",
		Type: models.CredentialOAuth, Ciphertext: ciphertext, OAuthExpiry: &expiry,
	}); err != nil {
		t.Fatalf("UpsertCredential() error = %v", err)
	}

	_, err := p.GetForOwner(ctx, userServer("github"), models.ScopeUser, "alice")
	if !errors.Is(err, crypto.ErrTokenExpired) {
		t.Errorf("GetForOwner() error = %v, want ErrTokenExpired", err)
	}
}

func TestDisconnectOwnerForcesReconnect(t *testing.T) {
	p, st, connects := newTestPool(t)
	ctx := context.Background()
	seedCredential(t, st, models.ScopeUser, "alice", "github")

	srv := userServer("github")

	first, err := p.GetForOwner(ctx, srv, models.ScopeUser, "alice")
	if err != nil {
		t.Fatalf("GetForOwner() error = %v", err)
	}

	p.DisconnectOwner(models.ScopeUser, "alice", "github")
	if !first.Client.(*fakeClient).closed.Load() {
		t.Error("DisconnectOwner() should close the evicted client")
	}

	second, err := p.GetForOwner(ctx, srv, models.ScopeUser, "alice")
	if err != nil {
		t.Fatalf("GetForOwner() after disconnect error = %v", err)
	}
	if second == first {
		t.Error("GetForOwner() after disconnect should build a fresh connection")
	}
	if n := connects.Load(); n != 2 {
		t.Errorf("connect count = %d, want 2", n)
	}
}

func TestSweepEvictsOnlyIdleScoped(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	seedCredential(t, st, models.ScopeUser, "alice", "github")

	global := &models.ToolServer{ID: "fetch", Transport: models.TransportStdio, Command: "mcp-fetch", AuthMode: models.AuthNone}
	gconn, err := p.ConnectGlobal(ctx, global)
	if err != nil {
		t.Fatalf("ConnectGlobal() error = %v", err)
	}
	sconn, err := p.GetForOwner(ctx, userServer("github"), models.ScopeUser, "alice")
	if err != nil {
		t.Fatalf("GetForOwner() error = %v", err)
	}

	// Sweep as if ten minutes passed: scoped goes, global stays.
	p.sweep(time.Now().Add(10 * time.Minute))

	if !sconn.Client.(*fakeClient).closed.Load() {
		t.Error("sweep should close the idle scoped connection")
	}
	if gconn.Client.(*fakeClient).closed.Load() {
		t.Error("sweep must never evict global connections")
	}
	if _, ok := p.Global("fetch"); !ok {
		t.Error("global connection should survive the sweep")
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	p, st, _ := newTestPool(t)
	ctx := context.Background()
	seedCredential(t, st, models.ScopeUser, "alice", "github")

	gconn, _ := p.ConnectGlobal(ctx, &models.ToolServer{ID: "fetch", Transport: models.TransportStdio, Command: "mcp-fetch", AuthMode: models.AuthNone})
	sconn, _ := p.GetForOwner(ctx, userServer("github"), models.ScopeUser, "alice")

	p.Start()
	p.Shutdown()

	if !gconn.Client.(*fakeClient).closed.Load() || !sconn.Client.(*fakeClient).closed.Load() {
		t.Error("Shutdown() should close all connections")
	}
	if _, ok := p.Global("fetch"); ok {
		t.Error("Shutdown() should clear the connection maps")
	}
}
