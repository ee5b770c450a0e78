package tools

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/internal/crypto"
	"github.com/toolplane/toolplane/internal/mcpclient"
	"github.com/toolplane/toolplane/internal/pool"
	"github.com/toolplane/toolplane/internal/store"
	"github.com/toolplane/toolplane/pkg/models"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

type stubClient struct {
	tools   []mcp.Tool
	initErr error
}

func (s *stubClient) Initialize(context.Context) error { return s.initErr }

func (s *stubClient) ListTools(context.Context) ([]mcp.Tool, error) { return s.tools, nil }

func (s *stubClient) CallTool(context.Context, string, map[string]interface{}) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func (s *stubClient) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (s *stubClient) Close() error { return nil }

// newTestAggregator wires an aggregator over a pool whose factory serves
// canned catalogs per server id. Global servers must be connected through
// the returned pool before aggregation can see them.
func newTestAggregator(t *testing.T, catalogs map[string][]mcp.Tool, broken map[string]bool) (*Aggregator, *pool.Pool, *store.MemoryStore) {
	t.Helper()

	cr, err := crypto.NewService(testKey)
	if err != nil {
		t.Fatalf("crypto.NewService() error = %v", err)
	}
	st := store.NewMemoryStore()

	p := pool.New(st, cr, config.PoolConfig{IdleTTL: 5 * time.Minute, SweepInterval: time.Minute})
	p.SetFactory(func(server *models.ToolServer, headers map[string]string) (mcpclient.MCPClient, error) {
		if broken[server.ID] {
			return &stubClient{initErr: fmt.Errorf("connection refused")}, nil
		}
		return &stubClient{tools: catalogs[server.ID]}, nil
	})

	return NewAggregator(p, NewNativeRegistry()), p, st
}

func seedCredential(t *testing.T, st *store.MemoryStore, scope models.CredentialScope, ownerID, serverID string) {
	t.Helper()

	cr, _ := crypto.NewService(testKey)
	ciphertext, err := cr.Encrypt(&models.CredentialPayload{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	err = st.UpsertCredential(context.Background(), &models.Credential{
		ID: "cred-" + serverID, Scope: scope, OwnerID: ownerID, ServerID: serverID,
		Type: models.CredentialAPIKey, Ciphertext: ciphertext,
	})
	if err != nil {
		t.Fatalf("UpsertCredential() error = %v", err)
	}
}

func toolNames(descs []models.ToolDescriptor) map[string]bool {
	out := make(map[string]bool, len(descs))
	for _, d := range descs {
		out[models.ToolID(d.ServerID, d.Name)] = true
	}
	return out
}

func TestListToolsForMergesNamespaces(t *testing.T) {
	agg, p, st := newTestAggregator(t, map[string][]mcp.Tool{
		"fetch":  {{Name: "get_url"}},
		"github": {{Name: "create_issue"}, {Name: "get_issue"}},
	}, nil)
	seedCredential(t, st, models.ScopeUser, "alice", "github")

	servers := []models.ToolServer{
		{ID: "fetch", Transport: models.TransportStdio, Command: "mcp-fetch", Enabled: true, AuthMode: models.AuthNone},
		{ID: "github", Transport: models.TransportSSE, URL: "http://gh/sse", Enabled: true, AuthMode: models.AuthUserAPIKey},
	}
	if _, err := p.ConnectGlobal(context.Background(), &servers[0]); err != nil {
		t.Fatalf("ConnectGlobal() error = %v", err)
	}

	descs := agg.ListToolsFor(context.Background(), "alice", "", servers)
	names := toolNames(descs)

	for _, want := range []string{
		"native:" + DelegateToolName,
		"fetch:get_url",
		"github:create_issue",
		"github:get_issue",
	} {
		if !names[want] {
			t.Errorf("ListToolsFor() missing %q, got %v", want, names)
		}
	}
}

func TestListToolsForSkipsDisabledServers(t *testing.T) {
	agg, p, _ := newTestAggregator(t, map[string][]mcp.Tool{
		"fetch": {{Name: "get_url"}},
	}, nil)

	servers := []models.ToolServer{
		{ID: "fetch", Transport: models.TransportStdio, Command: "mcp-fetch", Enabled: false, AuthMode: models.AuthNone},
	}
	// Even a live connection stays hidden while the server is disabled.
	if _, err := p.ConnectGlobal(context.Background(), &servers[0]); err != nil {
		t.Fatalf("ConnectGlobal() error = %v", err)
	}

	descs := agg.ListToolsFor(context.Background(), "alice", "", servers)
	if names := toolNames(descs); names["fetch:get_url"] {
		t.Error("ListToolsFor() should skip disabled servers")
	}
}

func TestListToolsForSkipsUnconnectedGlobal(t *testing.T) {
	agg, p, _ := newTestAggregator(t, map[string][]mcp.Tool{
		"fetch":   {{Name: "get_url"}},
		"weather": {{Name: "get_forecast"}},
	}, map[string]bool{"weather": true})

	servers := []models.ToolServer{
		{ID: "weather", Transport: models.TransportStdio, Command: "mcp-weather", Enabled: true, AuthMode: models.AuthNone},
		{ID: "fetch", Transport: models.TransportStdio, Command: "mcp-fetch", Enabled: true, AuthMode: models.AuthNone},
	}

	// Weather never comes up; fetch does.
	if _, err := p.ConnectGlobal(context.Background(), &servers[0]); err == nil {
		t.Fatal("ConnectGlobal(weather) expected error")
	}
	if _, err := p.ConnectGlobal(context.Background(), &servers[1]); err != nil {
		t.Fatalf("ConnectGlobal(fetch) error = %v", err)
	}

	descs := agg.ListToolsFor(context.Background(), "alice", "", servers)
	names := toolNames(descs)
	if !names["fetch:get_url"] {
		t.Error("a down server must not take down the healthy catalog")
	}
	if names["weather:get_forecast"] {
		t.Error("unconnected server's tools should be absent")
	}
}

// Aggregation must only read pooled connections. Dialing here would let
// one unresponsive global server stall every catalog build.
func TestListToolsForNeverDialsGlobals(t *testing.T) {
	cr, err := crypto.NewService(testKey)
	if err != nil {
		t.Fatalf("crypto.NewService() error = %v", err)
	}
	st := store.NewMemoryStore()

	var dials atomic.Int64
	p := pool.New(st, cr, config.PoolConfig{IdleTTL: 5 * time.Minute, SweepInterval: time.Minute})
	p.SetFactory(func(server *models.ToolServer, headers map[string]string) (mcpclient.MCPClient, error) {
		dials.Add(1)
		return &stubClient{tools: []mcp.Tool{{Name: "get_url"}}}, nil
	})
	agg := NewAggregator(p, NewNativeRegistry())

	servers := []models.ToolServer{
		{ID: "fetch", Transport: models.TransportStdio, Command: "mcp-fetch", Enabled: true, AuthMode: models.AuthNone},
	}

	descs := agg.ListToolsFor(context.Background(), "alice", "", servers)
	if n := dials.Load(); n != 0 {
		t.Errorf("dials during aggregation = %d, want 0", n)
	}
	if names := toolNames(descs); names["fetch:get_url"] {
		t.Error("unconnected global server's tools should be absent")
	}
}

func TestListToolsForSkipsMissingCredential(t *testing.T) {
	agg, _, _ := newTestAggregator(t, map[string][]mcp.Tool{
		"github": {{Name: "create_issue"}},
	}, nil)

	servers := []models.ToolServer{
		{ID: "github", Transport: models.TransportSSE, URL: "http://gh/sse", Enabled: true, AuthMode: models.AuthUserAPIKey},
	}

	descs := agg.ListToolsFor(context.Background(), "alice", "", servers)
	if names := toolNames(descs); names["github:create_issue"] {
		t.Error("server without a stored credential should be skipped")
	}
}

func TestListToolsForSkipsTeamServersOutsideTeam(t *testing.T) {
	agg, _, st := newTestAggregator(t, map[string][]mcp.Tool{
		"jira": {{Name: "create_ticket"}},
	}, nil)
	seedCredential(t, st, models.ScopeTeam, "platform", "jira")

	servers := []models.ToolServer{
		{ID: "jira", Transport: models.TransportSSE, URL: "http://jira/sse", Enabled: true, AuthMode: models.AuthTeamAPIKey},
	}

	// No team id: skipped.
	descs := agg.ListToolsFor(context.Background(), "alice", "", servers)
	if names := toolNames(descs); names["jira:create_ticket"] {
		t.Error("team server should be invisible outside a team thread")
	}

	// Inside the team: visible.
	descs = agg.ListToolsFor(context.Background(), "alice", "platform", servers)
	if names := toolNames(descs); !names["jira:create_ticket"] {
		t.Error("team server should be visible inside its team")
	}
}

func TestNativeRegistryCall(t *testing.T) {
	reg := NewNativeRegistry()
	reg.Register(NativeTool{
		Descriptor: models.ToolDescriptor{Name: "echo"},
		Handler: func(_ context.Context, args map[string]interface{}) ([]models.ContentBlock, error) {
			text, _ := args["text"].(string)
			return []models.ContentBlock{{Type: "text", Text: text}}, nil
		},
	})

	blocks, err := reg.Call(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("Call(echo) error = %v", err)
	}
	if len(blocks) != 1 || blocks[0].Text != "hi" {
		t.Errorf("Call(echo) = %+v", blocks)
	}

	if _, err := reg.Call(context.Background(), "missing", nil); err == nil {
		t.Error("Call(unknown tool) expected error")
	}

	// The delegation tool is listed but has no handler of its own.
	if _, err := reg.Call(context.Background(), DelegateToolName, nil); err == nil {
		t.Error("Call(delegate) should fail, the executor intercepts it")
	}
}
