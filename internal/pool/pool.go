// Package pool owns the live connections to tool servers. Global servers
// (auth mode none/admin) get one long-lived connection each; credentialed
// servers get one time-boxed connection per (scope, owner) that a background
// sweeper evicts after five idle minutes.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/internal/crypto"
	"github.com/toolplane/toolplane/internal/mcpclient"
	"github.com/toolplane/toolplane/internal/store"
	"github.com/toolplane/toolplane/pkg/models"
)

// Factory builds a transport client for a server. Overridable in tests.
type Factory func(server *models.ToolServer, authHeaders map[string]string) (mcpclient.MCPClient, error)

// Conn is one managed connection: a live client plus the tool catalog
// snapshot taken at connect time.
type Conn struct {
	ServerID string
	Client   mcpclient.MCPClient

	mu       sync.Mutex
	tools    []models.ToolDescriptor
	lastUsed time.Time
}

// Tools returns a copy of the catalog snapshot taken at connect time.
func (c *Conn) Tools() []models.ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Conn) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastUsed)
}

// Pool manages at most one connection per scope key.
type Pool struct {
	resolver *credentialResolver
	factory  Factory
	cfg      config.PoolConfig

	mu     sync.RWMutex
	global map[string]*Conn // key: server id
	scoped map[string]*Conn // key: scope:owner:server

	// connecting dedupes concurrent connection attempts per scope key so
	// two callers racing on the same server share one connect.
	connecting singleflight.Group

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool. Call Start to launch the idle sweeper.
func New(st store.CredentialStore, cr *crypto.Service, cfg config.PoolConfig) *Pool {
	return &Pool{
		resolver: &credentialResolver{store: st, crypto: cr},
		factory:  mcpclient.New,
		cfg:      cfg,
		global:   make(map[string]*Conn),
		scoped:   make(map[string]*Conn),
		done:     make(chan struct{}),
	}
}

// SetFactory replaces the transport client factory. Test hook.
func (p *Pool) SetFactory(f Factory) { p.factory = f }

// Start launches the background sweeper.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case now := <-ticker.C:
				p.sweep(now)
			}
		}
	}()
}

func scopedKey(scope models.CredentialScope, ownerID, serverID string) string {
	return string(scope) + ":" + ownerID + ":" + serverID
}

// ConnectGlobal ensures the shared connection for a none/admin server is
// up, connecting lazily on first use. It is a no-op if already connected.
func (p *Pool) ConnectGlobal(ctx context.Context, server *models.ToolServer) (*Conn, error) {
	if !server.AuthMode.IsGlobal() {
		return nil, fmt.Errorf("server %q uses auth mode %q, not a global connection", server.ID, server.AuthMode)
	}

	p.mu.RLock()
	conn, ok := p.global[server.ID]
	p.mu.RUnlock()
	if ok {
		return conn, nil
	}

	v, err, _ := p.connecting.Do("global:"+server.ID, func() (interface{}, error) {
		p.mu.RLock()
		conn, ok := p.global[server.ID]
		p.mu.RUnlock()
		if ok {
			return conn, nil
		}

		conn, err := p.connect(ctx, server, nil)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.global[server.ID] = conn
		p.mu.Unlock()

		log.Info().
			Str("server_id", server.ID).
			Str("transport", string(server.Transport)).
			Int("tools", len(conn.Tools())).
			Msg("global tool server connected")
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

// GetForOwner returns the cached connection for (scope, owner, server),
// refreshing its last-used timestamp, or resolves the owner's credential
// and connects. Returns *ErrNoCredential when the owner has not set one up.
func (p *Pool) GetForOwner(ctx context.Context, server *models.ToolServer, scope models.CredentialScope, ownerID string) (*Conn, error) {
	if server.AuthMode.IsGlobal() {
		return nil, fmt.Errorf("server %q does not take per-owner connections", server.ID)
	}

	key := scopedKey(scope, ownerID, server.ID)

	p.mu.RLock()
	conn, ok := p.scoped[key]
	p.mu.RUnlock()
	if ok {
		conn.touch()
		return conn, nil
	}

	v, err, _ := p.connecting.Do(key, func() (interface{}, error) {
		p.mu.RLock()
		conn, ok := p.scoped[key]
		p.mu.RUnlock()
		if ok {
			conn.touch()
			return conn, nil
		}

		headers, err := p.resolver.headersFor(ctx, server, scope, ownerID)
		if err != nil {
			return nil, err
		}

		conn, err = p.connect(ctx, server, headers)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.scoped[key] = conn
		p.mu.Unlock()

		log.Info().
			Str("server_id", server.ID).
			Str("scope", string(scope)).
			Str("owner_id", ownerID).
			Msg("scoped tool server connected")
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conn), nil
}

// Global returns the already-connected shared entry, if any. The aggregator
// uses this to read catalogs without forcing a connect.
func (p *Pool) Global(serverID string) (*Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.global[serverID]
	return conn, ok
}

func (p *Pool) connect(ctx context.Context, server *models.ToolServer, headers map[string]string) (*Conn, error) {
	client, err := p.factory(server, headers)
	if err != nil {
		return nil, err
	}
	if err := client.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("connect to server %q: %w", server.ID, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("list tools for server %q: %w", server.ID, err)
	}

	return &Conn{
		ServerID: server.ID,
		Client:   client,
		tools:    mcpclient.Descriptors(server.ID, tools),
		lastUsed: time.Now(),
	}, nil
}

// Disconnect closes and removes the global connection for a server.
func (p *Pool) Disconnect(serverID string) {
	p.mu.Lock()
	conn, ok := p.global[serverID]
	delete(p.global, serverID)
	p.mu.Unlock()

	if ok {
		closeConn(conn)
	}
}

// DisconnectOwner closes and removes one owner's connection. Called after
// a credential change so the next use reconnects with the fresh credential.
func (p *Pool) DisconnectOwner(scope models.CredentialScope, ownerID, serverID string) {
	key := scopedKey(scope, ownerID, serverID)

	p.mu.Lock()
	conn, ok := p.scoped[key]
	delete(p.scoped, key)
	p.mu.Unlock()

	if ok {
		closeConn(conn)
	}
}

// DisconnectServer closes every connection to a server, global and
// scoped alike. Called when the server's configuration changes or the
// server is removed.
func (p *Pool) DisconnectServer(serverID string) {
	var evict []*Conn

	p.mu.Lock()
	if conn, ok := p.global[serverID]; ok {
		delete(p.global, serverID)
		evict = append(evict, conn)
	}
	for key, conn := range p.scoped {
		if conn.ServerID == serverID {
			delete(p.scoped, key)
			evict = append(evict, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range evict {
		closeConn(conn)
	}
}

// sweep evicts credentialed connections idle past the TTL. Global
// connections are never idle-evicted.
func (p *Pool) sweep(now time.Time) {
	var evict []*Conn

	p.mu.Lock()
	for key, conn := range p.scoped {
		if conn.idleFor(now) > p.cfg.IdleTTL {
			delete(p.scoped, key)
			evict = append(evict, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range evict {
		log.Debug().Str("server_id", conn.ServerID).Msg("evicting idle scoped connection")
		closeConn(conn)
	}
}

// Shutdown stops the sweeper and closes every connection.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.global)+len(p.scoped))
	for _, c := range p.global {
		conns = append(conns, c)
	}
	for _, c := range p.scoped {
		conns = append(conns, c)
	}
	p.global = make(map[string]*Conn)
	p.scoped = make(map[string]*Conn)
	p.mu.Unlock()

	for _, conn := range conns {
		closeConn(conn)
	}
}

func closeConn(conn *Conn) {
	if err := conn.Client.Close(); err != nil {
		log.Warn().Err(err).Str("server_id", conn.ServerID).Msg("error closing tool server connection")
	}
}
