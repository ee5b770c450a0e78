// Package server provides the public entry point for initializing the
// toolplane server.
//
// This package exists in pkg/ (not internal/) so that embedders can
// compose the server with their own middleware:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//	...
//	srv.Shutdown(ctx)
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/agents"
	"github.com/toolplane/toolplane/internal/api"
	"github.com/toolplane/toolplane/internal/api/handlers"
	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/internal/confirm"
	"github.com/toolplane/toolplane/internal/crypto"
	"github.com/toolplane/toolplane/internal/executor"
	"github.com/toolplane/toolplane/internal/llm"
	"github.com/toolplane/toolplane/internal/pool"
	"github.com/toolplane/toolplane/internal/store"
	"github.com/toolplane/toolplane/internal/telemetry"
	"github.com/toolplane/toolplane/internal/tools"
)

// Server holds the initialized toolplane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory unless DATABASE_URL is set).
	Store store.Store

	// Pool manages tool server connections.
	Pool *pool.Pool

	// Confirmations is the pending-confirmation registry.
	Confirmations *confirm.Registry

	// Config is the loaded server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	telemetryShutdown func(context.Context) error
}

// New initializes all components from environment configuration.
// Background work (connection sweeper, confirmation sweeper, eager
// global connections) does not begin until Start is called.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the toolplane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = pg
		log.Info().Msg("PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	}

	key := cfg.Crypto.Key
	if key == "" {
		key = ephemeralKey()
		log.Warn().Msg("TOOLPLANE_ENCRYPTION_KEY not set; using an ephemeral key, stored credentials will not survive a restart")
	}
	cryptoSvc, err := crypto.NewService(key)
	if err != nil {
		return nil, fmt.Errorf("init crypto: %w", err)
	}

	connPool := pool.New(dataStore, cryptoSvc, cfg.Pool)
	native := tools.NewNativeRegistry()
	agg := tools.NewAggregator(connPool, native)
	confirmations := confirm.NewRegistry(cfg.Confirm)
	agentRegistry := agents.NewRegistry(dataStore)
	exec := executor.New(cfg.Executor, llm.New(cfg.LLM), dataStore, connPool, agg, confirmations, agentRegistry)

	h := handlers.New(dataStore, cryptoSvc, connPool, agg, confirmations, agentRegistry, exec, cfg.LLM.DefaultModel)
	router := api.NewRouter(h, cfg.Version)

	return &Server{
		Handler:           router,
		Store:             dataStore,
		Pool:              connPool,
		Confirmations:     confirmations,
		Config:            cfg,
		Port:              cfg.Port,
		telemetryShutdown: shutdown,
	}, nil
}

// Start launches background work: the pool and confirmation sweepers,
// and eager connections to enabled globally scoped tool servers. A
// server that fails to connect is logged and skipped; it will be
// retried on first use.
func (s *Server) Start(ctx context.Context) {
	s.Pool.Start()
	s.Confirmations.Start()

	servers, err := s.Store.ListToolServers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list tool servers for eager connect")
		return
	}
	for i := range servers {
		srv := &servers[i]
		if !srv.Enabled || !srv.AuthMode.IsGlobal() {
			continue
		}
		conn, err := s.Pool.ConnectGlobal(ctx, srv)
		if err != nil {
			log.Warn().Err(err).Str("server", srv.Name).Str("id", srv.ID).Msg("Eager connect failed")
			continue
		}
		log.Info().Str("server", srv.Name).Int("tools", len(conn.Tools())).Msg("Tool server connected")
	}
}

// Shutdown stops background work, denies outstanding confirmations,
// closes all tool server connections, and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Confirmations.Stop()
	s.Pool.Shutdown()

	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing store")
	}
	return s.telemetryShutdown(ctx)
}

func ephemeralKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("generate ephemeral key: %v", err))
	}
	return hex.EncodeToString(buf)
}
