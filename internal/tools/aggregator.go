package tools

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/pool"
	"github.com/toolplane/toolplane/pkg/models"
)

// Aggregator builds the flat tool catalog for one caller, spanning native
// tools and every reachable tool server.
type Aggregator struct {
	pool   *pool.Pool
	native *NativeRegistry
}

func NewAggregator(p *pool.Pool, native *NativeRegistry) *Aggregator {
	return &Aggregator{pool: p, native: native}
}

// Native exposes the in-process registry for execution dispatch.
func (a *Aggregator) Native() *NativeRegistry { return a.native }

// ListToolsFor merges the native catalog with every enabled server's
// catalog visible to (userID, teamID). A server that is unreachable, has
// no credential, or needs a scope the caller lacks is skipped with a log,
// never an error: one bad server degrades the catalog instead of emptying
// it. Duplicate serverID:name pairs keep the first occurrence.
func (a *Aggregator) ListToolsFor(ctx context.Context, userID, teamID string, servers []models.ToolServer) []models.ToolDescriptor {
	var out []models.ToolDescriptor
	seen := make(map[string]bool)

	add := func(descs []models.ToolDescriptor) {
		for _, d := range descs {
			id := models.ToolID(d.ServerID, d.Name)
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, d)
		}
	}

	add(a.native.Descriptors())

	for i := range servers {
		srv := &servers[i]
		if !srv.Enabled {
			continue
		}

		descs, err := a.serverTools(ctx, srv, userID, teamID)
		if err != nil {
			log.Debug().
				Err(err).
				Str("server_id", srv.ID).
				Str("auth_mode", string(srv.AuthMode)).
				Msg("skipping tool server in aggregation")
			continue
		}
		add(descs)
	}
	return out
}

// errOutOfScope marks servers the caller's identity cannot reach.
var errOutOfScope = errors.New("caller lacks the required scope")

// errNotConnected marks global servers with no live shared connection.
var errNotConnected = errors.New("global server not connected")

func (a *Aggregator) serverTools(ctx context.Context, srv *models.ToolServer, userID, teamID string) ([]models.ToolDescriptor, error) {
	if srv.AuthMode.IsGlobal() {
		// Aggregation only reads the shared entry; connecting happens at
		// startup or through the admin connect endpoint, never here.
		conn, ok := a.pool.Global(srv.ID)
		if !ok {
			return nil, errNotConnected
		}
		return conn.Tools(), nil
	}

	scope := srv.AuthMode.CredentialScope()
	ownerID := userID
	if scope == models.ScopeTeam {
		ownerID = teamID
	}
	if ownerID == "" {
		return nil, errOutOfScope
	}

	conn, err := a.pool.GetForOwner(ctx, srv, scope, ownerID)
	if err != nil {
		return nil, err
	}
	return conn.Tools(), nil
}
