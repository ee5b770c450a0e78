package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// PostgresStore is the PostgreSQL-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tool_servers (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			transport     TEXT NOT NULL,
			command       TEXT NOT NULL DEFAULT '',
			args          JSONB NOT NULL DEFAULT '[]',
			env           JSONB NOT NULL DEFAULT '{}',
			url           TEXT NOT NULL DEFAULT '',
			enabled       BOOLEAN NOT NULL DEFAULT TRUE,
			auth_mode     TEXT NOT NULL DEFAULT 'none',
			instructions  TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS credentials (
			id           TEXT PRIMARY KEY,
			scope        TEXT NOT NULL,
			owner_id     TEXT NOT NULL,
			server_id    TEXT NOT NULL,
			type         TEXT NOT NULL,
			ciphertext   TEXT NOT NULL,
			oauth_expiry TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (scope, owner_id, server_id)
		);

		CREATE TABLE IF NOT EXISTS allow_list_entries (
			user_id    TEXT NOT NULL,
			tool_id    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, tool_id)
		);

		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			model         TEXT NOT NULL DEFAULT '',
			allowed_tools JSONB NOT NULL DEFAULT '[]',
			can_delegate  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value JSONB NOT NULL
		);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ── Tool Servers ─────────────────────────────────────────────

const toolServerColumns = `id, name, transport, command, args, env, url, enabled, auth_mode, instructions, created_at, updated_at`

func scanToolServer(row pgx.Row) (*models.ToolServer, error) {
	var srv models.ToolServer
	var args, env []byte
	err := row.Scan(&srv.ID, &srv.Name, &srv.Transport, &srv.Command, &args, &env,
		&srv.URL, &srv.Enabled, &srv.AuthMode, &srv.Instructions, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(args, &srv.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal(env, &srv.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	return &srv, nil
}

func (s *PostgresStore) ListToolServers(ctx context.Context) ([]models.ToolServer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+toolServerColumns+` FROM tool_servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tool servers: %w", err)
	}
	defer rows.Close()

	var out []models.ToolServer
	for rows.Next() {
		srv, err := scanToolServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool server: %w", err)
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetToolServer(ctx context.Context, id string) (*models.ToolServer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+toolServerColumns+` FROM tool_servers WHERE id = $1`, id)
	srv, err := scanToolServer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tool server", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query tool server: %w", err)
	}
	return srv, nil
}

func (s *PostgresStore) CreateToolServer(ctx context.Context, server *models.ToolServer) error {
	args, _ := json.Marshal(server.Args)
	env, _ := json.Marshal(server.Env)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tool_servers (id, name, transport, command, args, env, url, enabled, auth_mode, instructions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, transport = EXCLUDED.transport, command = EXCLUDED.command,
			args = EXCLUDED.args, env = EXCLUDED.env, url = EXCLUDED.url,
			enabled = EXCLUDED.enabled, auth_mode = EXCLUDED.auth_mode,
			instructions = EXCLUDED.instructions, updated_at = now()`,
		server.ID, server.Name, server.Transport, server.Command, args, env,
		server.URL, server.Enabled, server.AuthMode, server.Instructions)
	if err != nil {
		return fmt.Errorf("insert tool server: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateToolServer(ctx context.Context, server *models.ToolServer) error {
	args, _ := json.Marshal(server.Args)
	env, _ := json.Marshal(server.Env)
	tag, err := s.pool.Exec(ctx, `
		UPDATE tool_servers SET
			name = $2, transport = $3, command = $4, args = $5, env = $6,
			url = $7, enabled = $8, auth_mode = $9, instructions = $10, updated_at = now()
		WHERE id = $1`,
		server.ID, server.Name, server.Transport, server.Command, args, env,
		server.URL, server.Enabled, server.AuthMode, server.Instructions)
	if err != nil {
		return fmt.Errorf("update tool server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tool server", Key: server.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteToolServer(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tool_servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tool server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tool server", Key: id}
	}
	return nil
}

// ── Credentials ──────────────────────────────────────────────

func (s *PostgresStore) FindCredential(ctx context.Context, scope models.CredentialScope, ownerID, serverID string) (*models.Credential, error) {
	var cred models.Credential
	err := s.pool.QueryRow(ctx, `
		SELECT id, scope, owner_id, server_id, type, ciphertext, oauth_expiry, created_at, updated_at
		FROM credentials WHERE scope = $1 AND owner_id = $2 AND server_id = $3`,
		scope, ownerID, serverID).Scan(
		&cred.ID, &cred.Scope, &cred.OwnerID, &cred.ServerID, &cred.Type,
		&cred.Ciphertext, &cred.OAuthExpiry, &cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "credential", Key: credKey(scope, ownerID, serverID)}
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &cred, nil
}

func (s *PostgresStore) UpsertCredential(ctx context.Context, cred *models.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (id, scope, owner_id, server_id, type, ciphertext, oauth_expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scope, owner_id, server_id) DO UPDATE SET
			type = EXCLUDED.type, ciphertext = EXCLUDED.ciphertext,
			oauth_expiry = EXCLUDED.oauth_expiry, updated_at = now()`,
		cred.ID, cred.Scope, cred.OwnerID, cred.ServerID, cred.Type, cred.Ciphertext, cred.OAuthExpiry)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, scope models.CredentialScope, ownerID, serverID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM credentials WHERE scope = $1 AND owner_id = $2 AND server_id = $3`,
		scope, ownerID, serverID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "credential", Key: credKey(scope, ownerID, serverID)}
	}
	return nil
}

// ── Always-Allow Lists ───────────────────────────────────────

func (s *PostgresStore) GetAlwaysAllowed(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tool_id FROM allow_list_entries WHERE user_id = $1 ORDER BY tool_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query allow list: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan allow list entry: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddAlwaysAllowed(ctx context.Context, userID, toolID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO allow_list_entries (user_id, tool_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, toolID)
	if err != nil {
		return fmt.Errorf("insert allow list entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveAlwaysAllowed(ctx context.Context, userID, toolID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM allow_list_entries WHERE user_id = $1 AND tool_id = $2`, userID, toolID)
	if err != nil {
		return fmt.Errorf("delete allow list entry: %w", err)
	}
	return nil
}

// ── Agents ───────────────────────────────────────────────────

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	var allowed []byte
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.SystemPrompt, &a.Model,
		&allowed, &a.CanDelegate, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allowed, &a.AllowedTools); err != nil {
		return nil, fmt.Errorf("unmarshal allowed tools: %w", err)
	}
	return &a, nil
}

const agentColumns = `id, name, description, system_prompt, model, allowed_tools, can_delegate, created_at, updated_at`

func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	allowed, _ := json.Marshal(agent.AllowedTools)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, description, system_prompt, model, allowed_tools, can_delegate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			system_prompt = EXCLUDED.system_prompt, model = EXCLUDED.model,
			allowed_tools = EXCLUDED.allowed_tools, can_delegate = EXCLUDED.can_delegate,
			updated_at = now()`,
		agent.ID, agent.Name, agent.Description, agent.SystemPrompt, agent.Model, allowed, agent.CanDelegate)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	allowed, _ := json.Marshal(agent.AllowedTools)
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents SET
			name = $2, description = $3, system_prompt = $4, model = $5,
			allowed_tools = $6, can_delegate = $7, updated_at = now()
		WHERE id = $1`,
		agent.ID, agent.Name, agent.Description, agent.SystemPrompt, agent.Model, allowed, agent.CanDelegate)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: agent.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	return nil
}

// ── Confirm Policy ───────────────────────────────────────────

func (s *PostgresStore) GetConfirmPolicy(ctx context.Context) (*models.ConfirmPolicy, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = 'confirm_policy'`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.ConfirmPolicy{Mode: models.ConfirmAll}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query confirm policy: %w", err)
	}

	var policy models.ConfirmPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, fmt.Errorf("unmarshal confirm policy: %w", err)
	}
	return &policy, nil
}

func (s *PostgresStore) SetConfirmPolicy(ctx context.Context, policy *models.ConfirmPolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal confirm policy: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ('confirm_policy', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, raw)
	if err != nil {
		return fmt.Errorf("upsert confirm policy: %w", err)
	}
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
