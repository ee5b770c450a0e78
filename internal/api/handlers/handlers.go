// Package handlers implements the HTTP handlers for the toolplane API:
// tool server administration, credential management, the aggregated tool
// list, agents, the confirmation policy, and pending confirmations. The
// agent turn endpoint lives in turns.go.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/agents"
	"github.com/toolplane/toolplane/internal/api/middleware"
	"github.com/toolplane/toolplane/internal/confirm"
	"github.com/toolplane/toolplane/internal/crypto"
	"github.com/toolplane/toolplane/internal/executor"
	"github.com/toolplane/toolplane/internal/pool"
	"github.com/toolplane/toolplane/internal/store"
	"github.com/toolplane/toolplane/internal/tools"
	"github.com/toolplane/toolplane/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store         store.Store
	Crypto        *crypto.Service
	Pool          *pool.Pool
	Aggregator    *tools.Aggregator
	Confirmations *confirm.Registry
	Agents        *agents.Registry
	Executor      *executor.Executor

	// DefaultModel backs turns whose agent does not pin a model.
	DefaultModel string
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, cr *crypto.Service, p *pool.Pool, agg *tools.Aggregator, reg *confirm.Registry, ar *agents.Registry, exec *executor.Executor, defaultModel string) *Handlers {
	return &Handlers{
		Store:         s,
		Crypto:        cr,
		Pool:          p,
		Aggregator:    agg,
		Confirmations: reg,
		Agents:        ar,
		Executor:      exec,
		DefaultModel:  defaultModel,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Tool Server Handlers ─────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListToolServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.Store.ListToolServers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if servers == nil {
		servers = []models.ToolServer{}
	}
	respondJSON(w, http.StatusOK, servers)
}

func (h *Handlers) CreateToolServer(w http.ResponseWriter, r *http.Request) {
	var req models.ToolServer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := validateToolServer(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.AuthMode == "" {
		req.AuthMode = models.AuthNone
	}
	req.Enabled = true
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = time.Now().UTC()

	if err := h.Store.CreateToolServer(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("server", req.Name).Str("id", req.ID).Str("transport", string(req.Transport)).Msg("Tool server registered")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetToolServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	server, err := h.Store.GetToolServer(r.Context(), serverID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, server)
}

func (h *Handlers) UpdateToolServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	server, err := h.Store.GetToolServer(r.Context(), serverID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	var req models.ToolServer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" {
		server.Name = req.Name
	}
	if req.Transport != "" {
		server.Transport = req.Transport
	}
	if req.Command != "" {
		server.Command = req.Command
	}
	if req.Args != nil {
		server.Args = req.Args
	}
	if req.Env != nil {
		server.Env = req.Env
	}
	if req.URL != "" {
		server.URL = req.URL
	}
	if req.AuthMode != "" {
		server.AuthMode = req.AuthMode
	}
	if req.Instructions != "" {
		server.Instructions = req.Instructions
	}
	// Always apply enabled (it's a boolean, false is meaningful)
	server.Enabled = req.Enabled
	server.UpdatedAt = time.Now().UTC()

	if err := validateToolServer(server); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Store.UpdateToolServer(r.Context(), server); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Drop stale connections so the next use picks up the new config.
	h.Pool.DisconnectServer(serverID)

	log.Info().Str("server", server.Name).Str("id", serverID).Msg("Tool server updated")
	respondJSON(w, http.StatusOK, server)
}

func (h *Handlers) DeleteToolServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	if err := h.Store.DeleteToolServer(r.Context(), serverID); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.Pool.DisconnectServer(serverID)

	log.Info().Str("id", serverID).Msg("Tool server removed")
	w.WriteHeader(http.StatusNoContent)
}

// ConnectToolServer eagerly establishes the shared connection for a
// globally scoped server and returns its tool list.
// POST /api/v1/servers/{serverID}/connect
func (h *Handlers) ConnectToolServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	server, err := h.Store.GetToolServer(r.Context(), serverID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if !server.Enabled {
		respondError(w, http.StatusConflict, "Tool server is disabled")
		return
	}
	if !server.AuthMode.IsGlobal() {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("server auth mode %q is per-owner; connections are made lazily on first use", server.AuthMode))
		return
	}

	conn, err := h.Pool.ConnectGlobal(r.Context(), server)
	if err != nil {
		respondError(w, http.StatusBadGateway, "Connect failed: "+err.Error())
		return
	}

	log.Info().Str("server", server.Name).Str("id", serverID).Int("tools", len(conn.Tools())).Msg("Tool server connected")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"server_id": serverID,
		"status":    "connected",
		"tools":     conn.Tools(),
	})
}

// DisconnectToolServer tears down all connections to a server.
// POST /api/v1/servers/{serverID}/disconnect
func (h *Handlers) DisconnectToolServer(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	h.Pool.DisconnectServer(serverID)

	respondJSON(w, http.StatusOK, map[string]string{
		"server_id": serverID,
		"status":    "disconnected",
	})
}

func validateToolServer(s *models.ToolServer) error {
	switch s.Transport {
	case models.TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case models.TransportSSE, models.TransportStreamableHTTP:
		if s.URL == "" {
			return fmt.Errorf("%s transport requires a url", s.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", s.Transport)
	}

	switch s.AuthMode {
	case "", models.AuthNone, models.AuthAdmin,
		models.AuthUserAPIKey, models.AuthUserOAuth,
		models.AuthTeamAPIKey, models.AuthTeamOAuth:
	default:
		return fmt.Errorf("unknown auth mode %q", s.AuthMode)
	}

	if s.ID == models.NativeServerID {
		return fmt.Errorf("server id %q is reserved", models.NativeServerID)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════
// ── Credential Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type credentialRequest struct {
	Type        models.CredentialType `json:"type"`
	APIKey      string                `json:"api_key,omitempty"`
	AccessToken string                `json:"access_token,omitempty"`
	OAuthExpiry *time.Time            `json:"oauth_expiry,omitempty"`
}

// PutCredential stores the caller's credential for a server. The scope
// (user vs team) is dictated by the server's auth mode; the owner comes
// from the request identity.
// PUT /api/v1/servers/{serverID}/credential
func (h *Handlers) PutCredential(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	server, err := h.Store.GetToolServer(r.Context(), serverID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	scope, ownerID, err := credentialOwner(r, server)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payload := models.CredentialPayload{APIKey: req.APIKey, AccessToken: req.AccessToken}
	switch req.Type {
	case models.CredentialAPIKey:
		if req.APIKey == "" {
			respondError(w, http.StatusBadRequest, "api_key credential requires an api_key")
			return
		}
	case models.CredentialOAuth:
		if req.AccessToken == "" {
			respondError(w, http.StatusBadRequest, "oauth credential requires an access_token")
			return
		}
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown credential type %q", req.Type))
		return
	}

	ciphertext, err := h.Crypto.Encrypt(&payload)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Encrypt failed: "+err.Error())
		return
	}

	cred := &models.Credential{
		ID:          uuid.New().String(),
		Scope:       scope,
		OwnerID:     ownerID,
		ServerID:    serverID,
		Type:        req.Type,
		Ciphertext:  ciphertext,
		OAuthExpiry: req.OAuthExpiry,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	if err := h.Store.UpsertCredential(r.Context(), cred); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Drop the owner's connection so the next use picks up the new credential.
	h.Pool.DisconnectOwner(scope, ownerID, serverID)

	log.Info().
		Str("server_id", serverID).
		Str("scope", string(scope)).
		Str("owner_id", ownerID).
		Str("type", string(req.Type)).
		Msg("Credential stored")
	respondJSON(w, http.StatusOK, map[string]string{
		"server_id": serverID,
		"scope":     string(scope),
		"status":    "stored",
	})
}

// DeleteCredential removes the caller's credential for a server.
// DELETE /api/v1/servers/{serverID}/credential
func (h *Handlers) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	server, err := h.Store.GetToolServer(r.Context(), serverID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	scope, ownerID, err := credentialOwner(r, server)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Store.DeleteCredential(r.Context(), scope, ownerID, serverID); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.Pool.DisconnectOwner(scope, ownerID, serverID)

	log.Info().Str("server_id", serverID).Str("scope", string(scope)).Str("owner_id", ownerID).Msg("Credential removed")
	w.WriteHeader(http.StatusNoContent)
}

func credentialOwner(r *http.Request, server *models.ToolServer) (models.CredentialScope, string, error) {
	scope := server.AuthMode.CredentialScope()
	if scope == "" {
		return "", "", fmt.Errorf("server auth mode %q does not take per-owner credentials", server.AuthMode)
	}

	switch scope {
	case models.ScopeUser:
		return scope, middleware.GetUserID(r.Context()), nil
	case models.ScopeTeam:
		teamID := middleware.GetTeamID(r.Context())
		if teamID == "" {
			return "", "", fmt.Errorf("team-scoped credential requires an X-Team-ID header")
		}
		return scope, teamID, nil
	}
	return "", "", fmt.Errorf("unknown credential scope %q", scope)
}

// ══════════════════════════════════════════════════════════════
// ── Tool Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListTools returns the aggregated tool catalog visible to the caller:
// native tools plus every reachable tool server the caller can use.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	servers, err := h.Store.ListToolServers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	userID := middleware.GetUserID(r.Context())
	teamID := middleware.GetTeamID(r.Context())
	catalog := h.Aggregator.ListToolsFor(r.Context(), userID, teamID, servers)

	respondJSON(w, http.StatusOK, catalog)
}

// ══════════════════════════════════════════════════════════════
// ── Agent Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := h.Agents.ListAgents(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req models.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Agent requires a name")
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = time.Now().UTC()

	if err := h.Store.CreateAgent(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("agent", req.Name).Str("id", req.ID).Msg("Agent registered")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	agent, err := h.Agents.GetAgentByID(r.Context(), agentID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	agent, err := h.Agents.GetAgentByID(r.Context(), agentID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	var req models.Agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" {
		agent.Name = req.Name
	}
	if req.Description != "" {
		agent.Description = req.Description
	}
	if req.SystemPrompt != "" {
		agent.SystemPrompt = req.SystemPrompt
	}
	if req.Model != "" {
		agent.Model = req.Model
	}
	if req.AllowedTools != nil {
		agent.AllowedTools = req.AllowedTools
	}
	agent.CanDelegate = req.CanDelegate
	agent.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateAgent(r.Context(), agent); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if err := h.Store.DeleteAgent(r.Context(), agentID); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Info().Str("id", agentID).Msg("Agent removed")
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Confirmation Policy Handlers ─────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetConfirmPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.Store.GetConfirmPolicy(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

func (h *Handlers) SetConfirmPolicy(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmPolicy
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch req.Mode {
	case models.ConfirmNone, models.ConfirmAll, models.ConfirmWhitelist, models.ConfirmBlacklist:
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown policy mode %q", req.Mode))
		return
	}

	if err := h.Store.SetConfirmPolicy(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("mode", string(req.Mode)).Int("tools", len(req.Tools)).Msg("Confirmation policy updated")
	respondJSON(w, http.StatusOK, req)
}

// ── Always-Allow List ────────────────────────────────────────

// ListAlwaysAllowed returns the caller's personal always-allow list.
func (h *Handlers) ListAlwaysAllowed(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	ids, err := h.Store.GetAlwaysAllowed(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"tools":   ids,
	})
}

// RemoveAlwaysAllowed revokes one entry from the caller's always-allow list.
// DELETE /api/v1/allowed-tools/{toolID}
func (h *Handlers) RemoveAlwaysAllowed(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	toolID := chi.URLParam(r, "toolID")

	if err := h.Store.RemoveAlwaysAllowed(r.Context(), userID, toolID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("user_id", userID).Str("tool_id", toolID).Msg("Always-allow entry revoked")
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Confirmation Handlers ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListConfirmations(w http.ResponseWriter, r *http.Request) {
	pending := h.Confirmations.List()
	if pending == nil {
		pending = []models.PendingConfirmation{}
	}
	respondJSON(w, http.StatusOK, pending)
}

// ResolveConfirmation approves or denies one pending confirmation.
// POST /api/v1/confirmations/{confirmationID}
func (h *Handlers) ResolveConfirmation(w http.ResponseWriter, r *http.Request) {
	confirmationID := chi.URLParam(r, "confirmationID")

	var req struct {
		Approved bool                `json:"approved"`
		Scope    models.ConfirmScope `json:"scope,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Scope == "" {
		req.Scope = models.ConfirmOnce
	}
	switch req.Scope {
	case models.ConfirmOnce, models.ConfirmThread, models.ConfirmAlways:
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown confirmation scope %q", req.Scope))
		return
	}

	ok := h.Confirmations.Resolve(confirmationID, models.Resolution{
		Approved: req.Approved,
		Scope:    req.Scope,
	})
	if !ok {
		respondError(w, http.StatusNotFound, "Confirmation not found or already resolved: "+confirmationID)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":       confirmationID,
		"approved": req.Approved,
		"scope":    string(req.Scope),
	})
}

// ══════════════════════════════════════════════════════════════
// ── Response Helpers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
