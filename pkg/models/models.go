// Package models defines the shared data model for the toolplane:
// tool servers, credentials, tool descriptors, confirmations, chat
// messages, and the event types emitted during an agent turn.
package models

import (
	"sync"
	"time"
)

// ── Tool Servers ─────────────────────────────────────────────

// NativeServerID is the reserved server id for in-process tools that are
// not backed by an external tool server.
const NativeServerID = "native"

// TransportKind identifies how a tool server is reached.
type TransportKind string

const (
	// TransportStdio spawns the server as a local subprocess and speaks
	// the protocol over stdin/stdout.
	TransportStdio TransportKind = "stdio"
	// TransportSSE connects to a remote server over a server-sent-events stream.
	TransportSSE TransportKind = "sse"
	// TransportStreamableHTTP connects to a remote server over streamable HTTP.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// AuthMode controls which identity a tool server connection is scoped to.
type AuthMode string

const (
	AuthNone       AuthMode = "none"
	AuthAdmin      AuthMode = "admin"
	AuthUserAPIKey AuthMode = "user-apikey"
	AuthUserOAuth  AuthMode = "user-oauth"
	AuthTeamAPIKey AuthMode = "team-apikey"
	AuthTeamOAuth  AuthMode = "team-oauth"
)

// IsGlobal reports whether the server uses a single shared connection
// (no per-user/per-team credential).
func (m AuthMode) IsGlobal() bool {
	return m == AuthNone || m == AuthAdmin
}

// CredentialScope returns the credential scope this auth mode requires,
// or "" for global modes.
func (m AuthMode) CredentialScope() CredentialScope {
	switch m {
	case AuthUserAPIKey, AuthUserOAuth:
		return ScopeUser
	case AuthTeamAPIKey, AuthTeamOAuth:
		return ScopeTeam
	}
	return ""
}

// ToolServer is the admin-managed configuration for one external tool server.
type ToolServer struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Transport TransportKind `json:"transport"`

	// Stdio transport
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// SSE / streamable-http transports
	URL string `json:"url,omitempty"`

	Enabled  bool     `json:"enabled"`
	AuthMode AuthMode `json:"auth_mode"`

	// Instructions shown to end users when the server needs a credential.
	Instructions string `json:"instructions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── Tool Descriptors ─────────────────────────────────────────

// UIResource is the typed extension metadata some servers attach to a tool
// descriptor to hint at an embeddable UI resource.
type UIResource struct {
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ToolDescriptor is one callable tool, tagged with its origin server.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	UIResource  *UIResource            `json:"ui_resource,omitempty"`
	ServerID    string                 `json:"server_id"`
}

// ToolID returns the canonical "serverID:toolName" identifier used by
// confirmation policies and allow-lists.
func ToolID(serverID, name string) string {
	return serverID + ":" + name
}

// ── Credentials ──────────────────────────────────────────────

// CredentialScope says whether a credential belongs to a user or a team.
type CredentialScope string

const (
	ScopeUser CredentialScope = "user"
	ScopeTeam CredentialScope = "team"
)

// CredentialType distinguishes static API keys from OAuth tokens.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth  CredentialType = "oauth"
)

// Credential is the stored, encrypted credential for one (owner, server) pair.
type Credential struct {
	ID       string          `json:"id"`
	Scope    CredentialScope `json:"scope"`
	OwnerID  string          `json:"owner_id"`
	ServerID string          `json:"server_id"`
	Type     CredentialType  `json:"type"`

	// Ciphertext is the AES-GCM encrypted CredentialPayload.
	Ciphertext string `json:"-"`

	// OAuthExpiry is set for oauth credentials; nil for API keys.
	OAuthExpiry *time.Time `json:"oauth_expiry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialPayload is the decrypted credential content.
type CredentialPayload struct {
	APIKey      string `json:"api_key,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

// BearerToken returns the value used to build the Authorization header.
func (p *CredentialPayload) BearerToken() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	return p.AccessToken
}

// ── Chat Messages ────────────────────────────────────────────

type ChatMessage struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool use.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
	// ToolResults is set on user messages that carry tool results back.
	ToolResults []ToolCallRecord `json:"tool_results,omitempty"`
}

type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates usage from another sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ── Tool Calls ───────────────────────────────────────────────

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	ServerID  string                 `json:"server_id"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ContentBlock is one piece of a tool result (text or binary).
type ContentBlock struct {
	Type     string `json:"type"` // text | blob
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for blobs
}

// ToolCallRecord is the completed record of one tool invocation.
type ToolCallRecord struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	ServerID          string                 `json:"server_id"`
	Input             map[string]interface{} `json:"input,omitempty"`
	Content           []ContentBlock         `json:"content"`
	IsError           bool                   `json:"is_error"`
	StructuredContent interface{}            `json:"structured_content,omitempty"`
	UIResource        *UIResource            `json:"ui_resource,omitempty"`
}

// Text concatenates the textual content blocks of the record.
func (r *ToolCallRecord) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ── Confirmation Policy ──────────────────────────────────────

// ConfirmMode is the admin-level confirmation policy mode.
type ConfirmMode string

const (
	// ConfirmNone never requires confirmation.
	ConfirmNone ConfirmMode = "none"
	// ConfirmAll requires confirmation for every tool unless exempted.
	ConfirmAll ConfirmMode = "all"
	// ConfirmWhitelist exempts the listed tools; everything else confirms.
	ConfirmWhitelist ConfirmMode = "whitelist"
	// ConfirmBlacklist confirms only the listed tools.
	ConfirmBlacklist ConfirmMode = "blacklist"
)

// ConfirmPolicy is the admin confirmation policy. Tools entries are either
// "serverID:toolName" ids or bare tool names.
type ConfirmPolicy struct {
	Mode  ConfirmMode `json:"mode"`
	Tools []string    `json:"tools,omitempty"`
}

// ConfirmScope is the granularity of a human approval.
type ConfirmScope string

const (
	ConfirmOnce   ConfirmScope = "once"
	ConfirmThread ConfirmScope = "thread"
	ConfirmAlways ConfirmScope = "always"
)

// Resolution is the outcome of a pending confirmation.
type Resolution struct {
	Approved bool         `json:"approved"`
	Scope    ConfirmScope `json:"scope,omitempty"`
}

// PendingConfirmation is one in-flight approval request.
type PendingConfirmation struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	ThreadID  string                 `json:"thread_id"`
	UserID    string                 `json:"user_id"`
	ServerID  string                 `json:"server_id"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ── Thread Allow-List ────────────────────────────────────────

// ThreadAllowList is the set of tool ids approved "for this thread".
// It is shared by reference between a parent turn and its delegated
// sub-turns, which may run concurrently, so access is synchronized.
type ThreadAllowList struct {
	mu  sync.RWMutex
	ids map[string]bool
}

func NewThreadAllowList() *ThreadAllowList {
	return &ThreadAllowList{ids: make(map[string]bool)}
}

// Add marks a tool id as allowed for the remainder of the thread.
func (l *ThreadAllowList) Add(toolID string) {
	l.mu.Lock()
	l.ids[toolID] = true
	l.mu.Unlock()
}

// Has reports whether the tool id was approved for this thread.
func (l *ThreadAllowList) Has(toolID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ids[toolID]
}

// Items returns a snapshot of the allowed tool ids.
func (l *ThreadAllowList) Items() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.ids))
	for id := range l.ids {
		out = append(out, id)
	}
	return out
}

// ── Agents ───────────────────────────────────────────────────

// Agent is a persona the executor can run a turn as, or delegate to.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Model        string `json:"model,omitempty"`

	// AllowedTools restricts the tool ids exposed to this agent.
	// Empty means all aggregated tools are available.
	AllowedTools []string `json:"allowed_tools,omitempty"`

	// CanDelegate controls whether the delegation tool is offered.
	CanDelegate bool `json:"can_delegate"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── Turn Results ─────────────────────────────────────────────

// Stop reasons reported at the end of a turn.
const (
	StopEndTurn  = "end_turn"
	StopToolUse  = "tool_use"
	StopMaxLoops = "max_loops"
)

// TurnResult is what an agent turn returns to the caller.
type TurnResult struct {
	Text       string           `json:"text"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	Usage      TokenUsage       `json:"usage"`
	Loops      int              `json:"loops"`
	StopReason string           `json:"stop_reason"`
}

// ── Turn Events ──────────────────────────────────────────────

// EventType enumerates the ordered events emitted while a turn runs.
type EventType string

const (
	EventDelta               EventType = "delta"
	EventToolPending         EventType = "tool_pending_confirmation"
	EventToolAutoApproved    EventType = "tool_auto_approved"
	EventToolConfirmed       EventType = "tool_confirmed"
	EventToolUse             EventType = "tool_use"
	EventToolResult          EventType = "tool_result"
	EventStop                EventType = "stop"
	EventSubThreadError      EventType = "sub_thread_error"
)

// Event is one presentation event. SubThreadID is set when the event was
// produced inside a delegated sub-turn.
type Event struct {
	Type        EventType        `json:"type"`
	ThreadID    string           `json:"thread_id,omitempty"`
	SubThreadID string           `json:"sub_thread_id,omitempty"`
	Text        string           `json:"text,omitempty"`
	ToolCall    *ToolCallRequest `json:"tool_call,omitempty"`
	Result      *ToolCallRecord  `json:"result,omitempty"`

	// ConfirmationID is set on tool_pending_confirmation events so the
	// out-of-band resolver can reference the pending entry.
	ConfirmationID string `json:"confirmation_id,omitempty"`

	// Reason explains auto-approvals ("whitelisted", "thread_allowed", ...).
	Reason string `json:"reason,omitempty"`

	StopReason string      `json:"stop_reason,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
	Error      string      `json:"error,omitempty"`
}
