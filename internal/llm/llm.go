// Package llm abstracts the streaming language-model clients. Both
// implementations speak SSE and surface the same event stream: text
// deltas, tool-use requests, token usage, and a terminal stop reason.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/pkg/models"
)

// ChatRequest is one model invocation.
type ChatRequest struct {
	Model    string
	System   string
	Messages []models.ChatMessage
	// Tools is the aggregated, agent-filtered catalog offered to the model.
	Tools     []models.ToolDescriptor
	MaxTokens int
}

// StreamEventType enumerates what a stream can yield.
type StreamEventType string

const (
	StreamText    StreamEventType = "text"
	StreamToolUse StreamEventType = "tool_use"
	StreamUsage   StreamEventType = "usage"
	StreamStop    StreamEventType = "stop"
)

// StreamEvent is one unit of model output.
type StreamEvent struct {
	Type       StreamEventType
	Text       string
	ToolCall   *models.ToolCallRequest
	Usage      *models.TokenUsage
	StopReason string
}

// Client is the language-model collaborator the executor drives.
type Client interface {
	// Chat starts a streaming completion. The returned stream's channel
	// closes when the model is done; check Err afterwards.
	Chat(ctx context.Context, req *ChatRequest) (*Stream, error)
}

// Stream delivers model events in order.
type Stream struct {
	events chan StreamEvent
	err    error
}

func newStream() *Stream {
	return &Stream{events: make(chan StreamEvent, 16)}
}

// NewStaticStream returns an already-complete stream holding the given
// events. Fake clients use it; the HTTP clients stream incrementally.
func NewStaticStream(events ...StreamEvent) *Stream {
	s := &Stream{events: make(chan StreamEvent, len(events))}
	for _, ev := range events {
		s.events <- ev
	}
	close(s.events)
	return s
}

// Events returns the ordered event channel. It closes at end of stream.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Err reports a stream-level failure, valid after Events closes.
func (s *Stream) Err() error { return s.err }

// New builds the configured provider client.
func New(cfg config.LLMConfig) Client {
	if strings.EqualFold(cfg.Provider, "openai") {
		return NewOpenAIClient(cfg)
	}
	return NewAnthropicClient(cfg)
}

// ── Wire tool names ──────────────────────────────────────────

// wireSep joins serverID and tool name into a single model-facing tool
// name, since provider APIs reject colons in tool identifiers.
const wireSep = "__"

func wireToolName(d *models.ToolDescriptor) string {
	if d.ServerID == "" || d.ServerID == models.NativeServerID {
		return d.Name
	}
	return d.ServerID + wireSep + d.Name
}

// parseWireToolName recovers (serverID, name) from a model-facing tool
// name. Names without a separator belong to the native namespace.
func parseWireToolName(wire string) (serverID, name string) {
	if i := strings.Index(wire, wireSep); i > 0 {
		return wire[:i], wire[i+len(wireSep):]
	}
	return models.NativeServerID, wire
}

// parseArgs decodes tool-call arguments, degrading malformed JSON to an
// empty object rather than failing the turn.
func parseArgs(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]interface{}{}
	}
	return args
}
