package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/pkg/models"
)

func TestWireToolNameRoundTrip(t *testing.T) {
	tests := []struct {
		serverID, name string
		wantWire       string
	}{
		{"github", "create_issue", "github__create_issue"},
		{models.NativeServerID, "delegate_to_agent", "delegate_to_agent"},
		{"", "bare_tool", "bare_tool"},
	}
	for _, tt := range tests {
		wire := wireToolName(&models.ToolDescriptor{ServerID: tt.serverID, Name: tt.name})
		if wire != tt.wantWire {
			t.Errorf("wireToolName(%s, %s) = %q, want %q", tt.serverID, tt.name, wire, tt.wantWire)
		}

		serverID, name := parseWireToolName(wire)
		if name != tt.name {
			t.Errorf("parseWireToolName(%q) name = %q, want %q", wire, name, tt.name)
		}
		wantServer := tt.serverID
		if wantServer == "" {
			wantServer = models.NativeServerID
		}
		if serverID != wantServer {
			t.Errorf("parseWireToolName(%q) server = %q, want %q", wire, serverID, wantServer)
		}
	}
}

func TestParseArgsDegradesToEmptyObject(t *testing.T) {
	if args := parseArgs(`{"city":"Oslo"}`); args["city"] != "Oslo" {
		t.Errorf("parseArgs(valid) = %v", args)
	}
	for _, raw := range []string{"", "not json", "null", `["array"]`} {
		args := parseArgs(raw)
		if args == nil || len(args) != 0 {
			t.Errorf("parseArgs(%q) = %v, want empty object", raw, args)
		}
	}
}

func collectEvents(t *testing.T, stream *Stream) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range stream.Events() {
		out = append(out, ev)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error = %v", err)
	}
	return out
}

func TestAnthropicChatStream(t *testing.T) {
	sse := "" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":42}}}` + "\n\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking "}}` + "\n\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"the weather."}}` + "\n\n" +
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"weather__get_forecast"}}` + "\n\n" +
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}` + "\n\n" +
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}` + "\n\n" +
		`data: {"type":"content_block_stop","index":1}` + "\n\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":17}}` + "\n\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer srv.Close()

	c := NewAnthropicClient(config.LLMConfig{
		APIKey: "sk-test", Endpoint: srv.URL, DefaultModel: "test-model", MaxTokens: 1024,
	})

	stream, err := c.Chat(context.Background(), &ChatRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "weather in Oslo?"}},
		Tools:    []models.ToolDescriptor{{Name: "get_forecast", ServerID: "weather"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	events := collectEvents(t, stream)
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5: %+v", len(events), events)
	}

	if events[0].Type != StreamText || events[0].Text != "Checking " {
		t.Errorf("event[0] = %+v", events[0])
	}
	tu := events[2]
	if tu.Type != StreamToolUse || tu.ToolCall.ServerID != "weather" || tu.ToolCall.Name != "get_forecast" {
		t.Fatalf("event[2] = %+v, want tool_use weather:get_forecast", tu)
	}
	if tu.ToolCall.Arguments["city"] != "Oslo" {
		t.Errorf("tool args = %v", tu.ToolCall.Arguments)
	}
	if events[3].Type != StreamUsage || events[3].Usage.TotalTokens != 59 {
		t.Errorf("event[3] = %+v, want usage 42+17", events[3])
	}
	if events[4].Type != StreamStop || events[4].StopReason != models.StopToolUse {
		t.Errorf("event[4] = %+v, want stop tool_use", events[4])
	}
}

func TestOpenAIChatStream(t *testing.T) {
	sse := "" +
		`data: {"choices":[{"delta":{"content":"Hello"},"finish_reason":null}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"weather__get_forecast","arguments":"{\"city\":"}}]},"finish_reason":null}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]},"finish_reason":null}]}` + "\n\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n" +
		`data: {"choices":[],"usage":{"prompt_tokens":30,"completion_tokens":12,"total_tokens":42}}` + "\n\n" +
		"data: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{
		APIKey: "sk-test", Endpoint: srv.URL, DefaultModel: "test-model", MaxTokens: 1024,
	})

	stream, err := c.Chat(context.Background(), &ChatRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "weather in Oslo?"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	events := collectEvents(t, stream)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	if events[0].Type != StreamText || events[0].Text != "Hello" {
		t.Errorf("event[0] = %+v", events[0])
	}
	tu := events[1]
	if tu.Type != StreamToolUse || tu.ToolCall.ID != "call_1" || tu.ToolCall.Name != "get_forecast" {
		t.Fatalf("event[1] = %+v, want tool_use call_1", tu)
	}
	if tu.ToolCall.Arguments["city"] != "Oslo" {
		t.Errorf("tool args = %v", tu.ToolCall.Arguments)
	}
	if events[2].Type != StreamUsage || events[2].Usage.TotalTokens != 42 {
		t.Errorf("event[2] = %+v", events[2])
	}
	if events[3].Type != StreamStop || events[3].StopReason != models.StopToolUse {
		t.Errorf("event[3] = %+v", events[3])
	}
}

func TestChatRejectsMissingAPIKey(t *testing.T) {
	if _, err := NewAnthropicClient(config.LLMConfig{}).Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Error("anthropic Chat() without api key expected error")
	}
	if _, err := NewOpenAIClient(config.LLMConfig{}).Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Error("openai Chat() without api key expected error")
	}
}

func TestNewSelectsProvider(t *testing.T) {
	if _, ok := New(config.LLMConfig{Provider: "openai"}).(*OpenAIClient); !ok {
		t.Error("New(openai) should build an OpenAIClient")
	}
	if _, ok := New(config.LLMConfig{Provider: "anthropic"}).(*AnthropicClient); !ok {
		t.Error("New(anthropic) should build an AnthropicClient")
	}
	if _, ok := New(config.LLMConfig{}).(*AnthropicClient); !ok {
		t.Error("New(default) should fall back to Anthropic")
	}
}
