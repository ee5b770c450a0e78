package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/pkg/models"
)

// OpenAIClient streams completions from an OpenAI-compatible
// chat-completions endpoint.
type OpenAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type openAIFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Tools         []openAITool    `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

// Chat starts a streaming chat-completions request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*Stream, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key not configured")
	}

	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	oaiReq := openAIRequest{
		Model:     model,
		Messages:  openAIMessages(req.System, req.Messages),
		Tools:     openAITools(req.Tools),
		MaxTokens: maxTokens,
		Stream:    true,
	}
	oaiReq.StreamOptions.IncludeUsage = true

	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := c.cfg.Endpoint + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	stream := newStream()
	go c.consume(httpResp.Body, stream)
	return stream, nil
}

// pendingCall accumulates one streamed tool call across delta chunks.
type pendingCall struct {
	id       string
	wireName string
	args     strings.Builder
}

func (c *OpenAIClient) consume(body io.ReadCloser, stream *Stream) {
	defer body.Close()
	defer close(stream.events)

	calls := make(map[int]*pendingCall)
	usage := models.TokenUsage{}
	stopReason := models.StopEndTurn

	flush := func() {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := calls[i]
			serverID, name := parseWireToolName(call.wireName)
			stream.events <- StreamEvent{Type: StreamToolUse, ToolCall: &models.ToolCallRequest{
				ID:        call.id,
				Name:      name,
				ServerID:  serverID,
				Arguments: parseArgs(call.args.String()),
			}}
		}
		calls = make(map[int]*pendingCall)
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int64 `json:"prompt_tokens"`
				CompletionTokens int64 `json:"completion_tokens"`
				TotalTokens      int64 `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Debug().Err(err).Msg("openai: skipping unparseable stream chunk")
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				stream.events <- StreamEvent{Type: StreamText, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				call, ok := calls[tc.Index]
				if !ok {
					call = &pendingCall{}
					calls[tc.Index] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.wireName = tc.Function.Name
				}
				call.args.WriteString(tc.Function.Arguments)
			}
			switch choice.FinishReason {
			case "tool_calls":
				stopReason = models.StopToolUse
				flush()
			case "stop":
				stopReason = models.StopEndTurn
			case "length":
				stopReason = "max_tokens"
			}
		}
	}

	if err := scanner.Err(); err != nil {
		stream.err = fmt.Errorf("openai: read stream: %w", err)
		return
	}

	flush()
	stream.events <- StreamEvent{Type: StreamUsage, Usage: &usage}
	stream.events <- StreamEvent{Type: StreamStop, StopReason: stopReason}
}

func openAITools(tools []models.ToolDescriptor) []openAITool {
	out := make([]openAITool, 0, len(tools))
	for i := range tools {
		d := &tools[i]
		params := d.InputSchema
		if params == nil {
			params = map[string]interface{}{"type": "object"}
		}
		out = append(out, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        wireToolName(d),
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// openAIMessages converts the neutral history to the chat-completions
// shape: tool calls ride on assistant messages, each tool result becomes
// its own role=tool message.
func openAIMessages(system string, messages []models.ChatMessage) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openAIMessage{Role: "system", Content: system})
	}

	for _, m := range messages {
		if m.Role == "system" {
			out = append(out, openAIMessage{Role: "system", Content: m.Content})
			continue
		}

		if len(m.ToolResults) > 0 {
			for _, tr := range m.ToolResults {
				out = append(out, openAIMessage{
					Role:       "tool",
					Content:    tr.Text(),
					ToolCallID: tr.ID,
				})
			}
			if m.Content != "" {
				out = append(out, openAIMessage{Role: m.Role, Content: m.Content})
			}
			continue
		}

		msg := openAIMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = wireToolName(&models.ToolDescriptor{ServerID: tc.ServerID, Name: tc.Name})
			call.Function.Arguments = string(args)
			msg.ToolCalls = append(msg.ToolCalls, call)
		}
		out = append(out, msg)
	}
	return out
}
