package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/pkg/models"
)

// AnthropicClient streams completions from the Anthropic messages API.
type AnthropicClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func NewAnthropicClient(cfg config.LLMConfig) *AnthropicClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com"
	}
	return &AnthropicClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string        `json:"role"`
	Content []interface{} `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	Stream    bool               `json:"stream"`
}

// Chat starts a streaming messages request.
func (c *AnthropicClient) Chat(ctx context.Context, req *ChatRequest) (*Stream, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key not configured")
	}

	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		System:    req.System,
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: maxTokens,
		Tools:     anthropicTools(req.Tools),
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	url := c.cfg.Endpoint + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	stream := newStream()
	go c.consume(httpResp.Body, stream)
	return stream, nil
}

// toolBlock accumulates a streamed tool_use content block until its stop
// event arrives.
type toolBlock struct {
	id       string
	wireName string
	partial  strings.Builder
}

func (c *AnthropicClient) consume(body io.ReadCloser, stream *Stream) {
	defer body.Close()
	defer close(stream.events)

	blocks := make(map[int]*toolBlock)
	usage := models.TokenUsage{}
	stopReason := models.StopEndTurn

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev struct {
			Type    string `json:"type"`
			Index   int    `json:"index"`
			Message struct {
				Usage struct {
					InputTokens int64 `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			log.Debug().Err(err).Msg("anthropic: skipping unparseable stream event")
			continue
		}

		switch ev.Type {
		case "message_start":
			usage.InputTokens = ev.Message.Usage.InputTokens

		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &toolBlock{id: ev.ContentBlock.ID, wireName: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					stream.events <- StreamEvent{Type: StreamText, Text: ev.Delta.Text}
				}
			case "input_json_delta":
				if b, ok := blocks[ev.Index]; ok {
					b.partial.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if b, ok := blocks[ev.Index]; ok {
				delete(blocks, ev.Index)
				serverID, name := parseWireToolName(b.wireName)
				stream.events <- StreamEvent{Type: StreamToolUse, ToolCall: &models.ToolCallRequest{
					ID:        b.id,
					Name:      name,
					ServerID:  serverID,
					Arguments: parseArgs(b.partial.String()),
				}}
			}

		case "message_delta":
			if ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			usage.OutputTokens = ev.Usage.OutputTokens

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			stream.events <- StreamEvent{Type: StreamUsage, Usage: &usage}
			stream.events <- StreamEvent{Type: StreamStop, StopReason: stopReason}
			return

		case "error":
			stream.err = fmt.Errorf("anthropic: stream error: %s", ev.Error.Message)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		stream.err = fmt.Errorf("anthropic: read stream: %w", err)
	}
}

func anthropicTools(tools []models.ToolDescriptor) []anthropicTool {
	out := make([]anthropicTool, 0, len(tools))
	for i := range tools {
		d := &tools[i]
		schema := d.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		out = append(out, anthropicTool{
			Name:        wireToolName(d),
			Description: d.Description,
			InputSchema: schema,
		})
	}
	return out
}

// anthropicMessages converts the neutral history into Anthropic content
// blocks: tool calls ride on assistant messages, tool results on user
// messages.
func anthropicMessages(messages []models.ChatMessage) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue // carried in the top-level system field
		}

		var content []interface{}
		if m.Content != "" {
			content = append(content, map[string]interface{}{"type": "text", "text": m.Content})
		}
		for _, tc := range m.ToolCalls {
			content = append(content, map[string]interface{}{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  wireToolName(&models.ToolDescriptor{ServerID: tc.ServerID, Name: tc.Name}),
				"input": tc.Arguments,
			})
		}
		for _, tr := range m.ToolResults {
			content = append(content, map[string]interface{}{
				"type":        "tool_result",
				"tool_use_id": tr.ID,
				"content":     tr.Text(),
				"is_error":    tr.IsError,
			})
		}
		if len(content) == 0 {
			continue
		}
		out = append(out, anthropicMessage{Role: m.Role, Content: content})
	}
	return out
}
