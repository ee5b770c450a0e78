// Package executor drives agentic turns: it streams the model, routes
// requested tool calls through the confirmation gate and out to tool
// servers, feeds results back, and repeats until the model stops asking
// for tools or the loop budget runs out. Delegation to another agent is
// handled as a nested turn one level deep.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/toolplane/toolplane/internal/agents"
	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/internal/confirm"
	"github.com/toolplane/toolplane/internal/llm"
	"github.com/toolplane/toolplane/internal/pool"
	"github.com/toolplane/toolplane/internal/store"
	"github.com/toolplane/toolplane/internal/tools"
	"github.com/toolplane/toolplane/pkg/models"
)

var tracer = otel.Tracer("toolplane")

// EventSink receives the ordered presentation events of a turn.
type EventSink interface {
	Emit(event models.Event)
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(event models.Event)

func (f SinkFunc) Emit(event models.Event) { f(event) }

// Turn is the mutable state of one agent turn. A delegated sub-turn gets
// its own Turn with a fresh SubThreadID, an incremented Depth, and the
// same ThreadAllowed reference as its parent.
type Turn struct {
	ThreadID    string
	SubThreadID string
	SessionID   string
	UserID      string
	TeamID      string

	Agent    *models.Agent
	Messages []models.ChatMessage

	// ThreadAllowed collects "allow for this thread" approvals. Shared by
	// reference with delegated sub-turns.
	ThreadAllowed *models.ThreadAllowList

	// Depth counts delegation nesting; 0 for a user-initiated turn.
	Depth int
}

// Executor runs bounded agentic turns.
type Executor struct {
	cfg      config.ExecutorConfig
	llm      llm.Client
	store    store.Store
	pool     *pool.Pool
	agg      *tools.Aggregator
	registry *confirm.Registry
	agents   *agents.Registry
}

func New(cfg config.ExecutorConfig, client llm.Client, st store.Store, p *pool.Pool, agg *tools.Aggregator, registry *confirm.Registry, ar *agents.Registry) *Executor {
	return &Executor{
		cfg:      cfg,
		llm:      client,
		store:    st,
		pool:     p,
		agg:      agg,
		registry: registry,
		agents:   ar,
	}
}

// Run executes one turn to completion. Loop exhaustion is a normal stop,
// not an error; only infrastructure failures (store, model transport)
// surface as errors.
func (e *Executor) Run(ctx context.Context, turn *Turn, sink EventSink) (*models.TurnResult, error) {
	if turn.ThreadAllowed == nil {
		turn.ThreadAllowed = models.NewThreadAllowList()
	}

	result := &models.TurnResult{StopReason: models.StopEndTurn}

	// Delegated sub-turns recurse through Run, so each nesting level gets
	// its own child span.
	ctx, span := tracer.Start(ctx, "executor.turn")
	span.SetAttributes(
		attribute.String("toolplane.thread_id", turn.ThreadID),
		attribute.Int("toolplane.delegation_depth", turn.Depth),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("toolplane.stop_reason", result.StopReason),
			attribute.Int("toolplane.loops", result.Loops),
		)
		span.End()
	}()

	var text strings.Builder

	for loop := 1; loop <= e.cfg.MaxLoops; loop++ {
		result.Loops = loop

		catalog, err := e.catalogFor(ctx, turn)
		if err != nil {
			return result, err
		}

		stream, err := e.llm.Chat(ctx, &llm.ChatRequest{
			Model:    turn.Agent.Model,
			System:   turn.Agent.SystemPrompt,
			Messages: turn.Messages,
			Tools:    catalog,
		})
		if err != nil {
			return result, fmt.Errorf("model call: %w", err)
		}

		var loopText strings.Builder
		var calls []models.ToolCallRequest
		stopReason := models.StopEndTurn

		for ev := range stream.Events() {
			switch ev.Type {
			case llm.StreamText:
				loopText.WriteString(ev.Text)
				e.emit(sink, turn, models.Event{Type: models.EventDelta, Text: ev.Text})
			case llm.StreamToolUse:
				calls = append(calls, *ev.ToolCall)
			case llm.StreamUsage:
				result.Usage.Add(*ev.Usage)
			case llm.StreamStop:
				stopReason = ev.StopReason
			}
		}
		if err := stream.Err(); err != nil {
			return result, fmt.Errorf("model stream: %w", err)
		}

		text.WriteString(loopText.String())

		if len(calls) == 0 || stopReason != models.StopToolUse {
			result.Text = text.String()
			result.StopReason = stopReason
			e.emit(sink, turn, models.Event{Type: models.EventStop, StopReason: result.StopReason, Usage: &result.Usage})
			return result, nil
		}

		records := e.executeCalls(ctx, turn, calls, sink, result)

		turn.Messages = append(turn.Messages,
			models.ChatMessage{Role: "assistant", Content: loopText.String(), ToolCalls: calls},
			models.ChatMessage{Role: "user", ToolResults: records},
		)
		result.ToolCalls = append(result.ToolCalls, records...)
	}

	// Budget spent: end the turn with whatever accumulated.
	result.Text = text.String()
	result.StopReason = models.StopMaxLoops
	log.Info().
		Str("thread_id", turn.ThreadID).
		Int("loops", result.Loops).
		Msg("turn reached loop budget")
	e.emit(sink, turn, models.Event{Type: models.EventStop, StopReason: result.StopReason, Usage: &result.Usage})
	return result, nil
}

// catalogFor builds the aggregated, agent-filtered tool list for this
// iteration. The delegation tool is withheld once the depth cap is hit.
func (e *Executor) catalogFor(ctx context.Context, turn *Turn) ([]models.ToolDescriptor, error) {
	servers, err := e.store.ListToolServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tool servers: %w", err)
	}
	catalog := e.agg.ListToolsFor(ctx, turn.UserID, turn.TeamID, servers)
	return e.agents.FilterToolsForAgent(turn.Agent, catalog, turn.Depth < e.cfg.MaxDelegationDepth), nil
}

// executeCalls runs one iteration's tool calls: regular calls strictly
// sequentially in request order, delegation calls concurrently. The
// returned records preserve the request order.
func (e *Executor) executeCalls(ctx context.Context, turn *Turn, calls []models.ToolCallRequest, sink EventSink, result *models.TurnResult) []models.ToolCallRecord {
	records := make([]models.ToolCallRecord, len(calls))
	usages := make([]models.TokenUsage, len(calls))

	for i, call := range calls {
		if !isDelegation(&call) {
			records[i] = e.executeCall(ctx, turn, call, sink)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		if !isDelegation(&call) {
			continue
		}
		i, call := i, call
		g.Go(func() error {
			records[i], usages[i] = e.runDelegation(gctx, turn, call, sink)
			return nil
		})
	}
	g.Wait()

	for _, u := range usages {
		result.Usage.Add(u)
	}
	return records
}

func isDelegation(call *models.ToolCallRequest) bool {
	return call.ServerID == models.NativeServerID && call.Name == tools.DelegateToolName
}

func (e *Executor) emit(sink EventSink, turn *Turn, ev models.Event) {
	if sink == nil {
		return
	}
	ev.ThreadID = turn.ThreadID
	ev.SubThreadID = turn.SubThreadID
	sink.Emit(ev)
}
