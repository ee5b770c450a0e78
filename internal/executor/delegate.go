package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/models"
)

// runDelegation handles a delegate_to_agent call: it builds a nested turn
// for the target agent and runs the executor recursively, one level deeper.
// The sub-turn shares the parent's thread allow-list, so an approval in
// either scope covers the other for the rest of the thread. Every failure
// becomes an error-flagged tool result plus a sub_thread_error event; it
// never propagates to the parent as an error.
func (e *Executor) runDelegation(ctx context.Context, turn *Turn, call models.ToolCallRequest, sink EventSink) (models.ToolCallRecord, models.TokenUsage) {
	fail := func(msg string) (models.ToolCallRecord, models.TokenUsage) {
		e.emit(sink, turn, models.Event{Type: models.EventSubThreadError, ToolCall: &call, Error: msg})
		rec := errorRecord(call, msg)
		e.emit(sink, turn, models.Event{Type: models.EventToolResult, Result: &rec})
		return rec, models.TokenUsage{}
	}

	if turn.Depth+1 > e.cfg.MaxDelegationDepth {
		return fail(fmt.Sprintf("delegation depth limit (%d) reached", e.cfg.MaxDelegationDepth))
	}

	agentID, _ := call.Arguments["agent_id"].(string)
	prompt, _ := call.Arguments["prompt"].(string)
	if agentID == "" || prompt == "" {
		return fail("delegation requires agent_id and prompt")
	}

	target, err := e.agents.GetAgentByID(ctx, agentID)
	if err != nil {
		return fail(fmt.Sprintf("unknown agent %q", agentID))
	}

	seed := prompt
	if extra, _ := call.Arguments["context"].(string); extra != "" {
		seed = extra + "\n\n" + prompt
	}

	subTurn := &Turn{
		ThreadID:      turn.ThreadID,
		SubThreadID:   uuid.New().String(),
		SessionID:     turn.SessionID,
		UserID:        turn.UserID,
		TeamID:        turn.TeamID,
		Agent:         target,
		Messages:      []models.ChatMessage{{Role: "user", Content: seed}},
		ThreadAllowed: turn.ThreadAllowed,
		Depth:         turn.Depth + 1,
	}

	log.Info().
		Str("thread_id", turn.ThreadID).
		Str("sub_thread_id", subTurn.SubThreadID).
		Str("agent_id", agentID).
		Msg("starting delegated turn")

	result, err := e.Run(ctx, subTurn, sink)
	if err != nil {
		return fail(fmt.Sprintf("delegated turn failed: %v", err))
	}

	rec := models.ToolCallRecord{
		ID:       call.ID,
		Name:     call.Name,
		ServerID: call.ServerID,
		Input:    call.Arguments,
		Content:  []models.ContentBlock{{Type: "text", Text: result.Text}},
	}
	e.emit(sink, turn, models.Event{Type: models.EventToolResult, Result: &rec})
	return rec, result.Usage
}
