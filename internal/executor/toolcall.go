package executor

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/confirm"
	"github.com/toolplane/toolplane/internal/mcpclient"
	"github.com/toolplane/toolplane/internal/pool"
	"github.com/toolplane/toolplane/pkg/models"
)

// executeCall takes one regular tool call through the confirmation gate
// and out to its server. Every failure mode comes back as an error-flagged
// record for the model, never as a Go error.
func (e *Executor) executeCall(ctx context.Context, turn *Turn, call models.ToolCallRequest, sink EventSink) models.ToolCallRecord {
	approved, rec := e.confirmCall(ctx, turn, call, sink)
	if !approved {
		e.emit(sink, turn, models.Event{Type: models.EventToolResult, Result: &rec})
		return rec
	}

	e.emit(sink, turn, models.Event{Type: models.EventToolUse, ToolCall: &call})

	// The execution timeout starts only now, after approval.
	tctx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	rec = e.dispatch(tctx, turn, call)
	cancel()

	e.emit(sink, turn, models.Event{Type: models.EventToolResult, Result: &rec})
	return rec
}

// confirmCall runs the gate and, when required, suspends on the pending
// registry until the out-of-band resolver or the timeout sweeper answers.
// Returns the denial record when approval was not granted.
func (e *Executor) confirmCall(ctx context.Context, turn *Turn, call models.ToolCallRequest, sink EventSink) (bool, models.ToolCallRecord) {
	policy, err := e.store.GetConfirmPolicy(ctx)
	if err != nil {
		return false, errorRecord(call, fmt.Sprintf("load confirmation policy: %v", err))
	}
	alwaysAllow, err := e.store.GetAlwaysAllowed(ctx, turn.UserID)
	if err != nil {
		return false, errorRecord(call, fmt.Sprintf("load allow list: %v", err))
	}

	decision := confirm.Check(policy, call.ServerID, call.Name, alwaysAllow, turn.ThreadAllowed)
	if !decision.Required {
		e.emit(sink, turn, models.Event{Type: models.EventToolAutoApproved, ToolCall: &call, Reason: decision.Reason})
		return true, models.ToolCallRecord{}
	}

	id, future := e.registry.Create(models.PendingConfirmation{
		SessionID: turn.SessionID,
		ThreadID:  turn.ThreadID,
		UserID:    turn.UserID,
		ServerID:  call.ServerID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
	})
	e.emit(sink, turn, models.Event{Type: models.EventToolPending, ToolCall: &call, ConfirmationID: id})

	var res models.Resolution
	select {
	case res = <-future:
	case <-ctx.Done():
		e.registry.Resolve(id, models.Resolution{Approved: false})
		return false, errorRecord(call, "turn canceled while awaiting confirmation")
	}

	if !res.Approved {
		return false, errorRecord(call, "tool call denied by the user")
	}

	toolID := models.ToolID(call.ServerID, call.Name)
	switch res.Scope {
	case models.ConfirmThread:
		turn.ThreadAllowed.Add(toolID)
	case models.ConfirmAlways:
		turn.ThreadAllowed.Add(toolID)
		if err := e.store.AddAlwaysAllowed(ctx, turn.UserID, toolID); err != nil {
			log.Warn().Err(err).Str("tool", toolID).Msg("failed to persist always-allow entry")
		}
	}

	e.emit(sink, turn, models.Event{Type: models.EventToolConfirmed, ToolCall: &call})
	return true, models.ToolCallRecord{}
}

// dispatch routes an approved call to the native registry or the owning
// tool server.
func (e *Executor) dispatch(ctx context.Context, turn *Turn, call models.ToolCallRequest) models.ToolCallRecord {
	if call.ServerID == models.NativeServerID {
		blocks, err := e.agg.Native().Call(ctx, call.Name, call.Arguments)
		if err != nil {
			return errorRecord(call, err.Error())
		}
		return models.ToolCallRecord{
			ID: call.ID, Name: call.Name, ServerID: call.ServerID,
			Input: call.Arguments, Content: blocks,
		}
	}

	conn, err := e.connFor(ctx, turn, call.ServerID)
	if err != nil {
		return errorRecord(call, err.Error())
	}

	result, err := conn.Client.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return errorRecord(call, fmt.Sprintf("call tool %s: %v", call.Name, err))
	}
	return recordFromResult(call, result)
}

func (e *Executor) connFor(ctx context.Context, turn *Turn, serverID string) (*pool.Conn, error) {
	server, err := e.store.GetToolServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("unknown tool server %q", serverID)
	}
	if !server.Enabled {
		return nil, fmt.Errorf("tool server %q is disabled", serverID)
	}

	if server.AuthMode.IsGlobal() {
		return e.pool.ConnectGlobal(ctx, server)
	}

	scope := server.AuthMode.CredentialScope()
	ownerID := turn.UserID
	if scope == models.ScopeTeam {
		ownerID = turn.TeamID
	}
	if ownerID == "" {
		return nil, fmt.Errorf("tool server %q requires a %s scope this thread does not have", serverID, scope)
	}
	return e.pool.GetForOwner(ctx, server, scope, ownerID)
}

// recordFromResult converts a protocol result into the neutral record.
// Protocol-level failures arrive as IsError, which is preserved as-is.
func recordFromResult(call models.ToolCallRequest, result *mcp.CallToolResult) models.ToolCallRecord {
	rec := models.ToolCallRecord{
		ID:                call.ID,
		Name:              call.Name,
		ServerID:          call.ServerID,
		Input:             call.Arguments,
		IsError:           result.IsError,
		StructuredContent: result.StructuredContent,
		UIResource:        mcpclient.UIResourceFromMeta(result.Meta),
	}

	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			rec.Content = append(rec.Content, models.ContentBlock{Type: "text", Text: tc.Text})
			continue
		}
		if ic, ok := mcp.AsImageContent(content); ok {
			rec.Content = append(rec.Content, models.ContentBlock{Type: "blob", MimeType: ic.MIMEType, Data: ic.Data})
			continue
		}
		if ac, ok := mcp.AsAudioContent(content); ok {
			rec.Content = append(rec.Content, models.ContentBlock{Type: "blob", MimeType: ac.MIMEType, Data: ac.Data})
		}
	}
	return rec
}

func errorRecord(call models.ToolCallRequest, msg string) models.ToolCallRecord {
	return models.ToolCallRecord{
		ID:       call.ID,
		Name:     call.Name,
		ServerID: call.ServerID,
		Input:    call.Arguments,
		Content:  []models.ContentBlock{{Type: "text", Text: msg}},
		IsError:  true,
	}
}
