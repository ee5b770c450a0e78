package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/internal/api/middleware"
	"github.com/toolplane/toolplane/internal/executor"
	"github.com/toolplane/toolplane/internal/store"
	"github.com/toolplane/toolplane/pkg/models"
)

// turnRequest is the body of POST /api/v1/turns. Message is a shorthand
// for a single-element Messages history.
type turnRequest struct {
	ThreadID  string               `json:"thread_id,omitempty"`
	SessionID string               `json:"session_id,omitempty"`
	AgentID   string               `json:"agent_id,omitempty"`
	Message   string               `json:"message,omitempty"`
	Messages  []models.ChatMessage `json:"messages,omitempty"`
}

// RunTurn executes one agent turn and streams its events over SSE.
// Each executor event becomes one SSE event named after its type; the
// stream ends with a "done" event carrying the turn result.
// POST /api/v1/turns
func (h *Handlers) RunTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	messages := req.Messages
	if len(messages) == 0 && req.Message != "" {
		messages = []models.ChatMessage{{Role: "user", Content: req.Message}}
	}
	if len(messages) == 0 {
		respondError(w, http.StatusBadRequest, "Request must include 'message' or 'messages'")
		return
	}

	agent, err := h.turnAgent(r, req.AgentID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	turn := &executor.Turn{
		ThreadID:  req.ThreadID,
		SessionID: req.SessionID,
		UserID:    middleware.GetUserID(r.Context()),
		TeamID:    middleware.GetTeamID(r.Context()),
		Agent:     agent,
		Messages:  messages,
	}
	if turn.ThreadID == "" {
		turn.ThreadID = uuid.New().String()
	}
	if turn.SessionID == "" {
		turn.SessionID = uuid.New().String()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Delegated sub-turns emit concurrently; serialize the SSE writes.
	var mu sync.Mutex
	writeEvent := func(name string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		mu.Lock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		flusher.Flush()
		mu.Unlock()
	}

	sink := executor.SinkFunc(func(ev models.Event) {
		writeEvent(string(ev.Type), ev)
	})

	result, err := h.Executor.Run(r.Context(), turn, sink)
	if err != nil {
		log.Warn().Err(err).Str("thread_id", turn.ThreadID).Msg("Turn failed")
		writeEvent("error", map[string]string{
			"thread_id": turn.ThreadID,
			"error":     err.Error(),
		})
		return
	}

	writeEvent("done", map[string]interface{}{
		"thread_id":      turn.ThreadID,
		"session_id":     turn.SessionID,
		"result":         result,
		"thread_allowed": turn.ThreadAllowed.Items(),
	})
}

// turnAgent resolves the agent persona for a turn. An empty agent id
// falls back to an unrestricted default persona on the default model.
func (h *Handlers) turnAgent(r *http.Request, agentID string) (*models.Agent, error) {
	if agentID != "" {
		return h.Agents.GetAgentByID(r.Context(), agentID)
	}
	return &models.Agent{
		ID:          "default",
		Name:        "default",
		Model:       h.DefaultModel,
		CanDelegate: true,
	}, nil
}
