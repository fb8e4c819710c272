package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/cortex/internal/agent"
	"github.com/haasonsaas/cortex/internal/audit"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

type sendMessageRequest struct {
	Messages     []agent.IncomingMessage `json:"messages" validate:"required,min=1,dive"`
	IncludeTypes []models.MessageType    `json:"include_types"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := s.actor(r)
	agentID := chi.URLParam(r, "agentID")
	start := time.Now()

	result, err := s.runner.Send(r.Context(), &agent.SendRequest{
		AgentID:      agentID,
		Messages:     req.Messages,
		IncludeTypes: req.IncludeTypes,
	}, actor, nil)
	if err != nil {
		s.recordTurn(actor, agentID, req.Messages, start, false, err.Error())
		s.writeError(w, r, err)
		return
	}

	s.recordTurn(actor, agentID, req.Messages, start, true, "")
	writeJSON(w, http.StatusOK, result)
}

// handleStreamMessage runs a turn and streams its events over SSE. The
// stream always terminates with stop_reason and usage events; turn setup
// failures surface as a single error event so the stream still ends cleanly.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := s.actor(r)
	agentID := chi.URLParam(r, "agentID")
	start := time.Now()

	stream, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	_, err = s.runner.Send(r.Context(), &agent.SendRequest{
		AgentID:      agentID,
		Messages:     req.Messages,
		IncludeTypes: req.IncludeTypes,
	}, actor, func(ev agent.StreamEvent) {
		stream.send(ev)
	})
	if err != nil {
		s.recordTurn(actor, agentID, req.Messages, start, false, err.Error())
		stream.send(map[string]any{
			"message_type": "error",
			"error": map[string]string{
				"code":    string(errs.CodeOf(err)),
				"message": err.Error(),
			},
		})
		stream.close()
		return
	}

	s.recordTurn(actor, agentID, req.Messages, start, true, "")
	stream.close()
}

// recordTurn audits one agent turn with the inbound text hashed.
func (s *Server) recordTurn(actor models.Actor, agentID string, inbound []agent.IncomingMessage, start time.Time, success bool, errMsg string) {
	var content string
	for _, m := range inbound {
		content += m.Content + "\n"
	}
	s.record(&audit.Event{
		Type:           audit.EventAgentMessage,
		UserID:         actor.UserID,
		Action:         "agent_message",
		Resource:       agentID,
		DataContent:    content,
		Success:        success,
		ErrorMessage:   errMsg,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	})
}

// sseWriter emits one JSON object per data: line.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errs.Internalf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(payload)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}

func (s *sseWriter) close() {
	_, _ = s.w.Write([]byte("data: [DONE]\n\n"))
	s.flusher.Flush()
}
