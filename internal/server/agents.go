package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/cortex/internal/audit"
	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

type createAgentRequest struct {
	Name         string                 `json:"name"`
	MemoryBlocks []createBlockRequest   `json:"memory_blocks" validate:"dive"`
	LLMConfig    models.LLMConfig       `json:"llm_config" validate:"required"`
	EmbeddingCfg models.EmbeddingConfig `json:"embedding_config" validate:"required"`
	ToolIDs      []string               `json:"tool_ids"`
	SourceIDs    []string               `json:"source_ids"`
	TopK         int                    `json:"top_k"`
}

type createBlockRequest struct {
	Label string `json:"label" validate:"required"`
	Value string `json:"value"`
	Limit int    `json:"limit" validate:"gte=0"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := s.actor(r)

	blocks := make([]models.MemoryBlock, 0, len(req.MemoryBlocks))
	for _, b := range req.MemoryBlocks {
		blocks = append(blocks, models.MemoryBlock{Label: b.Label, Value: b.Value, Limit: b.Limit})
	}
	agent, err := s.db.CreateAgent(r.Context(), &models.Agent{
		Name:         req.Name,
		Blocks:       blocks,
		LLMConfig:    req.LLMConfig,
		EmbeddingCfg: req.EmbeddingCfg,
		ToolIDs:      req.ToolIDs,
		SourceIDs:    req.SourceIDs,
		TopK:         req.TopK,
	}, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.record(&audit.Event{
		Type:     audit.EventSessionStart,
		UserID:   actor.UserID,
		Action:   "agent_created",
		Resource: agent.ID,
		Success:  true,
	})
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.db.GetAgent(r.Context(), chi.URLParam(r, "agentID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.db.ListAgents(r.Context(), s.actor(r), pageFromQuery(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	passageIDs, err := s.db.DeleteAgent(r.Context(), chi.URLParam(r, "agentID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The mirror cleanup is best effort; rows are already gone.
	s.passages.DeleteAgentMirror(r.Context(), passageIDs)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	agent, err := s.db.GetAgent(r.Context(), chi.URLParam(r, "agentID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": agent.Blocks})
}

type updateBlockRequest struct {
	Value string `json:"value" validate:"required"`
}

func (s *Server) handleUpdateBlock(w http.ResponseWriter, r *http.Request) {
	var req updateBlockRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	agentID := chi.URLParam(r, "agentID")
	label := chi.URLParam(r, "label")
	actor := s.actor(r)

	if err := s.db.UpdateBlockValue(r.Context(), agentID, label, req.Value, actor); err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.db.GetAgent(r.Context(), agentID, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent.Block(label))
}

func (s *Server) handleAttachSource(w http.ResponseWriter, r *http.Request) {
	err := s.db.AttachSourceToAgent(r.Context(),
		chi.URLParam(r, "agentID"), chi.URLParam(r, "sourceID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attached": true})
}

func (s *Server) handleAttachTool(w http.ResponseWriter, r *http.Request) {
	err := s.db.AttachToolToAgent(r.Context(),
		chi.URLParam(r, "agentID"), chi.URLParam(r, "toolID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attached": true})
}

type createArchivalRequest struct {
	Text string `json:"text" validate:"required"`
}

func (s *Server) handleCreateArchival(w http.ResponseWriter, r *http.Request) {
	var req createArchivalRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.passages.CreateAgentPassages(r.Context(),
		chi.URLParam(r, "agentID"), []string{req.Text}, s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created[0])
}

func (s *Server) handleListArchival(w http.ResponseWriter, r *http.Request) {
	passages, err := s.passages.ListAgentPassages(r.Context(),
		chi.URLParam(r, "agentID"), r.URL.Query().Get("search"), s.actor(r), pageFromQuery(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passages": passages})
}

func (s *Server) handleSearchArchival(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, r, errs.InvalidArgumentf("query parameter q is required"))
		return
	}
	actor := s.actor(r)
	agentID := chi.URLParam(r, "agentID")

	results, err := s.passages.SearchAgentArchival(r.Context(), agentID, query,
		intQuery(r, "top_k", 3), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.record(&audit.Event{
		Type:        audit.EventRAGSearch,
		UserID:      actor.UserID,
		Action:      "archival_search",
		Resource:    agentID,
		DataContent: query,
		Success:     true,
	})
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDeleteArchival(w http.ResponseWriter, r *http.Request) {
	err := s.passages.DeleteAgentPassage(r.Context(),
		chi.URLParam(r, "agentID"), chi.URLParam(r, "passageID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.db.ListMessages(r.Context(), s.actor(r),
		storage.MessageFilter{
			AgentID: chi.URLParam(r, "agentID"),
			Role:    models.Role(r.URL.Query().Get("role")),
		}, pageFromQuery(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
