package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/cortex/pkg/models"
)

type createToolRequest struct {
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"json_schema"`
}

func (s *Server) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	var req createToolRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tool, err := s.db.CreateTool(r.Context(), &models.Tool{
		Name:        req.Name,
		Description: req.Description,
		Schema:      []byte(req.Schema),
	}, s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tool)
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	tool, err := s.db.GetTool(r.Context(), chi.URLParam(r, "toolID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.db.ListTools(r.Context(), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}
