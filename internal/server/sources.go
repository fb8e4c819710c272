package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/cortex/internal/audit"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// maxUploadSize bounds one document upload.
const maxUploadSize = 32 << 20 // 32 MiB

type createSourceRequest struct {
	Name         string                 `json:"name" validate:"required"`
	EmbeddingCfg models.EmbeddingConfig `json:"embedding_config" validate:"required"`
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	source, err := s.db.CreateSource(r.Context(), &models.Source{
		Name:         req.Name,
		EmbeddingCfg: req.EmbeddingCfg,
	}, s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, source)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	source, err := s.db.GetSource(r.Context(), chi.URLParam(r, "sourceID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.db.ListSources(r.Context(), s.actor(r), pageFromQuery(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.db.ListFiles(r.Context(), chi.URLParam(r, "sourceID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleListSourcePassages(w http.ResponseWriter, r *http.Request) {
	passages, err := s.passages.ListSourcePassages(r.Context(),
		chi.URLParam(r, "sourceID"), s.actor(r), pageFromQuery(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passages": passages})
}

type updatePassageRequest struct {
	Text string `json:"text" validate:"required"`
}

func (s *Server) handleUpdateSourcePassage(w http.ResponseWriter, r *http.Request) {
	var req updatePassageRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.passages.UpdateSourcePassage(r.Context(),
		chi.URLParam(r, "sourceID"), chi.URLParam(r, "passageID"), req.Text, s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSourcePassage(w http.ResponseWriter, r *http.Request) {
	err := s.passages.DeleteSourcePassage(r.Context(),
		chi.URLParam(r, "sourceID"), chi.URLParam(r, "passageID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleUpload accepts a multipart file and enqueues an async ingestion
// job. The response carries the job; clients poll it or register a
// callback URL.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	sourceID := chi.URLParam(r, "sourceID")

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.writeError(w, r, errs.InvalidArgumentf("malformed multipart body: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, errs.InvalidArgumentf("missing file field: %v", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.CodeInternal, err, "read upload"))
		return
	}
	if len(data) > maxUploadSize {
		s.writeError(w, r, errs.InvalidArgumentf("file exceeds %d byte limit", maxUploadSize))
		return
	}

	contentType := header.Header.Get("Content-Type")
	callbackURL := r.FormValue("callback_url")

	job, err := s.ingestor.IngestAsync(r.Context(), sourceID, header.Filename, contentType, data, callbackURL, actor)
	if err != nil {
		s.record(&audit.Event{
			Type:         audit.EventDocumentUpload,
			UserID:       actor.UserID,
			Action:       "document_upload",
			Resource:     sourceID,
			Success:      false,
			ErrorMessage: err.Error(),
		})
		s.writeError(w, r, err)
		return
	}

	s.record(&audit.Event{
		Type:        audit.EventDocumentUpload,
		UserID:      actor.UserID,
		Action:      "document_upload",
		Resource:    sourceID,
		DataContent: string(data),
		Success:     true,
		Details:     map[string]any{"file_name": header.Filename, "bytes": len(data)},
	})
	writeJSON(w, http.StatusCreated, job)
}
