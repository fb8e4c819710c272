package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/models"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		Type:     models.JobType(q.Get("type")),
		SourceID: q.Get("source_id"),
	}
	if raw := q.Get("statuses"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, models.JobStatus(strings.TrimSpace(st)))
		}
	}

	jobs, err := s.jobs.List(r.Context(), s.actor(r), filter, pageFromQuery(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob requests cancellation. Jobs already terminal report
// cancelled=false rather than an error; the state machine never walks back.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	actor := s.actor(r)
	id := chi.URLParam(r, "jobID")

	skipped, err := s.jobs.SafeUpdateStatus(r.Context(), id, models.JobStatusCancelled, nil, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Get(r.Context(), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": !skipped, "job": job})
}

func (s *Server) handleJobUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.jobs.GetUsage(r.Context(), chi.URLParam(r, "jobID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleJobSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.jobs.GetSteps(r.Context(), chi.URLParam(r, "jobID"), s.actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleJobMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.jobs.GetMessages(r.Context(), chi.URLParam(r, "jobID"),
		models.Role(r.URL.Query().Get("role")), s.actor(r), pageFromQuery(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
