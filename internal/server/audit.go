package server

import (
	"net/http"
	"time"

	"github.com/haasonsaas/cortex/internal/audit"
	"github.com/haasonsaas/cortex/pkg/errs"
)

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, r, errs.FailedPreconditionf("audit pipeline is not enabled"))
		return
	}
	stats, err := s.audit.RealtimeStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, r, errs.FailedPreconditionf("audit pipeline is not enabled"))
		return
	}
	q := r.URL.Query()
	filter := audit.EventFilter{
		Type:    audit.EventType(q.Get("event_type")),
		MinRisk: intQuery(r, "min_risk", 0),
		UserID:  q.Get("user_id"),
		Limit:   intQuery(r, "limit", 100),
	}
	switch q.Get("risk_level") {
	case "high":
		filter.MinRisk = 70
	case "medium":
		filter.MinRisk = 40
	}
	if hours := intQuery(r, "hours", 0); hours > 0 {
		filter.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}

	events, err := s.audit.ListEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, r, errs.FailedPreconditionf("audit pipeline is not enabled"))
		return
	}
	hours := intQuery(r, "hours", 24)
	format := audit.ReportFormat(r.URL.Query().Get("format"))
	includeCategories := r.URL.Query().Get("categories") == "true"

	report, err := s.audit.GenerateReport(r.Context(),
		time.Duration(hours)*time.Hour, format, includeCategories)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch format {
	case audit.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case audit.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report)
}
