package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/errs"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Unclassified
// errors surface as 500 with a generic message; the cause stays in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)

	body := errorBody{Code: string(code), Message: err.Error()}
	var coded *errs.Error
	if errors.As(err, &coded) {
		body.Message = coded.Message
		body.Details = coded.Details
	}
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

// decodeJSON parses and validates a request body.
func (s *Server) decodeJSON(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return errs.InvalidArgumentf("malformed request body: %v", err)
	}
	if err := s.validate.Struct(into); err != nil {
		return errs.InvalidArgumentf("invalid request: %v", err)
	}
	return nil
}

// pageFromQuery reads cursor paging parameters.
func pageFromQuery(r *http.Request) storage.Page {
	q := r.URL.Query()
	page := storage.Page{
		Before:    q.Get("before"),
		After:     q.Get("after"),
		Limit:     storage.DefaultPageLimit,
		Ascending: q.Get("ascending") != "false",
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			page.Limit = n
		}
	}
	return page
}

// intQuery reads an integer query parameter with a fallback.
func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
