// Package server is the HTTP surface: a chi router over the storage, agent,
// job, ingest, and audit subsystems, with SSE streaming for agent turns.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/cortex/internal/agent"
	"github.com/haasonsaas/cortex/internal/audit"
	"github.com/haasonsaas/cortex/internal/ingest"
	"github.com/haasonsaas/cortex/internal/jobs"
	"github.com/haasonsaas/cortex/internal/passages"
	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Server wires the HTTP handlers to the subsystems.
type Server struct {
	db       *storage.DB
	passages *passages.Manager
	jobs     *jobs.Manager
	runner   *agent.Runner
	ingestor *ingest.Ingestor
	audit    *audit.Pipeline

	defaultActor models.Actor
	validate     *validator.Validate
	logger       *slog.Logger

	http *http.Server
}

// Deps carries the subsystems the server fronts. Audit may be nil in tests.
type Deps struct {
	DB       *storage.DB
	Passages *passages.Manager
	Jobs     *jobs.Manager
	Runner   *agent.Runner
	Ingestor *ingest.Ingestor
	Audit    *audit.Pipeline

	// DefaultActor backs requests that carry no actor headers.
	DefaultActor models.Actor
}

// New builds the server and its router.
func New(addr string, deps Deps) *Server {
	s := &Server{
		db:           deps.DB,
		passages:     deps.Passages,
		jobs:         deps.Jobs,
		runner:       deps.Runner,
		ingestor:     deps.Ingestor,
		audit:        deps.Audit,
		defaultActor: deps.DefaultActor,
		validate:     validator.New(),
		logger:       slog.Default().With("component", "server"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router assembles middleware and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(httpMetrics)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Organization-ID", "X-User-ID"},
	}))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/v1/health", s.handleHealth)

	r.Route("/v1/agents", func(r chi.Router) {
		r.Post("/", s.handleCreateAgent)
		r.Get("/", s.handleListAgents)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Delete("/", s.handleDeleteAgent)

			r.Get("/blocks", s.handleListBlocks)
			r.Patch("/blocks/{label}", s.handleUpdateBlock)

			r.Post("/sources/{sourceID}", s.handleAttachSource)
			r.Post("/tools/{toolID}", s.handleAttachTool)

			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/messages/stream", s.handleStreamMessage)

			r.Post("/archival", s.handleCreateArchival)
			r.Get("/archival", s.handleListArchival)
			r.Get("/archival/search", s.handleSearchArchival)
			r.Delete("/archival/{passageID}", s.handleDeleteArchival)
		})
	})

	r.Route("/v1/sources", func(r chi.Router) {
		r.Post("/", s.handleCreateSource)
		r.Get("/", s.handleListSources)
		r.Route("/{sourceID}", func(r chi.Router) {
			r.Get("/", s.handleGetSource)
			r.Get("/files", s.handleListFiles)
			r.Get("/passages", s.handleListSourcePassages)
			r.Patch("/passages/{passageID}", s.handleUpdateSourcePassage)
			r.Delete("/passages/{passageID}", s.handleDeleteSourcePassage)
			r.Post("/upload", s.handleUpload)
		})
	})

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Post("/cancel", s.handleCancelJob)
			r.Get("/usage", s.handleJobUsage)
			r.Get("/steps", s.handleJobSteps)
			r.Get("/messages", s.handleJobMessages)
		})
	})

	r.Route("/v1/tools", func(r chi.Router) {
		r.Post("/", s.handleCreateTool)
		r.Get("/", s.handleListTools)
		r.Get("/{toolID}", s.handleGetTool)
	})

	r.Route("/v1/audit", func(r chi.Router) {
		r.Get("/stats", s.handleAuditStats)
		r.Get("/events", s.handleAuditEvents)
		r.Get("/report", s.handleAuditReport)
	})

	return r
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor resolves the caller from headers, falling back to the bootstrap
// identity. Full authentication is out of scope; organization scoping is not.
func (s *Server) actor(r *http.Request) models.Actor {
	actor := s.defaultActor
	if org := r.Header.Get("X-Organization-ID"); org != "" {
		actor.OrganizationID = org
	}
	if user := r.Header.Get("X-User-ID"); user != "" {
		actor.UserID = user
	}
	return actor
}

// record enqueues an audit event when the pipeline is wired.
func (s *Server) record(ev *audit.Event) {
	if s.audit != nil {
		s.audit.Enqueue(ev)
	}
}
