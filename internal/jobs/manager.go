// Package jobs tracks asynchronous work: lifecycle transitions, associated
// messages, usage accounting, and completion callbacks.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/models"
)

// callbackTimeout bounds one completion callback attempt. Callbacks are
// best effort; a slow or failing receiver never blocks job completion.
const callbackTimeout = 5 * time.Second

// Manager owns job lifecycle on top of the storage adapter.
type Manager struct {
	db     *storage.DB
	client *http.Client
	logger *slog.Logger
}

// NewManager wires the job manager.
func NewManager(db *storage.DB) *Manager {
	return &Manager{
		db:     db,
		client: &http.Client{Timeout: callbackTimeout},
		logger: slog.Default().With("component", "jobs"),
	}
}

// Create registers a new job in status created.
func (m *Manager) Create(ctx context.Context, job *models.Job, actor models.Actor) (*models.Job, error) {
	return m.db.CreateJob(ctx, job, actor)
}

// Get reads one job.
func (m *Manager) Get(ctx context.Context, id string, actor models.Actor) (*models.Job, error) {
	return m.db.GetJob(ctx, id, actor)
}

// List pages jobs with filters.
func (m *Manager) List(ctx context.Context, actor models.Actor, filter storage.JobFilter, page storage.Page) ([]*models.Job, error) {
	return m.db.ListJobs(ctx, actor, filter, page)
}

// allowedFrom returns the source states permitting a transition into to.
// Any non-terminal state may move straight to a terminal one; a pipeline
// that fails before its job ever starts running still lands in failed.
//
//	created -> pending -> running
//	created, pending, running -> {completed, failed, cancelled}
func allowedFrom(to models.JobStatus) []models.JobStatus {
	switch to {
	case models.JobStatusPending:
		return []models.JobStatus{models.JobStatusCreated}
	case models.JobStatusRunning:
		return []models.JobStatus{models.JobStatusCreated, models.JobStatusPending}
	case models.JobStatusCompleted, models.JobStatusFailed:
		return []models.JobStatus{models.JobStatusCreated, models.JobStatusPending, models.JobStatusRunning}
	case models.JobStatusCancelled:
		return []models.JobStatus{models.JobStatusCreated, models.JobStatusPending, models.JobStatusRunning}
	}
	return nil
}

// SafeUpdateStatus transitions a job, skipping transitions the state machine
// forbids instead of failing. Returns skipped=true when the job was already
// past the requested transition; concurrent updaters race benignly. Reaching
// a terminal state dispatches the completion callback if one is registered.
func (m *Manager) SafeUpdateStatus(ctx context.Context, id string, to models.JobStatus, metadata map[string]any, actor models.Actor) (skipped bool, err error) {
	from := allowedFrom(to)
	if from == nil {
		m.logger.Warn("refusing transition to unknown status", "job_id", id, "status", to)
		return true, nil
	}
	stored, applied, err := m.db.UpdateJobStatusTx(ctx, id, to, from, actor)
	if err != nil {
		return false, err
	}
	if !applied {
		m.logger.Debug("job transition skipped", "job_id", id, "stored", stored, "requested", to)
		return true, nil
	}
	if len(metadata) > 0 {
		if err := m.db.UpdateJobMetadata(ctx, id, metadata, actor); err != nil {
			return false, err
		}
	}
	if to.Terminal() {
		m.dispatchCallback(ctx, id, actor)
	}
	return false, nil
}

// UpdateMetadata merges keys into the job's metadata.
func (m *Manager) UpdateMetadata(ctx context.Context, id string, patch map[string]any, actor models.Actor) error {
	return m.db.UpdateJobMetadata(ctx, id, patch, actor)
}

// callbackPayload is the body POSTed to a job's callback URL on completion.
type callbackPayload struct {
	JobID       string         `json:"job_id"`
	Status      string         `json:"status"`
	CompletedAt *time.Time     `json:"completed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// dispatchCallback POSTs the terminal state to the registered callback URL
// and records the attempt on the job row. Failures are recorded, not raised.
func (m *Manager) dispatchCallback(ctx context.Context, id string, actor models.Actor) {
	job, err := m.db.GetJob(ctx, id, actor)
	if err != nil {
		m.logger.Error("load job for callback", "job_id", id, "error", err)
		return
	}
	if job.CallbackURL == "" {
		return
	}

	body, err := json.Marshal(callbackPayload{
		JobID:       job.ID,
		Status:      string(job.Status),
		CompletedAt: job.CompletedAt,
		Metadata:    job.Metadata,
	})
	if err != nil {
		m.logger.Error("marshal callback payload", "job_id", id, "error", err)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	sentAt := time.Now().UTC()
	var (
		statusCode  *int
		callbackErr *string
	)
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		msg := err.Error()
		callbackErr = &msg
	} else {
		req.Header.Set("Content-Type", "application/json")
		resp, err := m.client.Do(req)
		if err != nil {
			msg := err.Error()
			callbackErr = &msg
			m.logger.Warn("job callback failed", "job_id", id, "url", job.CallbackURL, "error", err)
		} else {
			resp.Body.Close()
			code := resp.StatusCode
			statusCode = &code
			if code >= 400 {
				msg := fmt.Sprintf("callback returned status %d", code)
				callbackErr = &msg
				m.logger.Warn("job callback rejected", "job_id", id, "status_code", code)
			}
		}
	}

	if err := m.db.RecordJobCallback(ctx, id, sentAt, statusCode, callbackErr); err != nil {
		m.logger.Error("record callback outcome", "job_id", id, "error", err)
	}
}

// AddMessages associates persisted messages with the job.
func (m *Manager) AddMessages(ctx context.Context, jobID string, messageIDs []string) error {
	return m.db.AddJobMessages(ctx, jobID, messageIDs)
}

// GetMessages returns the job's messages, optionally filtered by role.
func (m *Manager) GetMessages(ctx context.Context, jobID string, role models.Role, actor models.Actor, page storage.Page) ([]*models.Message, error) {
	return m.db.GetJobMessages(ctx, jobID, role, actor, page)
}

// RecordStep logs one LLM call's usage against the job.
func (m *Manager) RecordStep(ctx context.Context, step *models.Step, actor models.Actor) (*models.Step, error) {
	return m.db.CreateStep(ctx, step, actor)
}

// GetSteps returns the job's steps in order.
func (m *Manager) GetSteps(ctx context.Context, jobID string, actor models.Actor) ([]*models.Step, error) {
	return m.db.GetJobSteps(ctx, jobID, actor)
}

// GetUsage sums the job's steps.
func (m *Manager) GetUsage(ctx context.Context, jobID string, actor models.Actor) (models.UsageStatistics, error) {
	return m.db.GetJobUsage(ctx, jobID, actor)
}
