package models

import (
	"encoding/json"
	"time"
)

// JobType distinguishes background jobs, per-turn runs, and batches.
type JobType string

const (
	JobTypeJob   JobType = "job"
	JobTypeRun   JobType = "run"
	JobTypeBatch JobType = "batch"
)

// JobStatus is a job lifecycle state.
//
//	created -> pending -> running -> {completed, failed, cancelled}
//	created/pending may also jump straight to cancelled.
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is an asynchronous unit of work: document ingestion or a long
// generation. Its lifecycle is tracked by the job manager.
type Job struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id"`
	Type           JobType         `json:"job_type"`
	Status         JobStatus       `json:"status"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	RequestConfig  json.RawMessage `json:"request_config,omitempty"`

	CallbackURL        string     `json:"callback_url,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CallbackSentAt     *time.Time `json:"callback_sent_at,omitempty"`
	CallbackStatusCode *int       `json:"callback_status_code,omitempty"`
	CallbackError      *string    `json:"callback_error,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
	LastUpdatedBy string    `json:"last_updated_by,omitempty"`
	IsDeleted     bool      `json:"-"`
}

// Step records one LLM call with token usage. Summing a job's steps yields
// its usage statistics.
type Step struct {
	ID               string    `json:"id"`
	OrganizationID   string    `json:"organization_id"`
	JobID            string    `json:"job_id,omitempty"`
	AgentID          string    `json:"agent_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageStatistics aggregates token usage over the steps of a job or turn.
type UsageStatistics struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	StepCount        int `json:"step_count"`
}

// Add accumulates another usage record.
func (u *UsageStatistics) Add(other UsageStatistics) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.StepCount += other.StepCount
}
