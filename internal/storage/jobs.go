package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// CreateJob inserts a job row. Status defaults to created.
func (db *DB) CreateJob(ctx context.Context, job *models.Job, actor models.Actor) (*models.Job, error) {
	if job.ID == "" {
		prefix := models.PrefixJob
		if job.Type == models.JobTypeRun {
			prefix = models.PrefixRun
		}
		job.ID = models.NewID(prefix)
	}
	if job.Type == "" {
		job.Type = models.JobTypeJob
	}
	if job.Status == "" {
		job.Status = models.JobStatusCreated
	}
	now := time.Now().UTC()
	job.OrganizationID = actor.OrganizationID
	job.UserID = actor.UserID
	job.CreatedAt = now
	job.UpdatedAt = now
	job.CreatedBy = actor.UserID
	job.LastUpdatedBy = actor.UserID

	metadata, err := marshalMetadata(job.Metadata)
	if err != nil {
		return nil, err
	}
	var reqCfg any
	if len(job.RequestConfig) > 0 {
		reqCfg = string(job.RequestConfig)
	}

	if _, err := db.exec(ctx, `
		INSERT INTO jobs (id, organization_id, user_id, job_type, status, metadata, request_config,
			callback_url, created_at, updated_at, created_by, last_updated_by, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
	`, job.ID, job.OrganizationID, job.UserID, string(job.Type), string(job.Status), metadata, reqCfg,
		job.CallbackURL, job.CreatedAt, job.UpdatedAt, job.CreatedBy, job.LastUpdatedBy); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob reads a job row.
func (db *DB) GetJob(ctx context.Context, id string, actor models.Actor) (*models.Job, error) {
	row := db.queryRow(ctx, jobSelect+` WHERE id = ? AND`+orgScope, id, actor.OrganizationID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses []models.JobStatus
	Type     models.JobType
	// SourceID filters on the source_id key inside the metadata JSON.
	SourceID string
}

// ListJobs pages over jobs with status, type, and metadata filters.
func (db *DB) ListJobs(ctx context.Context, actor models.Actor, filter JobFilter, page Page) ([]*models.Job, error) {
	if page.Limit == 0 {
		return nil, nil
	}
	query := jobSelect + ` WHERE` + orgScope
	args := []any{actor.OrganizationID}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (`
		for i, s := range filter.Statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, string(s))
		}
		query += `)`
	}
	if filter.Type != "" {
		query += ` AND job_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.SourceID != "" {
		query += ` AND ` + db.dialect.JSONField("metadata", "source_id") + ` = ?`
		args = append(args, filter.SourceID)
	}

	query, args, err := db.pageClause(ctx, "jobs", query, args, page)
	if err != nil {
		return nil, err
	}
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatusTx transitions a job's status inside a transaction guarded
// by allowedFrom. Returns the stored status and whether the update applied;
// a disallowed transition is skipped, not an error.
func (db *DB) UpdateJobStatusTx(ctx context.Context, id string, to models.JobStatus, allowedFrom []models.JobStatus, actor models.Actor) (models.JobStatus, bool, error) {
	var (
		stored  models.JobStatus
		applied bool
	)
	err := db.withTx(ctx, func(tx *Tx) error {
		var current string
		err := tx.queryRow(ctx, `SELECT status FROM jobs WHERE id = ? AND`+orgScope, id, actor.OrganizationID).Scan(&current)
		if err == sql.ErrNoRows {
			return errs.NotFoundf("job %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("query job status: %w", err)
		}
		stored = models.JobStatus(current)

		allowed := false
		for _, from := range allowedFrom {
			if stored == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil
		}

		now := time.Now().UTC()
		var completedAt sql.NullTime
		if to.Terminal() {
			completedAt = sql.NullTime{Time: now, Valid: true}
		}
		if _, err := tx.exec(ctx, `
			UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?, last_updated_by = ?
			WHERE id = ?
		`, string(to), completedAt, now, actor.UserID, id); err != nil {
			return err
		}
		stored = to
		applied = true
		return nil
	})
	return stored, applied, err
}

// UpdateJobMetadata merges keys into the job's metadata JSON.
func (db *DB) UpdateJobMetadata(ctx context.Context, id string, patch map[string]any, actor models.Actor) error {
	return db.withTx(ctx, func(tx *Tx) error {
		var raw sql.NullString
		err := tx.queryRow(ctx, `SELECT metadata FROM jobs WHERE id = ? AND`+orgScope, id, actor.OrganizationID).Scan(&raw)
		if err == sql.ErrNoRows {
			return errs.NotFoundf("job %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("query job metadata: %w", err)
		}
		metadata := map[string]any{}
		if raw.Valid && raw.String != "" {
			if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
				return fmt.Errorf("unmarshal job metadata: %w", err)
			}
		}
		for k, v := range patch {
			metadata[k] = v
		}
		merged, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal job metadata: %w", err)
		}
		_, err = tx.exec(ctx, `UPDATE jobs SET metadata = ?, updated_at = ? WHERE id = ?`,
			string(merged), time.Now().UTC(), id)
		return err
	})
}

// RecordJobCallback stores the outcome of a completion callback attempt.
func (db *DB) RecordJobCallback(ctx context.Context, id string, sentAt time.Time, statusCode *int, callbackErr *string) error {
	_, err := db.exec(ctx, `
		UPDATE jobs SET callback_sent_at = ?, callback_status_code = ?, callback_error = ?, updated_at = ?
		WHERE id = ?
	`, sentAt, statusCode, callbackErr, time.Now().UTC(), id)
	return err
}

// AddJobMessages associates messages with a job. Duplicate message ids are
// conflicts from the unique constraint.
func (db *DB) AddJobMessages(ctx context.Context, jobID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *Tx) error {
		now := time.Now().UTC()
		for i, mid := range messageIDs {
			at := now.Add(time.Duration(i) * time.Microsecond)
			if _, err := tx.exec(ctx, `INSERT INTO job_messages (job_id, message_id, created_at) VALUES (?, ?, ?)`,
				jobID, mid, at); err != nil {
				return fmt.Errorf("link message %s: %w", mid, err)
			}
		}
		return nil
	})
}

// GetJobMessages returns a job's messages in association order, optionally
// filtered by role.
func (db *DB) GetJobMessages(ctx context.Context, jobID string, role models.Role, actor models.Actor, page Page) ([]*models.Message, error) {
	if page.Limit == 0 {
		return nil, nil
	}
	query := `
		SELECT m.id, m.organization_id, m.agent_id, m.step_id, m.role, m.content, m.tool_calls, m.tool_call_id, m.created_at, m.updated_at
		FROM messages m
		JOIN job_messages jm ON jm.message_id = m.id
		WHERE jm.job_id = ? AND m.organization_id = ? AND m.is_deleted = FALSE`
	args := []any{jobID, actor.OrganizationID}
	if role != "" {
		query += ` AND m.role = ?`
		args = append(args, string(role))
	}
	dir := "DESC"
	if page.Ascending {
		dir = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY jm.created_at %s, m.id %s", dir, dir)
	limit := page.Limit
	if limit < 0 {
		limit = DefaultPageLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreateStep records one LLM call's token usage against a job.
func (db *DB) CreateStep(ctx context.Context, step *models.Step, actor models.Actor) (*models.Step, error) {
	if step.ID == "" {
		step.ID = models.NewID(models.PrefixStep)
	}
	step.OrganizationID = actor.OrganizationID
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if _, err := db.exec(ctx, `
		INSERT INTO steps (id, organization_id, job_id, agent_id, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.OrganizationID, step.JobID, step.AgentID,
		step.PromptTokens, step.CompletionTokens, step.TotalTokens, step.CreatedAt); err != nil {
		return nil, err
	}
	return step, nil
}

// GetJobSteps returns a job's steps in creation order.
func (db *DB) GetJobSteps(ctx context.Context, jobID string, actor models.Actor) ([]*models.Step, error) {
	rows, err := db.query(ctx, `
		SELECT id, organization_id, job_id, agent_id, prompt_tokens, completion_tokens, total_tokens, created_at
		FROM steps WHERE job_id = ? AND organization_id = ? ORDER BY created_at ASC, id ASC
	`, jobID, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		var s models.Step
		if err := rows.Scan(&s.ID, &s.OrganizationID, &s.JobID, &s.AgentID,
			&s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, &s)
	}
	return steps, rows.Err()
}

// GetJobUsage sums a job's steps into usage statistics.
func (db *DB) GetJobUsage(ctx context.Context, jobID string, actor models.Actor) (models.UsageStatistics, error) {
	var u models.UsageStatistics
	err := db.queryRow(ctx, `
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0), COUNT(*)
		FROM steps WHERE job_id = ? AND organization_id = ?
	`, jobID, actor.OrganizationID).Scan(&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.StepCount)
	if err != nil {
		return models.UsageStatistics{}, fmt.Errorf("sum job usage: %w", err)
	}
	return u, nil
}

const jobSelect = `
	SELECT id, organization_id, user_id, job_type, status, metadata, request_config, callback_url,
		completed_at, callback_sent_at, callback_status_code, callback_error,
		created_at, updated_at, created_by, last_updated_by
	FROM jobs`

func scanJob(scanner rowScanner) (*models.Job, error) {
	var (
		job            models.Job
		jobType        string
		status         string
		metadata       sql.NullString
		reqCfg         sql.NullString
		completedAt    sql.NullTime
		callbackSentAt sql.NullTime
		callbackCode   sql.NullInt64
		callbackErr    sql.NullString
	)
	if err := scanner.Scan(&job.ID, &job.OrganizationID, &job.UserID, &jobType, &status,
		&metadata, &reqCfg, &job.CallbackURL,
		&completedAt, &callbackSentAt, &callbackCode, &callbackErr,
		&job.CreatedAt, &job.UpdatedAt, &job.CreatedBy, &job.LastUpdatedBy); err != nil {
		return nil, err
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}
	if reqCfg.Valid && reqCfg.String != "" {
		job.RequestConfig = json.RawMessage(reqCfg.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if callbackSentAt.Valid {
		t := callbackSentAt.Time
		job.CallbackSentAt = &t
	}
	if callbackCode.Valid {
		c := int(callbackCode.Int64)
		job.CallbackStatusCode = &c
	}
	if callbackErr.Valid {
		e := callbackErr.String
		job.CallbackError = &e
	}
	return &job, nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(raw), nil
}
