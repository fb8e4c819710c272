package ingest

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/cortex/internal/audit"
	"github.com/haasonsaas/cortex/internal/jobs"
	"github.com/haasonsaas/cortex/internal/passages"
	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Ingestor runs the file-to-passages pipeline under a job.
type Ingestor struct {
	db       *storage.DB
	passages *passages.Manager
	jobs     *jobs.Manager
	cfg      ChunkConfig
	counter  TokenCounter
	audit    *audit.Pipeline
	logger   *slog.Logger
}

// NewIngestor wires the pipeline.
func NewIngestor(db *storage.DB, pm *passages.Manager, jm *jobs.Manager, cfg ChunkConfig, counter TokenCounter) *Ingestor {
	if counter == nil {
		counter = NewTiktokenCounter()
	}
	return &Ingestor{
		db:       db,
		passages: pm,
		jobs:     jm,
		cfg:      cfg,
		counter:  counter,
		logger:   slog.Default().With("component", "ingest"),
	}
}

// WithAudit attaches the audit pipeline; every processing outcome then
// lands as a document_processing event.
func (ing *Ingestor) WithAudit(p *audit.Pipeline) *Ingestor {
	ing.audit = p
	return ing
}

// Enqueue validates the upload, records the file, and creates the tracking
// job in status created. Parsing happens here so unsupported formats fail
// the request, not the job.
func (ing *Ingestor) Enqueue(ctx context.Context, sourceID, name, contentType string, data []byte, callbackURL string, actor models.Actor) (*models.Job, *models.File, error) {
	if _, err := ing.db.GetSource(ctx, sourceID, actor); err != nil {
		return nil, nil, err
	}
	if _, err := Parse(name, contentType, data); err != nil {
		return nil, nil, err
	}

	file, err := ing.db.CreateFile(ctx, &models.File{
		SourceID:    sourceID,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
	}, actor)
	if err != nil {
		return nil, nil, err
	}

	job, err := ing.jobs.Create(ctx, &models.Job{
		Type:        models.JobTypeJob,
		CallbackURL: callbackURL,
		Metadata: map[string]any{
			"type":      "file_ingest",
			"source_id": sourceID,
			"file_id":   file.ID,
			"filename":  name,
		},
	}, actor)
	if err != nil {
		return nil, nil, err
	}
	return job, file, nil
}

// Process runs the pipeline for an enqueued upload: running, parse, chunk,
// embed, persist, complete. Failures land the job in failed with the error
// recorded in metadata.
func (ing *Ingestor) Process(ctx context.Context, job *models.Job, file *models.File, data []byte, actor models.Actor) error {
	if _, err := ing.jobs.SafeUpdateStatus(ctx, job.ID, models.JobStatusRunning, nil, actor); err != nil {
		return err
	}

	numPassages, numTokens, err := ing.process(ctx, job, file, data, actor)
	if err != nil {
		ing.logger.Error("ingest failed", "job_id", job.ID, "file_id", file.ID, "error", err)
		if _, ferr := ing.jobs.SafeUpdateStatus(ctx, job.ID, models.JobStatusFailed,
			map[string]any{"error": err.Error()}, actor); ferr != nil {
			ing.logger.Error("mark ingest job failed", "job_id", job.ID, "error", ferr)
		}
		ing.recordProcessing(job, file, 0, 0, err, actor)
		return err
	}
	ing.recordProcessing(job, file, numPassages, numTokens, nil, actor)
	return nil
}

func (ing *Ingestor) process(ctx context.Context, job *models.Job, file *models.File, data []byte, actor models.Actor) (int, int, error) {
	text, err := Parse(file.Name, file.ContentType, data)
	if err != nil {
		return 0, 0, err
	}

	separators := DefaultSeparators
	if IsMarkdown(file.Name, file.ContentType) {
		separators = MarkdownSeparators
	}
	chunks := NewSplitter(ing.cfg, separators, ing.counter).Split(text)

	// Re-ingesting a file replaces its previous passages.
	if _, err := ing.passages.DeleteFilePassages(ctx, file.ID, actor); err != nil {
		return 0, 0, err
	}

	texts := make([]string, len(chunks))
	tokens := 0
	for i, c := range chunks {
		texts[i] = c.Text
		tokens += c.TokenCount
	}
	if len(texts) > 0 {
		if _, err := ing.passages.CreateSourcePassages(ctx, file.SourceID, file.ID, file.Name, texts, actor); err != nil {
			return 0, 0, err
		}
	}

	// Embedding usage counts against the job like a model call would.
	if _, err := ing.jobs.RecordStep(ctx, &models.Step{
		JobID:        job.ID,
		PromptTokens: tokens,
		TotalTokens:  tokens,
	}, actor); err != nil {
		return 0, 0, err
	}

	ing.logger.Info("file ingested",
		"job_id", job.ID, "file_id", file.ID, "passages", len(texts), "tokens", tokens)
	if _, err := ing.jobs.SafeUpdateStatus(ctx, job.ID, models.JobStatusCompleted, map[string]any{
		"num_passages": len(texts),
		"num_tokens":   tokens,
	}, actor); err != nil {
		return 0, 0, err
	}
	return len(texts), tokens, nil
}

// recordProcessing audits one pipeline outcome when a pipeline is attached.
func (ing *Ingestor) recordProcessing(job *models.Job, file *models.File, numPassages, numTokens int, procErr error, actor models.Actor) {
	if ing.audit == nil {
		return
	}
	ev := &audit.Event{
		Type:     audit.EventDocumentProcessing,
		UserID:   actor.UserID,
		Action:   "document_processing",
		Resource: file.SourceID,
		Success:  procErr == nil,
		Details: map[string]any{
			"job_id":    job.ID,
			"file_id":   file.ID,
			"file_name": file.Name,
		},
	}
	if procErr != nil {
		ev.ErrorMessage = procErr.Error()
	} else {
		ev.Details["num_passages"] = numPassages
		ev.Details["num_tokens"] = numTokens
	}
	ing.audit.Enqueue(ev)
}

// IngestAsync enqueues and processes in the background, returning the job
// immediately. The pipeline runs detached from the request context.
func (ing *Ingestor) IngestAsync(ctx context.Context, sourceID, name, contentType string, data []byte, callbackURL string, actor models.Actor) (*models.Job, error) {
	job, file, err := ing.Enqueue(ctx, sourceID, name, contentType, data, callbackURL, actor)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := ing.Process(context.Background(), job, file, data, actor); err != nil {
			ing.logger.Error("async ingest failed", "job_id", job.ID, "error", err)
		}
	}()
	return job, nil
}
