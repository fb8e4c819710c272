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

// CreateSource persists a document source. Names are unique per organization.
func (db *DB) CreateSource(ctx context.Context, source *models.Source, actor models.Actor) (*models.Source, error) {
	if source.ID == "" {
		source.ID = models.NewID(models.PrefixSource)
	}
	now := time.Now().UTC()
	source.OrganizationID = actor.OrganizationID
	source.CreatedAt = now
	source.UpdatedAt = now
	source.CreatedBy = actor.UserID
	source.LastUpdatedBy = actor.UserID

	embCfg, err := json.Marshal(source.EmbeddingCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding config: %w", err)
	}

	if _, err := db.exec(ctx, `
		INSERT INTO sources (id, organization_id, name, embedding_config, created_at, updated_at, created_by, last_updated_by, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE)
	`, source.ID, source.OrganizationID, source.Name, string(embCfg),
		source.CreatedAt, source.UpdatedAt, source.CreatedBy, source.LastUpdatedBy); err != nil {
		return nil, err
	}
	return source, nil
}

// GetSource reads a source with its attached agent ids.
func (db *DB) GetSource(ctx context.Context, id string, actor models.Actor) (*models.Source, error) {
	var (
		source models.Source
		embCfg string
	)
	err := db.queryRow(ctx, `
		SELECT id, organization_id, name, embedding_config, created_at, updated_at, created_by, last_updated_by
		FROM sources WHERE id = ? AND`+orgScope, id, actor.OrganizationID,
	).Scan(&source.ID, &source.OrganizationID, &source.Name, &embCfg,
		&source.CreatedAt, &source.UpdatedAt, &source.CreatedBy, &source.LastUpdatedBy)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("source %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	if err := json.Unmarshal([]byte(embCfg), &source.EmbeddingCfg); err != nil {
		return nil, fmt.Errorf("unmarshal embedding config: %w", err)
	}
	source.AgentIDs, err = db.scanIDs(ctx, `SELECT agent_id FROM sources_agents WHERE source_id = ? ORDER BY agent_id`, source.ID)
	if err != nil {
		return nil, err
	}
	return &source, nil
}

// ListSources pages over the organization's sources.
func (db *DB) ListSources(ctx context.Context, actor models.Actor, page Page) ([]*models.Source, error) {
	if page.Limit == 0 {
		return nil, nil
	}
	query := `SELECT id FROM sources WHERE` + orgScope
	args := []any{actor.OrganizationID}
	query, args, err := db.pageClause(ctx, "sources", query, args, page)
	if err != nil {
		return nil, err
	}
	ids, err := db.scanIDs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	sources := make([]*models.Source, 0, len(ids))
	for _, id := range ids {
		s, err := db.GetSource(ctx, id, actor)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// CreateFile records an uploaded file inside a source.
func (db *DB) CreateFile(ctx context.Context, file *models.File, actor models.Actor) (*models.File, error) {
	if file.ID == "" {
		file.ID = models.NewID(models.PrefixFile)
	}
	now := time.Now().UTC()
	file.OrganizationID = actor.OrganizationID
	file.CreatedAt = now
	file.UpdatedAt = now

	if _, err := db.exec(ctx, `
		INSERT INTO files (id, organization_id, source_id, name, content_type, size_bytes, created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE)
	`, file.ID, file.OrganizationID, file.SourceID, file.Name, file.ContentType, file.Size,
		file.CreatedAt, file.UpdatedAt); err != nil {
		return nil, err
	}
	return file, nil
}

// GetFile reads one file record.
func (db *DB) GetFile(ctx context.Context, id string, actor models.Actor) (*models.File, error) {
	var f models.File
	err := db.queryRow(ctx, `
		SELECT id, organization_id, source_id, name, content_type, size_bytes, created_at, updated_at
		FROM files WHERE id = ? AND`+orgScope, id, actor.OrganizationID,
	).Scan(&f.ID, &f.OrganizationID, &f.SourceID, &f.Name, &f.ContentType, &f.Size, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("file %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query file: %w", err)
	}
	return &f, nil
}

// ListFiles returns a source's files in upload order.
func (db *DB) ListFiles(ctx context.Context, sourceID string, actor models.Actor) ([]*models.File, error) {
	rows, err := db.query(ctx, `
		SELECT id, organization_id, source_id, name, content_type, size_bytes, created_at, updated_at
		FROM files WHERE source_id = ? AND`+orgScope+` ORDER BY created_at ASC, id ASC`,
		sourceID, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []*models.File
	for rows.Next() {
		var f models.File
		if err := rows.Scan(&f.ID, &f.OrganizationID, &f.SourceID, &f.Name, &f.ContentType, &f.Size, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}
