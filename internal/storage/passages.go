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

// passageTable maps a tag to its backing table.
func passageTable(tag models.PassageTag) (string, error) {
	switch tag {
	case models.PassageTagAgent:
		return "passages_agent", nil
	case models.PassageTagSource:
		return "passages_source", nil
	default:
		return "", errs.InvalidArgumentf("unknown passage tag %q", tag)
	}
}

// CreatePassages inserts a batch into the table matching each passage's tag,
// all in one transaction. Every passage must already pass Validate.
func (db *DB) CreatePassages(ctx context.Context, passages []*models.Passage, actor models.Actor) error {
	if len(passages) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *Tx) error {
		now := time.Now().UTC()
		for _, p := range passages {
			if err := p.Validate(); err != nil {
				return err
			}
			if p.ID == "" {
				p.ID = models.NewID(models.PrefixPassage)
			}
			p.OrganizationID = actor.OrganizationID
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
			p.UpdatedAt = p.CreatedAt
			p.CreatedBy = actor.UserID
			p.LastUpdatedBy = actor.UserID

			embCfg, err := json.Marshal(p.EmbeddingCfg)
			if err != nil {
				return fmt.Errorf("marshal embedding config: %w", err)
			}
			embedding := db.dialect.EncodeVector(p.Embedding)

			switch p.Tag {
			case models.PassageTagAgent:
				_, err = tx.exec(ctx, `
					INSERT INTO passages_agent (id, organization_id, agent_id, text, embedding, embedding_dim,
						embedding_config, created_at, updated_at, created_by, last_updated_by, is_deleted)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
				`, p.ID, p.OrganizationID, p.AgentID, p.Text, embedding, len(p.Embedding),
					string(embCfg), p.CreatedAt, p.UpdatedAt, p.CreatedBy, p.LastUpdatedBy)
			case models.PassageTagSource:
				_, err = tx.exec(ctx, `
					INSERT INTO passages_source (id, organization_id, source_id, file_id, file_name, text,
						embedding, embedding_dim, embedding_config, created_at, updated_at, created_by, last_updated_by, is_deleted)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
				`, p.ID, p.OrganizationID, p.SourceID, p.FileID, p.FileName, p.Text,
					embedding, len(p.Embedding), string(embCfg), p.CreatedAt, p.UpdatedAt, p.CreatedBy, p.LastUpdatedBy)
			}
			if err != nil {
				return fmt.Errorf("insert passage %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// GetPassage reads one passage from the table matching the tag.
func (db *DB) GetPassage(ctx context.Context, tag models.PassageTag, id string, actor models.Actor) (*models.Passage, error) {
	table, err := passageTable(tag)
	if err != nil {
		return nil, err
	}
	row := db.queryRow(ctx, passageSelect(table)+` WHERE id = ? AND`+orgScope, id, actor.OrganizationID)
	p, err := db.scanPassage(tag, row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("passage %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query passage: %w", err)
	}
	return p, nil
}

// UpdatePassage replaces text and embedding on an existing passage.
func (db *DB) UpdatePassage(ctx context.Context, p *models.Passage, actor models.Actor) (*models.Passage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	table, err := passageTable(p.Tag)
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()
	p.LastUpdatedBy = actor.UserID

	res, err := db.exec(ctx, `
		UPDATE `+table+` SET text = ?, embedding = ?, embedding_dim = ?, updated_at = ?, last_updated_by = ?
		WHERE id = ? AND`+orgScope,
		p.Text, db.dialect.EncodeVector(p.Embedding), len(p.Embedding), p.UpdatedAt, p.LastUpdatedBy,
		p.ID, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.NotFoundf("passage %s not found", p.ID)
	}
	return p, nil
}

// DeletePassage hard-deletes one passage row.
func (db *DB) DeletePassage(ctx context.Context, tag models.PassageTag, id string, actor models.Actor) error {
	table, err := passageTable(tag)
	if err != nil {
		return err
	}
	res, err := db.exec(ctx, `DELETE FROM `+table+` WHERE id = ? AND organization_id = ?`, id, actor.OrganizationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("passage %s not found", id)
	}
	return nil
}

// ListAgentPassages pages over an agent's archival passages, optionally
// filtered by a substring match on the text.
func (db *DB) ListAgentPassages(ctx context.Context, agentID, search string, actor models.Actor, page Page) ([]*models.Passage, error) {
	if page.Limit == 0 {
		return nil, nil
	}
	query := passageSelect("passages_agent") + ` WHERE agent_id = ? AND` + orgScope
	args := []any{agentID, actor.OrganizationID}
	if search != "" {
		query += ` AND text LIKE ?`
		args = append(args, "%"+search+"%")
	}
	query, args, err := db.pageClause(ctx, "passages_agent", query, args, page)
	if err != nil {
		return nil, err
	}
	return db.listPassages(ctx, models.PassageTagAgent, query, args...)
}

// ListSourcePassages pages over a source's passages.
func (db *DB) ListSourcePassages(ctx context.Context, sourceID string, actor models.Actor, page Page) ([]*models.Passage, error) {
	if page.Limit == 0 {
		return nil, nil
	}
	query := passageSelect("passages_source") + ` WHERE source_id = ? AND` + orgScope
	args := []any{sourceID, actor.OrganizationID}
	query, args, err := db.pageClause(ctx, "passages_source", query, args, page)
	if err != nil {
		return nil, err
	}
	return db.listPassages(ctx, models.PassageTagSource, query, args...)
}

// ListPassagesByFileID returns every passage chunked from one uploaded file.
func (db *DB) ListPassagesByFileID(ctx context.Context, fileID string, actor models.Actor) ([]*models.Passage, error) {
	query := passageSelect("passages_source") + ` WHERE file_id = ? AND` + orgScope + ` ORDER BY created_at ASC, id ASC`
	return db.listPassages(ctx, models.PassageTagSource, query, fileID, actor.OrganizationID)
}

// DeletePassagesByFileID removes a file's passages and returns their ids so
// the caller can clear the vector mirror.
func (db *DB) DeletePassagesByFileID(ctx context.Context, fileID string, actor models.Actor) ([]string, error) {
	ids, err := db.scanIDs(ctx, `SELECT id FROM passages_source WHERE file_id = ? AND organization_id = ?`,
		fileID, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := db.exec(ctx, `DELETE FROM passages_source WHERE file_id = ? AND organization_id = ?`,
		fileID, actor.OrganizationID); err != nil {
		return nil, err
	}
	return ids, nil
}

// SizeAgentPassages counts an agent's archival passages.
func (db *DB) SizeAgentPassages(ctx context.Context, agentID string, actor models.Actor) (int, error) {
	var n int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM passages_agent WHERE agent_id = ? AND`+orgScope,
		agentID, actor.OrganizationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agent passages: %w", err)
	}
	return n, nil
}

// SizeSourcePassages counts a source's passages.
func (db *DB) SizeSourcePassages(ctx context.Context, sourceID string, actor models.Actor) (int, error) {
	var n int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM passages_source WHERE source_id = ? AND`+orgScope,
		sourceID, actor.OrganizationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count source passages: %w", err)
	}
	return n, nil
}

// GetPassagesByIDs loads passages of one tag in the given id order. Missing
// ids are skipped, not errors; vector hits may be stale against the rows.
func (db *DB) GetPassagesByIDs(ctx context.Context, tag models.PassageTag, ids []string, actor models.Actor) ([]*models.Passage, error) {
	byID := make(map[string]*models.Passage, len(ids))
	for _, id := range ids {
		p, err := db.GetPassage(ctx, tag, id, actor)
		if errs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		byID[id] = p
	}
	out := make([]*models.Passage, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func passageSelect(table string) string {
	cols := `id, organization_id, text, embedding, embedding_config, created_at, updated_at, created_by, last_updated_by`
	if table == "passages_agent" {
		return `SELECT ` + cols + `, agent_id FROM passages_agent`
	}
	return `SELECT ` + cols + `, source_id, file_id, file_name FROM passages_source`
}

func (db *DB) listPassages(ctx context.Context, tag models.PassageTag, query string, args ...any) ([]*models.Passage, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}
	defer rows.Close()

	var out []*models.Passage
	for rows.Next() {
		p, err := db.scanPassage(tag, rows)
		if err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) scanPassage(tag models.PassageTag, scanner rowScanner) (*models.Passage, error) {
	var (
		p         models.Passage
		embedding []byte
		embCfg    string
	)
	dest := []any{&p.ID, &p.OrganizationID, &p.Text, &embedding, &embCfg,
		&p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.LastUpdatedBy}
	if tag == models.PassageTagAgent {
		dest = append(dest, &p.AgentID)
	} else {
		dest = append(dest, &p.SourceID, &p.FileID, &p.FileName)
	}
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}
	p.Tag = tag
	p.Embedding = db.dialect.DecodeVector(embedding)
	if err := json.Unmarshal([]byte(embCfg), &p.EmbeddingCfg); err != nil {
		return nil, fmt.Errorf("unmarshal embedding config: %w", err)
	}
	return &p, nil
}
