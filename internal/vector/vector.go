// Package vector mirrors passage embeddings into a similarity-searchable
// store. On PostgreSQL the pgvector extension ranks in SQL; on SQLite the
// store scans candidate rows and scores cosine similarity in Go. Rows here
// are a mirror of the relational passage tables, keyed by passage id.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// metadataTextLimit caps the text preview carried in entry metadata,
// counted in runes so the cut never lands inside a multi-byte character.
const metadataTextLimit = 1000

// Metadata rides alongside each mirrored embedding so search results carry
// enough context to rank and attribute without a relational join.
type Metadata struct {
	OwnerTag models.PassageTag `json:"owner_tag"`
	OwnerID  string            `json:"owner_id"`
	FileID   string            `json:"file_id,omitempty"`
	Text     string            `json:"text,omitempty"`
}

// Entry is one mirrored embedding.
type Entry struct {
	PassageID string
	Embedding []float32
	Metadata  Metadata
}

// EntryFromPassage builds the mirror entry for a validated passage.
func EntryFromPassage(p *models.Passage) Entry {
	md := Metadata{OwnerTag: p.Tag, Text: p.Text}
	if utf8.RuneCountInString(md.Text) > metadataTextLimit {
		md.Text = string([]rune(md.Text)[:metadataTextLimit])
	}
	switch p.Tag {
	case models.PassageTagAgent:
		md.OwnerID = p.AgentID
	case models.PassageTagSource:
		md.OwnerID = p.SourceID
		md.FileID = p.FileID
	}
	return Entry{PassageID: p.ID, Embedding: p.Embedding, Metadata: md}
}

// Query selects and bounds a similarity search.
type Query struct {
	OwnerTag models.PassageTag
	// OwnerIDs restricts hits to these owners. Empty matches nothing.
	OwnerIDs []string
	// Dim filters to embeddings of this length. Required; vectors of other
	// dimensions are never comparable.
	Dim           int
	TopK          int
	MinSimilarity float64
}

// Hit is one search result, most similar first.
type Hit struct {
	PassageID  string
	Similarity float64
	Metadata   Metadata
}

// Store is the embedding mirror.
type Store interface {
	Upsert(ctx context.Context, entries ...Entry) error
	Delete(ctx context.Context, passageIDs ...string) error
	Get(ctx context.Context, passageID string) (*Entry, error)
	Search(ctx context.Context, embedding []float32, q Query) ([]Hit, error)
}

// SQLStore implements Store on the shared database handle.
type SQLStore struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewSQLStore wires the mirror onto the relational adapter.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: slog.Default().With("component", "vector"),
	}
}

// Upsert writes entries, replacing any existing row per passage id. The
// batch commits as one transaction: a bad entry leaves every mirror row
// untouched.
func (s *SQLStore) Upsert(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	payloads := make([]string, len(entries))
	for i, e := range entries {
		if e.PassageID == "" {
			return errs.InvalidArgumentf("vector entry requires a passage id")
		}
		if len(e.Embedding) == 0 {
			return errs.InvalidArgumentf("vector entry %s has no embedding", e.PassageID)
		}
		md, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		payloads[i] = string(md)
	}

	dialect := s.db.Dialect()
	now := time.Now().UTC()
	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, dialect.Rebind(`
			DELETE FROM passage_embeddings WHERE passage_id = ?
		`), e.PassageID); err != nil {
			return fmt.Errorf("clear embedding %s: %w", e.PassageID, err)
		}
		if _, err := tx.ExecContext(ctx, dialect.Rebind(`
			INSERT INTO passage_embeddings (passage_id, embedding, embedding_dim, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), e.PassageID, dialect.EncodeVector(e.Embedding), len(e.Embedding), payloads[i], now, now); err != nil {
			return fmt.Errorf("insert embedding %s: %w", e.PassageID, err)
		}
	}
	return tx.Commit()
}

// Delete removes mirror rows. Missing ids are not errors.
func (s *SQLStore) Delete(ctx context.Context, passageIDs ...string) error {
	dialect := s.db.Dialect()
	for _, id := range passageIDs {
		if _, err := s.db.SQL().ExecContext(ctx, dialect.Rebind(`
			DELETE FROM passage_embeddings WHERE passage_id = ?
		`), id); err != nil {
			return fmt.Errorf("delete embedding %s: %w", id, err)
		}
	}
	return nil
}

// Get reads one mirror entry.
func (s *SQLStore) Get(ctx context.Context, passageID string) (*Entry, error) {
	dialect := s.db.Dialect()
	var (
		raw []byte
		md  string
	)
	err := s.db.SQL().QueryRowContext(ctx, dialect.Rebind(`
		SELECT embedding, metadata FROM passage_embeddings WHERE passage_id = ?
	`), passageID).Scan(&raw, &md)
	if err == sql.ErrNoRows {
		return nil, errs.NotFoundf("embedding %s not found", passageID)
	}
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	e := Entry{PassageID: passageID, Embedding: dialect.DecodeVector(raw)}
	if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &e, nil
}

// Search ranks mirrored embeddings by cosine similarity against the query
// vector. Hits come back most similar first; equal scores break on passage
// id ascending so results are deterministic.
func (s *SQLStore) Search(ctx context.Context, embedding []float32, q Query) ([]Hit, error) {
	if len(q.OwnerIDs) == 0 || q.TopK <= 0 {
		return nil, nil
	}
	if q.Dim <= 0 {
		q.Dim = len(embedding)
	}
	if len(embedding) != q.Dim {
		return nil, errs.InvalidArgumentf("query embedding dimension %d does not match %d", len(embedding), q.Dim)
	}
	if s.db.Dialect().HasNativeVector() {
		return s.searchNative(ctx, embedding, q)
	}
	return s.searchScan(ctx, embedding, q)
}

// searchNative ranks inside PostgreSQL. pgvector's <=> is cosine distance,
// so similarity is 1 - distance.
func (s *SQLStore) searchNative(ctx context.Context, embedding []float32, q Query) ([]Hit, error) {
	dialect := s.db.Dialect()
	query := `
		SELECT passage_id, metadata, 1 - (embedding <=> ?::vector) AS similarity
		FROM passage_embeddings
		WHERE embedding_dim = ?
		AND ` + dialect.JSONField("metadata", "owner_tag") + ` = ?
		AND ` + dialect.JSONField("metadata", "owner_id") + ` IN (`
	args := []any{dialect.EncodeVector(embedding), q.Dim, string(q.OwnerTag)}
	for i, id := range q.OwnerIDs {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, id)
	}
	query += `)
		AND 1 - (embedding <=> ?::vector) >= ?
		ORDER BY similarity DESC, passage_id ASC
		LIMIT ?`
	args = append(args, dialect.EncodeVector(embedding), q.MinSimilarity, q.TopK)

	rows, err := s.db.SQL().QueryContext(ctx, dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h  Hit
			md string
		)
		if err := rows.Scan(&h.PassageID, &md, &h.Similarity); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		if err := json.Unmarshal([]byte(md), &h.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal hit metadata: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchScan pulls candidate rows and scores in Go for dialects without a
// native vector type.
func (s *SQLStore) searchScan(ctx context.Context, embedding []float32, q Query) ([]Hit, error) {
	dialect := s.db.Dialect()
	query := `
		SELECT passage_id, embedding, metadata
		FROM passage_embeddings
		WHERE embedding_dim = ?
		AND ` + dialect.JSONField("metadata", "owner_tag") + ` = ?
		AND ` + dialect.JSONField("metadata", "owner_id") + ` IN (`
	args := []any{q.Dim, string(q.OwnerTag)}
	for i, id := range q.OwnerIDs {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, id)
	}
	query += `)`

	rows, err := s.db.SQL().QueryContext(ctx, dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("candidate query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			id  string
			raw []byte
			md  string
		)
		if err := rows.Scan(&id, &raw, &md); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidate := dialect.DecodeVector(raw)
		sim := CosineSimilarity(embedding, candidate)
		if sim < q.MinSimilarity {
			continue
		}
		h := Hit{PassageID: id, Similarity: sim}
		if err := json.Unmarshal([]byte(md), &h.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal candidate metadata: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].PassageID < hits[j].PassageID
	})
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

// CosineSimilarity scores two vectors in [-1, 1]. Mismatched lengths and
// zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
