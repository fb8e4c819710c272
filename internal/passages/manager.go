// Package passages manages archival and source passages: embedding, row
// persistence, the vector mirror, and similarity retrieval.
package passages

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/cortex/internal/embeddings"
	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/internal/vector"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// ProviderFactory builds an embedding provider for a config. Injected so
// tests can embed deterministically.
type ProviderFactory func(cfg models.EmbeddingConfig) (embeddings.Provider, error)

// Manager owns passage lifecycle. Rows in the relational store are the
// source of truth; the vector mirror is best-effort and repairable, so a
// mirror write failure never fails the passage write.
type Manager struct {
	db       *storage.DB
	vectors  vector.Store
	provider ProviderFactory
	logger   *slog.Logger
}

// NewManager wires the passage manager.
func NewManager(db *storage.DB, vectors vector.Store, provider ProviderFactory) *Manager {
	return &Manager{
		db:       db,
		vectors:  vectors,
		provider: provider,
		logger:   slog.Default().With("component", "passages"),
	}
}

// CreateAgentPassages embeds texts and stores them as archival passages of
// the agent, using the agent's embedding config.
func (m *Manager) CreateAgentPassages(ctx context.Context, agentID string, texts []string, actor models.Actor) ([]*models.Passage, error) {
	agent, err := m.db.GetAgent(ctx, agentID, actor)
	if err != nil {
		return nil, err
	}
	vecs, err := m.embed(ctx, agent.EmbeddingCfg, texts)
	if err != nil {
		return nil, err
	}
	passages := make([]*models.Passage, len(texts))
	for i, text := range texts {
		passages[i] = models.NewAgentPassage(agent.ID, text, vecs[i], agent.EmbeddingCfg)
	}
	return m.create(ctx, passages, actor)
}

// CreateSourcePassages embeds pre-chunked texts as passages of a source,
// attributed to the originating file.
func (m *Manager) CreateSourcePassages(ctx context.Context, sourceID, fileID, fileName string, texts []string, actor models.Actor) ([]*models.Passage, error) {
	source, err := m.db.GetSource(ctx, sourceID, actor)
	if err != nil {
		return nil, err
	}
	vecs, err := m.embed(ctx, source.EmbeddingCfg, texts)
	if err != nil {
		return nil, err
	}
	passages := make([]*models.Passage, len(texts))
	for i, text := range texts {
		passages[i] = models.NewSourcePassage(source.ID, fileID, fileName, text, vecs[i], source.EmbeddingCfg)
	}
	return m.create(ctx, passages, actor)
}

// CreatePassage stores one pre-embedded passage. Deprecated undifferentiated
// entry point; the tag is inferred from whichever owner id is set.
func (m *Manager) CreatePassage(ctx context.Context, p *models.Passage, actor models.Actor) (*models.Passage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out, err := m.create(ctx, []*models.Passage{p}, actor)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (m *Manager) create(ctx context.Context, passages []*models.Passage, actor models.Actor) ([]*models.Passage, error) {
	if err := m.db.CreatePassages(ctx, passages, actor); err != nil {
		return nil, err
	}
	entries := make([]vector.Entry, 0, len(passages))
	for _, p := range passages {
		if len(p.Embedding) > 0 {
			entries = append(entries, vector.EntryFromPassage(p))
		}
	}
	if err := m.vectors.Upsert(ctx, entries...); err != nil {
		m.logger.Warn("vector mirror write failed, rows remain searchable by text only",
			"count", len(entries), "error", err)
	}
	return passages, nil
}

// GetAgentPassage reads one archival passage, checking agent ownership.
func (m *Manager) GetAgentPassage(ctx context.Context, agentID, passageID string, actor models.Actor) (*models.Passage, error) {
	p, err := m.db.GetPassage(ctx, models.PassageTagAgent, passageID, actor)
	if err != nil {
		return nil, err
	}
	if p.AgentID != agentID {
		return nil, errs.NotFoundf("passage %s not found", passageID)
	}
	return p, nil
}

// UpdateAgentPassage replaces the text of an archival passage and re-embeds.
func (m *Manager) UpdateAgentPassage(ctx context.Context, agentID, passageID, text string, actor models.Actor) (*models.Passage, error) {
	p, err := m.GetAgentPassage(ctx, agentID, passageID, actor)
	if err != nil {
		return nil, err
	}
	vecs, err := m.embed(ctx, p.EmbeddingCfg, []string{text})
	if err != nil {
		return nil, err
	}
	p.Text = text
	p.Embedding = vecs[0]
	if _, err := m.db.UpdatePassage(ctx, p, actor); err != nil {
		return nil, err
	}
	if err := m.vectors.Upsert(ctx, vector.EntryFromPassage(p)); err != nil {
		m.logger.Warn("vector mirror update failed", "passage_id", p.ID, "error", err)
	}
	return p, nil
}

// DeleteAgentPassage removes an archival passage and its mirror entry.
func (m *Manager) DeleteAgentPassage(ctx context.Context, agentID, passageID string, actor models.Actor) error {
	if _, err := m.GetAgentPassage(ctx, agentID, passageID, actor); err != nil {
		return err
	}
	if err := m.db.DeletePassage(ctx, models.PassageTagAgent, passageID, actor); err != nil {
		return err
	}
	if err := m.vectors.Delete(ctx, passageID); err != nil {
		m.logger.Warn("vector mirror delete failed", "passage_id", passageID, "error", err)
	}
	return nil
}

// GetSourcePassage reads one source passage, checking source ownership.
func (m *Manager) GetSourcePassage(ctx context.Context, sourceID, passageID string, actor models.Actor) (*models.Passage, error) {
	p, err := m.db.GetPassage(ctx, models.PassageTagSource, passageID, actor)
	if err != nil {
		return nil, err
	}
	if p.SourceID != sourceID {
		return nil, errs.NotFoundf("passage %s not found", passageID)
	}
	return p, nil
}

// UpdateSourcePassage replaces the text of a source passage and re-embeds.
func (m *Manager) UpdateSourcePassage(ctx context.Context, sourceID, passageID, text string, actor models.Actor) (*models.Passage, error) {
	p, err := m.GetSourcePassage(ctx, sourceID, passageID, actor)
	if err != nil {
		return nil, err
	}
	vecs, err := m.embed(ctx, p.EmbeddingCfg, []string{text})
	if err != nil {
		return nil, err
	}
	p.Text = text
	p.Embedding = vecs[0]
	if _, err := m.db.UpdatePassage(ctx, p, actor); err != nil {
		return nil, err
	}
	if err := m.vectors.Upsert(ctx, vector.EntryFromPassage(p)); err != nil {
		m.logger.Warn("vector mirror update failed", "passage_id", p.ID, "error", err)
	}
	return p, nil
}

// DeleteSourcePassage removes one source passage and its mirror entry.
func (m *Manager) DeleteSourcePassage(ctx context.Context, sourceID, passageID string, actor models.Actor) error {
	if _, err := m.GetSourcePassage(ctx, sourceID, passageID, actor); err != nil {
		return err
	}
	if err := m.db.DeletePassage(ctx, models.PassageTagSource, passageID, actor); err != nil {
		return err
	}
	if err := m.vectors.Delete(ctx, passageID); err != nil {
		m.logger.Warn("vector mirror delete failed", "passage_id", passageID, "error", err)
	}
	return nil
}

// DeleteFilePassages removes every passage chunked from a file, mirror
// entries included. Used when a file is deleted or re-ingested.
func (m *Manager) DeleteFilePassages(ctx context.Context, fileID string, actor models.Actor) (int, error) {
	ids, err := m.db.DeletePassagesByFileID(ctx, fileID, actor)
	if err != nil {
		return 0, err
	}
	if err := m.vectors.Delete(ctx, ids...); err != nil {
		m.logger.Warn("vector mirror delete failed", "file_id", fileID, "error", err)
	}
	return len(ids), nil
}

// DeleteAgentMirror clears mirror entries for passages already removed by an
// agent cascade delete.
func (m *Manager) DeleteAgentMirror(ctx context.Context, passageIDs []string) {
	if len(passageIDs) == 0 {
		return
	}
	if err := m.vectors.Delete(ctx, passageIDs...); err != nil {
		m.logger.Warn("vector mirror cleanup failed", "count", len(passageIDs), "error", err)
	}
}

// ListAgentPassages pages archival passages, optionally text-filtered.
func (m *Manager) ListAgentPassages(ctx context.Context, agentID, search string, actor models.Actor, page storage.Page) ([]*models.Passage, error) {
	return m.db.ListAgentPassages(ctx, agentID, search, actor, page)
}

// ListSourcePassages pages a source's passages.
func (m *Manager) ListSourcePassages(ctx context.Context, sourceID string, actor models.Actor, page storage.Page) ([]*models.Passage, error) {
	return m.db.ListSourcePassages(ctx, sourceID, actor, page)
}

// ListPassagesByFileID returns a file's chunks in ingestion order.
func (m *Manager) ListPassagesByFileID(ctx context.Context, fileID string, actor models.Actor) ([]*models.Passage, error) {
	return m.db.ListPassagesByFileID(ctx, fileID, actor)
}

// SizeAgentPassages counts an agent's archival passages.
func (m *Manager) SizeAgentPassages(ctx context.Context, agentID string, actor models.Actor) (int, error) {
	return m.db.SizeAgentPassages(ctx, agentID, actor)
}

// SizeSourcePassages counts a source's passages.
func (m *Manager) SizeSourcePassages(ctx context.Context, sourceID string, actor models.Actor) (int, error) {
	return m.db.SizeSourcePassages(ctx, sourceID, actor)
}

// unitDivisors maps size units to their byte divisor. Units are 1024-based.
var unitDivisors = map[string]float64{
	"":      1,
	"bytes": 1,
	"kb":    1 << 10,
	"mb":    1 << 20,
	"gb":    1 << 30,
}

// EstimateEmbeddingsSize approximates mirror storage for an owner's passage
// store, four bytes per float32 component, normalized to the requested unit.
// An empty unit means bytes.
func (m *Manager) EstimateEmbeddingsSize(ctx context.Context, tag models.PassageTag, ownerID, unit string, actor models.Actor) (float64, error) {
	divisor, ok := unitDivisors[unit]
	if !ok {
		return 0, errs.InvalidArgumentf("unknown size unit %q", unit)
	}

	var (
		dim int
		n   int
	)
	switch tag {
	case models.PassageTagAgent:
		agent, err := m.db.GetAgent(ctx, ownerID, actor)
		if err != nil {
			return 0, err
		}
		dim = agent.EmbeddingCfg.Dim
		if n, err = m.db.SizeAgentPassages(ctx, ownerID, actor); err != nil {
			return 0, err
		}
	case models.PassageTagSource:
		source, err := m.db.GetSource(ctx, ownerID, actor)
		if err != nil {
			return 0, err
		}
		dim = source.EmbeddingCfg.Dim
		if n, err = m.db.SizeSourcePassages(ctx, ownerID, actor); err != nil {
			return 0, err
		}
	default:
		return 0, errs.InvalidArgumentf("unknown passage tag %q", tag)
	}
	return float64(n) * float64(dim) * 4 / divisor, nil
}

// SearchResult is one retrieval hit with its hydrated passage.
type SearchResult struct {
	Passage    *models.Passage `json:"passage"`
	Similarity float64         `json:"similarity"`
}

// SearchAgentArchival embeds the query and ranks the agent's own archival
// passages.
func (m *Manager) SearchAgentArchival(ctx context.Context, agentID, query string, topK int, actor models.Actor) ([]SearchResult, error) {
	agent, err := m.db.GetAgent(ctx, agentID, actor)
	if err != nil {
		return nil, err
	}
	return m.search(ctx, agent.EmbeddingCfg, query, topK, vector.Query{
		OwnerTag: models.PassageTagAgent,
		OwnerIDs: []string{agent.ID},
	}, actor)
}

// SearchAgentSources embeds the query and ranks passages across the sources
// attached to the agent. Agents with no sources retrieve nothing.
func (m *Manager) SearchAgentSources(ctx context.Context, agentID, query string, topK int, actor models.Actor) ([]SearchResult, error) {
	agent, err := m.db.GetAgent(ctx, agentID, actor)
	if err != nil {
		return nil, err
	}
	if len(agent.SourceIDs) == 0 {
		return nil, nil
	}
	return m.search(ctx, agent.EmbeddingCfg, query, topK, vector.Query{
		OwnerTag: models.PassageTagSource,
		OwnerIDs: agent.SourceIDs,
	}, actor)
}

func (m *Manager) search(ctx context.Context, cfg models.EmbeddingConfig, query string, topK int, vq vector.Query, actor models.Actor) ([]SearchResult, error) {
	if query == "" {
		return nil, errs.InvalidArgumentf("search query must not be empty")
	}
	if topK <= 0 {
		topK = 3
	}
	vecs, err := m.embed(ctx, cfg, []string{query})
	if err != nil {
		return nil, err
	}
	vq.Dim = len(vecs[0])
	vq.TopK = topK
	hits, err := m.vectors.Search(ctx, vecs[0], vq)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.PassageID
	}
	rows, err := m.db.GetPassagesByIDs(ctx, vq.OwnerTag, ids, actor)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Passage, len(rows))
	for _, p := range rows {
		byID[p.ID] = p
	}
	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		if p, ok := byID[h.PassageID]; ok {
			results = append(results, SearchResult{Passage: p, Similarity: h.Similarity})
		}
	}
	return results, nil
}

func (m *Manager) embed(ctx context.Context, cfg models.EmbeddingConfig, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errs.InvalidArgumentf("no texts to embed")
	}
	for _, t := range texts {
		if t == "" {
			return nil, errs.InvalidArgumentf("passage text must not be empty")
		}
	}
	provider, err := m.provider(cfg)
	if err != nil {
		return nil, err
	}
	vecs, err := embeddings.NewBatcher(provider, 0, 0).Embed(ctx, texts)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, err, "embedding provider failed")
	}
	return vecs, nil
}
