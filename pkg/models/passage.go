package models

import (
	"time"

	"github.com/haasonsaas/cortex/pkg/errs"
)

// PassageTag discriminates the two passage subtypes. A passage belongs to
// exactly one of an agent's archival store or a document source; the tag is
// fixed at construction so the disjointness invariant holds structurally.
type PassageTag string

const (
	PassageTagAgent  PassageTag = "agent"
	PassageTagSource PassageTag = "source"
)

// Passage is one retrievable embedded chunk.
//
// Agent passages (archival memory) set AgentID; source passages set SourceID,
// FileID, and FileName. Construct through NewAgentPassage / NewSourcePassage
// and validate with Validate before any write.
type Passage struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Tag            PassageTag      `json:"-"`
	Text           string          `json:"text"`
	Embedding      []float32       `json:"embedding,omitempty"`
	EmbeddingCfg   EmbeddingConfig `json:"embedding_config"`

	AgentID string `json:"agent_id,omitempty"`

	SourceID string `json:"source_id,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CreatedBy     string    `json:"created_by,omitempty"`
	LastUpdatedBy string    `json:"last_updated_by,omitempty"`
	IsDeleted     bool      `json:"-"`
}

// NewAgentPassage builds an archival passage owned by an agent.
func NewAgentPassage(agentID, text string, embedding []float32, cfg EmbeddingConfig) *Passage {
	return &Passage{
		ID:           NewID(PrefixPassage),
		Tag:          PassageTagAgent,
		AgentID:      agentID,
		Text:         text,
		Embedding:    embedding,
		EmbeddingCfg: cfg,
	}
}

// NewSourcePassage builds a passage attached to a document source.
func NewSourcePassage(sourceID, fileID, fileName, text string, embedding []float32, cfg EmbeddingConfig) *Passage {
	return &Passage{
		ID:           NewID(PrefixPassage),
		Tag:          PassageTagSource,
		SourceID:     sourceID,
		FileID:       fileID,
		FileName:     fileName,
		Text:         text,
		Embedding:    embedding,
		EmbeddingCfg: cfg,
	}
}

// Validate enforces the passage invariants:
// exactly one owner id, non-empty text, and embedding length matching the
// pinned dimension.
func (p *Passage) Validate() error {
	if p.AgentID != "" && p.SourceID != "" {
		return errs.InvalidArgumentf("passage cannot have both agent_id and source_id")
	}
	if p.AgentID == "" && p.SourceID == "" {
		return errs.InvalidArgumentf("passage requires one of agent_id or source_id")
	}
	switch p.Tag {
	case PassageTagAgent:
		if p.AgentID == "" {
			return errs.InvalidArgumentf("agent passage requires agent_id")
		}
	case PassageTagSource:
		if p.SourceID == "" {
			return errs.InvalidArgumentf("source passage requires source_id")
		}
	default:
		// Untagged passages come from the deprecated undifferentiated API;
		// infer the tag from whichever owner id is set.
		if p.AgentID != "" {
			p.Tag = PassageTagAgent
		} else {
			p.Tag = PassageTagSource
		}
	}
	if p.Text == "" {
		return errs.InvalidArgumentf("passage text must not be empty")
	}
	if p.EmbeddingCfg.Dim > 0 && len(p.Embedding) != p.EmbeddingCfg.Dim {
		return errs.InvalidArgumentf("embedding dimension %d does not match config dim %d",
			len(p.Embedding), p.EmbeddingCfg.Dim)
	}
	return nil
}
