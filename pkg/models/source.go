package models

import "time"

// Source is a logical document collection ingested once and attachable to
// many agents.
type Source struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	EmbeddingCfg   EmbeddingConfig `json:"embedding_config"`
	AgentIDs       []string        `json:"agent_ids,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CreatedBy      string          `json:"created_by,omitempty"`
	LastUpdatedBy  string          `json:"last_updated_by,omitempty"`
	IsDeleted      bool            `json:"-"`
}

// File is one uploaded document inside a source.
type File struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	SourceID       string    `json:"source_id"`
	Name           string    `json:"name"`
	ContentType    string    `json:"content_type,omitempty"`
	Size           int64     `json:"size,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	IsDeleted      bool      `json:"-"`
}
