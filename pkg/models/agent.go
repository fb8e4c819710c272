package models

import "time"

// LLMConfig selects the chat model an agent uses.
type LLMConfig struct {
	Provider      string  `json:"provider" yaml:"provider"` // openai, anthropic
	Model         string  `json:"model" yaml:"model"`
	Endpoint      string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ContextWindow int     `json:"context_window,omitempty" yaml:"context_window,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature   float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// EmbeddingConfig describes the embedding model and endpoint used to produce
// a vector. The dimension is pinned per config; every passage validates its
// embedding length against it.
type EmbeddingConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Dim      int    `json:"dim" yaml:"dim"`
}

// MemoryBlock is a labeled, editable text fragment composed into the system
// prompt. Labels are unique within an agent; values are mutated only by the
// core_memory tool calls.
type MemoryBlock struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	AgentID        string    `json:"agent_id"`
	Label          string    `json:"label"`
	Value          string    `json:"value"`
	Limit          int       `json:"limit,omitempty"` // max value length in runes, 0 = default
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultBlockLimit bounds memory block values when no explicit limit is set.
const DefaultBlockLimit = 5000

// Agent is a persistent conversational entity: memory blocks, attached tools
// and sources, an LLM config, and an embedding config.
type Agent struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	Blocks         []MemoryBlock   `json:"memory_blocks"`
	ToolIDs        []string        `json:"tool_ids,omitempty"`
	SourceIDs      []string        `json:"source_ids,omitempty"`
	LLMConfig      LLMConfig       `json:"llm_config"`
	EmbeddingCfg   EmbeddingConfig `json:"embedding_config"`
	TopK           int             `json:"top_k,omitempty"` // retrieval width, 0 = server default
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CreatedBy      string          `json:"created_by,omitempty"`
	LastUpdatedBy  string          `json:"last_updated_by,omitempty"`
	IsDeleted      bool            `json:"-"`
}

// Block returns the memory block with the given label, or nil.
func (a *Agent) Block(label string) *MemoryBlock {
	for i := range a.Blocks {
		if a.Blocks[i].Label == label {
			return &a.Blocks[i]
		}
	}
	return nil
}

// Tool is a callable function exposed to the agent loop.
type Tool struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Schema         []byte    `json:"json_schema,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
