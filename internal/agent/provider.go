// Package agent runs the conversational loop: prompt assembly from memory
// blocks, streaming completions, tool execution, and per-turn accounting.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/cortex/pkg/models"
)

// LLMProvider is a streaming chat backend. Implementations must be safe for
// concurrent use; each Complete call owns an independent stream.
type LLMProvider interface {
	// Complete sends a request and returns a channel of chunks. The channel
	// closes when the stream ends; a chunk with Error set terminates it.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the stable provider identifier.
	Name() string
}

// ToolDefinition describes a callable function exposed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CompletionRequest carries one model call.
type CompletionRequest struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []CompletionMessage `json:"messages"`
	Tools       []ToolDefinition    `json:"tools,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float32             `json:"temperature,omitempty"`
}

// CompletionMessage is one conversation entry in provider-neutral form.
// Role is user, assistant, system, or tool; tool returns set ToolCallID.
type CompletionMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// CompletionChunk is one streamed increment. Text deltas arrive first; tool
// calls are emitted whole once fully accumulated; Usage rides on the final
// chunk when the provider reports it.
type CompletionChunk struct {
	Text     string                  `json:"text,omitempty"`
	ToolCall *models.ToolCall        `json:"tool_call,omitempty"`
	Usage    *models.UsageStatistics `json:"usage,omitempty"`
	Done     bool                    `json:"done,omitempty"`
	Error    error                   `json:"-"`
}

// MessageFromModel converts a persisted message for a provider request.
func MessageFromModel(m *models.Message) CompletionMessage {
	return CompletionMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}
