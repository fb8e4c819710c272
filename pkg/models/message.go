package models

import (
	"encoding/json"
	"time"
)

// Role is a message author role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// MessageType classifies the rendered message kinds a client can request or
// that the stream emits.
type MessageType string

const (
	TypeReasoningMessage  MessageType = "reasoning_message"
	TypeAssistantMessage  MessageType = "assistant_message"
	TypeToolCallMessage   MessageType = "tool_call_message"
	TypeToolReturnMessage MessageType = "tool_return_message"
	TypeUserMessage       MessageType = "user_message"
	TypeSystemMessage     MessageType = "system_message"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one turn entry in an agent's history. Append-only, ordered by
// (created_at, id).
type Message struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	AgentID        string     `json:"agent_id"`
	StepID         string     `json:"step_id,omitempty"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID     string     `json:"tool_call_id,omitempty"` // set on tool returns
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	IsDeleted      bool       `json:"-"`
}

// RenderType maps a persisted message onto the stream/message type a client
// sees.
func (m *Message) RenderType() MessageType {
	switch m.Role {
	case RoleUser:
		return TypeUserMessage
	case RoleTool:
		return TypeToolReturnMessage
	case RoleSystem:
		return TypeSystemMessage
	default:
		if len(m.ToolCalls) > 0 {
			return TypeToolCallMessage
		}
		return TypeAssistantMessage
	}
}
