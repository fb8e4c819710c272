package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/cortex/internal/passages"
	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// ToolRuntime is the state a tool executes against.
type ToolRuntime struct {
	Agent    *models.Agent
	Actor    models.Actor
	DB       *storage.DB
	Passages *passages.Manager
}

// ToolFunc executes one tool call and returns the string result handed back
// to the model. Errors become tool error returns, not loop failures.
type ToolFunc func(ctx context.Context, args json.RawMessage, rt *ToolRuntime) (string, error)

type registeredTool struct {
	def ToolDefinition
	fn  ToolFunc
}

// Registry maps tool names to definitions and implementations.
type Registry struct {
	tools map[string]registeredTool
	order []string
}

// NewRegistry returns a registry preloaded with the built-in memory tools.
func NewRegistry() *Registry {
	r := &Registry{tools: map[string]registeredTool{}}
	r.Register(coreMemoryAppendDef, coreMemoryAppend)
	r.Register(coreMemoryReplaceDef, coreMemoryReplace)
	r.Register(archivalInsertDef, archivalMemoryInsert)
	r.Register(archivalSearchDef, archivalMemorySearch)
	r.Register(conversationSearchDef, conversationSearch)
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(def ToolDefinition, fn ToolFunc) {
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, fn: fn}
}

// Definitions returns tool definitions in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Execute runs a tool call. Unknown tools and execution failures return an
// error string for the model rather than failing the turn.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall, rt *ToolRuntime) string {
	tool, ok := r.tools[call.Name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}
	result, err := tool.fn(ctx, call.Arguments, rt)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return result
}

// Built-in tool definitions. Schemas follow JSON Schema draft the chat APIs
// accept for function parameters.

var coreMemoryAppendDef = ToolDefinition{
	Name:        "core_memory_append",
	Description: "Append content to a core memory block. Core memory is always visible in your context.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"label": {"type": "string", "description": "Memory block label, e.g. human or persona"},
			"content": {"type": "string", "description": "Content to append"}
		},
		"required": ["label", "content"]
	}`),
}

var coreMemoryReplaceDef = ToolDefinition{
	Name:        "core_memory_replace",
	Description: "Replace an exact substring in a core memory block. The old content must appear verbatim.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"label": {"type": "string", "description": "Memory block label"},
			"old_content": {"type": "string", "description": "Exact text to replace"},
			"new_content": {"type": "string", "description": "Replacement text"}
		},
		"required": ["label", "old_content", "new_content"]
	}`),
}

var archivalInsertDef = ToolDefinition{
	Name:        "archival_memory_insert",
	Description: "Store a fact in archival memory for later retrieval by semantic search.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Fact to store"}
		},
		"required": ["content"]
	}`),
}

var archivalSearchDef = ToolDefinition{
	Name:        "archival_memory_search",
	Description: "Search archival memory by semantic similarity.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"}
		},
		"required": ["query"]
	}`),
}

var conversationSearchDef = ToolDefinition{
	Name:        "conversation_search",
	Description: "Search prior conversation history for messages containing the query text.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Text to look for"}
		},
		"required": ["query"]
	}`),
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return errs.InvalidArgumentf("missing tool arguments")
	}
	if err := json.Unmarshal(args, into); err != nil {
		return errs.InvalidArgumentf("malformed tool arguments: %v", err)
	}
	return nil
}

func blockLimit(b *models.MemoryBlock) int {
	if b.Limit > 0 {
		return b.Limit
	}
	return models.DefaultBlockLimit
}

func coreMemoryAppend(ctx context.Context, args json.RawMessage, rt *ToolRuntime) (string, error) {
	var in struct {
		Label   string `json:"label"`
		Content string `json:"content"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	block := rt.Agent.Block(in.Label)
	if block == nil {
		return "", fmt.Errorf("no memory block with label %q", in.Label)
	}
	next := block.Value
	if next != "" {
		next += "\n"
	}
	next += in.Content
	if utf8.RuneCountInString(next) > blockLimit(block) {
		return "", fmt.Errorf("memory block %q would exceed its limit of %d characters", in.Label, blockLimit(block))
	}
	if err := rt.DB.UpdateBlockValue(ctx, rt.Agent.ID, in.Label, next, rt.Actor); err != nil {
		return "", err
	}
	block.Value = next
	return fmt.Sprintf("Appended to %s.", in.Label), nil
}

func coreMemoryReplace(ctx context.Context, args json.RawMessage, rt *ToolRuntime) (string, error) {
	var in struct {
		Label      string `json:"label"`
		OldContent string `json:"old_content"`
		NewContent string `json:"new_content"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	block := rt.Agent.Block(in.Label)
	if block == nil {
		return "", fmt.Errorf("no memory block with label %q", in.Label)
	}
	if !strings.Contains(block.Value, in.OldContent) {
		return "", fmt.Errorf("old content not found in memory block %q", in.Label)
	}
	next := strings.Replace(block.Value, in.OldContent, in.NewContent, 1)
	if utf8.RuneCountInString(next) > blockLimit(block) {
		return "", fmt.Errorf("memory block %q would exceed its limit of %d characters", in.Label, blockLimit(block))
	}
	if err := rt.DB.UpdateBlockValue(ctx, rt.Agent.ID, in.Label, next, rt.Actor); err != nil {
		return "", err
	}
	block.Value = next
	return fmt.Sprintf("Updated %s.", in.Label), nil
}

func archivalMemoryInsert(ctx context.Context, args json.RawMessage, rt *ToolRuntime) (string, error) {
	var in struct {
		Content string `json:"content"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Content) == "" {
		return "", fmt.Errorf("content must not be empty")
	}
	if _, err := rt.Passages.CreateAgentPassages(ctx, rt.Agent.ID, []string{in.Content}, rt.Actor); err != nil {
		return "", err
	}
	return "Stored in archival memory.", nil
}

func archivalMemorySearch(ctx context.Context, args json.RawMessage, rt *ToolRuntime) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	topK := rt.Agent.TopK
	if topK <= 0 {
		topK = 3
	}
	results, err := rt.Passages.SearchAgentArchival(ctx, rt.Agent.ID, in.Query, topK, rt.Actor)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No archival memories matched.", nil
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Passage.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func conversationSearch(ctx context.Context, args json.RawMessage, rt *ToolRuntime) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	msgs, err := rt.DB.ListMessages(ctx, rt.Actor,
		storage.MessageFilter{AgentID: rt.Agent.ID}, storage.Page{Limit: 500, Ascending: true})
	if err != nil {
		return "", err
	}
	var matches []string
	needle := strings.ToLower(in.Query)
	for _, m := range msgs {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), needle) {
			matches = append(matches, fmt.Sprintf("[%s] %s", m.Role, m.Content))
		}
	}
	if len(matches) == 0 {
		return "No prior messages matched.", nil
	}
	const maxMatches = 10
	if len(matches) > maxMatches {
		matches = matches[len(matches)-maxMatches:]
	}
	return strings.Join(matches, "\n"), nil
}
