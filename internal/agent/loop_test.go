package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/cortex/internal/embeddings"
	"github.com/haasonsaas/cortex/internal/jobs"
	"github.com/haasonsaas/cortex/internal/passages"
	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/internal/vector"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// scriptTurn is one scripted model response. Text streams in two deltas;
// tool calls follow; the final chunk carries usage. A non-nil err ends the
// stream after the text, and cancel fires just before the error chunk.
type scriptTurn struct {
	text      string
	toolCalls []models.ToolCall
	usage     *models.UsageStatistics
	err       error
	cancel    func()
}

// scriptedProvider replays turns in order, clamping to the last one when
// the loop calls more often than scripted.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    []scriptTurn
	calls    int
	requests []*CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if i >= len(p.turns) {
		i = len(p.turns) - 1
	}
	turn := p.turns[i]
	p.mu.Unlock()

	ch := make(chan *CompletionChunk)
	go func() {
		defer close(ch)
		if turn.text != "" {
			half := len(turn.text) / 2
			ch <- &CompletionChunk{Text: turn.text[:half]}
			ch <- &CompletionChunk{Text: turn.text[half:]}
		}
		if turn.err != nil {
			if turn.cancel != nil {
				turn.cancel()
			}
			ch <- &CompletionChunk{Error: turn.err, Done: true}
			return
		}
		for j := range turn.toolCalls {
			tc := turn.toolCalls[j]
			ch <- &CompletionChunk{ToolCall: &tc}
		}
		ch <- &CompletionChunk{Done: true, Usage: turn.usage}
	}()
	return ch, nil
}

// hashProvider embeds deterministically so retrieval is exercisable
// without a live embedding endpoint.
type hashProvider struct{ dim int }

func (h hashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, h.dim)
		for j, r := range t {
			v[j%h.dim] += float32(r) / 1000
		}
		out[i] = v
	}
	return out, nil
}

var testEmbedCfg = models.EmbeddingConfig{Provider: "openai", Model: "test", Dim: 4}

func testRunner(t *testing.T, turns []scriptTurn, opts ...RunnerOption) (*Runner, *storage.DB, *models.Agent, models.Actor, *scriptedProvider) {
	t.Helper()
	db, err := storage.Open(storage.Config{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	actor, err := db.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	embedFactory := func(cfg models.EmbeddingConfig) (embeddings.Provider, error) {
		return hashProvider{dim: cfg.Dim}, nil
	}
	pm := passages.NewManager(db, vector.NewSQLStore(db), embedFactory)
	jm := jobs.NewManager(db)

	provider := &scriptedProvider{turns: turns}
	llm := func(models.LLMConfig) (LLMProvider, error) { return provider, nil }

	agent, err := db.CreateAgent(context.Background(), &models.Agent{
		Name: "helper",
		Blocks: []models.MemoryBlock{
			{Label: "human", Value: "The user."},
			{Label: "persona", Value: "A helpful assistant."},
		},
		LLMConfig:    models.LLMConfig{Provider: "openai", Model: "test-model"},
		EmbeddingCfg: testEmbedCfg,
	}, actor)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	return NewRunner(db, pm, jm, NewRegistry(), llm, opts...), db, agent, actor, provider
}

func collectEvents(events *[]StreamEvent) EventFunc {
	return func(ev StreamEvent) { *events = append(*events, ev) }
}

func TestTextOnlyTurn(t *testing.T) {
	r, db, agent, actor, _ := testRunner(t, []scriptTurn{
		{text: "hello there", usage: &models.UsageStatistics{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	})
	ctx := context.Background()

	var events []StreamEvent
	result, err := r.Send(ctx, &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "hi"}},
	}, actor, collectEvents(&events))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if result.StopReason.Kind != StopEndTurn {
		t.Errorf("stop reason = %+v", result.StopReason)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("messages = %d", len(result.Messages))
	}
	if result.Messages[0].Role != models.RoleUser || result.Messages[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", result.Messages[0].Role, result.Messages[1].Role)
	}
	if result.Messages[1].Content != "hello there" {
		t.Errorf("assistant content = %q", result.Messages[1].Content)
	}
	if result.Usage.TotalTokens != 15 || result.Usage.StepCount != 1 {
		t.Errorf("usage = %+v", result.Usage)
	}

	// Stream order: user echo, two assistant deltas, stop reason, usage.
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{
		string(models.TypeUserMessage),
		string(models.TypeAssistantMessage),
		string(models.TypeAssistantMessage),
		TypeStopReason,
		TypeUsage,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %q, want %q (all: %v)", i, types[i], want[i], types)
		}
	}
	if events[1].Content+events[2].Content != "hello there" {
		t.Errorf("deltas = %q + %q", events[1].Content, events[2].Content)
	}

	// The turn opened a run job and drove it to completed.
	run, err := db.GetJob(ctx, result.RunID, actor)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != models.JobStatusCompleted || run.Type != models.JobTypeRun {
		t.Errorf("run = %s %s", run.Type, run.Status)
	}
	if run.Metadata["stop_reason"] != "end_turn" {
		t.Errorf("run metadata = %+v", run.Metadata)
	}
}

func TestToolCallTurnEditsMemory(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"label": "human", "content": "Prefers Go."})
	r, db, agent, actor, provider := testRunner(t, []scriptTurn{
		{toolCalls: []models.ToolCall{{ID: "call-1", Name: "core_memory_append", Arguments: args}}},
		{text: "Noted."},
	})
	ctx := context.Background()

	var events []StreamEvent
	result, err := r.Send(ctx, &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "remember that I prefer Go"}},
	}, actor, collectEvents(&events))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.StopReason.Kind != StopEndTurn {
		t.Errorf("stop reason = %+v", result.StopReason)
	}

	// user, assistant(tool call), tool return, assistant.
	roles := make([]models.Role, 0, len(result.Messages))
	for _, m := range result.Messages {
		roles = append(roles, m.Role)
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(roles) != len(wantRoles) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range wantRoles {
		if roles[i] != wantRoles[i] {
			t.Fatalf("roles = %v, want %v", roles, wantRoles)
		}
	}
	if result.Messages[2].ToolCallID != "call-1" {
		t.Errorf("tool return call id = %q", result.Messages[2].ToolCallID)
	}

	// The memory edit is durable.
	reloaded, err := db.GetAgent(ctx, agent.ID, actor)
	if err != nil {
		t.Fatalf("reload agent: %v", err)
	}
	if got := reloaded.Block("human").Value; got != "The user.\nPrefers Go." {
		t.Errorf("human block = %q", got)
	}

	// The second model call sees the tool return in history and the
	// rewritten block in the system prompt.
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" {
		t.Errorf("last history entry = %+v", last)
	}
	if !contains(second.System, "Prefers Go.") {
		t.Errorf("system prompt not recompiled:\n%s", second.System)
	}

	var sawCall, sawReturn bool
	for _, ev := range events {
		switch ev.Type {
		case string(models.TypeToolCallMessage):
			sawCall = ev.ToolCall != nil && ev.ToolCall.Name == "core_memory_append"
		case string(models.TypeToolReturnMessage):
			sawReturn = ev.ToolReturn != ""
		}
	}
	if !sawCall || !sawReturn {
		t.Errorf("stream missing tool events: call=%v return=%v", sawCall, sawReturn)
	}
}

func TestArchivalToolRoundTrip(t *testing.T) {
	insertArgs, _ := json.Marshal(map[string]string{"content": "the launch code is 4242"})
	searchArgs, _ := json.Marshal(map[string]string{"query": "the launch code is 4242"})
	r, _, agent, actor, _ := testRunner(t, []scriptTurn{
		{toolCalls: []models.ToolCall{{ID: "c1", Name: "archival_memory_insert", Arguments: insertArgs}}},
		{toolCalls: []models.ToolCall{{ID: "c2", Name: "archival_memory_search", Arguments: searchArgs}}},
		{text: "Found it."},
	})

	result, err := r.Send(context.Background(), &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "store and recall"}},
	}, actor, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.StopReason.Kind != StopEndTurn {
		t.Errorf("stop reason = %+v", result.StopReason)
	}

	// The search tool return carries the inserted passage.
	var searchReturn string
	for _, m := range result.Messages {
		if m.Role == models.RoleTool && m.ToolCallID == "c2" {
			searchReturn = m.Content
		}
	}
	if !contains(searchReturn, "the launch code is 4242") {
		t.Errorf("search return = %q", searchReturn)
	}
}

func TestMaxStepsCutoff(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"content": "loop forever"})
	r, db, agent, actor, provider := testRunner(t, []scriptTurn{
		{toolCalls: []models.ToolCall{{ID: "c", Name: "archival_memory_insert", Arguments: args}}},
	}, WithMaxSteps(2))

	result, err := r.Send(context.Background(), &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "go"}},
	}, actor, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.StopReason.Kind != StopMaxSteps {
		t.Errorf("stop reason = %+v", result.StopReason)
	}
	if provider.calls != 2 {
		t.Errorf("model calls = %d", provider.calls)
	}

	run, err := db.GetJob(context.Background(), result.RunID, actor)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != models.JobStatusCompleted || run.Metadata["stop_reason"] != "max_steps" {
		t.Errorf("run = %s %+v", run.Status, run.Metadata)
	}
}

func TestProviderFailureStopsWithLLMError(t *testing.T) {
	r, db, agent, actor, _ := testRunner(t, []scriptTurn{
		{err: errors.New("upstream exploded")},
	})
	ctx := context.Background()

	result, err := r.Send(ctx, &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "hi"}},
	}, actor, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.StopReason.Kind != StopLLMError {
		t.Errorf("stop reason = %+v", result.StopReason)
	}
	// The inbound user message is still persisted.
	if len(result.Messages) != 1 || result.Messages[0].Role != models.RoleUser {
		t.Errorf("messages = %+v", result.Messages)
	}

	run, err := db.GetJob(ctx, result.RunID, actor)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != models.JobStatusFailed {
		t.Errorf("run status = %s", run.Status)
	}
}

func TestMidStreamCancelPersistsPartialText(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, db, agent, actor, _ := testRunner(t, []scriptTurn{
		{text: "partial answer", cancel: cancel, err: context.Canceled},
	})

	result, err := r.Send(ctx, &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "long question"}},
	}, actor, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.StopReason.Kind != StopCancelled {
		t.Errorf("stop reason = %+v", result.StopReason)
	}

	// The text streamed before the cancellation survives, exactly once.
	fresh := context.Background()
	msgs, err := db.ListMessages(fresh, actor,
		storage.MessageFilter{AgentID: agent.ID}, storage.Page{Limit: 10, Ascending: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var partials int
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && m.Content == "partial answer" {
			partials++
		}
	}
	if partials != 1 {
		t.Fatalf("partial assistant messages = %d, want 1 (all: %+v)", partials, msgs)
	}

	// The run job still reached a terminal status despite the dead context.
	run, err := db.GetJob(fresh, result.RunID, actor)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != models.JobStatusCancelled {
		t.Errorf("run status = %s, want cancelled", run.Status)
	}
}

func TestHistoryCarriesAcrossTurns(t *testing.T) {
	r, _, agent, actor, provider := testRunner(t, []scriptTurn{
		{text: "the capital of France is Paris"},
		{text: "I said Paris"},
	})
	ctx := context.Background()

	if _, err := r.Send(ctx, &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "what is the capital of France?"}},
	}, actor, nil); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := r.Send(ctx, &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "what did you just say?"}},
	}, actor, nil); err != nil {
		t.Fatalf("second send: %v", err)
	}

	// The second turn's model call replays the first turn, oldest first,
	// ahead of the new user message.
	second := provider.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("second request history = %d messages: %+v", len(second), second)
	}
	if second[0].Role != "user" || second[0].Content != "what is the capital of France?" {
		t.Errorf("history[0] = %+v", second[0])
	}
	if second[1].Role != "assistant" || second[1].Content != "the capital of France is Paris" {
		t.Errorf("history[1] = %+v", second[1])
	}
	if second[2].Content != "what did you just say?" {
		t.Errorf("history[2] = %+v", second[2])
	}
}

func TestIncludeTypesFilterKeepsTerminals(t *testing.T) {
	r, _, agent, actor, _ := testRunner(t, []scriptTurn{
		{text: "filtered stream"},
	})

	var events []StreamEvent
	_, err := r.Send(context.Background(), &SendRequest{
		AgentID:      agent.ID,
		Messages:     []IncomingMessage{{Role: models.RoleUser, Content: "hi"}},
		IncludeTypes: []models.MessageType{models.TypeAssistantMessage},
	}, actor, collectEvents(&events))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, ev := range events {
		if ev.Type == string(models.TypeUserMessage) {
			t.Errorf("user echo leaked through filter")
		}
	}
	if events[len(events)-2].Type != TypeStopReason || events[len(events)-1].Type != TypeUsage {
		t.Errorf("terminal events missing: %+v", events)
	}
}

func TestRejectsBadInbound(t *testing.T) {
	r, _, agent, actor, _ := testRunner(t, []scriptTurn{{text: "x"}})
	ctx := context.Background()

	if _, err := r.Send(ctx, &SendRequest{AgentID: agent.ID}, actor, nil); !errs.IsInvalidArgument(err) {
		t.Errorf("empty messages: want invalid_argument, got %v", err)
	}
	_, err := r.Send(ctx, &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleAssistant, Content: "spoofed"}},
	}, actor, nil)
	if !errs.IsInvalidArgument(err) {
		t.Errorf("assistant inbound: want invalid_argument, got %v", err)
	}
	_, err = r.Send(ctx, &SendRequest{
		AgentID:  "agent-missing",
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "hi"}},
	}, actor, nil)
	if !errs.IsNotFound(err) {
		t.Errorf("unknown agent: want not_found, got %v", err)
	}
}

func TestRetrievedContextReachesPrompt(t *testing.T) {
	r, _, agent, actor, provider := testRunner(t, []scriptTurn{{text: "ok"}})
	ctx := context.Background()

	if _, err := r.passages.CreateAgentPassages(ctx, agent.ID, []string{"favorite color is teal"}, actor); err != nil {
		t.Fatalf("seed archival: %v", err)
	}

	if _, err := r.Send(ctx, &SendRequest{
		AgentID:  agent.ID,
		Messages: []IncomingMessage{{Role: models.RoleUser, Content: "favorite color is teal"}},
	}, actor, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	if !contains(provider.requests[0].System, "favorite color is teal") {
		t.Errorf("retrieved passage missing from prompt:\n%s", provider.requests[0].System)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
