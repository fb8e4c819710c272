package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/cortex/internal/jobs"
	"github.com/haasonsaas/cortex/internal/passages"
	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

const (
	// DefaultMaxSteps bounds model calls within one turn.
	DefaultMaxSteps = 8

	// DefaultTurnTimeout bounds one whole turn including tool execution.
	DefaultTurnTimeout = 120 * time.Second

	// DefaultTopK is the retrieval width when the agent does not set one.
	DefaultTopK = 3

	// historyWindow is how many of the agent's most recent messages are
	// replayed into each turn's context.
	historyWindow = 100

	// contextDelimiter separates retrieved passages appended to the prompt.
	contextDelimiter = "\n---\n"
)

// Stop reason kinds for a finished turn.
const (
	StopEndTurn   = "end_turn"
	StopToolError = "tool_error"
	StopMaxSteps  = "max_steps"
	StopCancelled = "cancelled"
	StopLLMError  = "llm_error"
	StopTimeout   = "timeout"
)

// StopReason explains why a turn ended.
type StopReason struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// StreamEvent is one server-sent chunk of a streamed turn. Exactly one of
// the payload fields is set, matching Type. The terminal events are a
// stop_reason followed by usage_statistics.
type StreamEvent struct {
	Type       string                  `json:"message_type"`
	Content    string                  `json:"content,omitempty"`
	ToolCall   *models.ToolCall        `json:"tool_call,omitempty"`
	ToolReturn string                  `json:"tool_return,omitempty"`
	StopReason *StopReason             `json:"stop_reason,omitempty"`
	Usage      *models.UsageStatistics `json:"usage,omitempty"`
}

// Terminal stream event types, emitted after the message chunks.
const (
	TypeStopReason = "stop_reason"
	TypeUsage      = "usage_statistics"
)

// EventFunc receives stream events in order. A nil EventFunc disables
// streaming; the turn still runs to completion.
type EventFunc func(StreamEvent)

// TokenCounter estimates token counts when the provider reports no usage.
type TokenCounter interface {
	Count(text string) int
}

// LLMFactory resolves an agent's LLM config to a provider.
type LLMFactory func(cfg models.LLMConfig) (LLMProvider, error)

// IncomingMessage is one inbound entry of a send request.
type IncomingMessage struct {
	Role    models.Role `json:"role" validate:"required"`
	Content string      `json:"content" validate:"required"`
}

// SendRequest asks for one agent turn.
type SendRequest struct {
	AgentID      string
	Messages     []IncomingMessage
	IncludeTypes []models.MessageType
}

// SendResult is the outcome of one turn.
type SendResult struct {
	Messages   []*models.Message      `json:"messages"`
	StopReason StopReason             `json:"stop_reason"`
	Usage      models.UsageStatistics `json:"usage"`
	RunID      string                 `json:"run_id,omitempty"`
}

// Runner executes agent turns: one at a time per agent, bounded in steps
// and wall time, with every message and step persisted before the turn
// reports completion.
type Runner struct {
	db        *storage.DB
	passages  *passages.Manager
	jobs      *jobs.Manager
	registry  *Registry
	llm       LLMFactory
	counter   TokenCounter
	logger    *slog.Logger
	locks     sync.Map // agent id -> chan struct{} of capacity 1
	maxSteps  int
	turnLimit time.Duration
}

// RunnerOption adjusts runner defaults.
type RunnerOption func(*Runner)

// WithMaxSteps overrides the per-turn model call bound.
func WithMaxSteps(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxSteps = n
		}
	}
}

// WithTurnTimeout overrides the per-turn deadline.
func WithTurnTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.turnLimit = d
		}
	}
}

// WithTokenCounter sets the usage estimator used when a provider reports
// no token counts.
func WithTokenCounter(c TokenCounter) RunnerOption {
	return func(r *Runner) { r.counter = c }
}

// NewRunner wires the turn loop.
func NewRunner(db *storage.DB, pm *passages.Manager, jm *jobs.Manager, registry *Registry, llm LLMFactory, opts ...RunnerOption) *Runner {
	r := &Runner{
		db:        db,
		passages:  pm,
		jobs:      jm,
		registry:  registry,
		llm:       llm,
		logger:    slog.Default().With("component", "agent"),
		maxSteps:  DefaultMaxSteps,
		turnLimit: DefaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lock acquires the per-agent turn lock, waiting until the context ends.
func (r *Runner) lock(ctx context.Context, agentID string) (release func(), err error) {
	v, _ := r.locks.LoadOrStore(agentID, make(chan struct{}, 1))
	ch := v.(chan struct{})
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send runs one turn. Events stream to onEvent in order when it is non-nil;
// the returned result carries the persisted messages either way.
func (r *Runner) Send(ctx context.Context, req *SendRequest, actor models.Actor, onEvent EventFunc) (*SendResult, error) {
	if len(req.Messages) == 0 {
		return nil, errs.InvalidArgumentf("at least one message is required")
	}
	for _, m := range req.Messages {
		if m.Role != models.RoleUser && m.Role != models.RoleSystem {
			return nil, errs.InvalidArgumentf("inbound messages must have role user or system, got %q", m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return nil, errs.InvalidArgumentf("message content must not be empty")
		}
	}

	agent, err := r.db.GetAgent(ctx, req.AgentID, actor)
	if err != nil {
		return nil, err
	}
	provider, err := r.llm(agent.LLMConfig)
	if err != nil {
		return nil, err
	}

	release, err := r.lock(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	tctx, cancel := context.WithTimeout(ctx, r.turnLimit)
	defer cancel()

	run, err := r.openRun(ctx, agent, actor)
	if err != nil {
		return nil, err
	}

	turn := &turnState{
		runner:   r,
		agent:    agent,
		actor:    actor,
		provider: provider,
		run:      run,
		emit:     r.eventFilter(req.IncludeTypes, onEvent),
	}

	result, err := turn.execute(tctx, req.Messages)
	// The run job must reach a terminal status even when the caller's
	// context died mid-turn.
	r.closeRun(context.WithoutCancel(ctx), run.ID, result, err, actor)
	if err != nil {
		return nil, err
	}
	result.RunID = run.ID
	return result, nil
}

// openRun opens the run-type job that collects this turn's steps and
// messages.
func (r *Runner) openRun(ctx context.Context, agent *models.Agent, actor models.Actor) (*models.Job, error) {
	run, err := r.jobs.Create(ctx, &models.Job{
		Type: models.JobTypeRun,
		Metadata: map[string]any{
			"agent_id": agent.ID,
		},
	}, actor)
	if err != nil {
		return nil, err
	}
	if _, err := r.jobs.SafeUpdateStatus(ctx, run.ID, models.JobStatusRunning, nil, actor); err != nil {
		return nil, err
	}
	return run, nil
}

// closeRun drives the run job to its terminal status, mirroring the stop
// reason.
func (r *Runner) closeRun(ctx context.Context, runID string, result *SendResult, turnErr error, actor models.Actor) {
	status := models.JobStatusCompleted
	metadata := map[string]any{}
	switch {
	case turnErr != nil:
		status = models.JobStatusFailed
		metadata["error"] = turnErr.Error()
	case result.StopReason.Kind == StopCancelled:
		status = models.JobStatusCancelled
		metadata["stop_reason"] = result.StopReason.Kind
	case result.StopReason.Kind == StopLLMError,
		result.StopReason.Kind == StopTimeout,
		result.StopReason.Kind == StopToolError:
		status = models.JobStatusFailed
		metadata["stop_reason"] = result.StopReason.Kind
		if result.StopReason.Detail != "" {
			metadata["error"] = result.StopReason.Detail
		}
	default:
		metadata["stop_reason"] = result.StopReason.Kind
	}
	if _, err := r.jobs.SafeUpdateStatus(ctx, runID, status, metadata, actor); err != nil {
		r.logger.Error("close run", "run_id", runID, "error", err)
	}
}

// eventFilter wraps onEvent so only requested message types pass through.
// Terminal stop_reason and usage events always pass.
func (r *Runner) eventFilter(include []models.MessageType, onEvent EventFunc) EventFunc {
	if onEvent == nil {
		return nil
	}
	if len(include) == 0 {
		return onEvent
	}
	allowed := map[string]bool{TypeStopReason: true, TypeUsage: true}
	for _, t := range include {
		allowed[string(t)] = true
	}
	return func(ev StreamEvent) {
		if allowed[ev.Type] {
			onEvent(ev)
		}
	}
}

// turnState carries one in-flight turn.
type turnState struct {
	runner   *Runner
	agent    *models.Agent
	actor    models.Actor
	provider LLMProvider
	run      *models.Job

	emit      EventFunc
	history   []CompletionMessage
	persisted []*models.Message
	usage     models.UsageStatistics
}

// execute runs the turn body: persist inbound messages, then alternate
// model calls and tool execution until a terminal assistant message or a
// bound is hit.
func (t *turnState) execute(ctx context.Context, inbound []IncomingMessage) (*SendResult, error) {
	if err := t.loadHistory(ctx); err != nil {
		return nil, err
	}
	if err := t.appendInbound(ctx, inbound); err != nil {
		return nil, err
	}

	system, err := t.compilePrompt(ctx, inbound[len(inbound)-1].Content)
	if err != nil {
		return nil, err
	}

	stop := StopReason{Kind: StopMaxSteps}
	for step := 0; step < t.runner.maxSteps; step++ {
		text, toolCalls, done, reason := t.modelCall(ctx, system)
		if done {
			stop = reason
			// Text streamed before a cancellation or timeout is persisted
			// exactly once; the turn context is already dead by now.
			if text != "" {
				if err := t.persistAssistant(context.WithoutCancel(ctx), "", text, nil); err != nil {
					return nil, err
				}
			}
			break
		}

		stepRow, err := t.recordStep(ctx, system, text, toolCalls)
		if err != nil {
			return nil, err
		}
		if err := t.persistAssistant(ctx, stepRow.ID, text, toolCalls); err != nil {
			return nil, err
		}

		if len(toolCalls) == 0 {
			stop = StopReason{Kind: StopEndTurn}
			break
		}
		if err := t.runTools(ctx, stepRow.ID, toolCalls); err != nil {
			return nil, err
		}
		// Memory tools may have rewritten a block; recompile so the next
		// call sees the updated state.
		system, err = t.compilePrompt(ctx, inbound[len(inbound)-1].Content)
		if err != nil {
			return nil, err
		}
	}

	usage, err := t.runner.jobs.GetUsage(context.WithoutCancel(ctx), t.run.ID, t.actor)
	if err == nil {
		t.usage = usage
	}

	t.send(StreamEvent{Type: TypeStopReason, StopReason: &stop})
	t.send(StreamEvent{Type: TypeUsage, Usage: &t.usage})

	return &SendResult{
		Messages:   t.persisted,
		StopReason: stop,
		Usage:      t.usage,
	}, nil
}

// modelCall streams one completion. It returns the accumulated text and
// tool calls, or done=true with the stop reason when the turn must end.
func (t *turnState) modelCall(ctx context.Context, system string) (text string, toolCalls []models.ToolCall, done bool, stop StopReason) {
	req := &CompletionRequest{
		Model:       t.agent.LLMConfig.Model,
		System:      system,
		Messages:    t.history,
		Tools:       t.runner.registry.Definitions(),
		MaxTokens:   t.agent.LLMConfig.MaxTokens,
		Temperature: t.agent.LLMConfig.Temperature,
	}

	chunks, err := t.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, true, t.failureReason(ctx, err)
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			// Hand back whatever streamed before the failure so the
			// caller can persist the partial text.
			return b.String(), nil, true, t.failureReason(ctx, chunk.Error)
		}
		if chunk.Text != "" {
			b.WriteString(chunk.Text)
			t.send(StreamEvent{Type: string(models.TypeAssistantMessage), Content: chunk.Text})
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
			t.send(StreamEvent{Type: string(models.TypeToolCallMessage), ToolCall: chunk.ToolCall})
		}
		if chunk.Usage != nil {
			t.usage.Add(models.UsageStatistics{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			})
		}
	}
	return b.String(), toolCalls, false, StopReason{}
}

// failureReason maps a provider or context failure onto a stop reason.
func (t *turnState) failureReason(ctx context.Context, err error) StopReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StopReason{Kind: StopTimeout, Detail: err.Error()}
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return StopReason{Kind: StopCancelled}
	default:
		t.runner.logger.Error("model call failed", "agent_id", t.agent.ID, "error", err)
		return StopReason{Kind: StopLLMError, Detail: err.Error()}
	}
}

// loadHistory pulls the most recent window of the agent's prior messages
// and replays it oldest first.
func (t *turnState) loadHistory(ctx context.Context) error {
	msgs, err := t.runner.db.ListMessages(ctx, t.actor,
		storage.MessageFilter{AgentID: t.agent.ID},
		storage.Page{Limit: historyWindow})
	if err != nil {
		return err
	}
	// The window arrives newest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleSystem {
			continue
		}
		t.history = append(t.history, MessageFromModel(msgs[i]))
	}
	return nil
}

// appendInbound persists the request messages and echoes them on the
// stream. Persistence precedes emission.
func (t *turnState) appendInbound(ctx context.Context, inbound []IncomingMessage) error {
	msgs := make([]*models.Message, 0, len(inbound))
	for _, in := range inbound {
		msgs = append(msgs, &models.Message{
			AgentID: t.agent.ID,
			Role:    in.Role,
			Content: in.Content,
		})
	}
	if err := t.runner.db.CreateMessages(ctx, msgs, t.actor); err != nil {
		return err
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		t.persisted = append(t.persisted, m)
		t.history = append(t.history, MessageFromModel(m))
		t.send(StreamEvent{Type: string(models.TypeUserMessage), Content: m.Content})
	}
	return t.runner.jobs.AddMessages(ctx, t.run.ID, ids)
}

// compilePrompt renders the system prompt plus retrieved context for the
// latest user message.
func (t *turnState) compilePrompt(ctx context.Context, latest string) (string, error) {
	archivalCount, err := t.runner.db.SizeAgentPassages(ctx, t.agent.ID, t.actor)
	if err != nil {
		return "", err
	}
	messageCount, err := t.runner.db.SizeMessages(ctx, t.actor, t.agent.ID)
	if err != nil {
		return "", err
	}
	prompt := CompileSystemPrompt(t.agent, archivalCount, messageCount, time.Now())

	if strings.TrimSpace(latest) == "" {
		return prompt, nil
	}
	contextBlocks := t.retrieve(ctx, latest)
	if len(contextBlocks) == 0 {
		return prompt, nil
	}
	return prompt + "\n\n<retrieved_context>\n" +
		strings.Join(contextBlocks, contextDelimiter) +
		"\n</retrieved_context>", nil
}

// retrieve searches archival memory and attached sources for the latest
// user message. Retrieval failures degrade to an unaugmented prompt.
func (t *turnState) retrieve(ctx context.Context, query string) []string {
	topK := t.agent.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	var blocks []string
	archival, err := t.runner.passages.SearchAgentArchival(ctx, t.agent.ID, query, topK, t.actor)
	if err != nil {
		t.runner.logger.Warn("archival retrieval failed", "agent_id", t.agent.ID, "error", err)
	}
	for _, r := range archival {
		blocks = append(blocks, r.Passage.Text)
	}
	if len(t.agent.SourceIDs) > 0 {
		source, err := t.runner.passages.SearchAgentSources(ctx, t.agent.ID, query, topK, t.actor)
		if err != nil {
			t.runner.logger.Warn("source retrieval failed", "agent_id", t.agent.ID, "error", err)
		}
		for _, r := range source {
			blocks = append(blocks, r.Passage.Text)
		}
	}
	return blocks
}

// recordStep logs one model call's usage against the run. Providers that
// report no usage get a token estimate from the counter when one is wired.
func (t *turnState) recordStep(ctx context.Context, system, text string, toolCalls []models.ToolCall) (*models.Step, error) {
	step := &models.Step{
		JobID:            t.run.ID,
		AgentID:          t.agent.ID,
		PromptTokens:     t.usage.PromptTokens,
		CompletionTokens: t.usage.CompletionTokens,
		TotalTokens:      t.usage.TotalTokens,
	}
	if step.TotalTokens == 0 && t.runner.counter != nil {
		step.PromptTokens = t.runner.counter.Count(system)
		for _, m := range t.history {
			step.PromptTokens += t.runner.counter.Count(m.Content)
		}
		step.CompletionTokens = t.runner.counter.Count(text)
		for _, tc := range toolCalls {
			step.CompletionTokens += t.runner.counter.Count(string(tc.Arguments))
		}
		step.TotalTokens = step.PromptTokens + step.CompletionTokens
	}
	// Usage accumulates across steps; reset the per-step window.
	t.usage = models.UsageStatistics{}
	return t.runner.jobs.RecordStep(ctx, step, t.actor)
}

// persistAssistant writes the assistant message for one step and links it
// to the run.
func (t *turnState) persistAssistant(ctx context.Context, stepID, text string, toolCalls []models.ToolCall) error {
	msg := &models.Message{
		AgentID:   t.agent.ID,
		StepID:    stepID,
		Role:      models.RoleAssistant,
		Content:   text,
		ToolCalls: toolCalls,
	}
	if err := t.runner.db.CreateMessages(ctx, []*models.Message{msg}, t.actor); err != nil {
		return err
	}
	t.persisted = append(t.persisted, msg)
	t.history = append(t.history, MessageFromModel(msg))
	return t.runner.jobs.AddMessages(ctx, t.run.ID, []string{msg.ID})
}

// runTools executes each tool call and persists the returns as tool role
// messages. Execution errors come back as error strings for the model;
// only persistence failures abort the turn.
func (t *turnState) runTools(ctx context.Context, stepID string, toolCalls []models.ToolCall) error {
	rt := &ToolRuntime{
		Agent:    t.agent,
		Actor:    t.actor,
		DB:       t.runner.db,
		Passages: t.runner.passages,
	}
	for _, call := range toolCalls {
		result := t.runner.registry.Execute(ctx, call, rt)
		msg := &models.Message{
			AgentID:    t.agent.ID,
			StepID:     stepID,
			Role:       models.RoleTool,
			Content:    result,
			ToolCallID: call.ID,
		}
		if err := t.runner.db.CreateMessages(ctx, []*models.Message{msg}, t.actor); err != nil {
			return fmt.Errorf("persist tool return: %w", err)
		}
		t.persisted = append(t.persisted, msg)
		t.history = append(t.history, MessageFromModel(msg))
		if err := t.runner.jobs.AddMessages(ctx, t.run.ID, []string{msg.ID}); err != nil {
			return err
		}
		t.send(StreamEvent{Type: string(models.TypeToolReturnMessage), ToolReturn: result})
	}
	return nil
}

func (t *turnState) send(ev StreamEvent) {
	if t.emit != nil {
		t.emit(ev)
	}
}
