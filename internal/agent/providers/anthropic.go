package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/cortex/internal/agent"
	"github.com/haasonsaas/cortex/pkg/models"
)

// defaultAnthropicMaxTokens caps responses when the request leaves
// MaxTokens unset; the Anthropic API requires an explicit value.
const defaultAnthropicMaxTokens = 4096

// Anthropic streams messages from the Anthropic API. Text arrives as
// content_block_delta events; tool inputs accumulate as JSON fragments and
// flush on content_block_stop.
type Anthropic struct {
	client anthropic.Client
	model  string
}

var _ agent.LLMProvider = (*Anthropic)(nil)

// NewAnthropic builds the provider from an agent's LLM config.
func NewAnthropic(cfg models.LLMConfig, creds Credentials) *Anthropic {
	options := []option.RequestOption{option.WithAPIKey(creds.APIKey)}
	if cfg.Endpoint != "" {
		options = append(options, option.WithBaseURL(cfg.Endpoint))
	} else if creds.BaseURL != "" {
		options = append(options, option.WithBaseURL(creds.BaseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(options...),
		model:  cfg.Model,
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete opens a message stream and feeds chunks from a goroutine.
func (p *Anthropic) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	for _, d := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(d.Parameters, &schema); err != nil {
			return nil, err
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: schema,
			},
		})
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(stream, chunks)
	return chunks, nil
}

func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)

	var (
		currentToolCall  *models.ToolCall
		currentToolInput strings.Builder
		usage            models.UsageStatistics
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.PromptTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Arguments = json.RawMessage(currentToolInput.String())
				chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			u := usage
			chunks <- &agent.CompletionChunk{Done: true, Usage: &u}
			return

		case "error":
			chunks <- &agent.CompletionChunk{Error: errors.New("anthropic stream error"), Done: true}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: err, Done: true}
	}
}

// toAnthropicMessages converts the neutral form. System prompts travel in
// params.System; tool returns become user messages carrying tool_result
// blocks per the Anthropic wire format.
func toAnthropicMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		var content []anthropic.ContentBlockParamUnion
		switch m.Role {
		case "tool":
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			out = append(out, anthropic.NewUserMessage(content...))
		case "assistant":
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		default:
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
				out = append(out, anthropic.NewUserMessage(content...))
			}
		}
	}
	return out
}
