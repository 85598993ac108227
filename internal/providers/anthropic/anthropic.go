// Package anthropic implements the agent.Provider contract over the
// Anthropic Messages API with SSE streaming.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/weft/internal/agent"
	"github.com/haasonsaas/weft/pkg/models"
)

// Provider streams completions from Anthropic's Claude models. Safe for
// concurrent use; each Stream call owns an independent SSE stream.
type Provider struct {
	client       anthropic.Client
	defaultModel string
}

// Config configures the provider.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey string

	// BaseURL overrides the API endpoint (optional).
	BaseURL string

	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// New creates a provider.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	model := config.DefaultModel
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &Provider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}, nil
}

// Name implements agent.Provider.
func (p *Provider) Name() string { return "anthropic" }

// contextWindows maps model prefixes to their context window size.
var contextWindows = map[string]int{
	"claude-3-5": 200000,
	"claude-3-7": 200000,
	"claude-sonnet-4": 200000,
	"claude-opus-4":   200000,
	"claude-haiku-4":  200000,
}

// ContextWindow implements agent.Provider.
func (p *Provider) ContextWindow(model string) int {
	for prefix, window := range contextWindows {
		if strings.HasPrefix(model, prefix) {
			return window
		}
	}
	return 200000
}

// Stream implements agent.Provider.
func (p *Provider) Stream(ctx context.Context, req *agent.StreamRequest) (<-chan *agent.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan *agent.StreamEvent, 64)
	go func() {
		defer close(out)
		stream := p.client.Messages.NewStreaming(ctx, params)
		p.pump(ctx, stream, out)
	}()
	return out, nil
}

func (p *Provider) buildParams(req *agent.StreamRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	msgs, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal(t.Schema, &schema); err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("tool %s: schema: %w", t.Name, err)
			}
			toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
			if toolParam.OfTool != nil {
				toolParam.OfTool.Description = anthropic.String(t.Description)
			}
			tools = append(tools, toolParam)
		}
		params.Tools = tools
	}
	if budget, ok := agent.ThinkingBudgets[agent.ThinkingLevel(req.ThinkingLevel)]; ok && budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}
	return params, nil
}

// pump translates SSE events into engine stream events.
func (p *Provider) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *agent.StreamEvent) {
	usage := models.Usage{}
	stopReason := models.StopEndTurn
	var currentToolID string

	send := func(ev *agent.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.Input = int(ms.Message.Usage.InputTokens)
			usage.CacheRead = int(ms.Message.Usage.CacheReadInputTokens)
			usage.CacheWrite = int(ms.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				currentToolID = tu.ID
				if !send(&agent.StreamEvent{ToolCallStart: &models.ToolCall{ID: tu.ID, Name: tu.Name}}) {
					return
				}
			}

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			switch cbd.Delta.Type {
			case "text_delta":
				if cbd.Delta.Text != "" && !send(&agent.StreamEvent{TextDelta: cbd.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if cbd.Delta.Thinking != "" && !send(&agent.StreamEvent{ThinkingDelta: cbd.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if cbd.Delta.PartialJSON != "" {
					ev := &agent.StreamEvent{ToolCallDelta: &agent.ToolCallDelta{
						ToolCallID: currentToolID,
						ArgsDelta:  cbd.Delta.PartialJSON,
					}}
					if !send(ev) {
						return
					}
				}
			}

		case "content_block_stop":
			currentToolID = ""

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.Output = int(md.Usage.OutputTokens)
			}
			switch md.Delta.StopReason {
			case "tool_use":
				stopReason = models.StopToolUse
			case "max_tokens":
				stopReason = models.StopLength
			case "end_turn", "stop_sequence":
				stopReason = models.StopEndTurn
			}

		case "message_stop":
			send(&agent.StreamEvent{Usage: &usage})
			send(&agent.StreamEvent{Stop: &agent.StopEvent{Reason: stopReason}})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.StreamEvent{Err: err})
		return
	}
	if ctx.Err() != nil {
		return
	}
	// The stream ended without message_stop; report what we have.
	send(&agent.StreamEvent{Usage: &usage})
	send(&agent.StreamEvent{Stop: &agent.StopEvent{Reason: stopReason}})
}

// convertMessages maps the engine's message prefix to API params. System
// messages (compaction notes) travel as user text: the API accepts one
// system prompt only and it is owned by the engine.
func convertMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser, models.RoleSystem:
			var blocks []anthropic.ContentBlockParamUnion
			if text := m.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, img := range m.Images {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Data))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, b := range m.Content {
				switch b.Type {
				case models.ContentText:
					if b.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(b.Text))
					}
				case models.ContentToolCall:
					if b.ToolCall != nil {
						var input any
						if err := json.Unmarshal(orEmptyObject(b.ToolCall.Input), &input); err != nil {
							return nil, fmt.Errorf("tool call %s: input: %w", b.ToolCall.ID, err)
						}
						blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCall.ID, input, b.ToolCall.Name))
					}
				}
				// Thinking blocks are not replayed.
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case models.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, tr := range m.ToolResults {
				text := ""
				for _, c := range tr.Content {
					if c.Type == models.ToolContentText {
						text += c.Text
					}
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, text, tr.IsError))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
