// Package anthropic provides an LLM provider backed by the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fae-run/fae-core/pkg/provider/llm"
	"github.com/fae-run/fae-core/pkg/types"
)

// Provider implements llm.Provider using the Anthropic Messages API.
type Provider struct {
	client    sdk.Client
	model     string
	maxTokens int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL   string
	maxTokens int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default Anthropic API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithMaxTokens sets the default MaxTokens used when a request does not
// specify one. Anthropic requires MaxTokens on every request, unlike OpenAI.
func WithMaxTokens(n int) Option {
	return func(c *config) {
		c.maxTokens = n
	}
}

// New constructs a new Anthropic LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model must not be empty")
	}

	cfg := &config{maxTokens: 4096}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client:    sdk.NewClient(reqOpts...),
		model:     model,
		maxTokens: cfg.maxTokens,
	}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		toolBlocks := map[int]*toolBuffer{}
		stopReason := ""

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockStartEvent:
				idx := int(ev.Index)
				if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					toolBlocks[idx] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
				}

			case sdk.ContentBlockDeltaEvent:
				idx := int(ev.Index)
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text == "" {
						continue
					}
					select {
					case ch <- llm.Chunk{Text: delta.Text}:
					case <-ctx.Done():
						return
					}
				case sdk.InputJSONDelta:
					if tb := toolBlocks[idx]; tb != nil {
						tb.args.WriteString(delta.PartialJSON)
					}
				}

			case sdk.MessageDeltaEvent:
				stopReason = string(ev.Delta.StopReason)

			case sdk.MessageStopEvent:
				out := llm.Chunk{FinishReason: stopReason}
				for _, tb := range toolBlocks {
					out.ToolCalls = append(out.ToolCalls, types.ToolCall{
						ID:        tb.id,
						Name:      tb.name,
						ArgsRaw: tb.args.String(),
					})
				}
				select {
				case ch <- out:
				case <-ctx.Done():
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// toolBuffer accumulates a streamed tool_use block's JSON-fragment input
// until the block closes.
type toolBuffer struct {
	id   string
	name string
	args strings.Builder
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	result := &llm.CompletionResponse{
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			argsJSON, err := json.Marshal(block.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: marshal tool_use input: %w", err)
			}
			result.ToolCalls = append(result.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				ArgsRaw: string(argsJSON),
			})
		}
	}
	return result, nil
}

// CountTokens implements llm.Provider.
// TODO: wire up the Messages.CountTokens endpoint once request construction
// is shared with buildParams; the character heuristic below is a stopgap.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities returns ModelCapabilities for known Claude model names.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		SupportsVision:      true,
		ContextWindow:       200_000,
		MaxOutputTokens:     8_192,
	}

	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "haiku"):
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "opus"):
		caps.MaxOutputTokens = 32_000
	case strings.Contains(lower, "sonnet"):
		caps.MaxOutputTokens = 64_000
	}
	return caps
}

// buildParams converts a CompletionRequest into Anthropic SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (sdk.MessageNewParams, error) {
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	var messages []sdk.MessageParam
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		if msg != nil {
			messages = append(messages, *msg)
		}
	}
	if len(messages) == 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("anthropic: at least one user/assistant message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	for _, td := range req.Tools {
		schema, err := toolInputSchema(td.Parameters)
		if err != nil {
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: tool %q schema: %w", td.Name, err)
		}
		tool := sdk.ToolUnionParamOfTool(schema, td.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = sdk.String(td.Description)
		}
		params.Tools = append(params.Tools, tool)
	}

	return params, nil
}

// convertMessage converts a types.Message to an Anthropic SDK message param.
// System messages are folded into params.System by the caller and are not
// emitted here.
func convertMessage(m types.Message) (*sdk.MessageParam, error) {
	switch m.Role {
	case "system":
		return nil, nil

	case "user":
		msg := sdk.NewUserMessage(sdk.NewTextBlock(m.Content))
		return &msg, nil

	case "assistant":
		blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
		if m.Content != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input any
			if tc.ArgsRaw != "" {
				input = json.RawMessage(tc.ArgsRaw)
			}
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		msg := sdk.NewAssistantMessage(blocks...)
		return &msg, nil

	case "tool":
		msg := sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		return &msg, nil

	default:
		return nil, fmt.Errorf("anthropic: unknown message role %q", m.Role)
	}
}

func toolInputSchema(parameters map[string]any) (sdk.ToolInputSchemaParam, error) {
	if len(parameters) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	return sdk.ToolInputSchemaParam{ExtraFields: parameters}, nil
}
