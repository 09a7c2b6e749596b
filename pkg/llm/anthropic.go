package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/loom/internal/observability"
)

// AnthropicClient implements Client for Anthropic Claude models.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates an Anthropic-backed client.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Provider returns the provider name
func (c *AnthropicClient) Provider() string {
	return "anthropic"
}

// Complete makes a one-shot completion call.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()
	params := c.buildParams(req)

	response, err := c.client.Messages.New(ctx, params)
	observability.RecordLLMCall(c.Provider(), time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	return completionFromMessage(response)
}

// Stream makes a streaming call, emitting text deltas as they arrive and
// accumulating the full message for tool-call extraction.
func (c *AnthropicClient) Stream(ctx context.Context, req Request, onText TextHandler) (*Completion, error) {
	start := time.Now()
	params := c.buildParams(req)

	stream := c.client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			_ = stream.Close()
			observability.RecordLLMCall(c.Provider(), time.Since(start), false)
			return nil, fmt.Errorf("accumulate stream event: %w", err)
		}

		if onText == nil {
			continue
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := onText(delta.Text); err != nil {
					_ = stream.Close()
					observability.RecordLLMCall(c.Provider(), time.Since(start), false)
					return nil, err
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		observability.RecordLLMCall(c.Provider(), time.Since(start), false)
		return nil, err
	}

	observability.RecordLLMCall(c.Provider(), time.Since(start), true)
	return completionFromMessage(&acc)
}

func (c *AnthropicClient) buildParams(req Request) anthropic.MessageNewParams {
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch {
		case msg.Role == "system":
			// System prompt handled separately below.
		case msg.Role == "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError),
			))
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Parameters, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case msg.Role == "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, schema := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        schema.Name,
				Description: anthropic.String(schema.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.InputSchema["properties"],
				},
			}
			if required, ok := schema.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

func completionFromMessage(msg *anthropic.Message) (*Completion, error) {
	content := ""
	toolCalls := []ToolCall{}

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			var params map[string]any
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &params); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:         b.ID,
				Name:       b.Name,
				Parameters: params,
			})
		}
	}

	return &Completion{
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: string(msg.StopReason),
		Usage: &Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
