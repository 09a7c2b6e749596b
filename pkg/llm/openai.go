package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/loom/internal/observability"
)

// OpenAIClient implements Client for OpenAI chat models.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates an OpenAI-backed client.
func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Provider returns the provider name
func (c *OpenAIClient) Provider() string {
	return "openai"
}

// Complete makes a one-shot completion call.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	response, err := c.client.Chat.Completions.New(ctx, params)
	observability.RecordLLMCall(c.Provider(), time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	return completionFromChoice(response.Choices[0], &Usage{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: int(response.Usage.CompletionTokens),
	})
}

// Stream makes a streaming call, emitting text deltas as they arrive.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, onText TextHandler) (*Completion, error) {
	start := time.Now()
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if onText == nil || len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := onText(delta); err != nil {
				_ = stream.Close()
				observability.RecordLLMCall(c.Provider(), time.Since(start), false)
				return nil, err
			}
		}
	}

	if err := stream.Err(); err != nil {
		observability.RecordLLMCall(c.Provider(), time.Since(start), false)
		return nil, err
	}

	observability.RecordLLMCall(c.Provider(), time.Since(start), true)

	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	return completionFromChoice(acc.Choices[0], &Usage{
		InputTokens:  int(acc.Usage.PromptTokens),
		OutputTokens: int(acc.Usage.CompletionTokens),
	})
}

func (c *OpenAIClient) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// Already handled above.
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := []openai.ChatCompletionMessageToolCall{}
				for _, tc := range msg.ToolCalls {
					paramsJSON, err := json.Marshal(tc.Parameters)
					if err != nil {
						return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool parameters: %w", err)
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(paramsJSON),
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, schema := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        schema.Name,
					Description: openai.String(schema.Description),
					Parameters:  openai.FunctionParameters(schema.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func completionFromChoice(choice openai.ChatCompletionChoice, usage *Usage) (*Completion, error) {
	toolCalls := []ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		var params map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &params); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:         tc.ID,
			Name:       tc.Function.Name,
			Parameters: params,
		})
	}

	return &Completion{
		Content:    choice.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: string(choice.FinishReason),
		Usage:      usage,
	}, nil
}
