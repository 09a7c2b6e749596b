// Package llm abstracts chat-completion providers behind one client
// interface, with one-shot and streaming calls and retry with backoff on
// transient provider errors.
package llm

import (
	"context"
	"strings"
)

// Message is one turn in the provider-facing conversation.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// IsError marks a tool message as a failed execution, for providers
	// with a native error signal on tool results.
	IsError bool `json:"is_error,omitempty"`
}

// ToolCall is a structured function-call emitted by the model.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request carries one completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

// Usage tracks token consumption reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage across calls.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Completion is the final result of one call. For streaming calls the text
// has already been delivered incrementally; Content carries the full text.
type Completion struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      *Usage
	StopReason string
}

// TextHandler receives incremental text deltas during a streaming call.
// Returning an error aborts the stream.
type TextHandler func(delta string) error

// Client is a chat-completion provider.
type Client interface {
	// Provider returns the provider name.
	Provider() string

	// Complete makes a one-shot completion call.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Stream makes a streaming call, invoking onText for each text delta
	// as it arrives. Structured tool calls are accumulated and returned
	// complete on the final Completion.
	Stream(ctx context.Context, req Request, onText TextHandler) (*Completion, error)
}

// IsRetryableError reports whether a provider error is transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504", "529"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}
