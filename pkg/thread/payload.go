package thread

import (
	"encoding/json"
	"fmt"
)

// Message content is a JSON payload whose shape depends on the message
// type. User and summary messages carry plain text; the types below cover
// the structured ones.

// ToolCallRef records one tool invocation inside an assistant payload.
type ToolCallRef struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AssistantPayload is the content of an assistant message: the prose the
// model produced plus every tool invocation extracted from it.
type AssistantPayload struct {
	Text      string        `json:"text"`
	ToolCalls []ToolCallRef `json:"tool_calls,omitempty"`
}

// ToolResultPayload is the content of a tool message. InvocationID pairs
// it with the invocation it answers.
type ToolResultPayload struct {
	InvocationID string `json:"invocation_id"`
	Name         string `json:"name"`
	Success      bool   `json:"success"`
	Output       any    `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
}

// StatusPayload is the content of a status message.
type StatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// EncodePayload serializes a payload struct for storage.
func EncodePayload(p any) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(raw), nil
}

// DecodeAssistantPayload parses an assistant message's content.
func DecodeAssistantPayload(content string) (AssistantPayload, error) {
	var p AssistantPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return AssistantPayload{}, fmt.Errorf("decode assistant payload: %w", err)
	}
	return p, nil
}

// DecodeToolResultPayload parses a tool message's content.
func DecodeToolResultPayload(content string) (ToolResultPayload, error) {
	var p ToolResultPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return ToolResultPayload{}, fmt.Errorf("decode tool result payload: %w", err)
	}
	return p, nil
}

// DecodeStatusPayload parses a status message's content.
func DecodeStatusPayload(content string) (StatusPayload, error) {
	var p StatusPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return StatusPayload{}, fmt.Errorf("decode status payload: %w", err)
	}
	return p, nil
}
