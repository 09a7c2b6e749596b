// Package thread persists conversation threads and their append-only
// message sequences, and produces the summary-substituted view used to
// build LLM completion requests.
package thread

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// MessageType classifies a thread message.
type MessageType string

const (
	TypeUser      MessageType = "user"
	TypeAssistant MessageType = "assistant"
	TypeTool      MessageType = "tool"
	TypeStatus    MessageType = "status"
	TypeSummary   MessageType = "summary"
)

// Thread is an ordered conversation within a project.
type Thread struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Visibility string    `json:"visibility"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message is a single unit in a thread. Seq is strictly increasing and
// gap-free per thread; it is allocated by the store on append.
type Message struct {
	ID           string      `json:"id"`
	ThreadID     string      `json:"thread_id"`
	Seq          int64       `json:"seq"`
	Type         MessageType `json:"type"`
	Content      string      `json:"content"`
	InvocationID string      `json:"invocation_id,omitempty"`
	// SpanStart/SpanEnd bound the sequence range a summary message covers.
	// Zero for every other message type.
	SpanStart int64     `json:"span_start,omitempty"`
	SpanEnd   int64     `json:"span_end,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage is the append input; the store assigns ID, Seq, and CreatedAt.
type NewMessage struct {
	Type         MessageType
	Content      string
	InvocationID string
	SpanStart    int64
	SpanEnd      int64
}

// NewMessageID generates a message identifier.
func NewMessageID() string {
	return "msg_" + gonanoid.Must(16)
}
