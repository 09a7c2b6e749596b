// Package run coordinates agent run lifecycles across server instances: it
// claims runs with a refreshing TTL, publishes fragments to subscribers
// with replay-then-live semantics, relays stop signals, and reclaims runs
// abandoned by dead instances. The shared database is the coordination
// substrate, so any instance can observe or cancel any run.
package run

import (
	"encoding/json"
	"errors"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Status is an agent run's lifecycle state. running is entered exactly once
// per run; the terminal states are absorbing.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// Run is one execution of the orchestration loop against a thread.
type Run struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	Status         Status    `json:"status"`
	InstanceID     string    `json:"instance_id"`
	ClaimExpiresAt time.Time `json:"claim_expires_at,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

// NewRunID generates a run identifier.
func NewRunID() string {
	return "run_" + gonanoid.Must(16)
}

// Fragment event types delivered to subscribers.
const (
	EventAssistantFragment = "assistant-fragment"
	EventToolResult        = "tool-result"
	EventStatus            = "status"
	EventCost              = "cost"
	EventDone              = "done"
)

// Fragment is one ordered event in a run's buffer. Seq is strictly
// increasing per run and assigned at publish time.
type Fragment struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DonePayload is the payload of the final done fragment.
type DonePayload struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

var (
	// ErrRunActive is returned by Claim when the thread already has a
	// running run.
	ErrRunActive = errors.New("thread already has a running run")

	// ErrRunNotFound is returned when the run id is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotRunning is returned by Finish when the run has already
	// reached a terminal status.
	ErrRunNotRunning = errors.New("run is not running")
)
