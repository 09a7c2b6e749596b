// Package processor consumes LLM completions, extracts tool invocations
// from both supported syntaxes, dispatches them through the tool registry,
// and decides whether the run loop should continue.
package processor

import (
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/loom/pkg/llm"
)

// Invocation is the unified representation of a tool invocation, regardless
// of which syntax it was parsed from. The ID pairs it with its result
// message in the thread.
type Invocation struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// NewInvocationID generates a correlation id for invocations whose syntax
// does not carry one (tagged markup).
func NewInvocationID() string {
	return "inv_" + gonanoid.Must(12)
}

// FromToolCall converts a structured function-call into an Invocation.
func FromToolCall(tc llm.ToolCall) Invocation {
	id := tc.ID
	if id == "" {
		id = NewInvocationID()
	}
	params := tc.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return Invocation{ID: id, Name: tc.Name, Parameters: params}
}

// Verdict tells the orchestrator what to do after a completion is processed.
type Verdict string

const (
	// VerdictContinue means non-terminal tools ran; generation should
	// auto-continue so the model can see its results.
	VerdictContinue Verdict = "continue"

	// VerdictStopNatural means the model is done: it either invoked a
	// terminal tool successfully or produced no tool invocations at all.
	VerdictStopNatural Verdict = "stop-natural"

	// VerdictStopError means the iteration failed fatally, for example an
	// LLM call that exhausted its retry budget. Produced by the loop, not
	// by completion processing.
	VerdictStopError Verdict = "stop-error"

	// VerdictStopLimit means the iteration cap was reached. Produced by
	// the loop.
	VerdictStopLimit Verdict = "stop-limit"
)
