package tool

import (
	"context"
)

// RegisterBuiltins registers the run-control tools every agent carries.
// `complete` and `ask` are terminal: a successful invocation ends the loop
// and hands control back to the user.
func RegisterBuiltins(r *Registry) error {
	builtins := []Definition{
		{
			Name:        "complete",
			Description: "Signal that the task is finished. Include a short summary of the outcome.",
			Parameters: []Parameter{
				{Name: "summary", Type: "string", Description: "What was accomplished", Required: true},
			},
			Terminal: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				summary, _ := params["summary"].(string)
				return map[string]any{"status": "complete", "summary": summary}, nil
			},
		},
		{
			Name:        "ask",
			Description: "Ask the user a question and wait for their reply. Ends the current run.",
			Parameters: []Parameter{
				{Name: "question", Type: "string", Description: "The question for the user", Required: true},
			},
			Terminal: true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				question, _ := params["question"].(string)
				return map[string]any{"status": "awaiting_user", "question": question}, nil
			},
		},
	}

	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
