package processor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/loom/pkg/llm"
	"github.com/harun/loom/pkg/thread"
	"github.com/harun/loom/pkg/tool"
)

// Sink receives processor output. Delta carries live prose during
// streaming; Append persists a message and makes it visible to
// subscribers. Implementations decide how (and whether) to fan out.
type Sink interface {
	Delta(ctx context.Context, text string) error
	Append(ctx context.Context, msg thread.NewMessage) (thread.Message, error)
}

// Outcome is the result of processing one completion.
type Outcome struct {
	Verdict     Verdict
	Assistant   thread.Message
	Invocations []Invocation

	// Results holds tool execution outcomes keyed by invocation ID.
	Results map[string]tool.Result
}

// Processor extracts tool invocations from completions, executes them, and
// computes the loop verdict.
type Processor struct {
	registry *tool.Registry
	logger   zerolog.Logger
}

// New creates a processor backed by the given registry.
func New(registry *tool.Registry, logger zerolog.Logger) *Processor {
	return &Processor{
		registry: registry,
		logger:   logger.With().Str("component", "processor").Logger(),
	}
}

// Process handles a non-streamed completion: it parses tagged markup out of
// the content, merges in structured tool calls, persists the assistant
// message, runs every invocation, and appends each result in invocation
// order.
func (p *Processor) Process(ctx context.Context, completion *llm.Completion, sink Sink) (*Outcome, error) {
	parser := NewTagParser()
	prose, invs := parser.Feed(completion.Content)
	tail, more := parser.Flush()
	prose += tail
	invs = append(invs, more...)

	for _, tc := range completion.ToolCalls {
		invs = append(invs, FromToolCall(tc))
	}
	return p.finish(ctx, prose, invs, sink)
}

// finish persists the assistant message, dispatches invocations, and
// computes the verdict. Shared by Process and StreamSession.Finish.
func (p *Processor) finish(ctx context.Context, prose string, invs []Invocation, sink Sink) (*Outcome, error) {
	payload := thread.AssistantPayload{Text: prose}
	for _, inv := range invs {
		payload.ToolCalls = append(payload.ToolCalls, thread.ToolCallRef{
			ID:         inv.ID,
			Name:       inv.Name,
			Parameters: inv.Parameters,
		})
	}
	content, err := thread.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	assistant, err := sink.Append(ctx, thread.NewMessage{
		Type:    thread.TypeAssistant,
		Content: content,
	})
	if err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	outcome := &Outcome{
		Assistant:   assistant,
		Invocations: invs,
		Results:     map[string]tool.Result{},
	}
	if len(invs) == 0 {
		outcome.Verdict = VerdictStopNatural
		return outcome, nil
	}

	terminal := false
	for _, group := range p.groupInvocations(invs) {
		results := p.executeGroup(ctx, group)
		for i, inv := range group {
			res := results[i]
			outcome.Results[inv.ID] = res
			if p.registry.IsTerminal(inv.Name) && res.Success {
				terminal = true
			}
			if err := p.appendResult(ctx, sink, inv, res); err != nil {
				return nil, err
			}
		}
	}

	if terminal {
		outcome.Verdict = VerdictStopNatural
	} else {
		outcome.Verdict = VerdictContinue
	}
	return outcome, nil
}

// groupInvocations splits the invocation list into dispatch groups while
// preserving declared order: consecutive parallel-capable invocations form
// one group, everything else runs alone.
func (p *Processor) groupInvocations(invs []Invocation) [][]Invocation {
	var groups [][]Invocation
	var parallel []Invocation

	flush := func() {
		if len(parallel) > 0 {
			groups = append(groups, parallel)
			parallel = nil
		}
	}

	for _, inv := range invs {
		def := p.registry.Get(inv.Name)
		if def != nil && def.Parallel {
			parallel = append(parallel, inv)
			continue
		}
		flush()
		groups = append(groups, []Invocation{inv})
	}
	flush()
	return groups
}

// executeGroup runs one dispatch group. A single-element group runs inline;
// larger groups run concurrently. Results come back indexed by the group's
// declared order regardless of completion order.
func (p *Processor) executeGroup(ctx context.Context, group []Invocation) []tool.Result {
	results := make([]tool.Result, len(group))
	if len(group) == 1 {
		results[0] = p.registry.Execute(ctx, group[0].Name, group[0].Parameters)
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, inv := range group {
		i, inv := i, inv
		g.Go(func() error {
			results[i] = p.registry.Execute(gctx, inv.Name, inv.Parameters)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors
	return results
}

func (p *Processor) appendResult(ctx context.Context, sink Sink, inv Invocation, res tool.Result) error {
	content, err := thread.EncodePayload(thread.ToolResultPayload{
		InvocationID: inv.ID,
		Name:         inv.Name,
		Success:      res.Success,
		Output:       res.Output,
		Error:        res.Error,
		Truncated:    res.Truncated,
	})
	if err != nil {
		return err
	}
	if _, err := sink.Append(ctx, thread.NewMessage{
		Type:         thread.TypeTool,
		Content:      content,
		InvocationID: inv.ID,
	}); err != nil {
		return fmt.Errorf("append tool result for %s: %w", inv.Name, err)
	}
	if !res.Success {
		p.logger.Warn().Str("tool", inv.Name).Str("error", res.Error).Msg("tool invocation failed")
	}
	return nil
}
