// Package orchestrator drives the agent loop: it bounds thread history,
// calls the LLM, hands completions to the response processor, and reports
// lifecycle transitions to the run coordinator until a termination
// condition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/loom/internal/config"
	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tracing"
	"github.com/harun/loom/pkg/contextmgr"
	"github.com/harun/loom/pkg/llm"
	"github.com/harun/loom/pkg/processor"
	"github.com/harun/loom/pkg/run"
	"github.com/harun/loom/pkg/thread"
	"github.com/harun/loom/pkg/tool"
)

// Options configures one run.
type Options struct {
	// Model overrides the configured default model.
	Model string

	// SystemPrompt is prepended to every completion request.
	SystemPrompt string
}

// Orchestrator executes agent runs against threads.
type Orchestrator struct {
	store       *thread.Store
	bounder     *contextmgr.Manager
	client      llm.Client
	registry    *tool.Registry
	processor   *processor.Processor
	coordinator *run.Coordinator
	cfg         *config.Config
	logger      zerolog.Logger
}

// New wires an orchestrator. The client should already carry retry
// behavior (llm.NewRetryingClient).
func New(
	store *thread.Store,
	bounder *contextmgr.Manager,
	client llm.Client,
	registry *tool.Registry,
	proc *processor.Processor,
	coordinator *run.Coordinator,
	cfg *config.Config,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:       store,
		bounder:     bounder,
		client:      client,
		registry:    registry,
		processor:   proc,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
	}
}

// StartRun claims a run for the thread and executes the loop in the
// background. Returns ErrRunActive when the thread already has a running
// run. Observe progress via coordinator.Subscribe.
func (o *Orchestrator) StartRun(ctx context.Context, threadID string, opts Options) (*run.Run, error) {
	if _, err := o.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	r, err := o.coordinator.Claim(ctx, threadID)
	if err != nil {
		return nil, err
	}

	// The loop outlives the start request.
	runCtx := tracing.NewRunContext(context.Background(), r.ID, threadID)
	go o.execute(runCtx, r, opts)
	return r, nil
}

// execute runs the loop to completion. Exactly one terminal transition is
// reported to the coordinator, whatever path exits the loop.
func (o *Orchestrator) execute(ctx context.Context, r *run.Run, opts Options) {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, o.logger)
	ctx, span := tracing.StartSpan(ctx, "orchestrator", "run",
		attribute.String("run_id", r.ID),
		attribute.String("thread_id", r.ThreadID),
	)
	defer span.End()

	model := opts.Model
	if model == "" {
		model = o.cfg.Models.Default
	}
	sink := &coordinatorSink{
		store:       o.store,
		coordinator: o.coordinator,
		threadID:    r.ThreadID,
		runID:       r.ID,
		streaming:   o.cfg.Run.Streaming,
	}

	var usage llm.Usage
	iterations := 0
	status, errDetail := o.loop(ctx, r, model, opts.SystemPrompt, sink, &usage, &iterations)

	o.publishCost(ctx, r.ID, model, usage, iterations)

	if errDetail != "" {
		o.appendStatus(ctx, sink, "run "+string(status), errDetail)
	}
	if err := o.coordinator.Finish(ctx, r.ID, status, errDetail); err != nil && !errors.Is(err, run.ErrRunNotRunning) {
		logger.Error().Err(err).Msg("terminal transition failed")
	}
	observability.RecordRunFinished(string(status), time.Since(start), iterations)
	logger.Info().
		Str("status", string(status)).
		Int("iterations", iterations).
		Int("input_tokens", usage.InputTokens).
		Int("output_tokens", usage.OutputTokens).
		Msg("run finished")
}

// loop performs the iterations and returns the terminal status.
func (o *Orchestrator) loop(ctx context.Context, r *run.Run, model, systemPrompt string, sink *coordinatorSink, usage *llm.Usage, iterations *int) (run.Status, string) {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	for i := 1; i <= o.cfg.Run.MaxIterations; i++ {
		*iterations = i

		// Cancellation is checked at the top of every iteration, so a
		// stop request waits at most one in-flight LLM/tool cycle.
		stopped, err := o.coordinator.StopRequested(ctx, r.ID)
		if err != nil {
			return run.StatusFailed, fmt.Sprintf("check stop signal: %v", err)
		}
		if stopped {
			o.appendStatus(ctx, sink, "run stopped", "stop requested")
			return run.StatusStopped, ""
		}

		history, err := o.bounder.Bound(ctx, r.ThreadID, model)
		if err != nil {
			return run.StatusFailed, fmt.Sprintf("bound history: %v", err)
		}
		req := llm.Request{
			Model:    model,
			System:   systemPrompt,
			Messages: requestMessages(history),
			Tools:    o.registry.Schemas(),
		}

		verdict := processor.VerdictStopError
		var detail string
		outcome, err := o.step(ctx, req, sink, usage)
		switch {
		case err != nil && ctx.Err() != nil:
			detail = "run context cancelled"
		case err != nil:
			detail = fmt.Sprintf("llm call: %v", err)
		default:
			verdict = outcome.Verdict
		}

		switch verdict {
		case processor.VerdictContinue:
			logger.Debug().Int("iteration", i).Int("invocations", len(outcome.Invocations)).Msg("continuing")
		case processor.VerdictStopNatural:
			return run.StatusCompleted, ""
		case processor.VerdictStopError:
			return run.StatusFailed, detail
		}
	}

	// Exhausting the cap is stop-limit: the run completes rather than
	// fails, with a status message so the conversation log explains the
	// cutoff.
	logger.Info().Str("verdict", string(processor.VerdictStopLimit)).
		Int("max_iterations", o.cfg.Run.MaxIterations).Msg("iteration cap reached")
	o.appendStatus(ctx, sink, "iteration limit reached",
		fmt.Sprintf("stopped after %d iterations", o.cfg.Run.MaxIterations))
	return run.StatusCompleted, ""
}

// step makes one LLM call and processes its completion.
func (o *Orchestrator) step(ctx context.Context, req llm.Request, sink *coordinatorSink, usage *llm.Usage) (*processor.Outcome, error) {
	if o.cfg.Run.Streaming {
		session := o.processor.NewStreamSession(sink)
		completion, err := o.client.Stream(ctx, req, session.TextHandler(ctx))
		if err != nil {
			return nil, err
		}
		usage.Add(completion.Usage)
		return session.Finish(ctx, completion)
	}

	completion, err := o.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	usage.Add(completion.Usage)
	return o.processor.Process(ctx, completion, sink)
}

func (o *Orchestrator) appendStatus(ctx context.Context, sink *coordinatorSink, status, detail string) {
	content, err := thread.EncodePayload(thread.StatusPayload{Status: status, Detail: detail})
	if err != nil {
		return
	}
	if _, err := sink.Append(ctx, thread.NewMessage{
		Type:    thread.TypeStatus,
		Content: content,
	}); err != nil {
		o.logger.Warn().Err(err).Msg("append status message failed")
	}
}

// publishCost emits the run's accumulated token usage as a cost fragment.
func (o *Orchestrator) publishCost(ctx context.Context, runID, model string, usage llm.Usage, iterations int) {
	err := o.coordinator.Publish(ctx, runID, run.EventCost, map[string]any{
		"model":         model,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"iterations":    iterations,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("run_id", runID).Msg("publish cost fragment failed")
	}
}

// requestMessages converts the thread's completion view into provider
// messages, decoding structured payloads so tool invocations and their
// results pair up in the rebuilt history.
func requestMessages(history []thread.Message) []llm.Message {
	var msgs []llm.Message
	for _, m := range history {
		switch m.Type {
		case thread.TypeUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: m.Content})

		case thread.TypeSummary:
			msgs = append(msgs, llm.Message{
				Role:    "user",
				Content: "[Summary of earlier conversation]\n" + m.Content,
			})

		case thread.TypeAssistant:
			payload, err := thread.DecodeAssistantPayload(m.Content)
			if err != nil {
				msgs = append(msgs, llm.Message{Role: "assistant", Content: m.Content})
				continue
			}
			if payload.Text == "" && len(payload.ToolCalls) == 0 {
				continue
			}
			msg := llm.Message{Role: "assistant", Content: payload.Text}
			for _, tc := range payload.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:         tc.ID,
					Name:       tc.Name,
					Parameters: tc.Parameters,
				})
			}
			msgs = append(msgs, msg)

		case thread.TypeTool:
			payload, err := thread.DecodeToolResultPayload(m.Content)
			if err != nil {
				msgs = append(msgs, llm.Message{Role: "tool", Content: m.Content, ToolCallID: m.InvocationID})
				continue
			}
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    renderResult(payload),
				ToolCallID: payload.InvocationID,
				IsError:    !payload.Success,
			})
		}
	}
	return msgs
}

func renderResult(p thread.ToolResultPayload) string {
	if !p.Success {
		return fmt.Sprintf("error: %s", p.Error)
	}
	return fmt.Sprintf("%v", p.Output)
}
