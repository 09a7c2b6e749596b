// Package contextmgr keeps a thread's LLM-facing history inside the target
// model's context budget by condensing older spans into summary messages.
package contextmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/loom/internal/config"
	"github.com/harun/loom/internal/observability"
	"github.com/harun/loom/internal/tokens"
	"github.com/harun/loom/pkg/llm"
	"github.com/harun/loom/pkg/thread"
)

// maxTranscriptMessageChars caps how much of a single message is fed to
// the summarizer; giant tool outputs would otherwise dominate the span.
const maxTranscriptMessageChars = 8192

const summarySystem = `You condense agent conversation history. Produce a dense summary that preserves: decisions made and their reasons, tasks still open, user requirements and constraints, and factual state established so far (file names, ids, values). Omit pleasantries and retries. Write in plain prose, no preamble.`

// Manager bounds thread histories for completion requests.
type Manager struct {
	store      *thread.Store
	summarizer llm.Client
	cfg        *config.Config
	logger     zerolog.Logger
}

// New creates a manager. The summarizer client should point at a small,
// cheap model; it is called only when a thread crosses its budget.
func New(store *thread.Store, summarizer llm.Client, cfg *config.Config, logger zerolog.Logger) *Manager {
	return &Manager{
		store:      store,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger.With().Str("component", "contextmgr").Logger(),
	}
}

// Bound returns the thread's completion view, condensing the span since the
// last summary first when the view exceeds the model's trigger threshold.
// Summarization failure is not fatal: the unbounded view is returned and
// the next iteration retries.
func (m *Manager) Bound(ctx context.Context, threadID, modelID string) ([]thread.Message, error) {
	msgs, err := m.store.ListForCompletion(ctx, threadID)
	if err != nil {
		return nil, err
	}

	mc := m.cfg.ModelFor(modelID)
	threshold := int(float64(mc.ContextWindow) * mc.SummarizeRatio)
	total := estimate(msgs)
	if total < threshold {
		return msgs, nil
	}

	m.logger.Info().
		Str("thread_id", threadID).
		Str("model", modelID).
		Int("estimated_tokens", total).
		Int("threshold", threshold).
		Msg("context budget exceeded, summarizing")

	if err := m.summarize(ctx, threadID, mc); err != nil {
		m.logger.Warn().Err(err).Str("thread_id", threadID).Msg("summarization failed, continuing unbounded")
		observability.RecordSummarization("error", total)
		return msgs, nil
	}
	return m.store.ListForCompletion(ctx, threadID)
}

// summarize condenses every message after the last summary into a new
// summary covering that span. A span with no condensable messages is a
// no-op, which makes repeated calls without new messages idempotent.
func (m *Manager) summarize(ctx context.Context, threadID string, mc config.ModelConfig) error {
	raw, err := m.store.ListRaw(ctx, threadID)
	if err != nil {
		return err
	}

	spanStart := int64(1)
	if last, err := m.store.LastSummary(ctx, threadID); err != nil {
		return err
	} else if last != nil {
		spanStart = last.SpanEnd + 1
	}

	var span []thread.Message
	for _, msg := range raw {
		if msg.Seq < spanStart || msg.Type == thread.TypeSummary || msg.Type == thread.TypeStatus {
			continue
		}
		span = append(span, msg)
	}
	if len(span) == 0 {
		observability.RecordSummarization("noop", 0)
		return nil
	}
	spanEnd := span[len(span)-1].Seq

	transcript := renderTranscript(span)
	completion, err := m.summarizer.Complete(ctx, llm.Request{
		Model:  m.cfg.Models.Summarizer,
		System: summarySystem,
		Messages: []llm.Message{{
			Role:    "user",
			Content: "Summarize the following conversation span:\n\n" + transcript,
		}},
		MaxTokens: mc.SummaryTarget,
	})
	if err != nil {
		return fmt.Errorf("summarizer call: %w", err)
	}
	if strings.TrimSpace(completion.Content) == "" {
		return fmt.Errorf("summarizer returned empty content")
	}

	if _, err := m.store.Append(ctx, threadID, thread.NewMessage{
		Type:      thread.TypeSummary,
		Content:   completion.Content,
		SpanStart: spanStart,
		SpanEnd:   spanEnd,
	}); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}

	spanTokens := tokens.Estimate(transcript)
	observability.RecordSummarization("ok", spanTokens)
	m.logger.Info().
		Str("thread_id", threadID).
		Int64("span_start", spanStart).
		Int64("span_end", spanEnd).
		Int("span_tokens", spanTokens).
		Msg("span summarized")
	return nil
}

func estimate(msgs []thread.Message) int {
	contents := make([]string, len(msgs))
	for i, msg := range msgs {
		contents[i] = msg.Content
	}
	return tokens.EstimateAll(contents)
}

// renderTranscript flattens a message span into role-prefixed plain text
// for the summarizer, decoding structured payloads where possible.
func renderTranscript(span []thread.Message) string {
	var b strings.Builder
	for _, msg := range span {
		switch msg.Type {
		case thread.TypeUser:
			writeEntry(&b, "User", msg.Content)
		case thread.TypeAssistant:
			payload, err := thread.DecodeAssistantPayload(msg.Content)
			if err != nil {
				writeEntry(&b, "Assistant", msg.Content)
				continue
			}
			writeEntry(&b, "Assistant", payload.Text)
			for _, tc := range payload.ToolCalls {
				writeEntry(&b, "Assistant (tool call)", tc.Name)
			}
		case thread.TypeTool:
			payload, err := thread.DecodeToolResultPayload(msg.Content)
			if err != nil {
				writeEntry(&b, "Tool", msg.Content)
				continue
			}
			status := "ok"
			if !payload.Success {
				status = "failed: " + payload.Error
			}
			writeEntry(&b, "Tool "+payload.Name, fmt.Sprintf("%s %v", status, payload.Output))
		default:
			writeEntry(&b, string(msg.Type), msg.Content)
		}
	}
	return b.String()
}

func writeEntry(b *strings.Builder, role, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	if len(content) > maxTranscriptMessageChars {
		content = content[:maxTranscriptMessageChars] + " [truncated]"
	}
	b.WriteString(role)
	b.WriteString(": ")
	b.WriteString(content)
	b.WriteString("\n\n")
}
