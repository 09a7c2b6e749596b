package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/loom/internal/config"
	"github.com/harun/loom/internal/state"
	"github.com/harun/loom/pkg/llm"
	"github.com/harun/loom/pkg/thread"
)

type fakeSummarizer struct {
	calls   int
	summary string
	err     error
}

func (f *fakeSummarizer) Provider() string { return "fake" }

func (f *fakeSummarizer) Complete(_ context.Context, _ llm.Request) (*llm.Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Content: f.summary}, nil
}

func (f *fakeSummarizer) Stream(ctx context.Context, req llm.Request, _ llm.TextHandler) (*llm.Completion, error) {
	return f.Complete(ctx, req)
}

func tightBudgetConfig(model string) *config.Config {
	cfg := config.DefaultConfig()
	// Threshold of 100 tokens (~400 chars) so small fixtures cross it.
	cfg.Models.Overrides[model] = config.ModelConfig{
		ContextWindow:  200,
		SummarizeRatio: 0.5,
		SummaryTarget:  50,
	}
	return cfg
}

func newTestManager(t *testing.T, summarizer llm.Client, cfg *config.Config) (*Manager, *thread.Store) {
	t.Helper()
	db, err := state.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := thread.NewStore(db, zerolog.Nop())
	return New(store, summarizer, cfg, zerolog.Nop()), store
}

func seedThread(t *testing.T, store *thread.Store, messages int) string {
	t.Helper()
	th, err := store.CreateThread(context.Background(), "proj_test", "private")
	require.NoError(t, err)
	for i := 0; i < messages; i++ {
		_, err := store.Append(context.Background(), th.ID, thread.NewMessage{
			Type:    thread.TypeUser,
			Content: fmt.Sprintf("message %d: %s", i, strings.Repeat("lorem ipsum ", 10)),
		})
		require.NoError(t, err)
	}
	return th.ID
}

func TestBoundBelowThresholdReturnsUnchanged(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "unused"}
	mgr, store := newTestManager(t, summarizer, config.DefaultConfig())
	threadID := seedThread(t, store, 3)

	msgs, err := mgr.Bound(context.Background(), threadID, "claude-sonnet-4-20250514")
	require.NoError(t, err)

	assert.Len(t, msgs, 3)
	assert.Zero(t, summarizer.calls)
}

func TestBoundSummarizesOverBudgetThread(t *testing.T) {
	const model = "tight-model"
	summarizer := &fakeSummarizer{summary: "User discussed lorem ipsum at length."}
	mgr, store := newTestManager(t, summarizer, tightBudgetConfig(model))
	threadID := seedThread(t, store, 10)

	msgs, err := mgr.Bound(context.Background(), threadID, model)
	require.NoError(t, err)
	assert.Equal(t, 1, summarizer.calls)

	// The whole span collapses into the summary message.
	require.Len(t, msgs, 1)
	assert.Equal(t, thread.TypeSummary, msgs[0].Type)
	assert.Equal(t, summarizer.summary, msgs[0].Content)
	assert.Equal(t, int64(1), msgs[0].SpanStart)
	assert.Equal(t, int64(10), msgs[0].SpanEnd)

	// Originals are retained for audit.
	raw, err := store.ListRaw(context.Background(), threadID)
	require.NoError(t, err)
	assert.Len(t, raw, 11)
}

func TestBoundIsIdempotentWithoutNewMessages(t *testing.T) {
	const model = "tight-model"
	summarizer := &fakeSummarizer{summary: "condensed"}
	mgr, store := newTestManager(t, summarizer, tightBudgetConfig(model))
	threadID := seedThread(t, store, 10)

	_, err := mgr.Bound(context.Background(), threadID, model)
	require.NoError(t, err)
	require.Equal(t, 1, summarizer.calls)

	// No intervening messages: even a forced re-check must not produce a
	// second summary for the same span.
	require.NoError(t, mgr.summarize(context.Background(), threadID, mgr.cfg.ModelFor(model)))
	assert.Equal(t, 1, summarizer.calls)

	raw, err := store.ListRaw(context.Background(), threadID)
	require.NoError(t, err)
	summaries := 0
	for _, msg := range raw {
		if msg.Type == thread.TypeSummary {
			summaries++
		}
	}
	assert.Equal(t, 1, summaries)
}

func TestBoundSecondSpanStartsAfterFirstSummary(t *testing.T) {
	const model = "tight-model"
	summarizer := &fakeSummarizer{summary: "first span condensed"}
	mgr, store := newTestManager(t, summarizer, tightBudgetConfig(model))
	threadID := seedThread(t, store, 10)

	_, err := mgr.Bound(context.Background(), threadID, model)
	require.NoError(t, err)

	// New traffic after the first summary pushes the view over budget
	// again; the second summary must cover only the new span.
	for i := 0; i < 10; i++ {
		_, err := store.Append(context.Background(), threadID, thread.NewMessage{
			Type:    thread.TypeUser,
			Content: strings.Repeat("more traffic ", 12),
		})
		require.NoError(t, err)
	}
	summarizer.summary = "second span condensed"

	msgs, err := mgr.Bound(context.Background(), threadID, model)
	require.NoError(t, err)
	assert.Equal(t, 2, summarizer.calls)

	last, err := store.LastSummary(context.Background(), threadID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(12), last.SpanStart)
	assert.Equal(t, int64(21), last.SpanEnd)

	// View is now the two summaries.
	require.Len(t, msgs, 2)
	assert.Equal(t, "first span condensed", msgs[0].Content)
	assert.Equal(t, "second span condensed", msgs[1].Content)
}

func TestBoundSummarizerFailureIsNotFatal(t *testing.T) {
	const model = "tight-model"
	summarizer := &fakeSummarizer{err: fmt.Errorf("provider down")}
	mgr, store := newTestManager(t, summarizer, tightBudgetConfig(model))
	threadID := seedThread(t, store, 10)

	msgs, err := mgr.Bound(context.Background(), threadID, model)
	require.NoError(t, err)

	// Unbounded view comes back; the next iteration will retry.
	assert.Len(t, msgs, 10)
	assert.Equal(t, 1, summarizer.calls)
}

func TestRenderTranscriptDecodesPayloads(t *testing.T) {
	assistant, err := thread.EncodePayload(thread.AssistantPayload{
		Text:      "checking the file",
		ToolCalls: []thread.ToolCallRef{{ID: "inv_1", Name: "read_file"}},
	})
	require.NoError(t, err)
	result, err := thread.EncodePayload(thread.ToolResultPayload{
		InvocationID: "inv_1",
		Name:         "read_file",
		Success:      true,
		Output:       "contents here",
	})
	require.NoError(t, err)

	transcript := renderTranscript([]thread.Message{
		{Seq: 1, Type: thread.TypeUser, Content: "read a.txt"},
		{Seq: 2, Type: thread.TypeAssistant, Content: assistant},
		{Seq: 3, Type: thread.TypeTool, Content: result},
	})

	assert.Contains(t, transcript, "User: read a.txt")
	assert.Contains(t, transcript, "Assistant: checking the file")
	assert.Contains(t, transcript, "read_file")
	assert.Contains(t, transcript, "contents here")
}
