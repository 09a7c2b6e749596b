package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/loom/pkg/llm"
	"github.com/harun/loom/pkg/thread"
	"github.com/harun/loom/pkg/tool"
)

type memorySink struct {
	mu       sync.Mutex
	deltas   []string
	appended []thread.Message
	seq      int64
}

func (s *memorySink) Delta(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, text)
	return nil
}

func (s *memorySink) Append(_ context.Context, in thread.NewMessage) (thread.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := thread.Message{
		ID:           thread.NewMessageID(),
		ThreadID:     "th_test",
		Seq:          s.seq,
		Type:         in.Type,
		Content:      in.Content,
		InvocationID: in.InvocationID,
		CreatedAt:    time.Now().UTC(),
	}
	s.appended = append(s.appended, msg)
	return msg, nil
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry(5 * time.Second)

	require.NoError(t, r.Register(tool.Definition{
		Name:        "echo",
		Description: "echo back the input",
		Parameters: []tool.Parameter{
			{Name: "text", Type: "string", Description: "text to echo", Required: true},
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			return params["text"], nil
		},
	}))
	require.NoError(t, r.Register(tool.Definition{
		Name:        "fail",
		Description: "always fails",
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return nil, fmt.Errorf("boom")
		},
	}))
	require.NoError(t, tool.RegisterBuiltins(r))
	return r
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	return New(testRegistry(t), zerolog.Nop())
}

func TestProcessNoInvocationsStopsNaturally(t *testing.T) {
	p := newTestProcessor(t)
	sink := &memorySink{}

	out, err := p.Process(context.Background(), &llm.Completion{
		Content: "All done, nothing else needed.",
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, VerdictStopNatural, out.Verdict)
	require.Len(t, sink.appended, 1)
	assert.Equal(t, thread.TypeAssistant, sink.appended[0].Type)

	payload, err := thread.DecodeAssistantPayload(sink.appended[0].Content)
	require.NoError(t, err)
	assert.Equal(t, "All done, nothing else needed.", payload.Text)
	assert.Empty(t, payload.ToolCalls)
}

func TestProcessSequentialInvocationsInOrder(t *testing.T) {
	p := newTestProcessor(t)
	sink := &memorySink{}

	out, err := p.Process(context.Background(), &llm.Completion{
		Content: `Let me check both. ` +
			`<tool name="echo" text="first" /> ` +
			`<tool name="echo" text="second" />`,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, VerdictContinue, out.Verdict)
	require.Len(t, out.Invocations, 2)

	// Assistant message first, then one result per invocation in
	// invocation order.
	require.Len(t, sink.appended, 3)
	assert.Equal(t, thread.TypeAssistant, sink.appended[0].Type)

	for i, want := range []string{"first", "second"} {
		msg := sink.appended[i+1]
		assert.Equal(t, thread.TypeTool, msg.Type)
		assert.Equal(t, out.Invocations[i].ID, msg.InvocationID)

		res, err := thread.DecodeToolResultPayload(msg.Content)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, want, res.Output)
	}
}

func TestProcessStructuredToolCalls(t *testing.T) {
	p := newTestProcessor(t)
	sink := &memorySink{}

	out, err := p.Process(context.Background(), &llm.Completion{
		Content: "Calling a tool.",
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "echo", Parameters: map[string]any{"text": "hi"}},
		},
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, VerdictContinue, out.Verdict)
	require.Len(t, out.Invocations, 1)
	assert.Equal(t, "call_1", out.Invocations[0].ID)

	res := out.Results["call_1"]
	assert.True(t, res.Success)
	assert.Equal(t, "hi", res.Output)
}

func TestProcessTerminalToolStopsRun(t *testing.T) {
	p := newTestProcessor(t)
	sink := &memorySink{}

	out, err := p.Process(context.Background(), &llm.Completion{
		Content: `<tool name="complete">{"summary":"task finished"}</tool>`,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, VerdictStopNatural, out.Verdict)
	require.Len(t, out.Invocations, 1)
	assert.True(t, out.Results[out.Invocations[0].ID].Success)
}

func TestProcessUnknownToolYieldsFailureResult(t *testing.T) {
	p := newTestProcessor(t)
	sink := &memorySink{}

	out, err := p.Process(context.Background(), &llm.Completion{
		Content: `<tool name="no_such_tool" />`,
	}, sink)
	require.NoError(t, err)

	// Unknown tools produce a failure result, not a fatal error; the
	// model gets to see it and recover.
	assert.Equal(t, VerdictContinue, out.Verdict)
	require.Len(t, sink.appended, 2)

	res, err := thread.DecodeToolResultPayload(sink.appended[1].Content)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no_such_tool")
}

func TestProcessFailedToolContinues(t *testing.T) {
	p := newTestProcessor(t)
	sink := &memorySink{}

	out, err := p.Process(context.Background(), &llm.Completion{
		Content: `<tool name="fail" />`,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, VerdictContinue, out.Verdict)
	res := out.Results[out.Invocations[0].ID]
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
}

func TestParallelGroupResultsKeepDeclaredOrder(t *testing.T) {
	r := tool.NewRegistry(5 * time.Second)
	// The earlier invocation sleeps so it finishes last; results must
	// still come back in declared order.
	require.NoError(t, r.Register(tool.Definition{
		Name:        "slow",
		Description: "slow parallel tool",
		Parallel:    true,
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow done", nil
		},
	}))
	require.NoError(t, r.Register(tool.Definition{
		Name:        "quick",
		Description: "quick parallel tool",
		Parallel:    true,
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return "quick done", nil
		},
	}))
	p := New(r, zerolog.Nop())
	sink := &memorySink{}

	out, err := p.Process(context.Background(), &llm.Completion{
		Content: `<tool name="slow" /><tool name="quick" />`,
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, VerdictContinue, out.Verdict)

	require.Len(t, sink.appended, 3)
	first, err := thread.DecodeToolResultPayload(sink.appended[1].Content)
	require.NoError(t, err)
	second, err := thread.DecodeToolResultPayload(sink.appended[2].Content)
	require.NoError(t, err)
	assert.Equal(t, "slow done", first.Output)
	assert.Equal(t, "quick done", second.Output)
}

func TestGroupInvocationsSplitsOnSequentialTool(t *testing.T) {
	p := newTestProcessor(t)
	r := p.registry
	require.NoError(t, r.Register(tool.Definition{
		Name:        "par",
		Description: "parallel-capable",
		Parallel:    true,
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return nil, nil
		},
	}))

	groups := p.groupInvocations([]Invocation{
		{ID: "1", Name: "par"},
		{ID: "2", Name: "par"},
		{ID: "3", Name: "echo"},
		{ID: "4", Name: "par"},
	})
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
	assert.Equal(t, "echo", groups[1][0].Name)
	assert.Len(t, groups[2], 1)
}

func TestStreamSessionEmitsLiveProse(t *testing.T) {
	p := newTestProcessor(t)
	sink := &memorySink{}
	session := p.NewStreamSession(sink)
	handler := session.TextHandler(context.Background())

	require.NoError(t, handler("Working on it. "))
	require.NoError(t, handler(`<tool name="echo" te`))
	require.NoError(t, handler(`xt="streamed" /> Done.`))

	out, err := session.Finish(context.Background(), &llm.Completion{})
	require.NoError(t, err)

	assert.Equal(t, VerdictContinue, out.Verdict)
	assert.Equal(t, "Working on it.  Done.", joinDeltas(sink.deltas))

	payload, err := thread.DecodeAssistantPayload(sink.appended[0].Content)
	require.NoError(t, err)
	assert.Equal(t, "Working on it.  Done.", payload.Text)
	require.Len(t, payload.ToolCalls, 1)
	assert.Equal(t, "echo", payload.ToolCalls[0].Name)

	res := out.Results[out.Invocations[0].ID]
	assert.True(t, res.Success)
	assert.Equal(t, "streamed", res.Output)
}

func TestStreamSessionFlushesTrailingPartialTag(t *testing.T) {
	p := newTestProcessor(t)
	sink := &memorySink{}
	session := p.NewStreamSession(sink)
	handler := session.TextHandler(context.Background())

	require.NoError(t, handler(`prose <tool name="never_closed"`))

	out, err := session.Finish(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, VerdictStopNatural, out.Verdict)
	assert.Equal(t, `prose <tool name="never_closed"`, joinDeltas(sink.deltas))
}

func joinDeltas(deltas []string) string {
	var out string
	for _, d := range deltas {
		out += d
	}
	return out
}
