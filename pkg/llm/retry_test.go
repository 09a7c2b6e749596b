package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient scripts a sequence of results for retry testing.
type fakeClient struct {
	results []fakeResult
	calls   int
	deltas  []string
}

type fakeResult struct {
	completion *Completion
	err        error
}

func (f *fakeClient) Provider() string { return "fake" }

func (f *fakeClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	res := f.next()
	return res.completion, res.err
}

func (f *fakeClient) Stream(ctx context.Context, req Request, onText TextHandler) (*Completion, error) {
	res := f.next()
	for _, d := range f.deltas {
		if onText != nil {
			if err := onText(d); err != nil {
				return nil, err
			}
		}
	}
	return res.completion, res.err
}

func (f *fakeClient) next() fakeResult {
	if f.calls >= len(f.results) {
		return fakeResult{err: errors.New("unscripted call")}
	}
	res := f.results[f.calls]
	f.calls++
	return res
}

func newRetrying(inner *fakeClient, retries int) *RetryingClient {
	rc := NewRetryingClient(inner, retries, zerolog.Nop())
	rc.baseDelay = 0 // no sleeping in tests
	return rc
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	inner := &fakeClient{results: []fakeResult{
		{err: errors.New("429 rate limit")},
		{err: errors.New("503 service unavailable")},
		{completion: &Completion{Content: "ok"}},
	}}

	rc := newRetrying(inner, 3)
	completion, err := rc.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", completion.Content)
	assert.Equal(t, 3, inner.calls)
}

func TestCompleteFailsFastOnPermanentError(t *testing.T) {
	inner := &fakeClient{results: []fakeResult{
		{err: errors.New("401 invalid api key")},
	}}

	rc := newRetrying(inner, 3)
	_, err := rc.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestCompleteExhaustsRetries(t *testing.T) {
	inner := &fakeClient{results: []fakeResult{
		{err: errors.New("rate limit")},
		{err: errors.New("rate limit")},
		{err: errors.New("rate limit")},
	}}

	rc := newRetrying(inner, 3)
	_, err := rc.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
	assert.Equal(t, 3, inner.calls)
}

func TestStreamDoesNotRetryAfterEmission(t *testing.T) {
	// Deltas are emitted before the error on every call, so no retry may
	// happen: streamed output must never be retracted.
	inner := &fakeClient{
		deltas:  []string{"partial "},
		results: []fakeResult{{err: errors.New("503 mid-stream")}},
	}

	rc := newRetrying(inner, 3)
	var got string
	_, err := rc.Stream(context.Background(), Request{}, func(delta string) error {
		got += delta
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, "partial ", got)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"overloaded", errors.New("529 overloaded"), true},
		{"server error", errors.New("internal error: 500"), true},
		{"timeout", errors.New("request timeout"), true},
		{"auth", errors.New("401 unauthorized"), false},
		{"bad request", errors.New("400 invalid request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
