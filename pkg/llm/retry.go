package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/loom/internal/observability"
)

// RetryingClient wraps a Client with exponential-backoff retry on transient
// provider errors. Permanent errors fail immediately.
type RetryingClient struct {
	inner      Client
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// NewRetryingClient wraps inner with up to maxRetries attempts.
func NewRetryingClient(inner Client, maxRetries int, logger zerolog.Logger) *RetryingClient {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryingClient{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
		logger:     logger,
	}
}

// Provider returns the wrapped provider name.
func (r *RetryingClient) Provider() string {
	return r.inner.Provider()
}

// Complete retries the one-shot call with exponential backoff.
func (r *RetryingClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	return r.withRetry(ctx, func() (*Completion, error) {
		return r.inner.Complete(ctx, req)
	}, func() bool { return true })
}

// Stream retries the streaming call, but only while nothing has been
// emitted yet: once a delta reached the caller, partial output must not be
// retracted, so the error escalates instead.
func (r *RetryingClient) Stream(ctx context.Context, req Request, onText TextHandler) (*Completion, error) {
	emitted := false
	wrapped := func(delta string) error {
		emitted = true
		if onText == nil {
			return nil
		}
		return onText(delta)
	}

	return r.withRetry(ctx, func() (*Completion, error) {
		return r.inner.Stream(ctx, req, wrapped)
	}, func() bool { return !emitted })
}

func (r *RetryingClient) withRetry(ctx context.Context, call func() (*Completion, error), mayRetry func() bool) (*Completion, error) {
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		completion, err := call()
		if err == nil {
			return completion, nil
		}

		lastErr = err

		if !IsRetryableError(err) || !mayRetry() {
			return nil, err
		}

		if attempt == r.maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s, ...
		delay := r.baseDelay * (1 << attempt)
		observability.RecordLLMRetry(r.inner.Provider())
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying LLM call after transient error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.maxRetries, lastErr)
}
