package processor

import (
	"context"
	"strings"

	"github.com/harun/loom/pkg/llm"
)

// StreamSession processes one streamed completion. Deltas flow through the
// tag parser so prose reaches subscribers live while tagged invocations are
// collected; execution is deferred until the stream ends.
type StreamSession struct {
	p      *Processor
	sink   Sink
	parser *TagParser
	prose  strings.Builder
	invs   []Invocation
}

// NewStreamSession creates a session writing to sink.
func (p *Processor) NewStreamSession(sink Sink) *StreamSession {
	return &StreamSession{
		p:      p,
		sink:   sink,
		parser: NewTagParser(),
	}
}

// TextHandler returns the delta callback to pass to llm.Client.Stream.
func (s *StreamSession) TextHandler(ctx context.Context) llm.TextHandler {
	return func(delta string) error {
		text, invs := s.parser.Feed(delta)
		s.invs = append(s.invs, invs...)
		if text == "" {
			return nil
		}
		s.prose.WriteString(text)
		return s.sink.Delta(ctx, text)
	}
}

// Finish completes the session once the stream has ended: it flushes the
// parser, merges structured tool calls from the final completion, persists
// the assistant message, and dispatches every invocation.
func (s *StreamSession) Finish(ctx context.Context, completion *llm.Completion) (*Outcome, error) {
	tail, more := s.parser.Flush()
	s.invs = append(s.invs, more...)
	if tail != "" {
		s.prose.WriteString(tail)
		if err := s.sink.Delta(ctx, tail); err != nil {
			return nil, err
		}
	}

	if completion != nil {
		for _, tc := range completion.ToolCalls {
			s.invs = append(s.invs, FromToolCall(tc))
		}
	}
	return s.p.finish(ctx, s.prose.String(), s.invs, s.sink)
}
