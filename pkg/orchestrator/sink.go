package orchestrator

import (
	"context"

	"github.com/harun/loom/pkg/run"
	"github.com/harun/loom/pkg/thread"
)

// coordinatorSink routes processor output into the thread store and the
// run's fragment stream. Append persists first and publishes second, so a
// fragment is never visible before its message.
type coordinatorSink struct {
	store       *thread.Store
	coordinator *run.Coordinator
	threadID    string
	runID       string

	// streaming marks that assistant prose already went out as live
	// deltas; the full message is not re-published on append.
	streaming bool
}

func (s *coordinatorSink) Delta(ctx context.Context, text string) error {
	return s.coordinator.Publish(ctx, s.runID, run.EventAssistantFragment, map[string]string{"text": text})
}

func (s *coordinatorSink) Append(ctx context.Context, in thread.NewMessage) (thread.Message, error) {
	msg, err := s.store.Append(ctx, s.threadID, in)
	if err != nil {
		return thread.Message{}, err
	}

	switch msg.Type {
	case thread.TypeAssistant:
		if s.streaming {
			return msg, nil
		}
		payload, decodeErr := thread.DecodeAssistantPayload(msg.Content)
		if decodeErr != nil || payload.Text == "" {
			return msg, nil
		}
		err = s.coordinator.Publish(ctx, s.runID, run.EventAssistantFragment, map[string]string{"text": payload.Text})
	case thread.TypeTool:
		err = s.coordinator.Publish(ctx, s.runID, run.EventToolResult, msg)
	case thread.TypeStatus:
		err = s.coordinator.Publish(ctx, s.runID, run.EventStatus, msg)
	}
	if err != nil {
		return thread.Message{}, err
	}
	return msg, nil
}
