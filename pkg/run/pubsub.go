package run

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/loom/internal/observability"
)

// Publish appends one fragment to the run's buffer and wakes local
// subscribers. The buffer insert commits before any notification goes out,
// so a subscriber woken by the notification always finds the fragment.
// Remote subscribers pick it up on their next poll.
func (c *Coordinator) Publish(ctx context.Context, runID, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal fragment payload: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM fragments WHERE run_id = ?
	`, runID).Scan(&seq); err != nil {
		return fmt.Errorf("allocate fragment seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fragments (run_id, seq, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, seq, eventType, string(raw), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("insert fragment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}

	observability.RecordFragmentPublished()
	c.wake(runID)
	return nil
}

// wake nudges every local subscriber of the run. Sends are coalesced; a
// subscriber with a pending wakeup needs no second one.
func (c *Coordinator) wake(runID string) {
	c.mu.Lock()
	chans := append([]chan struct{}(nil), c.notify[runID]...)
	c.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe attaches a reader to a run's fragment stream. The returned
// channel first replays the existing buffer, then delivers live fragments
// in publish order, each exactly once, and closes after the done fragment.
// Cancel the context to detach early.
func (c *Coordinator) Subscribe(ctx context.Context, runID string) (<-chan Fragment, error) {
	if _, err := c.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	wakeup := make(chan struct{}, 1)
	c.mu.Lock()
	c.notify[runID] = append(c.notify[runID], wakeup)
	c.mu.Unlock()

	out := make(chan Fragment, 16)
	observability.AddActiveSubscribers(1)

	go func() {
		defer func() {
			c.dropSubscriber(runID, wakeup)
			observability.AddActiveSubscribers(-1)
			close(out)
		}()

		// Polling covers fragments published by other instances, which
		// never hit the local wakeup channel.
		ticker := time.NewTicker(c.cfg.Instance.PollInterval)
		defer ticker.Stop()

		var cursor int64
		for {
			frags, err := c.fragmentsAfter(ctx, runID, cursor)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn().Err(err).Str("run_id", runID).Msg("subscriber read failed")
				}
				return
			}
			for _, f := range frags {
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
				cursor = f.Seq
				if f.EventType == EventDone {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-wakeup:
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (c *Coordinator) dropSubscriber(runID string, wakeup chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.notify[runID]
	for i, ch := range subs {
		if ch == wakeup {
			c.notify[runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(c.notify[runID]) == 0 {
		delete(c.notify, runID)
	}
}

func (c *Coordinator) fragmentsAfter(ctx context.Context, runID string, afterSeq int64) ([]Fragment, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, seq, event_type, payload, created_at
		FROM fragments WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
	`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var frags []Fragment
	for rows.Next() {
		var f Fragment
		var payload, createdAt string
		if err := rows.Scan(&f.RunID, &f.Seq, &f.EventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		f.Payload = json.RawMessage(payload)
		f.CreatedAt = parseTime(createdAt)
		frags = append(frags, f)
	}
	return frags, rows.Err()
}
