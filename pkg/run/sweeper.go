package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/loom/internal/observability"
)

// sweep is the cron entrypoint: expired claims first, so their runs become
// terminal before the retention pass considers them.
func (c *Coordinator) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.sweepExpiredClaims(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("expired claim sweep failed")
	}
	if err := c.sweepExpiredBuffers(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("buffer retention sweep failed")
	}
}

// sweepExpiredClaims fails every running run whose claim TTL lapsed. The
// owning instance stopped heartbeating, so it is presumed dead; failing
// the run unblocks the thread for a fresh start.
func (c *Coordinator) sweepExpiredClaims(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE status = ? AND claim_expires_at IS NOT NULL
		  AND datetime(claim_expires_at) < datetime(?)
	`, string(StatusRunning), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("list expired claims: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		err := c.Finish(ctx, id, StatusFailed, "claim expired: owning instance presumed dead")
		if err != nil && !errors.Is(err, ErrRunNotRunning) {
			c.logger.Warn().Err(err).Str("run_id", id).Msg("failing expired run")
			continue
		}
		observability.RecordRunReclaimed("claim-expired")
		c.logger.Warn().Str("run_id", id).Msg("reclaimed run with expired claim")
	}
	return nil
}

// sweepExpiredBuffers deletes terminal runs past the retention window,
// along with their fragment buffers and signals. The window gives slow
// subscribers time to finish draining.
func (c *Coordinator) sweepExpiredBuffers(ctx context.Context) error {
	cutoff := formatTime(time.Now().UTC().Add(-c.cfg.Instance.RetentionWindow))

	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE status != ? AND ended_at IS NOT NULL
		  AND datetime(ended_at) < datetime(?)
	`, string(StatusRunning), cutoff)
	if err != nil {
		return fmt.Errorf("list expired runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expiry tx: %w", err)
		}
		for _, stmt := range []string{
			`DELETE FROM fragments WHERE run_id = ?`,
			`DELETE FROM run_signals WHERE run_id = ?`,
			`DELETE FROM runs WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("expire run %s: %w", id, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit expiry: %w", err)
		}
	}

	if len(ids) > 0 {
		observability.RecordExpiredBufferSweep(len(ids))
		c.logger.Info().Int("count", len(ids)).Msg("expired run buffers swept")
	}
	return nil
}
