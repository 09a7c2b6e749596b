package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/loom/internal/config"
	"github.com/harun/loom/internal/observability"
)

// Coordinator owns run lifecycle state for one server instance. All
// instances share the same database, which acts as registry, fragment
// buffer, and signal channel; in-process notification channels cut the
// latency for subscribers attached to the owning instance.
type Coordinator struct {
	db         *sql.DB
	cfg        *config.Config
	instanceID string
	logger     zerolog.Logger
	cron       *cron.Cron

	mu     sync.Mutex
	notify map[string][]chan struct{}
	claims map[string]context.CancelFunc
}

// NewCoordinator creates a coordinator for this instance. Call Start to
// begin background sweeps and Close on shutdown.
func NewCoordinator(db *sql.DB, cfg *config.Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:         db,
		cfg:        cfg,
		instanceID: cfg.Instance.ID,
		logger:     logger.With().Str("component", "coordinator").Str("instance_id", cfg.Instance.ID).Logger(),
		notify:     map[string][]chan struct{}{},
		claims:     map[string]context.CancelFunc{},
	}
}

// Start launches the periodic sweeps for expired claims and expired
// fragment buffers.
func (c *Coordinator) Start() error {
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.cfg.Instance.SweepSchedule, c.sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.cron.Start()
	c.logger.Info().Str("schedule", c.cfg.Instance.SweepSchedule).Msg("coordinator started")
	return nil
}

// Close stops the sweeps and reclaims every run this instance still owns,
// so a graceful shutdown never leaves a run stuck in running.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	return c.ReclaimInstance(ctx)
}

// Claim atomically registers a new running run for the thread, owned by
// this instance with a refreshing TTL. Returns ErrRunActive when the
// thread already has a running run, on any instance.
func (c *Coordinator) Claim(ctx context.Context, threadID string) (*Run, error) {
	now := time.Now().UTC()
	r := &Run{
		ID:             NewRunID(),
		ThreadID:       threadID,
		Status:         StatusRunning,
		InstanceID:     c.instanceID,
		ClaimExpiresAt: now.Add(c.cfg.Instance.ClaimTTL),
		StartedAt:      now,
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO runs (id, thread_id, status, instance_id, claim_expires_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.ThreadID, string(r.Status), r.InstanceID,
		formatTime(r.ClaimExpiresAt), formatTime(r.StartedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			observability.RecordClaimConflict()
			return nil, ErrRunActive
		}
		return nil, fmt.Errorf("claim run: %w", err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.claims[r.ID] = cancel
	active := len(c.claims)
	c.mu.Unlock()
	observability.SetActiveRuns(active)
	go c.heartbeat(hbCtx, r.ID)

	c.logger.Info().Str("run_id", r.ID).Str("thread_id", threadID).Msg("run claimed")
	return r, nil
}

// heartbeat refreshes the claim TTL until the run leaves running or the
// claim is released.
func (c *Coordinator) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(c.cfg.Instance.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := c.db.ExecContext(ctx, `
			UPDATE runs SET claim_expires_at = ?
			WHERE id = ? AND instance_id = ? AND status = ?
		`, formatTime(time.Now().UTC().Add(c.cfg.Instance.ClaimTTL)),
			runID, c.instanceID, string(StatusRunning))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Str("run_id", runID).Msg("heartbeat failed")
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return
		}
	}
}

// GetRun loads a run by id.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, thread_id, status, instance_id, claim_expires_at, error, started_at, ended_at
		FROM runs WHERE id = ?
	`, runID)

	var r Run
	var status string
	var claimExpires, errDetail, endedAt sql.NullString
	var startedAt string
	if err := row.Scan(&r.ID, &r.ThreadID, &status, &r.InstanceID, &claimExpires, &errDetail, &startedAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("load run: %w", err)
	}
	r.Status = Status(status)
	r.Error = errDetail.String
	r.StartedAt = parseTime(startedAt)
	r.ClaimExpiresAt = parseTime(claimExpires.String)
	r.EndedAt = parseTime(endedAt.String)
	return &r, nil
}

// Finish transitions the run to a terminal status, releases the claim, and
// publishes the final done fragment. Exactly one caller wins; later calls
// get ErrRunNotRunning.
func (c *Coordinator) Finish(ctx context.Context, runID string, status Status, errDetail string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, ended_at = ?, claim_expires_at = NULL
		WHERE id = ? AND status = ?
	`, string(status), nullIfEmpty(errDetail), formatTime(time.Now().UTC()),
		runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := c.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return ErrRunNotRunning
	}

	c.releaseClaim(runID)

	if err := c.Publish(ctx, runID, EventDone, DonePayload{Status: status, Error: errDetail}); err != nil {
		c.logger.Warn().Err(err).Str("run_id", runID).Msg("publish done fragment failed")
	}
	c.logger.Info().Str("run_id", runID).Str("status", string(status)).Msg("run finished")
	return nil
}

// Stop requests cancellation of a run. Idempotent: stopping a terminal or
// already-stopping run is a no-op. The owning instance observes the signal
// at its next iteration boundary, whichever instance received the request.
func (c *Coordinator) Stop(ctx context.Context, runID string) error {
	r, err := c.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return nil
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO run_signals (run_id, signal, created_at) VALUES (?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING
	`, runID, "stop", formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("record stop signal: %w", err)
	}
	c.logger.Info().Str("run_id", runID).Msg("stop requested")
	return nil
}

// StopRequested reports whether a stop signal exists for the run.
func (c *Coordinator) StopRequested(ctx context.Context, runID string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM run_signals WHERE run_id = ? AND signal = 'stop'
	`, runID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check stop signal: %w", err)
	}
	return n > 0, nil
}

// ReclaimInstance forces every run owned by this instance out of running.
// Called on shutdown; a crashed instance's runs are caught by the expired
// claim sweep instead.
func (c *Coordinator) ReclaimInstance(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM runs WHERE instance_id = ? AND status = ?
	`, c.instanceID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("list owned runs: %w", err)
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
		if err := c.Finish(ctx, id, StatusFailed, "instance shutdown"); err != nil && !errors.Is(err, ErrRunNotRunning) {
			c.logger.Warn().Err(err).Str("run_id", id).Msg("reclaim failed")
			continue
		}
		observability.RecordRunReclaimed("shutdown")
	}
	return nil
}

func (c *Coordinator) releaseClaim(runID string) {
	c.mu.Lock()
	if cancel, ok := c.claims[runID]; ok {
		cancel()
		delete(c.claims, runID)
	}
	active := len(c.claims)
	c.mu.Unlock()
	observability.SetActiveRuns(active)
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
