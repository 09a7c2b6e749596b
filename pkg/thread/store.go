package thread

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ErrThreadNotFound is returned when a thread id has no row.
var ErrThreadNotFound = errors.New("thread not found")

// Store persists threads and messages in the shared SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a message store over an opened state database.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateThread creates a thread. Visibility defaults to private.
func (s *Store) CreateThread(ctx context.Context, projectID, visibility string) (Thread, error) {
	if visibility == "" {
		visibility = "private"
	}

	th := Thread{
		ID:         "th_" + gonanoid.Must(16),
		ProjectID:  projectID,
		Visibility: visibility,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, project_id, visibility, created_at)
		VALUES (?, ?, ?, ?)
	`, th.ID, th.ProjectID, th.Visibility, th.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}

	s.logger.Debug().Str("thread_id", th.ID).Msg("Thread created")
	return th, nil
}

// GetThread loads a thread by id.
func (s *Store) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var th Thread
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, visibility, created_at FROM threads WHERE id = ?
	`, threadID).Scan(&th.ID, &th.ProjectID, &th.Visibility, &createdAt)
	if err == sql.ErrNoRows {
		return Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("load thread: %w", err)
	}
	th.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return th, nil
}

// Append persists a message at the next sequence position. The sequence is
// allocated inside the insert transaction, so concurrent appends on the same
// thread serialize and the sequence stays gap-free.
func (s *Store) Append(ctx context.Context, threadID string, in NewMessage) (Message, error) {
	msg := Message{
		ID:           NewMessageID(),
		ThreadID:     threadID,
		Type:         in.Type,
		Content:      in.Content,
		InvocationID: in.InvocationID,
		SpanStart:    in.SpanStart,
		SpanEnd:      in.SpanEnd,
		CreatedAt:    time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
		return Message{}, fmt.Errorf("check thread: %w", err)
	}
	if exists == 0 {
		return Message{}, ErrThreadNotFound
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = ?
	`, threadID).Scan(&msg.Seq); err != nil {
		return Message{}, fmt.Errorf("allocate seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, seq, type, content, invocation_id, span_start, span_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, threadID, msg.Seq, string(msg.Type), msg.Content,
		nullIfEmpty(msg.InvocationID), nullIfZero(msg.SpanStart), nullIfZero(msg.SpanEnd),
		msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}

	return msg, nil
}

// ListRaw returns every message in sequence order, with no substitution.
// Used for audit and display.
func (s *Store) ListRaw(ctx context.Context, threadID string) ([]Message, error) {
	return s.list(ctx, threadID)
}

// ListForCompletion returns the LLM-facing view: messages in sequence order
// with each summarized span replaced by its summary message, and status
// messages excluded. Original messages are retained in storage; the
// substitution happens here at read time.
func (s *Store) ListForCompletion(ctx context.Context, threadID string) ([]Message, error) {
	all, err := s.list(ctx, threadID)
	if err != nil {
		return nil, err
	}

	type span struct{ start, end int64 }
	var covered []span
	for _, m := range all {
		if m.Type == TypeSummary && m.SpanEnd > 0 {
			covered = append(covered, span{m.SpanStart, m.SpanEnd})
		}
	}

	out := make([]Message, 0, len(all))
	for _, m := range all {
		if m.Type == TypeStatus {
			continue
		}
		if m.Type != TypeSummary {
			replaced := false
			for _, sp := range covered {
				if m.Seq >= sp.start && m.Seq <= sp.end {
					replaced = true
					break
				}
			}
			if replaced {
				continue
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// LastSummary returns the highest-sequence summary message, or nil.
func (s *Store) LastSummary(ctx context.Context, threadID string) (*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, seq, type, content, invocation_id, span_start, span_end, created_at
		FROM messages WHERE thread_id = ? AND type = 'summary'
		ORDER BY seq DESC LIMIT 1
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("load last summary: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	msg, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MessagesAfter returns messages with seq > afterSeq, in order.
func (s *Store) MessagesAfter(ctx context.Context, threadID string, afterSeq int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, seq, type, content, invocation_id, span_start, span_end, created_at
		FROM messages WHERE thread_id = ? AND seq > ?
		ORDER BY seq ASC
	`, threadID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list messages after seq: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Store) list(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, seq, type, content, invocation_id, span_start, span_end, created_at
		FROM messages WHERE thread_id = ?
		ORDER BY seq ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var typ, createdAt string
	var invocationID sql.NullString
	var spanStart, spanEnd sql.NullInt64
	if err := rows.Scan(&m.ID, &m.ThreadID, &m.Seq, &typ, &m.Content, &invocationID, &spanStart, &spanEnd, &createdAt); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Type = MessageType(typ)
	m.InvocationID = invocationID.String
	m.SpanStart = spanStart.Int64
	m.SpanEnd = spanEnd.Int64
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return m, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
