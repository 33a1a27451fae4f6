package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetState records the conversational state for a chat. An empty state
// clears the row.
func (s *Store) SetState(ctx context.Context, chatID int64, state string) error {
	if state == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM states WHERE chat_id = ?`, chatID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO states (chat_id, state) VALUES (?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET state = excluded.state`,
		chatID, state,
	)
	return err
}

// GetState returns the stored state for a chat, or "" when none is set.
func (s *Store) GetState(ctx context.Context, chatID int64) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM states WHERE chat_id = ?`, chatID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return state, err
}

// LogError appends a row to the error journal.
func (s *Store) LogError(ctx context.Context, at time.Time, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (at, error) VALUES (?,?)`, at.UnixMilli(), msg)
	return err
}

// RecentErrors returns the newest journal entries, newest first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, error FROM errors ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var ms int64
		if err := rows.Scan(&ms, &e.Message); err != nil {
			return nil, err
		}
		e.At = fromMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneErrors trims the error journal to the newest keep rows.
func (s *Store) PruneErrors(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM errors WHERE id IN (
		   SELECT id FROM errors ORDER BY id DESC LIMIT -1 OFFSET ?
		 )`,
		keep,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddFeedback stores a user feedback message.
func (s *Store) AddFeedback(ctx context.Context, fb Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (user_name, chat_id, category, message, created_at)
		 VALUES (?,?,?,?,?)`,
		fb.Submitter, fb.ChatID, fb.Category, fb.Message, fb.CreatedAt.UnixMilli(),
	)
	return err
}
