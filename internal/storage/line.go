package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kit "zambot/internal/transport"
)

// AddToLine inserts an approved post into the posting line, unscheduled.
func (s *Store) AddToLine(ctx context.Context, p Post) error {
	if p.ID == "" {
		return errors.New("post id is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	media, err := json.Marshal(orEmptyMedia(p.Media))
	if err != nil {
		return err
	}
	entities, err := json.Marshal(orEmptySpans(p.Entities))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts_line (id, tweet_id, text, media, entities, query, status, created_at)
		 VALUES (?,?,?,?,?,?,'scheduled',?)`,
		p.ID, p.TweetID, p.Text, string(media), string(entities), p.Query,
		p.CreatedAt.UnixMilli(),
	)
	return err
}

func orEmptyMedia(m []kit.MediaItem) []kit.MediaItem {
	if m == nil {
		return []kit.MediaItem{}
	}
	return m
}

func orEmptySpans(e []kit.EntitySpan) []kit.EntitySpan {
	if e == nil {
		return []kit.EntitySpan{}
	}
	return e
}

// LinePost loads one post from the line.
func (s *Store) LinePost(ctx context.Context, id string) (*Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tweet_id, text, media, entities, query, publish_at, status,
		        attempts, created_at
		 FROM posts_line WHERE id = ?`, id)
	return scanPost(row)
}

func scanPost(row rowScanner) (*Post, error) {
	var p Post
	var media, entities string
	var publishMS sql.NullInt64
	var createdMS int64
	err := row.Scan(&p.ID, &p.TweetID, &p.Text, &media, &entities, &p.Query,
		&publishMS, &p.Status, &p.Attempts, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(media), &p.Media); err != nil {
		return nil, fmt.Errorf("post %s: bad media json: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(entities), &p.Entities); err != nil {
		return nil, fmt.Errorf("post %s: bad entities json: %w", p.ID, err)
	}
	if publishMS.Valid {
		t := fromMilli(publishMS.Int64)
		p.PublishAt = &t
	}
	p.CreatedAt = fromMilli(createdMS)
	return &p, nil
}

// BookingsBetween returns committed slots (scheduled or publishing posts
// with an assigned timestamp) within [from, to), ordered by time.
func (s *Store) BookingsBetween(ctx context.Context, from, to time.Time) ([]Booking, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, publish_at FROM posts_line
		 WHERE status IN ('scheduled','publishing')
		   AND publish_at IS NOT NULL
		   AND publish_at >= ? AND publish_at < ?
		 ORDER BY publish_at ASC`,
		from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		var b Booking
		var ms int64
		if err := rows.Scan(&b.PostID, &ms); err != nil {
			return nil, err
		}
		b.At = fromMilli(ms)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ReserveSlot commits a publish timestamp for a post.
//
// The gap and capacity checks re-run inside one transaction against current
// bookings, so two concurrent reservations cannot both land in the same
// gap-violating slot: the loser gets ErrSlotConflict and retries its search.
// hourCapacity <= 0 skips the capacity check (manual placement).
func (s *Store) ReserveSlot(ctx context.Context, postID string, at time.Time, minGap time.Duration, hourCapacity int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM posts_line WHERE id = ?`, postID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != PostScheduled {
		return ErrNotFound
	}

	// Minimum spacing against any neighboring booking.
	var clash int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts_line
		 WHERE status IN ('scheduled','publishing')
		   AND publish_at IS NOT NULL
		   AND id != ?
		   AND publish_at > ? AND publish_at < ?`,
		postID,
		at.Add(-minGap).UnixMilli(), at.Add(minGap).UnixMilli(),
	).Scan(&clash)
	if err != nil {
		return err
	}
	if clash > 0 {
		return ErrSlotConflict
	}

	if hourCapacity > 0 {
		hourStart := at.Truncate(time.Hour)
		var used int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM posts_line
			 WHERE status IN ('scheduled','publishing')
			   AND publish_at IS NOT NULL
			   AND id != ?
			   AND publish_at >= ? AND publish_at < ?`,
			postID,
			hourStart.UnixMilli(), hourStart.Add(time.Hour).UnixMilli(),
		).Scan(&used)
		if err != nil {
			return err
		}
		if used >= hourCapacity {
			return ErrSlotConflict
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE posts_line SET publish_at = ?, retry_at = 0
		 WHERE id = ? AND status = 'scheduled'`,
		at.UnixMilli(), postID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DuePosts returns scheduled posts whose publish time has arrived and whose
// retry backoff (if any) has elapsed.
func (s *Store) DuePosts(ctx context.Context, now time.Time, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tweet_id, text, media, entities, query, publish_at, status,
		        attempts, created_at
		 FROM posts_line
		 WHERE status = 'scheduled'
		   AND publish_at IS NOT NULL AND publish_at <= ?
		   AND retry_at <= ?
		 ORDER BY publish_at ASC
		 LIMIT ?`,
		now.UnixMilli(), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkPublishing transitions scheduled -> publishing. Returns false when the
// post was concurrently cancelled or already picked up.
func (s *Store) MarkPublishing(ctx context.Context, postID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts_line SET status = 'publishing', publishing_at = ?
		 WHERE id = ? AND status = 'scheduled'`,
		now.UnixMilli(), postID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkPublished finalizes a publishing post and archives its
// PublishedRecord in the same transaction.
func (s *Store) MarkPublished(ctx context.Context, rec PublishedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE posts_line SET status = 'published'
		 WHERE id = ? AND status = 'publishing'`,
		rec.PostID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if rec.PublishedAt.IsZero() {
		rec.PublishedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO published (post_id, tweet_id, chat_id, message_id, published_at)
		 VALUES (?,?,?,?,?)`,
		rec.PostID, rec.TweetID, rec.ChatID, rec.MessageID, rec.PublishedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ConfirmPublished finalizes a publishing post whose archive row already
// exists. Used by stall recovery when the send went out before a crash.
func (s *Store) ConfirmPublished(ctx context.Context, postID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts_line SET status = 'published'
		 WHERE id = ? AND status = 'publishing'`,
		postID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeuePublishFailure reverts publishing -> scheduled with an incremented
// attempt counter and a retry delay. The item stays durably in the line.
func (s *Store) RequeuePublishFailure(ctx context.Context, postID string, retryAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts_line
		 SET status = 'scheduled', attempts = attempts + 1, retry_at = ?, publishing_at = NULL
		 WHERE id = ? AND status = 'publishing'`,
		retryAt.UnixMilli(), postID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelPost cancels a scheduled post. The conditional update fails
// harmlessly (returns false) if the publisher already moved it to
// publishing.
func (s *Store) CancelPost(ctx context.Context, postID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts_line SET status = 'cancelled'
		 WHERE id = ? AND status = 'scheduled'`,
		postID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StalledPublishing returns posts stuck in `publishing` since before the
// cutoff (e.g. a crash between the transition and the send acknowledgement).
func (s *Store) StalledPublishing(ctx context.Context, cutoff time.Time) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tweet_id, text, media, entities, query, publish_at, status,
		        attempts, created_at
		 FROM posts_line
		 WHERE status = 'publishing' AND publishing_at IS NOT NULL AND publishing_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// WasPublished checks the archive for external confirmation that a post
// already went out. Used before re-posting a stalled `publishing` item.
func (s *Store) WasPublished(ctx context.Context, postID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM published WHERE post_id = ?`, postID).Scan(&n)
	return n > 0, err
}

// ScheduledCount returns the number of posts waiting with a future publish
// time.
func (s *Store) ScheduledCount(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts_line
		 WHERE status = 'scheduled' AND publish_at IS NOT NULL AND publish_at > ?`,
		now.UnixMilli(),
	).Scan(&n)
	return n, err
}

// NextPublishAt returns the earliest upcoming publish time, or zero when
// nothing is scheduled.
func (s *Store) NextPublishAt(ctx context.Context, now time.Time) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(publish_at) FROM posts_line
		 WHERE status = 'scheduled' AND publish_at IS NOT NULL AND publish_at > ?`,
		now.UnixMilli(),
	).Scan(&ms)
	if err != nil {
		return time.Time{}, err
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMilli(ms.Int64), nil
}

// PruneLine deletes the oldest terminal line rows (published/cancelled)
// beyond keep.
func (s *Store) PruneLine(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM posts_line
		 WHERE status IN ('published','cancelled')
		   AND id IN (
		     SELECT id FROM posts_line
		     WHERE status IN ('published','cancelled')
		     ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		   )`,
		keep,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PrunePublished deletes the oldest archive rows beyond keep.
func (s *Store) PrunePublished(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM published
		 WHERE id IN (
		   SELECT id FROM published ORDER BY id DESC LIMIT -1 OFFSET ?
		 )`,
		keep,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
