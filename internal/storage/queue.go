package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Enqueue persists a new pending queue item and returns its id.
func (s *Store) Enqueue(ctx context.Context, it QueueItem) (int64, error) {
	if it.AddedAt.IsZero() {
		it.AddedAt = time.Now()
	}
	if it.BatchTotal <= 0 {
		it.BatchTotal = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tweet_queue
		   (tweet_url, tweet_id, user_name, chat_id, origin, priority, status,
		    added_at, batch_id, batch_total)
		 VALUES (?,?,?,?,?,?,'pending',?,?,?)`,
		it.TweetURL, it.TweetID, it.Submitter, it.ChatID, it.Origin, it.Priority,
		it.AddedAt.UnixMilli(), it.BatchID, it.BatchTotal,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// QueuePosition returns the 1-indexed position of a pending item among
// pending items (higher priority first, FIFO within a priority).
func (s *Store) QueuePosition(ctx context.Context, id int64) (int, error) {
	var priority int
	var addedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT priority, added_at FROM tweet_queue WHERE id = ?`, id,
	).Scan(&priority, &addedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var ahead int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tweet_queue
		 WHERE status = 'pending'
		   AND (priority > ? OR (priority = ? AND added_at < ?))`,
		priority, priority, addedAt,
	).Scan(&ahead)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// ClaimNext atomically claims the highest-priority eligible pending item for
// workerID and returns it with status `processing` and its attempt counter
// already incremented. Returns (nil, nil) when the queue is empty.
//
// The claim is a conditional UPDATE guarded on status, so concurrent workers
// can never own the same item; a lost race reselects. A worker that crashes
// mid-capture leaves its row in `processing`; ReleaseStalledClaims returns
// such rows to the queue.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*QueueItem, error) {
	now := time.Now().UnixMilli()
	for {
		var id int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM tweet_queue
			 WHERE status = 'pending' AND next_attempt_at <= ?
			 ORDER BY priority DESC, added_at ASC
			 LIMIT 1`, now,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE tweet_queue
			 SET status = 'processing', worker = ?, attempts = attempts + 1, claimed_at = ?
			 WHERE id = ? AND status = 'pending'`,
			workerID, now, id,
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Another worker won; pick again.
			continue
		}
		return s.QueueItem(ctx, id)
	}
}

// QueueItem loads a single queue item by id.
func (s *Store) QueueItem(ctx context.Context, id int64) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tweet_url, tweet_id, user_name, chat_id, origin, priority,
		        status, attempts, added_at, processed_at, error,
		        batch_id, batch_total, ocr_author, ocr_text
		 FROM tweet_queue WHERE id = ?`, id)
	return scanQueueItem(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var it QueueItem
	var addedMS int64
	var processedMS sql.NullInt64
	var errText, ocrAuthor, ocrText sql.NullString
	err := row.Scan(
		&it.ID, &it.TweetURL, &it.TweetID, &it.Submitter, &it.ChatID,
		&it.Origin, &it.Priority, &it.Status, &it.Attempts, &addedMS,
		&processedMS, &errText, &it.BatchID, &it.BatchTotal,
		&ocrAuthor, &ocrText,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	it.AddedAt = fromMilli(addedMS)
	if processedMS.Valid {
		it.ProcessedAt = fromMilli(processedMS.Int64)
	}
	it.Error = errText.String
	it.OCRAuthor = ocrAuthor.String
	it.OCRText = ocrText.String
	return &it, nil
}

// ResolveCompleted marks a processing item completed and records the
// capture-derived annotations. The update is conditional on `processing` so
// a stale worker cannot overwrite a later resolution.
func (s *Store) ResolveCompleted(ctx context.Context, id int64, ocrAuthor, ocrText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tweet_queue
		 SET status = 'completed', processed_at = ?, ocr_author = ?, ocr_text = ?
		 WHERE id = ? AND status = 'processing'`,
		time.Now().UnixMilli(), nullStr(ocrAuthor), nullStr(ocrText), id,
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

// ResolveFailed records a failure for a processing item.
//
// A retryable failure puts the item back to `pending` with next_attempt_at
// pushed out by retryDelay, unless the attempt cap is reached, in which case
// the item terminates as `failed`. Returns whether the item is now terminal.
func (s *Store) ResolveFailed(ctx context.Context, id int64, reason string, retryable bool, attemptCap int, retryDelay time.Duration) (terminal bool, err error) {
	it, err := s.QueueItem(ctx, id)
	if err != nil {
		return false, err
	}
	if it.Status != QueueProcessing {
		return false, ErrNotFound
	}

	if retryable && it.Attempts < attemptCap {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tweet_queue
			 SET status = 'pending', next_attempt_at = ?, error = ?, worker = NULL
			 WHERE id = ? AND status = 'processing'`,
			time.Now().Add(retryDelay).UnixMilli(), reason, id,
		)
		return false, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tweet_queue
		 SET status = 'failed', processed_at = ?, error = ?
		 WHERE id = ? AND status = 'processing'`,
		time.Now().UnixMilli(), reason, id,
	)
	return true, err
}

// ReleaseStalledClaims recovers processing rows whose claim predates the
// cutoff, i.e. the owning worker crashed mid-capture. Rows with attempts
// left go back to `pending` and become claimable immediately; rows at the
// attempt cap terminate as `failed` so a poison item cannot cycle forever.
func (s *Store) ReleaseStalledClaims(ctx context.Context, cutoff time.Time, attemptCap int) (released, failed int64, err error) {
	nowMS := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tweet_queue
		 SET status = 'failed', processed_at = ?, error = 'capture abandoned by a crashed worker'
		 WHERE status = 'processing' AND claimed_at < ? AND attempts >= ?`,
		nowMS, cutoff.UnixMilli(), attemptCap,
	)
	if err != nil {
		return 0, 0, err
	}
	failed, err = res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE tweet_queue
		 SET status = 'pending', worker = NULL, next_attempt_at = ?
		 WHERE status = 'processing' AND claimed_at < ?`,
		nowMS, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, failed, err
	}
	released, err = res.RowsAffected()
	return released, failed, err
}

// InFlight reports whether a tweet is already pending or processing.
func (s *Store) InFlight(ctx context.Context, tweetID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tweet_queue
		 WHERE tweet_id = ? AND status IN ('pending','processing')`,
		tweetID,
	).Scan(&n)
	return n > 0, err
}

// SubmitterWindow returns the number of items a submitter enqueued since
// `since`, and the arrival time of the oldest of them (zero when none).
// This is the rolling rate-limit window.
func (s *Store) SubmitterWindow(ctx context.Context, submitter string, since time.Time) (int, time.Time, error) {
	var n int
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(added_at) FROM tweet_queue
		 WHERE user_name = ? AND added_at > ?`,
		submitter, since.UnixMilli(),
	).Scan(&n, &oldest)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !oldest.Valid {
		return n, time.Time{}, nil
	}
	return n, fromMilli(oldest.Int64), nil
}

// BatchItems returns all items of a batch, oldest first.
func (s *Store) BatchItems(ctx context.Context, batchID string) ([]QueueItem, error) {
	if batchID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tweet_url, tweet_id, user_name, chat_id, origin, priority,
		        status, attempts, added_at, processed_at, error,
		        batch_id, batch_total, ocr_author, ocr_text
		 FROM tweet_queue WHERE batch_id = ? ORDER BY added_at ASC, id ASC`,
		batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// BatchDone reports whether every item of the batch reached a terminal
// status.
func (s *Store) BatchDone(ctx context.Context, batchID string) (bool, error) {
	if batchID == "" {
		return true, nil
	}
	var open int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tweet_queue
		 WHERE batch_id = ? AND status IN ('pending','processing')`,
		batchID,
	).Scan(&open)
	return open == 0, err
}

// ClaimBatchNotice flips the batch's one-shot notified flag. Exactly one
// caller observes true per batch; everyone else gets false.
func (s *Store) ClaimBatchNotice(ctx context.Context, batchID string) (bool, error) {
	if batchID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tweet_queue SET batch_notified = 1
		 WHERE batch_id = ? AND batch_notified = 0`,
		batchID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PendingCount returns the number of pending queue items.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tweet_queue WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// ProcessingCount returns the number of items currently being captured.
func (s *Store) ProcessingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tweet_queue WHERE status = 'processing'`).Scan(&n)
	return n, err
}

// PruneQueue deletes the oldest terminal queue rows beyond keep. Pending and
// processing rows are never touched.
func (s *Store) PruneQueue(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tweet_queue
		 WHERE status IN ('completed','failed')
		   AND id IN (
		     SELECT id FROM tweet_queue
		     WHERE status IN ('completed','failed')
		     ORDER BY id DESC LIMIT -1 OFFSET ?
		   )`,
		keep,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
