// Package submit is the entry gate for tweet submissions: it validates
// references, enforces the per-user rolling-hour limit, assigns priority
// from the origin class and enqueues the work, one batch per submission.
package submit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"zambot/internal/storage"
	"zambot/pkg/logx"
)

// ValidationError rejects a malformed or unsupported reference. Not
// retryable.
type ValidationError struct {
	Ref    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid tweet reference %q: %s", e.Ref, e.Reason)
}

// DuplicateError rejects a reference that is already pending or processing.
type DuplicateError struct {
	TweetID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("tweet %s is already in the queue", e.TweetID)
}

// RateLimitError rejects a submission over the rolling-hour limit. Wait is
// how long until the oldest counted submission ages out of the window.
type RateLimitError struct {
	Limit int
	Wait  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("submission limit of %d per hour reached, retry in %s",
		e.Limit, e.Wait.Round(time.Second))
}

// Request is one user submission. Refs holds the primary tweet URL first,
// followed by any quoted references that should be captured alongside it.
type Request struct {
	Refs      []string
	Submitter string
	ChatID    int64
	Origin    string // storage.OriginAdmin or storage.OriginSuggestion
}

// Queued describes one enqueued item of the batch.
type Queued struct {
	ItemID   int64
	TweetID  string
	Position int
}

// Result is the accepted submission: the shared batch id and the enqueued
// items in request order.
type Result struct {
	BatchID string
	Items   []Queued
}

type Gate struct {
	store *storage.Store
	log   logx.Logger

	// hourlyLimit applies to non-admin submitters. 0 means unlimited.
	// Atomic so config hot-reload can adjust it under live traffic.
	hourlyLimit atomic.Int64
}

func NewGate(store *storage.Store, limit int, log logx.Logger) *Gate {
	g := &Gate{store: store, log: log.With(logx.String("svc", "submit"))}
	g.hourlyLimit.Store(int64(limit))
	return g
}

func (g *Gate) SetHourlyLimit(limit int) { g.hourlyLimit.Store(int64(limit)) }

// Submit validates and enqueues a submission. All refs of the request share
// one batch id so the submitter gets a single completion notice. Validation
// runs over every ref before anything is persisted, so a bad quoted ref
// rejects the whole request.
func (g *Gate) Submit(ctx context.Context, req Request) (*Result, error) {
	if len(req.Refs) == 0 {
		return nil, &ValidationError{Reason: "empty submission"}
	}

	refs := make([]Ref, 0, len(req.Refs))
	seen := make(map[string]bool, len(req.Refs))
	for _, raw := range req.Refs {
		ref, err := ParseRef(raw)
		if err != nil {
			return nil, err
		}
		// The same tweet pasted twice collapses to one item.
		if seen[ref.TweetID] {
			continue
		}
		seen[ref.TweetID] = true
		refs = append(refs, ref)
	}

	for _, ref := range refs {
		inflight, err := g.store.InFlight(ctx, ref.TweetID)
		if err != nil {
			return nil, err
		}
		if inflight {
			return nil, &DuplicateError{TweetID: ref.TweetID}
		}
	}

	if limit := int(g.hourlyLimit.Load()); req.Origin != storage.OriginAdmin && limit > 0 {
		if err := g.checkLimit(ctx, req.Submitter, limit); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	batchID := uuid.NewString()
	res := &Result{BatchID: batchID}
	for _, ref := range refs {
		id, err := g.store.Enqueue(ctx, storage.QueueItem{
			TweetURL:   ref.URL,
			TweetID:    ref.TweetID,
			Submitter:  req.Submitter,
			ChatID:     req.ChatID,
			Origin:     req.Origin,
			Priority:   storage.OriginPriority(req.Origin),
			AddedAt:    now,
			BatchID:    batchID,
			BatchTotal: len(refs),
		})
		if err != nil {
			return nil, err
		}
		pos, err := g.store.QueuePosition(ctx, id)
		if err != nil {
			return nil, err
		}
		res.Items = append(res.Items, Queued{ItemID: id, TweetID: ref.TweetID, Position: pos})
	}

	g.log.Info("submission accepted",
		logx.String("batch", batchID),
		logx.String("submitter", req.Submitter),
		logx.String("origin", req.Origin),
		logx.Int("items", len(refs)))
	return res, nil
}

func (g *Gate) checkLimit(ctx context.Context, submitter string, limit int) error {
	now := time.Now()
	count, oldest, err := g.store.SubmitterWindow(ctx, submitter, now.Add(-time.Hour))
	if err != nil {
		return err
	}
	if count < limit {
		return nil
	}
	wait := oldest.Add(time.Hour).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return &RateLimitError{Limit: limit, Wait: wait}
}
