package capture

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"zambot/internal/eventbus"
	"zambot/internal/storage"
	"zambot/pkg/logx"
)

// Notifier delivers capture outcomes to submitters and reviewers. Delivery
// failures are logged and dropped; the queue state is already resolved.
type Notifier interface {
	ReviewReady(ctx context.Context, item storage.QueueItem, post storage.Post) error
	ItemFailed(ctx context.Context, item storage.QueueItem, reason string) error
	BatchComplete(ctx context.Context, items []storage.QueueItem) error
}

type Options struct {
	Workers                  int
	PollInterval             time.Duration
	RetryMax                 int
	RetryDelay               time.Duration
	IncludeReferenceSnapshot bool

	// StallAfter is how long an item may stay claimed before it is
	// treated as abandoned by a crashed worker and returned to the queue.
	StallAfter time.Duration
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 15 * time.Second
	}
	if o.StallAfter <= 0 {
		o.StallAfter = 10 * time.Minute
	}
}

// Loop drains the submission queue. It is safe to run as several workers
// against the same store; claim ownership is decided by the store's
// conditional update, never in memory.
type Loop struct {
	store    *storage.Store
	capturer Capturer
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	opts     Options
}

func NewLoop(store *storage.Store, capturer Capturer, notifier Notifier, bus eventbus.Bus, opts Options, log logx.Logger) *Loop {
	opts.normalize()
	return &Loop{
		store:    store,
		capturer: capturer,
		notifier: notifier,
		bus:      bus,
		log:      log.With(logx.String("svc", "capture")),
		opts:     opts,
	}
}

func (l *Loop) Workers() int { return l.opts.Workers }

// Run polls and processes items until ctx is cancelled. One claimed item is
// always carried to a resolution before the shutdown check.
func (l *Loop) Run(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		l.releaseStalled(ctx)
		l.drain(ctx, workerID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// releaseStalled returns claims abandoned by a crashed worker to the queue.
// Running it from every worker is harmless; the store updates are
// conditional.
func (l *Loop) releaseStalled(ctx context.Context) {
	released, failed, err := l.store.ReleaseStalledClaims(ctx, time.Now().Add(-l.opts.StallAfter), l.opts.RetryMax)
	if err != nil {
		l.log.Error("stalled claim sweep failed", logx.Err(err))
		return
	}
	if released+failed > 0 {
		l.log.Warn("recovered stalled claims",
			logx.Int64("released", released), logx.Int64("failed", failed))
	}
}

func (l *Loop) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		item, err := l.store.ClaimNext(ctx, workerID)
		if err != nil {
			l.log.Error("claim failed", logx.String("worker", workerID), logx.Err(err))
			return
		}
		if item == nil {
			return
		}
		l.process(ctx, workerID, item)
	}
}

func (l *Loop) process(ctx context.Context, workerID string, item *storage.QueueItem) {
	log := l.log.With(
		logx.String("worker", workerID),
		logx.Int64("item", item.ID),
		logx.String("tweet", item.TweetID))

	res, err := l.capturer.Capture(ctx, Request{
		URL:                      item.TweetURL,
		TweetID:                  item.TweetID,
		IncludeReferenceSnapshot: l.opts.IncludeReferenceSnapshot,
	})
	if err != nil {
		l.resolveFailure(ctx, log, item, err)
		l.finishBatch(ctx, item.BatchID)
		return
	}

	post := storage.Post{
		ID:       uuid.NewString(),
		TweetID:  item.TweetID,
		Text:     res.Text,
		Media:    res.Media,
		Entities: res.Entities,
		Query:    res.Query,
	}
	if err := l.store.AddToLine(ctx, post); err != nil {
		// Store trouble. Requeue so another cycle redoes the capture
		// rather than leaving the item claimed forever.
		log.Error("persist post failed", logx.Err(err))
		l.resolveFailure(ctx, log, item, err)
		return
	}
	if err := l.store.ResolveCompleted(ctx, item.ID, res.OCRAuthor, res.OCRText); err != nil {
		// The row stays claimed until the stalled-claim sweep releases it.
		log.Error("resolve completed failed", logx.Err(err))
		return
	}
	item.Status = storage.QueueCompleted
	item.OCRAuthor = res.OCRAuthor
	item.OCRText = res.OCRText
	log.Info("capture completed", logx.Int("media", len(res.Media)))
	l.bus.Publish(eventbus.Event{Type: "queue.completed", Data: item.ID})

	if err := l.notifier.ReviewReady(ctx, *item, post); err != nil {
		log.Warn("review notice failed", logx.Err(err))
	}
	l.finishBatch(ctx, item.BatchID)
}

func (l *Loop) resolveFailure(ctx context.Context, log logx.Logger, item *storage.QueueItem, capErr error) {
	retryable := !IsFatal(capErr) && !errors.Is(capErr, context.Canceled)
	delay := l.opts.RetryDelay
	var ra RetryAfterError
	if errors.As(capErr, &ra) {
		delay = ra.RetryAfter()
	}

	terminal, err := l.store.ResolveFailed(ctx, item.ID, capErr.Error(), retryable, l.opts.RetryMax, delay)
	if err != nil {
		// The row stays claimed; the stalled-claim sweep returns it to
		// the queue.
		log.Error("resolve failed", logx.Err(err))
		return
	}
	if !terminal {
		log.Warn("capture retry scheduled",
			logx.Int("attempt", item.Attempts),
			logx.Duration("delay", delay),
			logx.Err(capErr))
		return
	}

	log.Warn("capture failed terminally", logx.Err(capErr))
	if err := l.store.LogError(ctx, time.Now(), "capture "+item.TweetURL+": "+capErr.Error()); err != nil {
		log.Warn("error journal write failed", logx.Err(err))
	}
	l.bus.Publish(eventbus.Event{Type: "queue.failed", Data: item.ID})
	if err := l.notifier.ItemFailed(ctx, *item, capErr.Error()); err != nil {
		log.Warn("failure notice failed", logx.Err(err))
	}
}

// finishBatch sends the batch completion notice after the last item of a
// batch resolves. The notified flag is claimed with a conditional update so
// concurrent workers finishing sibling items send it exactly once.
func (l *Loop) finishBatch(ctx context.Context, batchID string) {
	if batchID == "" {
		return
	}
	done, err := l.store.BatchDone(ctx, batchID)
	if err != nil || !done {
		if err != nil {
			l.log.Error("batch check failed", logx.String("batch", batchID), logx.Err(err))
		}
		return
	}
	claimed, err := l.store.ClaimBatchNotice(ctx, batchID)
	if err != nil {
		l.log.Error("batch notice claim failed", logx.String("batch", batchID), logx.Err(err))
		return
	}
	if !claimed {
		return
	}
	items, err := l.store.BatchItems(ctx, batchID)
	if err != nil {
		l.log.Error("batch load failed", logx.String("batch", batchID), logx.Err(err))
		return
	}
	l.bus.Publish(eventbus.Event{Type: "queue.batch_done", Data: batchID})
	if err := l.notifier.BatchComplete(ctx, items); err != nil {
		l.log.Warn("batch notice failed", logx.String("batch", batchID), logx.Err(err))
	}
}
