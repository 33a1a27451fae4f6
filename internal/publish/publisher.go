// Package publish drains due scheduled posts to the destination channel.
// Every state transition is a conditional store update, so a cancelled or
// concurrently-handled post is skipped instead of double-posted.
package publish

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"zambot/internal/eventbus"
	"zambot/internal/storage"
	kit "zambot/internal/transport"
	"zambot/pkg/logx"
)

// parkDelay shelves a post after its retries are spent. It stays scheduled
// and visible for manual intervention instead of being dropped.
const parkDelay = 24 * time.Hour

// archiveAttempts bounds the inline retries of the archive write after a
// successful send. The write is a local sqlite transaction, so a failure is
// almost always transient lock contention.
const archiveAttempts = 4

type Options struct {
	Channel      kit.ChatTarget
	PollInterval time.Duration
	RetryMax     int
	RetryDelay   time.Duration

	// StallAfter is how long a post may sit in `publishing` before it is
	// treated as a crash leftover and recovered.
	StallAfter time.Duration
}

func (o *Options) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Minute
	}
	if o.StallAfter <= 0 {
		o.StallAfter = 5 * time.Minute
	}
}

type Loop struct {
	store   *storage.Store
	adapter kit.Adapter
	bus     eventbus.Bus
	log     logx.Logger
	opts    Options

	// Telegram allows roughly one message per second per chat.
	limiter *rate.Limiter

	// Delivered posts whose archive write has not landed yet. The stall
	// sweep retries the write for these instead of re-queueing them, so a
	// post the channel already saw is never sent twice.
	mu         sync.Mutex
	unarchived map[string]storage.PublishedRecord

	archive func(ctx context.Context, rec storage.PublishedRecord) error
}

func NewLoop(store *storage.Store, adapter kit.Adapter, bus eventbus.Bus, opts Options, log logx.Logger) *Loop {
	opts.normalize()
	return &Loop{
		store:      store,
		adapter:    adapter,
		bus:        bus,
		log:        log.With(logx.String("svc", "publish")),
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
		unarchived: map[string]storage.PublishedRecord{},
		archive:    store.MarkPublished,
	}
}

// Run polls for due posts until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			l.recoverStalled(ctx, now)
			l.publishDue(ctx, now)
		}
	}
}

// recoverStalled handles posts stuck in `publishing` by a crash between the
// transition and the send acknowledgement. Posts held back by a failed
// archive write are finalized by retrying the write; for the rest the
// published archive decides whether the send actually went out, and only
// unconfirmed posts are re-queued, so a restart never double-posts.
func (l *Loop) recoverStalled(ctx context.Context, now time.Time) {
	stalled, err := l.store.StalledPublishing(ctx, now.Add(-l.opts.StallAfter))
	if err != nil {
		l.log.Error("stall scan failed", logx.Err(err))
		return
	}
	for _, p := range stalled {
		l.mu.Lock()
		rec, held := l.unarchived[p.ID]
		l.mu.Unlock()
		if held {
			if err := l.archive(ctx, rec); err != nil {
				l.log.Error("held archive write still failing", logx.String("post", p.ID), logx.Err(err))
				continue
			}
			l.mu.Lock()
			delete(l.unarchived, p.ID)
			l.mu.Unlock()
			l.log.Warn("archived held post", logx.String("post", p.ID))
			continue
		}
		confirmed, err := l.store.WasPublished(ctx, p.ID)
		if err != nil {
			l.log.Error("stall archive check failed", logx.String("post", p.ID), logx.Err(err))
			continue
		}
		if confirmed {
			if err := l.store.ConfirmPublished(ctx, p.ID); err != nil {
				l.log.Error("stall confirm failed", logx.String("post", p.ID), logx.Err(err))
			} else {
				l.log.Warn("recovered already-sent post", logx.String("post", p.ID))
			}
			continue
		}
		if err := l.store.RequeuePublishFailure(ctx, p.ID, now); err != nil {
			l.log.Error("stall requeue failed", logx.String("post", p.ID), logx.Err(err))
			continue
		}
		l.log.Warn("requeued stalled post", logx.String("post", p.ID))
	}
}

func (l *Loop) publishDue(ctx context.Context, now time.Time) {
	due, err := l.store.DuePosts(ctx, now, 10)
	if err != nil {
		l.log.Error("due scan failed", logx.Err(err))
		return
	}
	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		l.publishOne(ctx, p, now)
	}
}

func (l *Loop) publishOne(ctx context.Context, p storage.Post, now time.Time) {
	log := l.log.With(logx.String("post", p.ID), logx.String("tweet", p.TweetID))

	ok, err := l.store.MarkPublishing(ctx, p.ID, now)
	if err != nil {
		log.Error("mark publishing failed", logx.Err(err))
		return
	}
	if !ok {
		// Cancelled or picked up elsewhere since the due scan.
		return
	}

	if err := l.limiter.Wait(ctx); err != nil {
		// Shutdown mid-cycle. The stall sweep recovers the post.
		return
	}

	ref, sendErr := l.send(ctx, p)
	if sendErr != nil {
		l.handleFailure(ctx, log, p, sendErr)
		return
	}

	rec := storage.PublishedRecord{
		PostID:      p.ID,
		TweetID:     p.TweetID,
		ChatID:      ref.ChatID,
		MessageID:   ref.MessageID,
		PublishedAt: time.Now(),
	}
	if err := l.archiveDelivered(ctx, rec); err != nil {
		// The message is out but the archive write keeps failing. Hold
		// the post in `publishing` and remember the record; the stall
		// sweep retries the write until it lands. Re-queueing here would
		// send the message a second time.
		l.mu.Lock()
		l.unarchived[p.ID] = rec
		l.mu.Unlock()
		log.Error("archive write failed after send, holding post", logx.Err(err))
		return
	}
	log.Info("published", logx.Int("message_id", ref.MessageID))
	l.bus.Publish(eventbus.Event{Type: "post.published", Data: p.ID})
}

// archiveDelivered commits the published record, retrying with a short
// backoff before giving up.
func (l *Loop) archiveDelivered(ctx context.Context, rec storage.PublishedRecord) error {
	delay := 100 * time.Millisecond
	var err error
	for i := 0; i < archiveAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = l.archive(ctx, rec); err == nil {
			return nil
		}
	}
	return err
}

func (l *Loop) send(ctx context.Context, p storage.Post) (kit.MessageRef, error) {
	opt := &kit.SendOptions{Entities: p.Entities}
	if len(p.Media) > 0 {
		return l.adapter.SendAlbum(ctx, l.opts.Channel, p.Text, p.Media, opt)
	}
	return l.adapter.SendText(ctx, l.opts.Channel, p.Text, opt)
}

func (l *Loop) handleFailure(ctx context.Context, log logx.Logger, p storage.Post, sendErr error) {
	attempts := p.Attempts + 1
	if attempts < l.opts.RetryMax {
		if err := l.store.RequeuePublishFailure(ctx, p.ID, time.Now().Add(l.opts.RetryDelay)); err != nil {
			log.Error("requeue failed", logx.Err(err))
			return
		}
		log.Warn("publish failed, will retry",
			logx.Int("attempt", attempts), logx.Err(sendErr))
		return
	}

	// Retries spent. Park the post, keep it scheduled and durable, and
	// surface the failure on the admin channel via the log sink.
	if err := l.store.RequeuePublishFailure(ctx, p.ID, time.Now().Add(parkDelay)); err != nil {
		log.Error("park failed", logx.Err(err))
		return
	}
	log.Error("publish failed permanently, post parked for manual retry",
		logx.Int("attempts", attempts), logx.Err(sendErr))
	if err := l.store.LogError(ctx, time.Now(), "publish "+p.ID+": "+sendErr.Error()); err != nil {
		log.Warn("error journal write failed", logx.Err(err))
	}
	l.bus.Publish(eventbus.Event{Type: "post.publish_failed", Data: p.ID})
}
