// Package retention bounds store growth by pruning the oldest terminal
// records. Pending, processing, scheduled and publishing rows are never
// touched.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"zambot/internal/storage"
	"zambot/pkg/logx"
)

type Options struct {
	// Keep is how many terminal rows each table retains, already clamped
	// by the config layer.
	Keep int

	// Spec is the cron schedule of the sweep, e.g. "@every 6h".
	Spec string
}

type Sweeper struct {
	store *storage.Store
	log   logx.Logger
	opts  Options
	c     *cron.Cron
}

func NewSweeper(store *storage.Store, opts Options, log logx.Logger) *Sweeper {
	if opts.Keep <= 0 {
		opts.Keep = 1000
	}
	if opts.Spec == "" {
		opts.Spec = "@every 6h"
	}
	return &Sweeper{store: store, log: log.With(logx.String("svc", "retention")), opts: opts}
}

// Start runs one sweep immediately and then per the cron spec.
func (s *Sweeper) Start(ctx context.Context) error {
	s.Sweep(ctx)

	s.c = cron.New()
	_, err := s.c.AddFunc(s.opts.Spec, func() { s.Sweep(context.Background()) })
	if err != nil {
		return fmt.Errorf("retention spec %q: %w", s.opts.Spec, err)
	}
	s.c.Start()
	return nil
}

func (s *Sweeper) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
}

// Sweep prunes every table once.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	var total int64
	for _, t := range []struct {
		name  string
		prune func(context.Context, int) (int64, error)
	}{
		{"queue", s.store.PruneQueue},
		{"line", s.store.PruneLine},
		{"published", s.store.PrunePublished},
		{"errors", s.store.PruneErrors},
	} {
		n, err := t.prune(ctx, s.opts.Keep)
		if err != nil {
			s.log.Error("prune failed", logx.String("table", t.name), logx.Err(err))
			continue
		}
		total += n
	}
	if total > 0 {
		s.log.Info("retention sweep",
			logx.Int64("deleted", total),
			logx.Duration("took", time.Since(start)))
	}
}
