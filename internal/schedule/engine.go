// Package schedule assigns publish timestamps. Auto placement is
// earliest-fit: the first hour with spare capacity gets the earliest
// timestamp that keeps the minimum gap to neighboring bookings, rolling
// over to the next day when the current one is full.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"zambot/internal/storage"
	"zambot/pkg/logx"
)

var (
	// ErrConflict reports a manual timestamp too close to an existing
	// booking.
	ErrConflict = errors.New("requested slot conflicts with an existing booking")

	// ErrExhausted reports that no free slot exists within the search
	// horizon. The post stays unscheduled for manual placement.
	ErrExhausted = errors.New("no free slot within the scheduling horizon")
)

// reserveAttempts bounds consecutive no-progress slot races before the
// search gives up. A lost race that moves the candidate forward resets the
// budget, so contention alone cannot starve a caller.
const reserveAttempts = 5

type Options struct {
	MinGap       time.Duration
	BaseCapacity int
	HourWeights  []float64 // 24 entries, index = hour of day
	HorizonDays  int
}

type Engine struct {
	store *storage.Store
	log   logx.Logger
	opts  Options
}

func NewEngine(store *storage.Store, opts Options, log logx.Logger) *Engine {
	if opts.MinGap <= 0 {
		opts.MinGap = 5 * time.Minute
	}
	if opts.BaseCapacity <= 0 {
		opts.BaseCapacity = 4
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 7
	}
	return &Engine{store: store, log: log.With(logx.String("svc", "schedule")), opts: opts}
}

// Capacity returns the slot limit for an hour of day.
func (e *Engine) Capacity(hour int) int {
	w := 1.0
	if hour >= 0 && hour < len(e.opts.HourWeights) {
		w = e.opts.HourWeights[hour]
	}
	return int(math.Ceil(float64(e.opts.BaseCapacity) * w))
}

// MinGap returns the configured minimum spacing.
func (e *Engine) MinGap() time.Duration { return e.opts.MinGap }

// AutoSchedule finds and commits the earliest valid slot for a post. Two
// concurrent calls never commit conflicting slots: the reservation re-checks
// inside the store and the loser restarts the search against the updated
// bookings.
func (e *Engine) AutoSchedule(ctx context.Context, postID string, now time.Time) (time.Time, error) {
	var lastAt time.Time
	for attempt := 0; attempt < reserveAttempts; {
		at, err := e.findSlot(ctx, now)
		if err != nil {
			return time.Time{}, err
		}
		err = e.store.ReserveSlot(ctx, postID, at, e.opts.MinGap, e.Capacity(at.Hour()))
		if errors.Is(err, storage.ErrSlotConflict) {
			// A lost race means someone else booked; if the candidate
			// advanced since the last loss the search is making progress
			// and keeps its full budget.
			if at.After(lastAt) {
				lastAt = at
				attempt = 0
			} else {
				attempt++
			}
			e.log.Debug("slot race lost, retrying",
				logx.String("post", postID), logx.Time("slot", at))
			continue
		}
		if err != nil {
			return time.Time{}, err
		}
		e.log.Info("slot assigned",
			logx.String("post", postID), logx.Time("slot", at))
		return at, nil
	}
	return time.Time{}, fmt.Errorf("slot reservation kept losing races: %w", ErrConflict)
}

// Schedule commits an exact admin-chosen timestamp. Capacity and weights do
// not apply, the minimum gap still does.
func (e *Engine) Schedule(ctx context.Context, postID string, at time.Time) error {
	err := e.store.ReserveSlot(ctx, postID, at, e.opts.MinGap, 0)
	if errors.Is(err, storage.ErrSlotConflict) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	e.log.Info("slot assigned manually",
		logx.String("post", postID), logx.Time("slot", at))
	return nil
}

// findSlot walks hour by hour from now to the horizon and returns the
// earliest timestamp that has hour capacity left and clears the gap to all
// neighboring bookings.
func (e *Engine) findSlot(ctx context.Context, now time.Time) (time.Time, error) {
	horizon := now.AddDate(0, 0, e.opts.HorizonDays)

	// One snapshot covers the whole search. A booking committed after this
	// read is caught by the reservation's own re-check.
	bookings, err := e.store.BookingsBetween(ctx, now.Add(-e.opts.MinGap), horizon.Add(e.opts.MinGap))
	if err != nil {
		return time.Time{}, err
	}

	for hourStart := now.Truncate(time.Hour); hourStart.Before(horizon); hourStart = hourStart.Add(time.Hour) {
		hourEnd := hourStart.Add(time.Hour)
		cap := e.Capacity(hourStart.Hour())
		if cap <= 0 {
			continue
		}
		if countWithin(bookings, hourStart, hourEnd) >= cap {
			continue
		}

		lo := hourStart
		if now.After(lo) {
			lo = now
		}
		if at, ok := earliestFit(lo, hourEnd, bookings, e.opts.MinGap); ok {
			return at, nil
		}
	}
	return time.Time{}, ErrExhausted
}

func countWithin(bookings []storage.Booking, from, to time.Time) int {
	n := 0
	for _, b := range bookings {
		if !b.At.Before(from) && b.At.Before(to) {
			n++
		}
	}
	return n
}

// earliestFit sweeps the sorted bookings and returns the earliest candidate
// in [lo, end) at least minGap away from every booking.
func earliestFit(lo, end time.Time, bookings []storage.Booking, minGap time.Duration) (time.Time, bool) {
	cand := lo
	for _, b := range bookings {
		if !b.At.Add(minGap).After(cand) {
			continue // booking is safely before the candidate
		}
		if !cand.Add(minGap).After(b.At) {
			break // booking (and all later ones) safely after
		}
		cand = b.At.Add(minGap)
	}
	if cand.Before(end) {
		return cand, true
	}
	return time.Time{}, false
}
