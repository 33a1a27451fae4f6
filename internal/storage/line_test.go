package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	kit "zambot/internal/transport"
)

func addPost(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.AddToLine(context.Background(), Post{
		ID:      id,
		TweetID: "t-" + id,
		Text:    "hello",
		Media:   []kit.MediaItem{{Ref: "https://example.com/a.png", Kind: "photo"}},
	})
	if err != nil {
		t.Fatalf("AddToLine(%s): %v", id, err)
	}
}

func reserve(t *testing.T, s *Store, id string, at time.Time) {
	t.Helper()
	if err := s.ReserveSlot(context.Background(), id, at, 5*time.Minute, 0); err != nil {
		t.Fatalf("ReserveSlot(%s, %v): %v", id, at, err)
	}
}

func TestReserveSlotMinGap(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	addPost(t, s, "p1")
	addPost(t, s, "p2")
	addPost(t, s, "p3")
	reserve(t, s, "p1", base)

	err := s.ReserveSlot(ctx, "p2", base.Add(4*time.Minute), 5*time.Minute, 0)
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("4min spacing: err = %v, want ErrSlotConflict", err)
	}
	err = s.ReserveSlot(ctx, "p2", base.Add(-4*time.Minute), 5*time.Minute, 0)
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("4min before: err = %v, want ErrSlotConflict", err)
	}
	if err := s.ReserveSlot(ctx, "p3", base.Add(5*time.Minute), 5*time.Minute, 0); err != nil {
		t.Fatalf("5min spacing rejected: %v", err)
	}
}

func TestReserveSlotHourCapacity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	hour := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	addPost(t, s, "p1")
	addPost(t, s, "p2")
	addPost(t, s, "p3")
	reserve(t, s, "p1", hour.Add(5*time.Minute))
	reserve(t, s, "p2", hour.Add(25*time.Minute))

	err := s.ReserveSlot(ctx, "p3", hour.Add(45*time.Minute), 5*time.Minute, 2)
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("full hour: err = %v, want ErrSlotConflict", err)
	}
	// Capacity 0 means manual placement, hour limits don't apply.
	if err := s.ReserveSlot(ctx, "p3", hour.Add(45*time.Minute), 5*time.Minute, 0); err != nil {
		t.Fatalf("manual placement rejected: %v", err)
	}
}

func TestCancelVersusPublishing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addPost(t, s, "p1")
	reserve(t, s, "p1", now.Add(-time.Minute))

	ok, err := s.MarkPublishing(ctx, "p1", now)
	if err != nil || !ok {
		t.Fatalf("MarkPublishing: ok=%v err=%v", ok, err)
	}
	// The cancel loses the race and must fail harmlessly.
	ok, err = s.CancelPost(ctx, "p1")
	if err != nil {
		t.Fatalf("CancelPost: %v", err)
	}
	if ok {
		t.Fatal("cancel succeeded on a publishing post")
	}

	// And a second publisher cannot pick it up either.
	ok, err = s.MarkPublishing(ctx, "p1", now)
	if err != nil {
		t.Fatalf("second MarkPublishing: %v", err)
	}
	if ok {
		t.Fatal("post transitioned to publishing twice")
	}
}

func TestMarkPublishedArchives(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addPost(t, s, "p1")
	reserve(t, s, "p1", now.Add(-time.Minute))
	if ok, _ := s.MarkPublishing(ctx, "p1", now); !ok {
		t.Fatal("MarkPublishing failed")
	}

	err := s.MarkPublished(ctx, PublishedRecord{PostID: "p1", TweetID: "t-p1", ChatID: -100, MessageID: 42})
	if err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	p, err := s.LinePost(ctx, "p1")
	if err != nil {
		t.Fatalf("LinePost: %v", err)
	}
	if p.Status != PostPublished {
		t.Fatalf("status = %q, want published", p.Status)
	}
	was, err := s.WasPublished(ctx, "p1")
	if err != nil || !was {
		t.Fatalf("WasPublished = %v, %v; want true", was, err)
	}

	// Finalizing twice must fail: the conditional update finds no
	// publishing row.
	err = s.MarkPublished(ctx, PublishedRecord{PostID: "p1", TweetID: "t-p1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("second MarkPublished: err = %v, want ErrNotFound", err)
	}
}

func TestDuePostsRespectsRetryDelay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addPost(t, s, "p1")
	reserve(t, s, "p1", now.Add(-10*time.Minute))
	if ok, _ := s.MarkPublishing(ctx, "p1", now); !ok {
		t.Fatal("MarkPublishing failed")
	}
	if err := s.RequeuePublishFailure(ctx, "p1", now.Add(time.Hour)); err != nil {
		t.Fatalf("RequeuePublishFailure: %v", err)
	}

	due, err := s.DuePosts(ctx, now, 10)
	if err != nil {
		t.Fatalf("DuePosts: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("post due before its retry delay: %+v", due)
	}

	due, err = s.DuePosts(ctx, now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("DuePosts: %v", err)
	}
	if len(due) != 1 || due[0].Attempts != 1 {
		t.Fatalf("due = %+v, want one post with attempts=1", due)
	}
}

func TestStalledPublishingRecovery(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addPost(t, s, "p1")
	reserve(t, s, "p1", now.Add(-20*time.Minute))
	if ok, _ := s.MarkPublishing(ctx, "p1", now.Add(-10*time.Minute)); !ok {
		t.Fatal("MarkPublishing failed")
	}

	stalled, err := s.StalledPublishing(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("StalledPublishing: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != "p1" {
		t.Fatalf("stalled = %+v, want p1", stalled)
	}

	// Fresh publishing posts are not stalled.
	addPost(t, s, "p2")
	reserve(t, s, "p2", now.Add(-time.Minute))
	if ok, _ := s.MarkPublishing(ctx, "p2", now); !ok {
		t.Fatal("MarkPublishing p2 failed")
	}
	stalled, _ = s.StalledPublishing(ctx, now.Add(-5*time.Minute))
	if len(stalled) != 1 {
		t.Fatalf("fresh publishing post reported stalled: %+v", stalled)
	}

	if err := s.ConfirmPublished(ctx, "p1"); err != nil {
		t.Fatalf("ConfirmPublished: %v", err)
	}
	p, _ := s.LinePost(ctx, "p1")
	if p.Status != PostPublished {
		t.Fatalf("status = %q, want published", p.Status)
	}
}

func TestBookingsAndCounts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("p%d", i)
		addPost(t, s, id)
		reserve(t, s, id, base.Add(time.Duration(i*20)*time.Minute))
	}
	addPost(t, s, "unscheduled")

	bookings, err := s.BookingsBetween(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("BookingsBetween: %v", err)
	}
	if len(bookings) != 3 {
		t.Fatalf("bookings = %d, want 3", len(bookings))
	}
	for i := 1; i < len(bookings); i++ {
		if bookings[i].At.Before(bookings[i-1].At) {
			t.Fatal("bookings not sorted by time")
		}
	}

	n, err := s.ScheduledCount(ctx, base.Add(-time.Hour))
	if err != nil || n != 3 {
		t.Fatalf("ScheduledCount = %d, %v; want 3", n, err)
	}
	next, err := s.NextPublishAt(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("NextPublishAt: %v", err)
	}
	if !next.Equal(base) {
		t.Fatalf("next = %v, want %v", next, base)
	}
}

func TestLinePostRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	in := Post{
		ID:      "p1",
		TweetID: "999",
		Text:    "caption",
		Media: []kit.MediaItem{
			{Ref: "https://example.com/a.png", Kind: "photo"},
			{Ref: "/var/captures/b.mp4", Kind: "video"},
		},
		Entities: []kit.EntitySpan{{Type: "text_link", Offset: 0, Length: 7, URL: "https://x.com/u/status/999"}},
		Query:    `{"source":"suggestion"}`,
	}
	if err := s.AddToLine(ctx, in); err != nil {
		t.Fatalf("AddToLine: %v", err)
	}
	got, err := s.LinePost(ctx, "p1")
	if err != nil {
		t.Fatalf("LinePost: %v", err)
	}
	if got.Status != PostScheduled || got.PublishAt != nil {
		t.Fatalf("new post = status %q publishAt %v, want scheduled/unset", got.Status, got.PublishAt)
	}
	if len(got.Media) != 2 || got.Media[1].Kind != "video" {
		t.Fatalf("media round trip broken: %+v", got.Media)
	}
	if len(got.Entities) != 1 || got.Entities[0].URL != in.Entities[0].URL {
		t.Fatalf("entities round trip broken: %+v", got.Entities)
	}
	if got.Query != in.Query {
		t.Fatalf("query = %q, want %q", got.Query, in.Query)
	}
}
