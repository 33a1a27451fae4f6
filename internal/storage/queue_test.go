package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zambot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "zambot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueue(t *testing.T, s *Store, it QueueItem) int64 {
	t.Helper()
	if it.TweetURL == "" {
		it.TweetURL = "https://twitter.com/someone/status/" + it.TweetID
	}
	id, err := s.Enqueue(context.Background(), it)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestClaimOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Suggestions arrive first, an admin item later. The admin item must
	// still be claimed before any suggestion, and suggestions stay FIFO.
	sug1 := enqueue(t, s, QueueItem{TweetID: "1", Submitter: "alice", Origin: OriginSuggestion, Priority: PrioritySuggestion, AddedAt: now.Add(-3 * time.Minute)})
	sug2 := enqueue(t, s, QueueItem{TweetID: "2", Submitter: "bob", Origin: OriginSuggestion, Priority: PrioritySuggestion, AddedAt: now.Add(-2 * time.Minute)})
	adm := enqueue(t, s, QueueItem{TweetID: "3", Submitter: "root", Origin: OriginAdmin, Priority: PriorityAdmin, AddedAt: now.Add(-time.Minute)})

	want := []int64{adm, sug1, sug2}
	for i, wantID := range want {
		it, err := s.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatalf("ClaimNext #%d: %v", i, err)
		}
		if it == nil || it.ID != wantID {
			t.Fatalf("claim #%d = %+v, want id %d", i, it, wantID)
		}
		if it.Status != QueueProcessing {
			t.Fatalf("claimed status = %q, want processing", it.Status)
		}
		if it.Attempts != 1 {
			t.Fatalf("claimed attempts = %d, want 1", it.Attempts)
		}
	}

	it, err := s.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNext on empty queue: %v", err)
	}
	if it != nil {
		t.Fatalf("expected empty queue, got %+v", it)
	}
}

func TestClaimConcurrentNoDuplicates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	const items = 20
	for i := 0; i < items; i++ {
		enqueue(t, s, QueueItem{TweetID: fmt.Sprint(i), Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion})
	}

	var mu sync.Mutex
	seen := map[int64]string{}
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				it, err := s.ClaimNext(ctx, worker)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if it == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[it.ID]; dup {
					t.Errorf("item %d claimed by both %s and %s", it.ID, prev, worker)
				}
				seen[it.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	if len(seen) != items {
		t.Fatalf("claimed %d distinct items, want %d", len(seen), items)
	}
}

func TestResolveFailedRetryCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("succeeds within cap", func(t *testing.T) {
		s := newTestStore(t)
		id := enqueue(t, s, QueueItem{TweetID: "9", Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion})

		for attempt := 1; attempt <= 2; attempt++ {
			it, err := s.ClaimNext(ctx, "w1")
			if err != nil || it == nil {
				t.Fatalf("claim attempt %d: %v %v", attempt, it, err)
			}
			terminal, err := s.ResolveFailed(ctx, id, "renderer crashed", true, 3, 0)
			if err != nil {
				t.Fatalf("ResolveFailed: %v", err)
			}
			if terminal {
				t.Fatalf("attempt %d terminal, want retry", attempt)
			}
		}

		it, err := s.ClaimNext(ctx, "w1")
		if err != nil || it == nil {
			t.Fatalf("third claim: %v %v", it, err)
		}
		if it.Attempts != 3 {
			t.Fatalf("attempts = %d, want 3", it.Attempts)
		}
		if err := s.ResolveCompleted(ctx, id, "", ""); err != nil {
			t.Fatalf("ResolveCompleted: %v", err)
		}
		got, _ := s.QueueItem(ctx, id)
		if got.Status != QueueCompleted {
			t.Fatalf("status = %q, want completed", got.Status)
		}
	})

	t.Run("cap exceeded terminates", func(t *testing.T) {
		s := newTestStore(t)
		id := enqueue(t, s, QueueItem{TweetID: "9", Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion})

		if _, err := s.ClaimNext(ctx, "w1"); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if terminal, err := s.ResolveFailed(ctx, id, "timeout", true, 2, 0); err != nil || terminal {
			t.Fatalf("first failure terminal=%v err=%v", terminal, err)
		}
		if _, err := s.ClaimNext(ctx, "w1"); err != nil {
			t.Fatalf("second claim: %v", err)
		}
		terminal, err := s.ResolveFailed(ctx, id, "timeout again", true, 2, 0)
		if err != nil {
			t.Fatalf("second failure: %v", err)
		}
		if !terminal {
			t.Fatal("second failure at cap 2 should be terminal")
		}
		got, _ := s.QueueItem(ctx, id)
		if got.Status != QueueFailed {
			t.Fatalf("status = %q, want failed", got.Status)
		}
		if got.Error != "timeout again" {
			t.Fatalf("error = %q, want last reason", got.Error)
		}
	})

	t.Run("fatal skips retries", func(t *testing.T) {
		s := newTestStore(t)
		id := enqueue(t, s, QueueItem{TweetID: "9", Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion})
		if _, err := s.ClaimNext(ctx, "w1"); err != nil {
			t.Fatalf("claim: %v", err)
		}
		terminal, err := s.ResolveFailed(ctx, id, "tweet deleted", false, 3, 0)
		if err != nil || !terminal {
			t.Fatalf("fatal failure terminal=%v err=%v", terminal, err)
		}
	})
}

func TestRetryDelayGatesClaim(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id := enqueue(t, s, QueueItem{TweetID: "5", Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion})
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.ResolveFailed(ctx, id, "rate limited", true, 3, time.Hour); err != nil {
		t.Fatalf("ResolveFailed: %v", err)
	}

	it, err := s.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if it != nil {
		t.Fatalf("item claimable before its retry delay elapsed: %+v", it)
	}
}

func TestReleaseStalledClaims(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// One item abandoned after a single claim, one already at the cap.
	fresh := enqueue(t, s, QueueItem{TweetID: "30", Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion})
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	spent := enqueue(t, s, QueueItem{TweetID: "31", Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion})
	for i := 0; i < 2; i++ {
		if _, err := s.ClaimNext(ctx, "w2"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if _, err := s.ResolveFailed(ctx, spent, "renderer crashed", true, 99, 0); err != nil {
			t.Fatalf("ResolveFailed %d: %v", i, err)
		}
	}
	if _, err := s.ClaimNext(ctx, "w2"); err != nil {
		t.Fatalf("final claim: %v", err)
	}

	released, failed, err := s.ReleaseStalledClaims(ctx, time.Now().Add(time.Second), 3)
	if err != nil {
		t.Fatalf("ReleaseStalledClaims: %v", err)
	}
	if released != 1 || failed != 1 {
		t.Fatalf("released=%d failed=%d, want 1 and 1", released, failed)
	}

	got, _ := s.QueueItem(ctx, fresh)
	if got.Status != QueuePending {
		t.Fatalf("fresh status = %q, want pending again", got.Status)
	}
	got, _ = s.QueueItem(ctx, spent)
	if got.Status != QueueFailed {
		t.Fatalf("spent status = %q, want failed", got.Status)
	}

	// The released item is claimable right away.
	it, err := s.ClaimNext(ctx, "w3")
	if err != nil || it == nil || it.ID != fresh {
		t.Fatalf("reclaim = %+v, %v; want item %d", it, err, fresh)
	}
}

func TestReleaseStalledClaimsLeavesLiveWork(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, QueueItem{TweetID: "40", Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion})
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	released, failed, err := s.ReleaseStalledClaims(ctx, time.Now().Add(-time.Minute), 3)
	if err != nil {
		t.Fatalf("ReleaseStalledClaims: %v", err)
	}
	if released != 0 || failed != 0 {
		t.Fatalf("released=%d failed=%d for an active claim, want 0 and 0", released, failed)
	}
	if n, _ := s.ProcessingCount(ctx); n != 1 {
		t.Fatalf("processing = %d, want 1", n)
	}
}

func TestBatchNoticeExactlyOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	a := enqueue(t, s, QueueItem{TweetID: "10", Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion, BatchID: "b1", BatchTotal: 2, AddedAt: now.Add(-2 * time.Minute)})
	b := enqueue(t, s, QueueItem{TweetID: "11", Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion, BatchID: "b1", BatchTotal: 2, AddedAt: now.Add(-time.Minute)})

	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ResolveCompleted(ctx, a, "", ""); err != nil {
		t.Fatal(err)
	}
	if done, _ := s.BatchDone(ctx, "b1"); done {
		t.Fatal("batch reported done with one item still pending")
	}

	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveFailed(ctx, b, "gone", false, 3, 0); err != nil {
		t.Fatal(err)
	}
	if done, _ := s.BatchDone(ctx, "b1"); !done {
		t.Fatal("batch not done after all items terminal")
	}

	var claimed int
	for i := 0; i < 5; i++ {
		ok, err := s.ClaimBatchNotice(ctx, "b1")
		if err != nil {
			t.Fatalf("ClaimBatchNotice: %v", err)
		}
		if ok {
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("notice claimed %d times, want exactly 1", claimed)
	}
}

func TestSubmitterWindow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		enqueue(t, s, QueueItem{TweetID: fmt.Sprint(100 + i), Submitter: "eve", Origin: OriginSuggestion, Priority: PrioritySuggestion, AddedAt: now.Add(-40 * time.Minute).Add(time.Duration(i) * time.Minute)})
	}
	// Outside the window and someone else's item, neither counts.
	enqueue(t, s, QueueItem{TweetID: "200", Submitter: "eve", Origin: OriginSuggestion, Priority: PrioritySuggestion, AddedAt: now.Add(-90 * time.Minute)})
	enqueue(t, s, QueueItem{TweetID: "201", Submitter: "mallory", Origin: OriginSuggestion, Priority: PrioritySuggestion, AddedAt: now.Add(-10 * time.Minute)})

	count, oldest, err := s.SubmitterWindow(ctx, "eve", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SubmitterWindow: %v", err)
	}
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
	wantOldest := now.Add(-40 * time.Minute)
	if d := oldest.Sub(wantOldest); d < -time.Second || d > time.Second {
		t.Fatalf("oldest = %v, want ~%v", oldest, wantOldest)
	}
}

func TestPruneQueueProtectsNonTerminal(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	var ids []int64
	for i := 0; i < 6; i++ {
		ids = append(ids, enqueue(t, s, QueueItem{TweetID: fmt.Sprint(i), Submitter: "u", Origin: OriginSuggestion, Priority: PrioritySuggestion, AddedAt: now.Add(time.Duration(i-10) * time.Minute)}))
	}
	// Terminate the four oldest, keep one pending and one processing.
	for _, id := range ids[:4] {
		if _, err := s.ClaimNext(ctx, "w1"); err != nil {
			t.Fatal(err)
		}
		if err := s.ResolveCompleted(ctx, id, "", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.PruneQueue(ctx, 1)
	if err != nil {
		t.Fatalf("PruneQueue: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3 (oldest terminal beyond keep)", deleted)
	}
	for _, id := range []int64{ids[4], ids[5]} {
		if _, err := s.QueueItem(ctx, id); err != nil {
			t.Fatalf("non-terminal item %d pruned: %v", id, err)
		}
	}
}
