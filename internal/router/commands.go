package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zambot/internal/storage"
	"zambot/internal/submit"
	kit "zambot/internal/transport"
	"zambot/pkg/logx"
)

const stateFeedback = "feedback"

func (r *Router) submitTweet(ctx context.Context, via kit.Adapter, m *kit.Message, origin string) {
	refs := tweetURLs(m.Text)
	if len(refs) == 0 {
		return
	}

	submitter := m.FromUsername
	if submitter == "" {
		submitter = fmt.Sprintf("id:%d", m.FromID)
	}

	res, err := r.gate.Submit(ctx, submit.Request{
		Refs:      refs,
		Submitter: submitter,
		ChatID:    m.ChatID,
		Origin:    origin,
	})
	if err != nil {
		r.reply(ctx, via, m.ChatID, submitRejection(err))
		return
	}

	first := res.Items[0]
	if len(res.Items) == 1 {
		r.reply(ctx, via, m.ChatID, fmt.Sprintf("Accepted. Position in queue: %d.", first.Position))
		return
	}
	r.reply(ctx, via, m.ChatID, fmt.Sprintf(
		"Accepted %d tweets as one batch. First position in queue: %d.",
		len(res.Items), first.Position))
}

// tweetURLs pulls every tweet link out of a message, so a submission with a
// quoted reference pasted below the main link becomes one batch.
func tweetURLs(text string) []string {
	var out []string
	for _, tok := range strings.Fields(text) {
		if looksLikeTweet(tok) {
			out = append(out, tok)
		}
	}
	return out
}

func submitRejection(err error) string {
	var rl *submit.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Sprintf("Limit of %d submissions per hour reached. Try again in %s.",
			rl.Limit, rl.Wait.Round(time.Second))
	}
	var dup *submit.DuplicateError
	if errors.As(err, &dup) {
		return "That tweet is already in the queue."
	}
	var val *submit.ValidationError
	if errors.As(err, &val) {
		return "That doesn't look like a tweet link. Send a twitter.com or x.com status URL."
	}
	return "Something went wrong, try again later."
}

func (r *Router) cmdQueue(ctx context.Context, m *kit.Message) {
	now := time.Now()
	pending, err := r.store.PendingCount(ctx)
	if err != nil {
		r.log.Error("queue status failed", logx.Err(err))
		r.reply(ctx, r.admin, m.ChatID, "Status unavailable.")
		return
	}
	processing, _ := r.store.ProcessingCount(ctx)
	scheduled, _ := r.store.ScheduledCount(ctx, now)
	next, _ := r.store.NextPublishAt(ctx, now)

	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d pending, %d processing\n", pending, processing)
	fmt.Fprintf(&b, "Scheduled: %d", scheduled)
	if !next.IsZero() {
		fmt.Fprintf(&b, ", next at %s", next.Format("15:04"))
	}
	b.WriteString("\n\nNext hours:\n")

	hour := now.Truncate(time.Hour)
	for i := 0; i < 6; i++ {
		hs := hour.Add(time.Duration(i) * time.Hour)
		bookings, err := r.store.BookingsBetween(ctx, hs, hs.Add(time.Hour))
		if err != nil {
			break
		}
		fmt.Fprintf(&b, "%s  %d/%d\n", hs.Format("15:00"), len(bookings), r.engine.Capacity(hs.Hour()))
	}
	r.reply(ctx, r.admin, m.ChatID, b.String())
}

func (r *Router) cmdErrors(ctx context.Context, m *kit.Message) {
	entries, err := r.store.RecentErrors(ctx, 10)
	if err != nil {
		r.log.Error("error journal read failed", logx.Err(err))
		r.reply(ctx, r.admin, m.ChatID, "Journal unavailable.")
		return
	}
	if len(entries) == 0 {
		r.reply(ctx, r.admin, m.ChatID, "No recorded errors.")
		return
	}
	var b strings.Builder
	b.WriteString("Recent errors:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %s\n", e.At.Format("02.01 15:04"), shortReason(e.Message))
	}
	r.reply(ctx, r.admin, m.ChatID, b.String())
}

func (r *Router) cmdCancel(ctx context.Context, m *kit.Message, args string) {
	postID := strings.TrimSpace(args)
	if postID == "" {
		r.reply(ctx, r.admin, m.ChatID, "Usage: /cancel <post-id>")
		return
	}
	ok, err := r.store.CancelPost(ctx, postID)
	if err != nil {
		r.log.Error("cancel failed", logx.String("post", postID), logx.Err(err))
		r.reply(ctx, r.admin, m.ChatID, "Cancel failed, try again.")
		return
	}
	if !ok {
		r.reply(ctx, r.admin, m.ChatID, "Too late: that post is already being published or doesn't exist.")
		return
	}
	r.reply(ctx, r.admin, m.ChatID, "Cancelled.")
}

func (r *Router) cmdFeedback(ctx context.Context, via kit.Adapter, m *kit.Message, args string) {
	if args == "" {
		if err := r.store.SetState(ctx, m.ChatID, stateFeedback); err != nil {
			r.log.Error("set state failed", logx.Err(err))
			return
		}
		r.reply(ctx, via, m.ChatID, "Send your feedback as the next message.")
		return
	}
	r.storeFeedback(ctx, via, m, args)
}

func (r *Router) storeFeedback(ctx context.Context, via kit.Adapter, m *kit.Message, text string) {
	_ = r.store.SetState(ctx, m.ChatID, "")

	category := "general"
	if cat, rest, ok := strings.Cut(text, ":"); ok && !strings.ContainsAny(cat, " \n") && rest != "" {
		category = strings.ToLower(strings.TrimSpace(cat))
		text = strings.TrimSpace(rest)
	}

	submitter := m.FromUsername
	if submitter == "" {
		submitter = fmt.Sprintf("id:%d", m.FromID)
	}
	err := r.store.AddFeedback(ctx, storage.Feedback{
		Submitter: submitter,
		ChatID:    m.ChatID,
		Category:  category,
		Message:   text,
	})
	if err != nil {
		r.log.Error("store feedback failed", logx.Err(err))
		r.reply(ctx, via, m.ChatID, "Couldn't save that, try again later.")
		return
	}
	r.reply(ctx, via, m.ChatID, "Thanks, noted.")
}
