package router

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"zambot/internal/eventbus"
	"zambot/internal/storage"
	kit "zambot/internal/transport"
	"zambot/pkg/logx"
)

// viaFor picks the bot that talks to the submitter of an item.
func (r *Router) viaFor(origin string) kit.Adapter {
	if origin == storage.OriginAdmin {
		return r.admin
	}
	return r.suggestions
}

// ReviewReady posts the captured tweet to the admin chat with the
// scheduling keyboard.
func (r *Router) ReviewReady(ctx context.Context, item storage.QueueItem, post storage.Post) error {
	var b strings.Builder
	fmt.Fprintf(&b, "New capture from %s (%s)\n%s", item.Submitter, item.Origin, item.TweetURL)
	if item.OCRAuthor != "" {
		fmt.Fprintf(&b, "\nAuthor: %s", item.OCRAuthor)
	}
	if item.OCRText != "" {
		text := item.OCRText
		if len(text) > 300 {
			text = text[:300] + "…"
		}
		fmt.Fprintf(&b, "\n\n%s", text)
	}

	opt := &kit.SendOptions{ReplyMarkup: scheduleKeyboard(post.ID)}
	to := kit.ChatTarget{ChatID: r.opts.AdminChatID}
	var err error
	if len(post.Media) > 0 {
		_, err = r.admin.SendAlbum(ctx, to, b.String(), post.Media, opt)
	} else {
		_, err = r.admin.SendText(ctx, to, b.String(), opt)
	}
	return err
}

// scheduleKeyboard offers auto placement, fixed delays up to four hours in
// half-hour steps, and dropping the post.
func scheduleKeyboard(postID string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}

	rows := []tele.Row{
		{tele.Btn{Text: "Auto", Data: "sched|" + postID + "|auto"}},
	}
	var row tele.Row
	for mins := 0; mins <= 240; mins += 30 {
		label := "Now"
		if mins > 0 {
			label = fmt.Sprintf("+%dm", mins)
		}
		row = append(row, tele.Btn{
			Text: label,
			Data: fmt.Sprintf("sched|%s|%d", postID, mins),
		})
		if len(row) == 3 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, tele.Row{tele.Btn{Text: "Drop", Data: "drop|" + postID}})

	rm.Inline(rows...)
	return rm
}

// ItemFailed tells the submitter their tweet could not be captured.
func (r *Router) ItemFailed(ctx context.Context, item storage.QueueItem, reason string) error {
	msg := fmt.Sprintf("Couldn't process %s: %s", item.TweetURL, shortReason(reason))
	_, err := r.viaFor(item.Origin).SendText(ctx, kit.ChatTarget{ChatID: item.ChatID}, msg, nil)
	return err
}

// BatchComplete summarizes a finished batch to its submitter.
func (r *Router) BatchComplete(ctx context.Context, items []storage.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	ok := 0
	for _, it := range items {
		if it.Status == storage.QueueCompleted {
			ok++
		}
	}
	msg := fmt.Sprintf("Your submission is processed: %d of %d tweets captured.", ok, len(items))
	first := items[0]
	_, err := r.viaFor(first.Origin).SendText(ctx, kit.ChatTarget{ChatID: first.ChatID}, msg, nil)
	return err
}

// RunEvents consumes worker events from the bus and surfaces the
// operationally interesting ones in the admin chat. Capture and publish
// already notify submitters themselves; this is the admin-side view.
func (r *Router) RunEvents(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Router) handleEvent(ctx context.Context, ev eventbus.Event) {
	if r.opts.AdminChatID == 0 {
		return
	}
	switch ev.Type {
	case "post.publish_failed":
		id, ok := ev.Data.(string)
		if !ok {
			return
		}
		r.reply(ctx, r.admin, r.opts.AdminChatID, fmt.Sprintf(
			"Publishing post %s keeps failing; it is parked for a day. Use /cancel %s to drop it.", id, id))
	case "queue.failed":
		itemID, ok := ev.Data.(int64)
		if !ok {
			return
		}
		it, err := r.store.QueueItem(ctx, itemID)
		if err != nil {
			r.log.Warn("failed item lookup", logx.Int64("item", itemID), logx.Err(err))
			return
		}
		r.reply(ctx, r.admin, r.opts.AdminChatID, fmt.Sprintf(
			"Capture gave up on %s (from %s): %s", it.TweetURL, it.Submitter, shortReason(it.Error)))
	}
}

func shortReason(reason string) string {
	reason = strings.TrimPrefix(reason, "fatal: ")
	if len(reason) > 200 {
		reason = reason[:200] + "…"
	}
	return reason
}
