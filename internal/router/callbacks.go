package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"zambot/internal/schedule"
	kit "zambot/internal/transport"
	"zambot/pkg/logx"
)

func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	if cb == nil {
		return
	}
	if !r.isAdmin(cb.FromID) {
		r.answer(ctx, cb.ID, "Not allowed.")
		return
	}

	data := strings.TrimPrefix(cb.Data, "\f")
	parts := strings.Split(data, "|")
	switch {
	case len(parts) == 3 && parts[0] == "sched":
		r.callbackSchedule(ctx, cb, parts[1], parts[2])
	case len(parts) == 2 && parts[0] == "drop":
		r.callbackDrop(ctx, cb, parts[1])
	default:
		r.answer(ctx, cb.ID, "Unknown action.")
	}
}

func (r *Router) callbackSchedule(ctx context.Context, cb *kit.Callback, postID, arg string) {
	now := time.Now()

	if arg == "auto" {
		at, err := r.engine.AutoSchedule(ctx, postID, now)
		if errors.Is(err, schedule.ErrExhausted) {
			r.answer(ctx, cb.ID, "No free slot in the coming days, pick a time manually.")
			return
		}
		if err != nil {
			r.log.Error("auto schedule failed", logx.String("post", postID), logx.Err(err))
			r.answer(ctx, cb.ID, "Scheduling failed, try again.")
			return
		}
		r.answer(ctx, cb.ID, "Scheduled for "+at.Format("Mon 15:04"))
		return
	}

	mins, err := strconv.Atoi(arg)
	if err != nil || mins < 0 {
		r.answer(ctx, cb.ID, "Unknown action.")
		return
	}
	at := now.Add(time.Duration(mins) * time.Minute)
	err = r.engine.Schedule(ctx, postID, at)
	if errors.Is(err, schedule.ErrConflict) {
		r.answer(ctx, cb.ID, "Too close to another post, pick a different time.")
		return
	}
	if err != nil {
		r.log.Error("manual schedule failed", logx.String("post", postID), logx.Err(err))
		r.answer(ctx, cb.ID, "Scheduling failed, try again.")
		return
	}
	r.answer(ctx, cb.ID, fmt.Sprintf("Scheduled for %s", at.Format("15:04")))
}

func (r *Router) callbackDrop(ctx context.Context, cb *kit.Callback, postID string) {
	ok, err := r.store.CancelPost(ctx, postID)
	if err != nil {
		r.log.Error("drop failed", logx.String("post", postID), logx.Err(err))
		r.answer(ctx, cb.ID, "Drop failed, try again.")
		return
	}
	if !ok {
		r.answer(ctx, cb.ID, "Already published or being published.")
		return
	}
	r.answer(ctx, cb.ID, "Dropped.")
}

func (r *Router) answer(ctx context.Context, callbackID, text string) {
	if err := r.admin.AnswerCallback(ctx, callbackID, text); err != nil {
		r.log.Warn("callback answer failed", logx.Err(err))
	}
}
