// Package router dispatches inbound bot updates: tweet submissions, admin
// commands and the review-keyboard callbacks that drive scheduling.
package router

import (
	"context"
	"strings"

	"zambot/internal/schedule"
	"zambot/internal/storage"
	"zambot/internal/submit"
	kit "zambot/internal/transport"
	"zambot/pkg/logx"
)

// Options identifies the chats and operators the router serves.
type Options struct {
	AdminChatID       int64
	SuggestionsChatID int64
	AdminUserIDs      []int64
	ChannelName       string
}

type Router struct {
	store  *storage.Store
	gate   *submit.Gate
	engine *schedule.Engine

	admin       kit.Adapter // admin review bot
	suggestions kit.Adapter // public suggestions bot

	opts Options
	log  logx.Logger
}

func New(store *storage.Store, gate *submit.Gate, engine *schedule.Engine, admin, suggestions kit.Adapter, opts Options, log logx.Logger) *Router {
	return &Router{
		store:       store,
		gate:        gate,
		engine:      engine,
		admin:       admin,
		suggestions: suggestions,
		opts:        opts,
		log:         log.With(logx.String("svc", "router")),
	}
}

func (r *Router) isAdmin(userID int64) bool {
	for _, id := range r.opts.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// RunAdmin consumes updates from the admin bot until ctx is cancelled.
func (r *Router) RunAdmin(ctx context.Context, in <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up := <-in:
			r.dispatchAdmin(ctx, up)
		}
	}
}

// RunSuggestions consumes updates from the suggestions bot.
func (r *Router) RunSuggestions(ctx context.Context, in <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up := <-in:
			r.dispatchSuggestion(ctx, up)
		}
	}
}

func (r *Router) dispatchAdmin(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateCallback:
		r.handleCallback(ctx, up.Callback)
	case kit.UpdateMessage:
		m := up.Message
		if m == nil {
			return
		}
		if !r.isAdmin(m.FromID) {
			// Single-bot setups receive public suggestions here too.
			r.handleSuggestionMessage(ctx, r.admin, m)
			return
		}
		r.handleAdminMessage(ctx, m)
	}
}

func (r *Router) dispatchSuggestion(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	r.handleSuggestionMessage(ctx, r.suggestions, up.Message)
}

func (r *Router) handleAdminMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	cmd, args := splitCommand(text)

	switch cmd {
	case "/queue":
		r.cmdQueue(ctx, m)
	case "/errors":
		r.cmdErrors(ctx, m)
	case "/cancel":
		r.cmdCancel(ctx, m, args)
	case "/feedback":
		r.cmdFeedback(ctx, r.admin, m, args)
	default:
		if text == "" {
			return
		}
		if st, _ := r.store.GetState(ctx, m.ChatID); st == stateFeedback {
			r.storeFeedback(ctx, r.admin, m, text)
			return
		}
		if looksLikeTweet(text) {
			r.submitTweet(ctx, r.admin, m, storage.OriginAdmin)
		}
	}
}

func (r *Router) handleSuggestionMessage(ctx context.Context, via kit.Adapter, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	cmd, args := splitCommand(text)

	switch cmd {
	case "/suggest":
		if len(tweetURLs(args)) == 0 {
			r.reply(ctx, via, m.ChatID, "Usage: /suggest <tweet link>")
			return
		}
		mm := *m
		mm.Text = args
		r.submitTweet(ctx, via, &mm, storage.OriginSuggestion)
	case "/feedback":
		r.cmdFeedback(ctx, via, m, args)
	default:
		if text == "" {
			return
		}
		if st, _ := r.store.GetState(ctx, m.ChatID); st == stateFeedback {
			r.storeFeedback(ctx, via, m, text)
			return
		}
		if looksLikeTweet(text) {
			r.submitTweet(ctx, via, m, storage.OriginSuggestion)
		}
	}
}

// splitCommand separates a leading /command from its arguments. Commands
// addressed to another bot ("/queue@otherbot") are normalized.
func splitCommand(text string) (cmd, args string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, args, _ = strings.Cut(text, " ")
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return cmd, strings.TrimSpace(args)
}

func looksLikeTweet(text string) bool {
	return strings.Contains(text, "twitter.com/") || strings.Contains(text, "x.com/")
}

func (r *Router) reply(ctx context.Context, via kit.Adapter, chatID int64, text string) {
	if _, err := via.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}
