// Package app wires the services together: config, logging, storage, the
// two bot adapters and the worker loops, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"time"

	"zambot/internal/capture"
	"zambot/internal/config"
	"zambot/internal/eventbus"
	"zambot/internal/publish"
	"zambot/internal/retention"
	"zambot/internal/router"
	"zambot/internal/runtime/supervisor"
	"zambot/internal/schedule"
	"zambot/internal/storage"
	"zambot/internal/submit"
	kit "zambot/internal/transport"
	"zambot/internal/transport/telegram"
	"zambot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	adminBot kit.Adapter
	sugBot   kit.Adapter

	gate    *submit.Gate
	engine  *schedule.Engine
	captor  *capture.Loop
	pub     *publish.Loop
	sweeper *retention.Sweeper
	router  *router.Router

	adminUpdates chan kit.Update
	sugUpdates   chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adminBot, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.AdminToken,
		PollTimeout: pollTimeout,
	}, bootLog.With(logx.String("comp", "telegram.admin")))
	if err != nil {
		return nil, fmt.Errorf("admin bot: %w", err)
	}

	// The suggestions bot is optional; a single-bot setup serves both
	// chats from the admin token.
	var sugBot kit.Adapter = adminBot
	if cfg.Telegram.SuggestionsToken != "" && cfg.Telegram.SuggestionsToken != cfg.Telegram.AdminToken {
		sb, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.SuggestionsToken,
			PollTimeout: pollTimeout,
		}, bootLog.With(logx.String("comp", "telegram.suggestions")))
		if err != nil {
			return nil, fmt.Errorf("suggestions bot: %w", err)
		}
		sugBot = sb
	}

	// Bootstrap logging with the Telegram sink disabled, point it at the
	// admin chat, then apply the real config. Avoids a warning about a
	// missing target during startup.
	logCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    false,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(logCfg, adminBot)
	log = log.With(logx.String("comp", "app"))
	if cfg.Telegram.AdminChatID != 0 {
		logSvc.SetTelegramTarget(cfg.Telegram.AdminChatID)
	}
	logCfg.Telegram.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(logCfg)

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	gate := submit.NewGate(store, cfg.Submit.UserHourlyLimit, log)

	minGap, err := config.ParseDurationOrDefault("schedule.min_gap", cfg.Schedule.MinGap, config.DefaultMinGap)
	if err != nil {
		return nil, err
	}
	weights := cfg.Schedule.HourWeights
	if len(weights) != 24 {
		weights = config.DefaultHourWeights()
	}
	engine := schedule.NewEngine(store, schedule.Options{
		MinGap:       minGap,
		BaseCapacity: cfg.Schedule.BaseCapacity,
		HourWeights:  weights,
		HorizonDays:  cfg.Schedule.HorizonDays,
	}, log)

	rt := router.New(store, gate, engine, adminBot, sugBot, router.Options{
		AdminChatID:       cfg.Telegram.AdminChatID,
		SuggestionsChatID: cfg.Telegram.SuggestionsChatID,
		AdminUserIDs:      cfg.Telegram.AdminUserIDs,
		ChannelName:       cfg.Telegram.ChannelName,
	}, log)

	captureTimeout, err := config.ParseDurationOrDefault("capture.timeout", cfg.Capture.Timeout, 60*time.Second)
	if err != nil {
		return nil, err
	}
	capturePoll, err := config.ParseDurationOrDefault("capture.poll_interval", cfg.Capture.PollInterval, 5*time.Second)
	if err != nil {
		return nil, err
	}
	captureRetryDelay, err := config.ParseDurationOrDefault("capture.retry_delay", cfg.Capture.RetryDelay, 15*time.Second)
	if err != nil {
		return nil, err
	}
	captor := capture.NewLoop(store,
		capture.NewHTTPClient(cfg.Capture.Endpoint, captureTimeout, log),
		rt, bus, capture.Options{
			Workers:                  cfg.Capture.Workers,
			PollInterval:             capturePoll,
			RetryMax:                 cfg.Capture.RetryMax,
			RetryDelay:               captureRetryDelay,
			IncludeReferenceSnapshot: cfg.Capture.IncludeReferenceSnapshot,
		}, log)

	publishPoll, err := config.ParseDurationOrDefault("publish.poll_interval", cfg.Publish.PollInterval, 10*time.Second)
	if err != nil {
		return nil, err
	}
	publishRetryDelay, err := config.ParseDurationOrDefault("publish.retry_delay", cfg.Publish.RetryDelay, time.Minute)
	if err != nil {
		return nil, err
	}
	stallAfter, err := config.ParseDurationOrDefault("publish.stall_after", cfg.Publish.StallAfter, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	pub := publish.NewLoop(store, adminBot, bus, publish.Options{
		Channel:      kit.ChatTarget{ChatID: cfg.Telegram.ChannelChatID},
		PollInterval: publishPoll,
		RetryMax:     cfg.Publish.RetryMax,
		RetryDelay:   publishRetryDelay,
		StallAfter:   stallAfter,
	}, log)

	sweeper := retention.NewSweeper(store, retention.Options{
		Keep: cfg.RetainKeep(),
		Spec: cfg.Retention.Sweep,
	}, log)

	return &App{
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		adminBot:     adminBot,
		sugBot:       sugBot,
		gate:         gate,
		engine:       engine,
		captor:       captor,
		pub:          pub,
		sweeper:      sweeper,
		router:       rt,
		adminUpdates: make(chan kit.Update, 256),
		sugUpdates:   make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.FirstErr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	sctx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.apply", a.applyReloads)

	if err := a.adminBot.Start(sctx, a.adminUpdates); err != nil {
		return err
	}
	if a.sugBot != a.adminBot {
		if err := a.sugBot.Start(sctx, a.sugUpdates); err != nil {
			return err
		}
	}

	a.sup.Go("router.admin", func(c context.Context) error {
		return a.router.RunAdmin(c, a.adminUpdates)
	})
	a.sup.Go("router.events", func(c context.Context) error {
		return a.router.RunEvents(c, a.bus)
	})
	if a.sugBot != a.adminBot {
		a.sup.Go("router.suggestions", func(c context.Context) error {
			return a.router.RunSuggestions(c, a.sugUpdates)
		})
	}

	for i := 0; i < a.captor.Workers(); i++ {
		workerID := fmt.Sprintf("capture-%d", i+1)
		a.sup.GoRestart("capture."+workerID, func(c context.Context) error {
			return a.captor.Run(c, workerID)
		}, supervisor.RestartOptions{})
	}

	a.sup.GoRestart("publisher", a.pub.Run, supervisor.RestartOptions{})

	if err := a.sweeper.Start(sctx); err != nil {
		return err
	}

	a.log.Info("started")
	return nil
}

// applyReloads pushes hot-reloadable settings from committed config changes
// into the running services. Structural settings (tokens, storage path,
// schedule shape) need a restart and are left alone.
func (a *App) applyReloads(ctx context.Context) error {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg := <-ch:
			if cfg == nil {
				continue
			}
			a.gate.SetHourlyLimit(cfg.Submit.UserHourlyLimit)
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
				Telegram: logx.TelegramConfig{
					Enabled:    cfg.Logging.Telegram.Enabled,
					MinLevel:   cfg.Logging.Telegram.MinLevel,
					RatePerSec: cfg.Logging.Telegram.RatePerSec,
				},
			})
			a.log.Info("config reloaded")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		a.sup.Cancel()
	}
	a.sweeper.Stop()

	_ = a.adminBot.Stop(ctx)
	if a.sugBot != a.adminBot {
		_ = a.sugBot.Stop(ctx)
	}

	if a.sup != nil {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.sup.Wait(wctx); err != nil {
			a.log.Warn("shutdown incomplete", logx.Err(err))
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	return a.logs.Close()
}
