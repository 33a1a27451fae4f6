package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Capture   CaptureConfig   `json:"capture"`
	Submit    SubmitConfig    `json:"submit,omitempty"`
	Schedule  ScheduleConfig  `json:"schedule,omitempty"`
	Publish   PublishConfig   `json:"publish,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Storage   StorageConfig   `json:"storage"`
}

// TelegramConfig holds the two bot tokens and the chats the bot talks to.
//
// AdminToken serves the admin review chat; SuggestionsToken serves the public
// suggestions chat. ChannelChatID is the destination channel posts go to.
type TelegramConfig struct {
	AdminToken        string  `json:"admin_token"`
	SuggestionsToken  string  `json:"suggestions_token"`
	ChannelChatID     int64   `json:"channel_chat_id"`
	AdminChatID       int64   `json:"admin_chat_id"`
	SuggestionsChatID int64   `json:"suggestions_chat_id"`
	ChannelName       string  `json:"channel_name"`
	AdminUserIDs      []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards WARN+ log lines to the admin chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// CaptureConfig controls the capture worker loop and the capture sidecar
// client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type CaptureConfig struct {
	// Endpoint is the base URL of the capture sidecar.
	Endpoint string `json:"endpoint"`
	Timeout  string `json:"timeout,omitempty"`

	Workers      int    `json:"workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`

	// RetryMax caps capture attempts per queue item (default 3).
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`

	// IncludeReferenceSnapshot asks the sidecar to render quoted/replied-to
	// tweets as an extra media item.
	IncludeReferenceSnapshot bool `json:"include_reference_snapshot,omitempty"`
}

// SubmitConfig controls the submission gate.
type SubmitConfig struct {
	// UserHourlyLimit is the rolling-hour submission cap per non-admin
	// submitter. 0 means unlimited.
	UserHourlyLimit int `json:"user_hourly_limit,omitempty"`
}

// ScheduleConfig controls slot allocation.
type ScheduleConfig struct {
	// MinGap is the minimum spacing between any two same-day posts.
	MinGap string `json:"min_gap,omitempty"`

	// BaseCapacity is the unweighted per-hour slot count.
	// capacity(h) = ceil(BaseCapacity * weight(h)).
	BaseCapacity int `json:"base_capacity,omitempty"`

	// HourWeights overrides the default 24-entry weight table (index = hour).
	HourWeights []float64 `json:"hour_weights,omitempty"`

	// HorizonDays bounds how far ahead auto-scheduling searches.
	HorizonDays int `json:"horizon_days,omitempty"`
}

// PublishConfig controls the publisher loop.
type PublishConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryDelay   string `json:"retry_delay,omitempty"`

	// StallAfter is how long an item may sit in `publishing` before the
	// recovery sweep inspects it.
	StallAfter string `json:"stall_after,omitempty"`
}

// RetentionConfig bounds store growth.
type RetentionConfig struct {
	// Keep is the number of terminal records to preserve, clamped to
	// [500, 5000].
	Keep int `json:"keep,omitempty"`
	// Sweep is a cron spec or interval (robfig/cron "@every 1h" style also
	// accepted).
	Sweep string `json:"sweep,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

const (
	DefaultMinGap       = 5 * time.Minute
	DefaultBaseCapacity = 4
	DefaultHorizonDays  = 7
	DefaultRetainKeep   = 1000
	RetainKeepMin       = 500
	RetainKeepMax       = 5000
)

// DefaultHourWeights is the relative demand table: quiet nights, busy
// evenings. Index = hour of day.
func DefaultHourWeights() []float64 {
	w := make([]float64, 24)
	for h := 0; h < 24; h++ {
		switch {
		case h >= 2 && h <= 6:
			w[h] = 0.3
		case h >= 7 && h <= 11:
			w[h] = 0.7
		case h >= 12 && h <= 19:
			w[h] = 0.8
		case h >= 20 && h <= 22:
			w[h] = 1.5
		default: // 23, 0, 1
			w[h] = 1.3
		}
	}
	return w
}

// Validate checks cross-field constraints that strict decoding can't.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.AdminToken) == "" {
		return fmt.Errorf("telegram.admin_token is required")
	}
	if c.Telegram.ChannelChatID == 0 {
		return fmt.Errorf("telegram.channel_chat_id is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if n := len(c.Schedule.HourWeights); n != 0 && n != 24 {
		return fmt.Errorf("schedule.hour_weights must have 24 entries, got %d", n)
	}
	for i, w := range c.Schedule.HourWeights {
		if w < 0 {
			return fmt.Errorf("schedule.hour_weights[%d] must be >= 0", i)
		}
	}
	if c.Submit.UserHourlyLimit < 0 {
		return fmt.Errorf("submit.user_hourly_limit must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"capture.timeout", c.Capture.Timeout},
		{"capture.poll_interval", c.Capture.PollInterval},
		{"capture.retry_delay", c.Capture.RetryDelay},
		{"schedule.min_gap", c.Schedule.MinGap},
		{"publish.poll_interval", c.Publish.PollInterval},
		{"publish.retry_delay", c.Publish.RetryDelay},
		{"publish.stall_after", c.Publish.StallAfter},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// RetainKeep returns the retention keep-count with defaults and clamps
// applied.
func (c *Config) RetainKeep() int {
	k := c.Retention.Keep
	if k == 0 {
		k = DefaultRetainKeep
	}
	if k < RetainKeepMin {
		k = RetainKeepMin
	}
	if k > RetainKeepMax {
		k = RetainKeepMax
	}
	return k
}
