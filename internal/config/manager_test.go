package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalJSON = `{
  "telegram": {"admin_token": "123:abc", "channel_chat_id": -100200, "admin_chat_id": 42},
  "logging": {"level": "info", "console": true},
  "capture": {"endpoint": "http://localhost:8080"},
  "storage": {"path": "./zambot.db"}
}`

func TestParseMinimalJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", minimalJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.AdminToken != "123:abc" {
		t.Fatalf("admin token = %q", cfg.Telegram.AdminToken)
	}
	if cfg.Telegram.ChannelChatID != -100200 {
		t.Fatalf("channel chat id = %d", cfg.Telegram.ChannelChatID)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit the parsed config")
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	body := strings.Replace(minimalJSON, `"logging"`, `"loging"`, 1)
	m := NewManager(writeConfig(t, "config.json", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("misspelled section accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", minimalJSON+"\n{}"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing JSON document accepted")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	body := `
telegram:
  admin_token: "123:abc"
  channel_chat_id: -100200
  admin_chat_id: 42
  admin_user_ids: [1, 2]
logging:
  level: debug
  console: true
capture:
  endpoint: http://localhost:8080
  retry_delay: 30s
schedule:
  base_capacity: 6
  min_gap: 10m
storage:
  path: ./zambot.db
`
	m := NewManager(writeConfig(t, "config.yaml", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.BaseCapacity != 6 || cfg.Schedule.MinGap != "10m" {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 {
		t.Fatalf("admin user ids = %v", cfg.Telegram.AdminUserIDs)
	}
}

func TestParseYAMLRejectsUnknownField(t *testing.T) {
	t.Parallel()
	body := `
telegram:
  admin_token: "123:abc"
  channel_chat_id: -100200
logging: {level: info, console: true}
capture: {endpoint: http://localhost:8080}
storage: {path: ./zambot.db}
shedule: {base_capacity: 6}
`
	m := NewManager(writeConfig(t, "config.yaml", body))
	if _, err := m.Parse(); err == nil {
		t.Fatal("misspelled YAML section accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() Config {
		return Config{
			Telegram: TelegramConfig{AdminToken: "123:abc", ChannelChatID: -1},
			Storage:  StorageConfig{Path: "x.db"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.AdminToken = " " }, "admin_token"},
		{"missing channel", func(c *Config) { c.Telegram.ChannelChatID = 0 }, "channel_chat_id"},
		{"missing db path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"short weight table", func(c *Config) { c.Schedule.HourWeights = []float64{1, 2, 3} }, "24 entries"},
		{"negative weight", func(c *Config) {
			w := DefaultHourWeights()
			w[5] = -1
			c.Schedule.HourWeights = w
		}, "hour_weights[5]"},
		{"negative hourly limit", func(c *Config) { c.Submit.UserHourlyLimit = -1 }, "user_hourly_limit"},
		{"bad duration", func(c *Config) { c.Publish.StallAfter = "five minutes" }, "publish.stall_after"},
		{"negative duration", func(c *Config) { c.Capture.Timeout = "-3s" }, "capture.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestRetainKeepClamps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   int
		want int
	}{
		{0, DefaultRetainKeep},
		{100, RetainKeepMin},
		{2000, 2000},
		{999999, RetainKeepMax},
	}
	for _, tt := range tests {
		c := Config{Retention: RetentionConfig{Keep: tt.in}}
		if got := c.RetainKeep(); got != tt.want {
			t.Errorf("RetainKeep(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDefaultHourWeights(t *testing.T) {
	t.Parallel()
	w := DefaultHourWeights()
	if len(w) != 24 {
		t.Fatalf("len = %d", len(w))
	}
	if w[4] != 0.3 || w[9] != 0.7 || w[14] != 0.8 || w[21] != 1.5 || w[23] != 1.3 || w[0] != 1.3 {
		t.Fatalf("unexpected weight table: %v", w)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}

func TestSubscribePublishDropsStale(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{}
	b := &Config{Submit: SubmitConfig{UserHourlyLimit: 5}}
	m.publish(a)
	m.publish(b) // slow subscriber: a is dropped for b

	select {
	case got := <-ch:
		if got != b {
			t.Fatalf("got stale config %+v, want latest", got)
		}
	default:
		t.Fatal("no config delivered")
	}
}
