package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: DEBUG
scheduler:
  timezone: UTC
  max_concurrent: 2
  retry_delay: 2s
coordinator:
  run_on_start: true
  random_delay_min: 0s
  random_delay_max: 0s
  sources:
    - name: Reddit
      schedule: "*/15 * * * *"
      rate_limit: {max: 4, window: 1h}
      min_interval: 15m
      priority: 8
      params: {sort: new, limit: "50"}
    - name: ebay
      schedule: "@every 30m"
      enabled: false
      endpoint: https://api.example.com/search
      rate_limit: {max: 2, window: 1h}
  watchlist:
    - name: sub
      keywords: [submariner]
      target_price: 9000
storage:
  driver: sqlite3
telegram:
  enabled: true
  token: "123:abc"
  chat_id: -1001
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != DefaultSQLitePath {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Telegram.AdminChatID != -1001 {
		t.Fatalf("admin chat = %d, want chat_id fallback", cfg.Telegram.AdminChatID)
	}
	if cfg.Admin.Addr != DefaultAdminAddr || cfg.Broadcast.RedisChannel != DefaultRedisChannel {
		t.Fatalf("admin/broadcast defaults = %q %q", cfg.Admin.Addr, cfg.Broadcast.RedisChannel)
	}
	src := cfg.Coordinator.Sources
	if len(src) != 2 || src[0].Name != "reddit" || src[0].RateLimit.Window != "1h" || src[0].Params["limit"] != "50" {
		t.Fatalf("sources = %+v", src)
	}
	if src[1].Enabled == nil || *src[1].Enabled {
		t.Fatalf("ebay enabled = %v, want explicit false", src[1].Enabled)
	}
	if cfg.Coordinator.RandomDelayMax == nil || *cfg.Coordinator.RandomDelayMax != "0s" {
		t.Fatalf("random_delay_max = %v", cfg.Coordinator.RandomDelayMax)
	}
}

func TestDecodeJSONStrict(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"storage":{"driver":"memory"}}`)); err != nil {
		t.Fatalf("Decode minimal error: %v", err)
	}
	if _, err := Decode("c.json", []byte(`{"storage":{"driver":"memory"},"plugins":{}}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"postgres without dsn", `{"storage":{"driver":"postgres"}}`, "storage.dsn"},
		{"unknown driver", `{"storage":{"driver":"mongo"}}`, "unknown storage.driver"},
		{"bad duration", `{"scheduler":{"retry_delay":"soon"}}`, "scheduler.retry_delay"},
		{"negative duration", `{"notifier":{"retry_base":"-1s"}}`, "notifier.retry_base"},
		{"bad timezone", `{"scheduler":{"timezone":"Mars/Olympus"}}`, "scheduler.timezone"},
		{"duplicate source", `{"coordinator":{"sources":[{"name":"a","schedule":"@hourly"},{"name":"A","schedule":"@hourly"}]}}`, "duplicate source"},
		{"missing schedule", `{"coordinator":{"sources":[{"name":"a"}]}}`, "schedule is required"},
		{"telegram without token", `{"telegram":{"enabled":true,"chat_id":1}}`, "telegram.token"},
		{"bad watch item", `{"coordinator":{"watchlist":[{"name":"x","keywords":[],"target_price":0}]}}`, "watchlist[0]"},
		{"low traffic hour", `{"coordinator":{"low_traffic_start":25}}`, "low_traffic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode("c.json", []byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Decode error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret-1"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "secret-2"}, Scheduler: SchedulerConfig{Paused: true}}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "scheduler,telegram" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if s, _ := SummarizeConfigChange(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("identical configs changed = %v", s)
	}
}

func TestManagerWatchReloads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(doc string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"storage":{"driver":"memory"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	write(`{"storage":{"driver":"memory"},"scheduler":{"paused":true}}`)
	select {
	case cfg := <-sub:
		if !cfg.Scheduler.Paused {
			t.Fatalf("reloaded config paused = false")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	if !m.Get().Scheduler.Paused {
		t.Fatal("Get() not updated after reload")
	}

	// Invalid content is not committed.
	write(`{"storage":{"driver":"mongo"}}`)
	time.Sleep(600 * time.Millisecond)
	if m.Get().Storage.Driver != "memory" {
		t.Fatalf("invalid reload committed: %+v", m.Get().Storage)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("parse = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-3s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}
