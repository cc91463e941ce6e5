package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scrapewatch/internal/config"
	"scrapewatch/internal/scraper"
	logx "scrapewatch/pkg/logx"
)

func decode(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("config.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	return cfg
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	cfg := decode(t, `
storage: {driver: memory}
scheduler:
  max_concurrent: 5
  queue_enabled: false
  retry_delay: 1s
  shutdown_grace: 10s
`)
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ec := sc.Engine
	if ec.MaxConcurrent != 5 || ec.QueueEnabled || ec.RetryDelay != time.Second {
		t.Fatalf("engine = %+v", ec)
	}
	if ec.RetryMax != 3 || ec.DefaultTimeout != 5*time.Minute || ec.DisableAfter != 5 || ec.HistorySize != 100 {
		t.Fatalf("engine defaults = %+v", ec)
	}
	if sc.ShutdownGrace != 10*time.Second {
		t.Fatalf("ShutdownGrace = %v", sc.ShutdownGrace)
	}
}

func TestMapCoordinatorConfig(t *testing.T) {
	t.Parallel()

	cc, err := mapCoordinatorConfig(decode(t, `storage: {driver: memory}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cc.Sources) != 3 || cc.Sources[0].Name != "reddit" {
		t.Fatalf("default sources = %+v", cc.Sources)
	}
	if cc.JobRetries != 3 || cc.DisableAfter != 5 || cc.RandomDelayMin != 2*time.Second {
		t.Fatalf("defaults = %+v", cc)
	}

	cc, err = mapCoordinatorConfig(decode(t, `
storage: {driver: memory}
coordinator:
  random_delay_min: 0s
  random_delay_max: 0s
  low_traffic_start: 0
  low_traffic_end: 0
  sources:
    - name: shop
      schedule: "@every 10m"
      rate_limit: {max: 2, window: 1h}
      min_interval: 5m
    - name: off
      schedule: "0 * * * *"
      enabled: false
`))
	if err != nil {
		t.Fatal(err)
	}
	if cc.RandomDelayMax != 0 || cc.LowTrafficEnd != 0 {
		t.Fatalf("explicit zeros not kept: %+v", cc)
	}
	shop := cc.Sources[0]
	if !shop.Enabled || shop.Schedule != "@every 10m" || shop.MinInterval != 5*time.Minute || shop.RateLimit.Max != 2 || shop.RateLimit.Window != time.Hour {
		t.Fatalf("shop = %+v", shop)
	}
	if cc.Sources[1].Enabled {
		t.Fatal("off source enabled")
	}
}

func TestMapCoordinatorRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := decode(t, `storage: {driver: memory}`)
	cfg.Coordinator.Sources = []config.SourceConfig{{Name: "x", Schedule: "every tuesday"}}
	if _, err := mapCoordinatorConfig(cfg); err == nil || !strings.Contains(err.Error(), "coordinator.sources.x.schedule") {
		t.Fatalf("err = %v", err)
	}
}

func TestDisableAfterIsShared(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		doc     string
		want    int
		wantErr bool
	}{
		{"default", "storage: {driver: memory}", 5, false},
		{"from scheduler", "scheduler: {disable_after: 3}", 3, false},
		{"matching", "scheduler: {disable_after: 3}\ncoordinator: {disable_after: 3}", 3, false},
		{"coordinator only", "coordinator: {disable_after: 3}", 0, true},
		{"mismatch", "scheduler: {disable_after: 3}\ncoordinator: {disable_after: 4}", 0, true},
	}
	for _, tt := range tests {
		cc, err := mapCoordinatorConfig(decode(t, tt.doc))
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "disable_after") {
				t.Fatalf("%s: err = %v, want disable_after mismatch", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		sc, err := mapSchedulerConfig(decode(t, tt.doc))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if cc.DisableAfter != tt.want || sc.Engine.DisableAfter != tt.want {
			t.Fatalf("%s: coordinator %d, engine %d, want %d", tt.name, cc.DisableAfter, sc.Engine.DisableAfter, tt.want)
		}
	}
}

func TestBuildFetchersDisablesUnfetchable(t *testing.T) {
	t.Parallel()
	cfg := decode(t, `storage: {driver: memory}`)
	cc, err := mapCoordinatorConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := buildFetchers(cfg, &cc, http.DefaultClient, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !reg.Has("reddit") || reg.Has("ebay") {
		t.Fatalf("registered = %v", reg.Sources())
	}
	for _, s := range cc.Sources {
		if want := s.Name == "reddit"; s.Enabled != want {
			t.Fatalf("%s enabled = %v, want %v", s.Name, s.Enabled, want)
		}
	}
}

func TestMapNotifierLogOnly(t *testing.T) {
	t.Parallel()
	nc, err := mapNotifierConfig(decode(t, `
storage: {driver: memory}
notifier: {batch_spacing: 250ms}
`))
	if err != nil {
		t.Fatal(err)
	}
	if !nc.Enabled || nc.ChatID != logOnlyChat || nc.BatchSpacing != 250*time.Millisecond {
		t.Fatalf("notifier = %+v", nc)
	}
}

func TestAppRunSource(t *testing.T) {
	t.Parallel()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "rolex" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"id":"1","title":"Rolex Submariner 116610","price":8000},
			{"id":"2","title":"Rolex Datejust","price":"$6,500"}
		]}`))
	}))
	t.Cleanup(api.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
logging: {level: error}
storage: {driver: memory}
coordinator:
  random_delay_min: 0s
  random_delay_max: 0s
  sources:
    - name: shop
      schedule: "@every 1h"
      query: rolex
      endpoint: ` + api.URL + `
  watchlist:
    - name: sub
      keywords: [submariner]
      target_price: 9000
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, StopAppStop)
	})

	res, err := a.RunSource(ctx, "shop")
	if err != nil {
		t.Fatalf("RunSource error: %v", err)
	}
	if !res.Success || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	sr, ok := res.Value.(scraper.ScrapeResult)
	if !ok || sr.Found != 2 || sr.Saved != 2 || sr.Alerts != 1 {
		t.Fatalf("scrape = %+v", res.Value)
	}

	if _, err := a.RunSource(ctx, "nope"); err == nil {
		t.Fatal("unknown source accepted")
	}
}

func TestAppStartStop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
logging: {level: error}
scheduler: {paused: true, shutdown_grace: 1s, shutdown_poll: 10ms}
storage: {driver: file, path: ` + filepath.Join(dir, "store") + `}
admin: {enabled: true, addr: "127.0.0.1:0"}
broadcast: {enabled: true}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if st := a.Coordinator().Status(); !st.Paused {
		t.Fatalf("status = %+v, want paused from config", st)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}
