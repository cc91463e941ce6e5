package scraper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scrapewatch/internal/alerts"
	"scrapewatch/internal/listing"
	"scrapewatch/internal/notifier"
	"scrapewatch/internal/storage"
	"scrapewatch/internal/task/engine"
	"scrapewatch/internal/task/scheduler"
	logx "scrapewatch/pkg/logx"
)

type fetchFunc func(ctx context.Context, source, query string, params map[string]string) ([]listing.Listing, error)

func (f fetchFunc) Fetch(ctx context.Context, source, query string, params map[string]string) ([]listing.Listing, error) {
	return f(ctx, source, query, params)
}

type fakeNotifier struct {
	mu      sync.Mutex
	batches [][]alerts.Alert
	admin   []string
}

func (n *fakeNotifier) SendBatch(_ context.Context, batch []alerts.Alert) notifier.BatchResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, batch)
	return notifier.BatchResult{Sent: len(batch)}
}

func (n *fakeNotifier) SendAdminMessage(_ context.Context, text string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.admin = append(n.admin, text)
	return true
}

func (n *fakeNotifier) adminMessages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.admin...)
}

type emitted struct {
	name string
	data any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *fakeEmitter) Emit(name string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{name: name, data: data})
}

func (e *fakeEmitter) find(name string) (emitted, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.name == name {
			return ev, true
		}
	}
	return emitted{}, false
}

type harness struct {
	c       *Coordinator
	store   storage.Store
	notif   *fakeNotifier
	emitter *fakeEmitter
}

func testSources() []SourceConfig {
	return []SourceConfig{
		{Name: "reddit", Schedule: "*/15 * * * *", Enabled: true, Priority: 8},
		{Name: "ebay", Schedule: "*/30 * * * *", Enabled: true, Priority: 6},
	}
}

func newHarness(t *testing.T, cfg Config, f Fetcher) harness {
	t.Helper()
	scfg := scheduler.Config{Engine: engine.DefaultConfig()}
	scfg.Engine.RetryDelay = time.Millisecond
	scfg.ShutdownGrace = 500 * time.Millisecond
	scfg.ShutdownPoll = 5 * time.Millisecond
	sched := scheduler.New(scfg, logx.Nop(), nil)

	if cfg.Sources == nil {
		cfg.Sources = testSources()
	}
	if cfg.JobRetries == 0 {
		cfg.JobRetries = 1
	}
	store := storage.NewMemory()
	h := harness{store: store, notif: &fakeNotifier{}, emitter: &fakeEmitter{}}
	c, err := New(cfg, Deps{
		Scheduler:   sched,
		Fetcher:     f,
		Store:       store,
		Alerts:      alerts.New(store, logx.Nop()),
		Notifier:    h.notif,
		Broadcaster: h.emitter,
		Log:         logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	h.c = c
	return h
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	sched := scheduler.New(scheduler.Config{}, logx.Nop(), nil)
	ok := fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) { return nil, nil })

	if _, err := New(Config{}, Deps{Scheduler: sched, Fetcher: ok}); err == nil {
		t.Fatal("New without store succeeded")
	}
	dup := Config{Sources: []SourceConfig{{Name: "reddit", Schedule: "@hourly"}, {Name: "reddit", Schedule: "@hourly"}}}
	if _, err := New(dup, Deps{Scheduler: sched, Fetcher: ok, Store: storage.NewMemory()}); err == nil {
		t.Fatal("New with duplicate sources succeeded")
	}
}

func TestRegistersEnabledSources(t *testing.T) {
	t.Parallel()
	cfg := Config{Sources: []SourceConfig{
		{Name: "reddit", Schedule: "*/15 * * * *", Enabled: true, Priority: 8, RateLimit: engine.RateLimit{Max: 4, Window: time.Hour}},
		{Name: "watchuseek", Schedule: "0 * * * *", Enabled: false},
	}}
	h := newHarness(t, cfg, fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) { return nil, nil }))

	eng := h.c.sched.Engine()
	if !eng.Has("scrape:reddit") {
		t.Fatal("scrape:reddit not registered")
	}
	if eng.Has("scrape:watchuseek") {
		t.Fatal("disabled source registered")
	}
	st, _ := eng.Job("scrape:reddit")
	if st.Priority != 8 || st.Schedule != "*/15 * * * *" {
		t.Fatalf("job = %+v", st)
	}

	status := h.c.Status()
	if status.TotalSources != 2 || status.EnabledSources != 1 {
		t.Fatalf("status sources = %d/%d, want 1/2", status.EnabledSources, status.TotalSources)
	}

	if !h.c.EnableSource("watchuseek") {
		t.Fatal("EnableSource(watchuseek) = false")
	}
	if !eng.Has("scrape:watchuseek") {
		t.Fatal("EnableSource did not register job")
	}
	if h.c.EnableSource("nope") {
		t.Fatal("EnableSource(unknown) = true")
	}
}

func TestEnableSourceWhileRunningSchedulesIt(t *testing.T) {
	t.Parallel()
	cfg := Config{Sources: []SourceConfig{
		{Name: "reddit", Schedule: "*/15 * * * *", Enabled: true},
		{Name: "watchuseek", Schedule: "0 * * * *", Enabled: false},
	}}
	h := newHarness(t, cfg, fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) { return nil, nil }))

	ctx := context.Background()
	h.c.Start(ctx)
	defer h.c.Shutdown(ctx)

	if !h.c.EnableSource("watchuseek") {
		t.Fatal("EnableSource(watchuseek) = false")
	}
	active := map[string]bool{}
	for _, si := range h.c.sched.Snapshot().Schedules {
		active[si.Name] = si.Active && !si.Next.IsZero()
	}
	for _, job := range []string{"scrape:reddit", "scrape:watchuseek"} {
		if !active[job] {
			t.Fatalf("%s not scheduled after EnableSource: %v", job, active)
		}
	}
}

func TestScrapeSavesAndAlerts(t *testing.T) {
	t.Parallel()
	f := fetchFunc(func(_ context.Context, source, _ string, _ map[string]string) ([]listing.Listing, error) {
		return []listing.Listing{
			{ID: "w1", Title: "Rolex Submariner", Price: 8000, TargetPrice: 9000},
			{ID: "w2", Title: "Omega Speedmaster", Price: 5000, TargetPrice: 4000},
			{ID: "w3", Title: "Tudor BB58", Price: 3000},
		}, nil
	})
	h := newHarness(t, Config{}, f)
	ctx := context.Background()

	res, err := h.c.TriggerSource(ctx, "reddit")
	if err != nil {
		t.Fatalf("TriggerSource error: %v", err)
	}
	if !res.Success || res.Skipped {
		t.Fatalf("result = %+v, want success", res)
	}
	sr, ok := res.Value.(ScrapeResult)
	if !ok || sr.Found != 3 || sr.Saved != 3 || sr.Alerts != 1 {
		t.Fatalf("value = %#v", res.Value)
	}

	if len(h.notif.batches) != 1 || len(h.notif.batches[0]) != 1 || h.notif.batches[0][0].Item.ID != "w1" {
		t.Fatalf("batches = %+v", h.notif.batches)
	}
	ev, ok := h.emitter.find("alerts:triggered")
	if !ok {
		t.Fatal("alerts:triggered not emitted")
	}
	if data := ev.data.(map[string]any); data["count"] != 1 {
		t.Fatalf("alerts:triggered count = %v, want 1", data["count"])
	}
	if _, ok := h.emitter.find("scraper:newListings"); !ok {
		t.Fatal("scraper:newListings not emitted")
	}
	if _, ok := h.emitter.find("scraper:success"); !ok {
		t.Fatal("scraper:success not emitted")
	}

	saved, _ := h.store.Listings(ctx, "reddit", 10)
	if len(saved) != 3 || saved[0].Source != "reddit" || saved[0].Currency != "USD" {
		t.Fatalf("saved listings = %+v", saved)
	}
	if run, ok, _ := h.store.LastRun(ctx, "reddit"); !ok || run.Found != 3 || run.Alerts != 1 || run.ID == "" {
		t.Fatalf("last run = %+v, %v", run, ok)
	}

	// Same prices again: already alerted.
	res, _ = h.c.TriggerSource(ctx, "reddit")
	if sr := res.Value.(ScrapeResult); sr.Alerts != 0 {
		t.Fatalf("second scrape alerts = %d, want 0", sr.Alerts)
	}

	st := h.c.Status().Sources["reddit"]
	if st.TotalRequests != 2 || st.ConsecutiveFailures != 0 || st.LastSuccess.IsZero() || st.LastScrape.IsZero() {
		t.Fatalf("source status = %+v", st)
	}
}

func TestWatchlistTargets(t *testing.T) {
	t.Parallel()
	f := fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) {
		return []listing.Listing{{ID: "s1", Title: "Rolex Submariner 124060", Price: 8500}}, nil
	})
	h := newHarness(t, Config{}, f)
	h.c.targets = alerts.NewWatchlist([]alerts.WatchItem{{Name: "sub", Keywords: []string{"submariner"}, TargetPrice: 9000}})

	res, _ := h.c.TriggerSource(context.Background(), "reddit")
	if sr := res.Value.(ScrapeResult); sr.Alerts != 1 {
		t.Fatalf("alerts = %d, want 1", sr.Alerts)
	}
	if a := h.notif.batches[0][0]; a.TargetPrice != 9000 || a.ItemType != alerts.TypeWatch {
		t.Fatalf("alert = %+v", a)
	}
}

func TestSkipWhenScrapedRecently(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	f := fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) {
		calls.Add(1)
		return nil, nil
	})
	cfg := Config{Sources: []SourceConfig{{Name: "reddit", Schedule: "@hourly", Enabled: true, MinInterval: time.Hour}}}
	h := newHarness(t, cfg, f)
	ctx := context.Background()

	if err := h.store.RecordRun(ctx, listing.Run{Source: "reddit", Status: listing.RunSuccess, FinishedAt: time.Now().Add(-10 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	res, _ := h.c.TriggerSource(ctx, "reddit")
	if !res.Success || !res.Skipped {
		t.Fatalf("result = %+v, want skipped", res)
	}
	if sk, ok := res.Value.(engine.Skipped); !ok || sk.Reason != "scraped recently" {
		t.Fatalf("value = %#v, want scraped recently", res.Value)
	}
	if calls.Load() != 0 {
		t.Fatalf("fetch calls = %d, want 0", calls.Load())
	}
	// Skips leave source health alone.
	if st := h.c.Status().Sources["reddit"]; st.TotalRequests != 0 {
		t.Fatalf("TotalRequests = %d after skip, want 0", st.TotalRequests)
	}
}

func TestLowTrafficHours(t *testing.T) {
	t.Parallel()
	fetched := map[string]int{}
	var mu sync.Mutex
	f := fetchFunc(func(_ context.Context, source, _ string, _ map[string]string) ([]listing.Listing, error) {
		mu.Lock()
		fetched[source]++
		mu.Unlock()
		return nil, nil
	})
	h := newHarness(t, Config{LowTrafficStart: 2, LowTrafficEnd: 6}, f)
	h.c.now = func() time.Time { return time.Date(2024, 5, 1, 3, 30, 0, 0, time.Local) }

	ctx := context.Background()
	if res, _ := h.c.TriggerSource(ctx, "ebay"); !res.Skipped {
		t.Fatalf("ebay at 03:30 = %+v, want skipped", res)
	}
	if res, _ := h.c.TriggerSource(ctx, "reddit"); !res.Success || res.Skipped {
		t.Fatalf("reddit at 03:30 = %+v, want run", res)
	}

	h.c.now = func() time.Time { return time.Date(2024, 5, 1, 6, 0, 0, 0, time.Local) }
	if res, _ := h.c.TriggerSource(ctx, "ebay"); res.Skipped {
		t.Fatalf("ebay at 06:00 = %+v, want run", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if fetched["ebay"] != 1 || fetched["reddit"] != 1 {
		t.Fatalf("fetched = %v", fetched)
	}
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	f := fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return []listing.Listing{{ID: "e1", Title: "Seiko SKX007", Price: 250}}, nil
	})
	h := newHarness(t, Config{JobRetries: 3}, f)

	res, _ := h.c.TriggerSource(context.Background(), "ebay")
	if !res.Success || res.Attempts != 3 {
		t.Fatalf("result = %+v, want success on attempt 3", res)
	}
	st := h.c.Status().Sources["ebay"]
	if st.ConsecutiveFailures != 0 || st.TotalRequests != 1 {
		t.Fatalf("health = %+v", st.SourceHealth)
	}
}

func TestFiveFailuresDisableSource(t *testing.T) {
	t.Parallel()
	var failing atomic.Bool
	failing.Store(true)
	f := fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) {
		if failing.Load() {
			return nil, errors.New("HTTP 503")
		}
		return nil, nil
	})
	h := newHarness(t, Config{}, f)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		h.c.TriggerSource(ctx, "reddit")
		if st := h.c.Status().Sources["reddit"]; st.ConsecutiveFailures != i || !st.Enabled {
			t.Fatalf("after %d failures: %+v", i, st.SourceHealth)
		}
	}
	if n := len(h.notif.adminMessages()); n != 0 {
		t.Fatalf("admin messages before threshold = %d", n)
	}

	h.c.TriggerSource(ctx, "reddit")
	st := h.c.Status().Sources["reddit"]
	if st.Enabled || st.ConsecutiveFailures != 5 || st.LastError != "HTTP 503" {
		t.Fatalf("after 5 failures: %+v", st.SourceHealth)
	}
	msgs := h.notif.adminMessages()
	found := false
	for _, m := range msgs {
		if strings.Contains(m, "reddit") && strings.Contains(m, "disabled") {
			found = true
		}
	}
	if !found {
		t.Fatalf("admin messages = %q, want source disabled notice", msgs)
	}
	if hl := h.c.Health(); len(hl.DisabledSources) != 1 || hl.DisabledSources[0] != "reddit" {
		t.Fatalf("health = %+v", hl)
	}

	res, _ := h.c.TriggerSource(ctx, "reddit")
	if !res.Rejected() || !errors.Is(res.Err, engine.ErrDisabled) {
		t.Fatalf("trigger disabled = %+v", res)
	}

	failing.Store(false)
	if !h.c.EnableSource("reddit") {
		t.Fatal("EnableSource = false")
	}
	res, _ = h.c.TriggerSource(ctx, "reddit")
	if !res.Success {
		t.Fatalf("after enable = %+v", res)
	}
	if st := h.c.Status().Sources["reddit"]; !st.Enabled || st.ConsecutiveFailures != 0 {
		t.Fatalf("health after enable = %+v", st.SourceHealth)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) { return nil, nil }))

	if h.c.Health().Healthy {
		t.Fatal("healthy with no executions")
	}
	h.c.TriggerSource(context.Background(), "reddit")
	if hl := h.c.Health(); !hl.Healthy || hl.TotalExecutions != 1 {
		t.Fatalf("health = %+v", hl)
	}
}

func TestTriggerUnknownSource(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) { return nil, nil }))
	if _, err := h.c.TriggerSource(context.Background(), "craigslist"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
}

func TestRunOnStart(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	f := fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) {
		calls.Add(1)
		return nil, nil
	})
	h := newHarness(t, Config{RunOnStart: true}, f)
	h.c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx := context.Background()
	h.c.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.c.Shutdown(ctx)

	if calls.Load() != 2 {
		t.Fatalf("fetch calls = %d, want 2", calls.Load())
	}
	if h.c.sched.Running() {
		t.Fatal("scheduler still running after Shutdown")
	}
}

func TestAverageResponseTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) { return nil, nil }))

	job := JobName("reddit")
	h.c.OnJobSuccess(engine.SuccessEvent{JobName: job, Duration: 100 * time.Millisecond, Attempt: 1})
	h.c.OnJobFailure(engine.FailureEvent{JobName: job, Duration: time.Minute, Err: errors.New("502"), Attempts: 1})
	h.c.OnJobSuccess(engine.SuccessEvent{JobName: job, Duration: 200 * time.Millisecond, Attempt: 1})
	h.c.OnJobSuccess(engine.SuccessEvent{JobName: job, Duration: 10 * time.Second, Skipped: true})
	h.c.OnJobSuccess(engine.SuccessEvent{JobName: job, Duration: 600 * time.Millisecond, Attempt: 1})

	st := h.c.Status().Sources["reddit"]
	// (100 + 200 + 600) / 3; failures and skips are not samples.
	if st.AvgResponseTime != 300*time.Millisecond {
		t.Fatalf("AvgResponseTime = %v, want 300ms", st.AvgResponseTime)
	}
	if st.TotalRequests != 4 || st.ConsecutiveFailures != 0 {
		t.Fatalf("health = %+v", st.SourceHealth)
	}
}

func TestRandomDelayBounds(t *testing.T) {
	t.Parallel()
	d := DefaultConfig()
	h := newHarness(t, Config{RandomDelayMin: d.RandomDelayMin, RandomDelayMax: d.RandomDelayMax}, fetchFunc(func(context.Context, string, string, map[string]string) ([]listing.Listing, error) { return nil, nil }))

	var slept []time.Duration
	h.c.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	var span int64
	tests := []struct {
		name string
		rnd  func(n int64) int64
		want time.Duration
	}{
		{"lowest draw", func(n int64) int64 { span = n; return 0 }, 2 * time.Second},
		{"highest draw", func(n int64) int64 { return n - 1 }, 5 * time.Second},
	}
	for _, tt := range tests {
		h.c.rnd = tt.rnd
		if err := h.c.randomDelay(context.Background()); err != nil {
			t.Fatalf("%s: randomDelay error = %v", tt.name, err)
		}
		if got := slept[len(slept)-1]; got != tt.want {
			t.Fatalf("%s: slept %v, want %v", tt.name, got, tt.want)
		}
	}
	if span != int64(3*time.Second)+1 {
		t.Fatalf("rnd span = %d, want 3s+1 so both bounds are reachable", span)
	}
}
