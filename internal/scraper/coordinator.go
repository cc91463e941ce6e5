// Package scraper coordinates scheduled scraping of marketplace sources.
//
// Each enabled source becomes one engine job ("scrape:<source>"). The
// coordinator owns per-source health: five consecutive failures disable the
// source until an operator re-enables it. Scrapes skip when a source was
// scraped recently or during low-traffic hours, and every successful scrape
// is persisted, checked against price targets and broadcast.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scrapewatch/internal/alerts"
	"scrapewatch/internal/broadcast"
	"scrapewatch/internal/fetch"
	"scrapewatch/internal/listing"
	rtsup "scrapewatch/internal/runtime/supervisor"
	"scrapewatch/internal/task/engine"
	"scrapewatch/internal/task/scheduler"
	logx "scrapewatch/pkg/logx"
)

var ErrUnknownSource = errors.New("unknown source")

// Deps are the coordinator's collaborators. Scheduler, Fetcher and Store
// are required; the rest may be nil.
type Deps struct {
	Scheduler   *scheduler.Service
	Fetcher     Fetcher
	Store       ListingStore
	Alerts      AlertEvaluator
	Targets     TargetSource
	Notifier    Notifier
	Broadcaster broadcast.Emitter
	Log         logx.Logger
}

type Coordinator struct {
	mu sync.Mutex

	cfg     Config
	sources map[string]*SourceConfig
	order   []string
	health  map[string]*SourceHealth
	last    map[string]time.Time

	sched    *scheduler.Service
	fetcher  Fetcher
	store    ListingStore
	alerts   AlertEvaluator
	targets  TargetSource
	notifier Notifier
	emitter  broadcast.Emitter
	log      logx.Logger

	baseCtx context.Context
	sup     *rtsup.Supervisor

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rnd   func(n int64) int64
}

// New builds the coordinator, binds its listener to the engine and
// registers a job for every enabled source.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Scheduler == nil || deps.Fetcher == nil || deps.Store == nil {
		return nil, errors.New("scraper: scheduler, fetcher and store are required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	c := &Coordinator{
		cfg:      cfg,
		sources:  map[string]*SourceConfig{},
		health:   map[string]*SourceHealth{},
		last:     map[string]time.Time{},
		sched:    deps.Scheduler,
		fetcher:  deps.Fetcher,
		store:    deps.Store,
		alerts:   deps.Alerts,
		targets:  deps.Targets,
		notifier: deps.Notifier,
		emitter:  deps.Broadcaster,
		log:      log,
		baseCtx:  context.Background(),
		now:      time.Now,
		sleep:    sleepCtx,
		rnd:      rand.Int63n,
	}
	for i := range cfg.Sources {
		sc := cfg.Sources[i]
		if sc.Name == "" {
			return nil, errors.New("scraper: source without name")
		}
		if _, dup := c.sources[sc.Name]; dup {
			return nil, fmt.Errorf("scraper: duplicate source %q", sc.Name)
		}
		c.sources[sc.Name] = &sc
		c.order = append(c.order, sc.Name)
		c.health[sc.Name] = &SourceHealth{Enabled: sc.Enabled}
	}

	c.sched.AddListener(c)

	for _, name := range c.order {
		if !c.sources[name].Enabled {
			log.Info("source disabled in config", logx.String("source", name))
			continue
		}
		if err := c.register(name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Coordinator) register(source string) error {
	sc := c.sources[source]
	rl := sc.RateLimit
	opt := engine.Options{
		Retries:     c.cfg.JobRetries,
		Timeout:     c.cfg.JobTimeout,
		Priority:    sc.Priority,
		MinInterval: engine.Interval(sc.MinInterval),
	}
	if rl.Max > 0 && rl.Window > 0 {
		opt.RateLimit = &rl
	}
	h := func(ctx context.Context) (any, error) { return c.scrapeSource(ctx, source) }
	if !c.sched.Register(JobName(source), sc.Schedule, h, opt) {
		return fmt.Errorf("scraper: register %s failed", source)
	}
	return nil
}

// ---- handler ----

func (c *Coordinator) scrapeSource(ctx context.Context, source string) (any, error) {
	c.mu.Lock()
	sc, ok := c.sources[source]
	h := c.health[source]
	enabled := ok && h.Enabled
	var cfgCopy SourceConfig
	if ok {
		cfgCopy = *sc
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if !enabled {
		return nil, fmt.Errorf("source %s is disabled", source)
	}
	log := c.log.With(logx.String("source", source))

	if c.scrapedRecently(ctx, source, cfgCopy.MinInterval) {
		log.Debug("skipping, scraped recently")
		return engine.Skip("scraped recently"), nil
	}
	if c.lowTraffic() && source != c.topPriority() {
		log.Debug("skipping, low traffic hours")
		return engine.Skip("low traffic hours"), nil
	}

	if err := c.randomDelay(ctx); err != nil {
		return nil, err
	}

	start := c.now()
	items, err := c.fetcher.Fetch(ctx, source, cfgCopy.Query, cfgCopy.Params)
	if err != nil {
		var fe *fetch.Error
		if errors.As(err, &fe) && fe.Throttled() {
			log.Warn("source is throttling", logx.Int("status", fe.StatusCode), logx.Duration("retry_after", fe.RetryAfter))
		}
		return nil, err
	}

	now := c.now()
	normalized := make([]listing.Listing, 0, len(items))
	for _, it := range items {
		if it.Source == "" {
			it.Source = source
		}
		normalized = append(normalized, listing.Normalize(it, now))
	}
	saved, err := c.store.UpsertListings(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("save listings: %w", err)
	}

	alertCount := c.checkAlerts(ctx, source, normalized)

	finished := c.now()
	c.mu.Lock()
	c.last[source] = finished
	c.mu.Unlock()

	run := listing.Run{
		ID:         uuid.NewString(),
		Source:     source,
		Status:     listing.RunSuccess,
		Found:      len(items),
		Saved:      saved,
		Alerts:     alertCount,
		Duration:   finished.Sub(start),
		StartedAt:  start,
		FinishedAt: finished,
	}
	if err := c.store.RecordRun(ctx, run); err != nil {
		log.Warn("record run failed", logx.Err(err))
	}

	if len(items) > 0 {
		c.emit("scraper:newListings", map[string]any{
			"source":    source,
			"count":     len(items),
			"saved":     saved,
			"timestamp": finished,
		})
	}
	log.Info("scrape complete", logx.Int("found", len(items)), logx.Int("saved", saved), logx.Int("alerts", alertCount))
	return ScrapeResult{Source: source, Found: len(items), Saved: saved, Alerts: alertCount, At: finished}, nil
}

func (c *Coordinator) scrapedRecently(ctx context.Context, source string, minInterval time.Duration) bool {
	if minInterval <= 0 {
		return false
	}
	now := c.now()
	if run, ok, err := c.store.LastRun(ctx, source); err != nil {
		c.log.Warn("last run lookup failed", logx.String("source", source), logx.Err(err))
	} else if ok && now.Sub(run.FinishedAt) < minInterval {
		return true
	}
	c.mu.Lock()
	last, ok := c.last[source]
	c.mu.Unlock()
	return ok && now.Sub(last) < minInterval
}

func (c *Coordinator) lowTraffic() bool {
	h := c.now().Hour()
	return h >= c.cfg.LowTrafficStart && h < c.cfg.LowTrafficEnd
}

// topPriority returns the enabled source with the highest priority; ties go
// to the one configured first.
func (c *Coordinator) topPriority() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	best, bestP := "", 0
	for _, name := range c.order {
		sc := c.sources[name]
		if !c.health[name].Enabled {
			continue
		}
		if best == "" || sc.Priority > bestP {
			best, bestP = name, sc.Priority
		}
	}
	return best
}

func (c *Coordinator) randomDelay(ctx context.Context) error {
	lo, hi := c.cfg.RandomDelayMin, c.cfg.RandomDelayMax
	if hi <= 0 {
		return nil
	}
	d := lo
	if span := int64(hi - lo); span > 0 {
		d += time.Duration(c.rnd(span + 1))
	}
	return c.sleep(ctx, d)
}

// checkAlerts evaluates price targets and sends triggered alerts as one
// batch. Failures here are logged and never fail the scrape.
func (c *Coordinator) checkAlerts(ctx context.Context, source string, items []listing.Listing) (count int) {
	if c.alerts == nil {
		return 0
	}
	log := c.log.With(logx.String("source", source))
	defer func() {
		if r := recover(); r != nil {
			log.Error("alert check panicked", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
			count = 0
		}
	}()

	itemType := alerts.ItemTypeForSource(source)
	var triggered []alerts.Alert
	for _, it := range items {
		if it.ID == "" || it.Price <= 0 {
			continue
		}
		if it.TargetPrice <= 0 && c.targets != nil {
			if tp, ok := c.targets.TargetFor(it); ok {
				it.TargetPrice = tp
			}
		}
		if it.TargetPrice <= 0 {
			continue
		}
		a, err := c.alerts.CheckPriceAlert(ctx, itemType, it, it.Price)
		if err != nil {
			log.Warn("price alert check failed", logx.String("item", it.ID), logx.Err(err))
			continue
		}
		if a != nil {
			triggered = append(triggered, *a)
		}
	}
	if len(triggered) == 0 {
		return 0
	}

	if c.notifier != nil {
		res := c.notifier.SendBatch(ctx, triggered)
		log.Info("alerts sent", logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
	}
	summary := make([]map[string]any, 0, len(triggered))
	for _, a := range triggered {
		summary = append(summary, map[string]any{
			"itemType":     a.ItemType,
			"itemId":       a.Item.ID,
			"currentPrice": a.CurrentPrice,
			"targetPrice":  a.TargetPrice,
		})
	}
	c.emit("alerts:triggered", map[string]any{
		"count":     len(triggered),
		"alerts":    summary,
		"timestamp": c.now(),
	})
	return len(triggered)
}

func (c *Coordinator) emit(name string, data any) {
	if c.emitter != nil {
		c.emitter.Emit(name, data)
	}
}

// ---- engine listener ----

func sourceOf(job string) (string, bool) {
	if len(job) <= len(JobPrefix) || job[:len(JobPrefix)] != JobPrefix {
		return "", false
	}
	return job[len(JobPrefix):], true
}

func (c *Coordinator) OnJobSuccess(ev engine.SuccessEvent) {
	source, ok := sourceOf(ev.JobName)
	if !ok || ev.Skipped {
		return
	}
	c.mu.Lock()
	h := c.health[source]
	if h == nil {
		c.mu.Unlock()
		return
	}
	h.ConsecutiveFailures = 0
	h.LastSuccess = c.now()
	h.LastError = ""
	h.TotalRequests++
	h.samples++
	h.AvgResponseTime = (h.AvgResponseTime*time.Duration(h.samples-1) + ev.Duration) / time.Duration(h.samples)
	c.mu.Unlock()

	c.emit("scraper:success", map[string]any{
		"source":    source,
		"duration":  ev.Duration.Milliseconds(),
		"attempt":   ev.Attempt,
		"timestamp": c.now(),
	})
}

func (c *Coordinator) OnJobFailure(ev engine.FailureEvent) {
	source, ok := sourceOf(ev.JobName)
	if !ok {
		return
	}
	now := c.now()
	errText := ""
	if ev.Err != nil {
		errText = ev.Err.Error()
	}

	c.mu.Lock()
	h := c.health[source]
	if h == nil {
		c.mu.Unlock()
		return
	}
	h.ConsecutiveFailures++
	h.LastFailure = now
	h.LastError = errText
	h.TotalRequests++
	streak := h.ConsecutiveFailures
	disable := streak >= c.cfg.DisableAfter && h.Enabled
	if disable {
		h.Enabled = false
		c.sources[source].Enabled = false
	}
	c.mu.Unlock()

	log := c.log.With(logx.String("source", source))
	log.Warn("scrape failed", logx.Int("consecutive_failures", streak), logx.String("err", errText))

	ctx, cancel := context.WithTimeout(c.baseCtx, 30*time.Second)
	defer cancel()
	if disable {
		log.Error("source disabled after consecutive failures", logx.Int("failures", streak))
		c.adminMessage(ctx, fmt.Sprintf("🚨 *Scraper disabled*\n\nSource `%s` was disabled after %d consecutive failures.\nLast error: %s", source, streak, errText))
	}

	c.emit("scraper:failure", map[string]any{
		"source":              source,
		"error":               errText,
		"consecutiveFailures": streak,
		"timestamp":           now,
	})

	run := listing.Run{
		ID:         uuid.NewString(),
		Source:     source,
		Status:     listing.RunFailed,
		Error:      errText,
		Duration:   ev.Duration,
		StartedAt:  now.Add(-ev.Duration),
		FinishedAt: now,
	}
	if err := c.store.RecordRun(ctx, run); err != nil {
		log.Warn("record failed run", logx.Err(err))
	}
}

func (c *Coordinator) OnJobDisabled(ev engine.DisabledEvent) {
	if _, ok := sourceOf(ev.JobName); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.baseCtx, 30*time.Second)
	defer cancel()
	c.adminMessage(ctx, fmt.Sprintf("⚠️ Job `%s` disabled after %d consecutive failures", ev.JobName, ev.ConsecutiveFailures))
}

func (c *Coordinator) adminMessage(ctx context.Context, text string) {
	if c.notifier == nil {
		return
	}
	if !c.notifier.SendAdminMessage(ctx, text) {
		c.log.Debug("admin message not delivered")
	}
}

// ---- upward surface ----

func (c *Coordinator) Status() Status {
	stats := c.sched.Stats()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Scheduler:    stats,
		Sources:      make(map[string]SourceStatus, len(c.order)),
		TotalSources: len(c.order),
		Running:      c.sched.Running(),
		Paused:       stats.Paused,
		Timestamp:    c.now(),
	}
	for _, name := range c.order {
		sc := c.sources[name]
		if sc.Enabled {
			st.EnabledSources++
		}
		st.Sources[name] = SourceStatus{
			SourceHealth: *c.health[name],
			Schedule:     sc.Schedule,
			Priority:     sc.Priority,
			LastScrape:   c.last[name],
		}
	}
	return st
}

func (c *Coordinator) Stats() engine.Stats { return c.sched.Stats() }

// Health is healthy when at least one execution happened and more than half succeeded.
func (c *Coordinator) Health() Health {
	stats := c.sched.Stats()
	h := Health{
		SuccessRate:     stats.SuccessRate,
		TotalExecutions: stats.TotalExecutions,
		Paused:          stats.Paused,
		Healthy:         stats.TotalExecutions > 0 && stats.SuccessRate > 50,
	}
	c.mu.Lock()
	for _, name := range c.order {
		if !c.health[name].Enabled {
			h.DisabledSources = append(h.DisabledSources, name)
		}
	}
	c.mu.Unlock()
	sort.Strings(h.DisabledSources)
	return h
}

func (c *Coordinator) Sources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *Coordinator) Pause()  { c.sched.Pause() }
func (c *Coordinator) Resume() { c.sched.Resume() }

// TriggerSource runs one source now, bypassing paused and the engine's minimum interval.
func (c *Coordinator) TriggerSource(ctx context.Context, source string) (engine.Result, error) {
	c.mu.Lock()
	_, ok := c.sources[source]
	c.mu.Unlock()
	if !ok {
		return engine.Result{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return c.sched.Trigger(ctx, JobName(source)), nil
}

// RunAll triggers every enabled source in configured order, one at a time.
func (c *Coordinator) RunAll(ctx context.Context) []engine.Result {
	c.mu.Lock()
	var names []string
	for _, name := range c.order {
		if c.sources[name].Enabled {
			names = append(names, name)
		}
	}
	c.mu.Unlock()

	out := make([]engine.Result, 0, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		out = append(out, c.sched.Trigger(ctx, JobName(name)))
	}
	return out
}

// EnableSource clears a source's failure state and re-enables its job,
// registering it if it was disabled at construction.
func (c *Coordinator) EnableSource(source string) bool {
	c.mu.Lock()
	sc, ok := c.sources[source]
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.health[source] = &SourceHealth{Enabled: true}
	sc.Enabled = true
	c.mu.Unlock()

	job := JobName(source)
	if c.sched.Engine().Has(job) {
		if !c.sched.Enable(job) {
			return false
		}
	} else if err := c.register(source); err != nil {
		c.log.Error("enable source failed", logx.String("source", source), logx.Err(err))
		return false
	}
	c.log.Info("source enabled", logx.String("source", source))
	return true
}

// Start starts the scheduler and, when configured, runs every source once
// after RunOnStartDelay.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.sup != nil {
		c.mu.Unlock()
		return
	}
	c.baseCtx = context.WithoutCancel(ctx)
	c.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(c.log.With(logx.String("comp", "scraper"))))
	sup := c.sup
	c.mu.Unlock()

	c.sched.Start(ctx)
	if c.cfg.RunOnStart {
		sup.Go("run-on-start", func(ctx context.Context) error {
			if err := c.sleep(ctx, c.cfg.RunOnStartDelay); err != nil {
				return nil
			}
			c.log.Info("initial scrape of all sources")
			c.RunAll(ctx)
			return nil
		})
	}
	c.log.Info("scraper coordinator started", logx.Int("sources", len(c.order)))
}

func (c *Coordinator) Stop(ctx context.Context) {
	c.stopSupervisor(ctx)
	c.sched.Stop(ctx)
}

// Shutdown stops triggers and waits for running scrapes within the
// scheduler's grace period.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.log.Info("shutting down scraper coordinator")
	c.stopSupervisor(ctx)
	c.sched.Shutdown(ctx)
	c.log.Info("scraper coordinator shutdown complete")
}

func (c *Coordinator) stopSupervisor(ctx context.Context) {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
