package app

import (
	"fmt"
	"net/http"
	"time"

	"scrapewatch/internal/admin"
	"scrapewatch/internal/alerts"
	"scrapewatch/internal/broadcast"
	"scrapewatch/internal/config"
	"scrapewatch/internal/fetch"
	"scrapewatch/internal/notifier"
	"scrapewatch/internal/scraper"
	"scrapewatch/internal/storage"
	"scrapewatch/internal/task/engine"
	"scrapewatch/internal/task/scheduler"
	"scrapewatch/internal/transport/telegram"
	logx "scrapewatch/pkg/logx"
)

const (
	userAgent   = "scrapewatch/1.0"
	logOnlyChat = -1
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    l.Forward.Enabled,
			MinLevel:   l.Forward.MinLevel,
			RatePerSec: l.Forward.RatePerSec,
		},
	}
}

// mapSchedulerConfig starts from engine.DefaultConfig and overrides what the
// file sets. Zero means "use the default".
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	ec := engine.DefaultConfig()

	if sc.MaxConcurrent > 0 {
		ec.MaxConcurrent = sc.MaxConcurrent
	}
	if sc.QueueEnabled != nil {
		ec.QueueEnabled = *sc.QueueEnabled
	}
	if sc.RetryMax > 0 {
		ec.RetryMax = sc.RetryMax
	}
	if sc.HistorySize > 0 {
		ec.HistorySize = sc.HistorySize
	}
	if sc.DisableAfter > 0 {
		ec.DisableAfter = sc.DisableAfter
	}

	var err error
	if ec.RetryDelay, err = config.ParseDurationOrDefault("scheduler.retry_delay", sc.RetryDelay, ec.RetryDelay); err != nil {
		return scheduler.Config{}, err
	}
	if ec.DefaultTimeout, err = config.ParseDurationOrDefault("scheduler.default_timeout", sc.DefaultTimeout, ec.DefaultTimeout); err != nil {
		return scheduler.Config{}, err
	}
	if ec.DefaultMinInterval, err = config.ParseDurationOrDefault("scheduler.default_min_interval", sc.DefaultMinInterval, ec.DefaultMinInterval); err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationField("scheduler.shutdown_grace", sc.ShutdownGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	poll, err := config.ParseDurationField("scheduler.shutdown_poll", sc.ShutdownPoll)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:      sc.Timezone,
		Engine:        ec,
		ShutdownGrace: grace,
		ShutdownPoll:  poll,
	}, nil
}

// mapCoordinatorConfig builds the scraper config. Without configured
// sources the built-in set is used.
func mapCoordinatorConfig(cfg *config.Config) (scraper.Config, error) {
	cc := cfg.Coordinator
	out := scraper.DefaultConfig()
	out.RunOnStart = cc.RunOnStart

	var err error
	if out.RunOnStartDelay, err = config.ParseDurationOrDefault("coordinator.run_on_start_delay", cc.RunOnStartDelay, out.RunOnStartDelay); err != nil {
		return scraper.Config{}, err
	}
	if cc.RandomDelayMin != nil {
		if out.RandomDelayMin, err = config.ParseDurationField("coordinator.random_delay_min", *cc.RandomDelayMin); err != nil {
			return scraper.Config{}, err
		}
	}
	if cc.RandomDelayMax != nil {
		if out.RandomDelayMax, err = config.ParseDurationField("coordinator.random_delay_max", *cc.RandomDelayMax); err != nil {
			return scraper.Config{}, err
		}
	}
	if out.RandomDelayMax < out.RandomDelayMin {
		return scraper.Config{}, fmt.Errorf("coordinator.random_delay_max must be >= random_delay_min")
	}
	if cc.LowTrafficStart != nil {
		out.LowTrafficStart = *cc.LowTrafficStart
	}
	if cc.LowTrafficEnd != nil {
		out.LowTrafficEnd = *cc.LowTrafficEnd
	}
	if cc.JobRetries > 0 {
		out.JobRetries = cc.JobRetries
	}
	if out.JobTimeout, err = config.ParseDurationOrDefault("coordinator.job_timeout", cc.JobTimeout, out.JobTimeout); err != nil {
		return scraper.Config{}, err
	}
	// Source health and the engine's auto-disable count the same failures, so
	// they share the scheduler's threshold.
	out.DisableAfter = engine.DefaultConfig().DisableAfter
	if n := cfg.Scheduler.DisableAfter; n > 0 {
		out.DisableAfter = n
	}
	if cc.DisableAfter > 0 && cc.DisableAfter != out.DisableAfter {
		return scraper.Config{}, fmt.Errorf("coordinator.disable_after (%d) must match scheduler.disable_after (%d)", cc.DisableAfter, out.DisableAfter)
	}

	if len(cc.Sources) == 0 {
		return out, nil
	}
	out.Sources = make([]scraper.SourceConfig, 0, len(cc.Sources))
	for _, s := range cc.Sources {
		src, err := mapSource(s)
		if err != nil {
			return scraper.Config{}, err
		}
		out.Sources = append(out.Sources, src)
	}
	return out, nil
}

func mapSource(s config.SourceConfig) (scraper.SourceConfig, error) {
	path := "coordinator.sources." + s.Name
	spec, err := scheduler.NormalizeSchedule(s.Schedule)
	if err != nil {
		return scraper.SourceConfig{}, fmt.Errorf("%s.schedule: %w", path, err)
	}
	minInterval, err := config.ParseDurationField(path+".min_interval", s.MinInterval)
	if err != nil {
		return scraper.SourceConfig{}, err
	}
	window, err := config.ParseDurationField(path+".rate_limit.window", s.RateLimit.Window)
	if err != nil {
		return scraper.SourceConfig{}, err
	}
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return scraper.SourceConfig{
		Name:        s.Name,
		Schedule:    spec,
		Enabled:     enabled,
		RateLimit:   engine.RateLimit{Max: s.RateLimit.Max, Window: window},
		MinInterval: minInterval,
		Priority:    s.Priority,
		Query:       s.Query,
		Params:      s.Params,
	}, nil
}

// buildFetchers registers a fetcher per source. "reddit" reads the
// subreddit listing; any other source needs a JSON endpoint. Sources left
// without a fetcher are disabled with a warning.
func buildFetchers(cfg *config.Config, sc *scraper.Config, client *http.Client, log logx.Logger) (*fetch.Registry, error) {
	reg := fetch.NewRegistry(log)
	byName := map[string]config.SourceConfig{}
	for _, s := range cfg.Coordinator.Sources {
		byName[s.Name] = s
	}

	for i := range sc.Sources {
		src := &sc.Sources[i]
		raw := byName[src.Name]

		every, err := config.ParseDurationField("coordinator.sources."+src.Name+".fetch_every", raw.FetchEvery)
		if err != nil {
			return nil, err
		}

		var f fetch.Fetcher
		switch {
		case raw.Endpoint != "":
			f = &fetch.JSONAPI{
				Source:     src.Name,
				Endpoint:   raw.Endpoint,
				QueryParam: raw.QueryParam,
				UserAgent:  userAgent,
				Headers:    raw.Headers,
				Client:     client,
			}
		case src.Name == "reddit":
			f = &fetch.Reddit{Subreddit: raw.Subreddit, UserAgent: userAgent, Client: client}
		}

		if f == nil {
			if src.Enabled {
				log.Warn("source has no fetcher; disabling", logx.String("source", src.Name))
				src.Enabled = false
			}
			continue
		}
		reg.Register(src.Name, f, every, raw.FetchBurst)
	}
	return reg, nil
}

func mapWatchlist(cfg *config.Config) *alerts.Watchlist {
	items := make([]alerts.WatchItem, 0, len(cfg.Coordinator.Watchlist))
	for _, w := range cfg.Coordinator.Watchlist {
		items = append(items, alerts.WatchItem{
			Name:        w.Name,
			Keywords:    w.Keywords,
			TargetPrice: w.TargetPrice,
			Sources:     w.Sources,
		})
	}
	return alerts.NewWatchlist(items)
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		DSN:         sc.DSN,
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationField("telegram.http_timeout", cfg.Telegram.HTTPTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		Verify:      cfg.Telegram.Verify,
		HTTPTimeout: timeout,
		URL:         cfg.Telegram.APIURL,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	out := notifier.Config{
		Enabled:         cfg.Telegram.Enabled,
		ChatID:          cfg.Telegram.ChatID,
		ThreadID:        cfg.Telegram.ThreadID,
		AdminChatID:     cfg.Telegram.AdminChatID,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notifier.retry_base", nc.RetryBase, &out.RetryBase},
		{"notifier.retry_max_delay", nc.RetryMaxDelay, &out.RetryMaxDelay},
		{"notifier.batch_spacing", nc.BatchSpacing, &out.BatchSpacing},
		{"notifier.dedup_window", nc.DedupWindow, &out.DedupWindow},
	}
	for _, d := range durs {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return notifier.Config{}, err
		}
		*d.dst = v
	}
	if !cfg.Telegram.Enabled {
		// Log-only transport: the chat id only labels the log line.
		out.Enabled = true
		if out.ChatID == 0 {
			out.ChatID = logOnlyChat
		}
		if out.AdminChatID == 0 {
			out.AdminChatID = logOnlyChat
		}
	}
	return out, nil
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	bc := cfg.Broadcast
	return broadcast.Config{
		Enabled:    bc.Enabled,
		Workers:    bc.Workers,
		QueueSize:  bc.QueueSize,
		RatePerSec: bc.RatePerSec,
		Prefixes:   bc.Prefixes,
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	rt, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// Manual runs can take minutes; keep writes open long enough for /run.
	wt, err := config.ParseDurationOrDefault("admin.write_timeout", ac.WriteTimeout, 10*time.Minute)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Addr:          ac.Addr,
		Token:         ac.Token,
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}
