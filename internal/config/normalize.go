package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultAdminAddr    = "127.0.0.1:8088"
	DefaultSQLitePath   = "./scrapewatch.db"
	DefaultFileStoreDir = "./scrapewatch_store"
	DefaultRedisChannel = "scrapewatch:events"
)

// Normalize fills defaults for omitted string and enum fields. Numeric and
// duration defaults are left to the components that own them.
func (c *Config) Normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}

	c.Scheduler.Timezone = strings.TrimSpace(c.Scheduler.Timezone)

	st := &c.Storage
	st.Driver = strings.ToLower(strings.TrimSpace(st.Driver))
	switch st.Driver {
	case "":
		st.Driver = "sqlite"
	case "sqlite3":
		st.Driver = "sqlite"
	case "postgresql", "pg":
		st.Driver = "postgres"
	}
	st.Path = strings.TrimSpace(st.Path)
	if st.Path == "" {
		switch st.Driver {
		case "sqlite":
			st.Path = DefaultSQLitePath
		case "file":
			st.Path = DefaultFileStoreDir
		}
	}

	if c.Telegram.AdminChatID == 0 {
		c.Telegram.AdminChatID = c.Telegram.ChatID
	}

	if c.Broadcast.RedisChannel == "" {
		c.Broadcast.RedisChannel = DefaultRedisChannel
	}
	c.Admin.Addr = strings.TrimSpace(c.Admin.Addr)
	if c.Admin.Addr == "" {
		c.Admin.Addr = DefaultAdminAddr
	}

	for i := range c.Coordinator.Sources {
		s := &c.Coordinator.Sources[i]
		s.Name = strings.ToLower(strings.TrimSpace(s.Name))
		s.Schedule = strings.TrimSpace(s.Schedule)
	}
}

// Validate checks everything that can be checked without building components.
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", c.Scheduler.Timezone, err))
		}
	}
	for path, v := range map[string]int{
		"scheduler.max_concurrent": c.Scheduler.MaxConcurrent,
		"scheduler.retry_max":      c.Scheduler.RetryMax,
		"scheduler.history_size":   c.Scheduler.HistorySize,
		"scheduler.disable_after":  c.Scheduler.DisableAfter,
		"coordinator.job_retries":  c.Coordinator.JobRetries,
		"notifier.workers":         c.Notifier.Workers,
		"notifier.queue_size":      c.Notifier.QueueSize,
		"notifier.retry_max":       c.Notifier.RetryMax,
		"broadcast.workers":        c.Broadcast.Workers,
	} {
		if v < 0 {
			check(fmt.Errorf("%s must be >= 0", path))
		}
	}
	dur("scheduler.retry_delay", c.Scheduler.RetryDelay)
	dur("scheduler.default_timeout", c.Scheduler.DefaultTimeout)
	dur("scheduler.default_min_interval", c.Scheduler.DefaultMinInterval)
	dur("scheduler.shutdown_grace", c.Scheduler.ShutdownGrace)
	dur("scheduler.shutdown_poll", c.Scheduler.ShutdownPoll)

	co := c.Coordinator
	dur("coordinator.run_on_start_delay", co.RunOnStartDelay)
	dur("coordinator.job_timeout", co.JobTimeout)
	if co.RandomDelayMin != nil {
		dur("coordinator.random_delay_min", *co.RandomDelayMin)
	}
	if co.RandomDelayMax != nil {
		dur("coordinator.random_delay_max", *co.RandomDelayMax)
	}
	for _, h := range []*int{co.LowTrafficStart, co.LowTrafficEnd} {
		if h != nil && (*h < 0 || *h > 24) {
			check(fmt.Errorf("coordinator.low_traffic hours must be within 0..24"))
		}
	}
	seen := map[string]bool{}
	for i, s := range co.Sources {
		p := fmt.Sprintf("coordinator.sources[%d]", i)
		if s.Name == "" {
			check(fmt.Errorf("%s.name is required", p))
			continue
		}
		if seen[s.Name] {
			check(fmt.Errorf("%s: duplicate source %q", p, s.Name))
		}
		seen[s.Name] = true
		if s.Schedule == "" {
			check(fmt.Errorf("%s.schedule is required", p))
		}
		dur(p+".min_interval", s.MinInterval)
		dur(p+".rate_limit.window", s.RateLimit.Window)
		dur(p+".fetch_every", s.FetchEvery)
		if s.RateLimit.Max < 0 {
			check(fmt.Errorf("%s.rate_limit.max must be >= 0", p))
		}
		if s.Priority < 0 || s.Priority > 10 {
			check(fmt.Errorf("%s.priority must be within 0..10", p))
		}
	}
	for i, w := range co.Watchlist {
		if len(w.Keywords) == 0 || w.TargetPrice <= 0 {
			check(fmt.Errorf("coordinator.watchlist[%d]: keywords and a positive target_price are required", i))
		}
	}

	switch c.Storage.Driver {
	case "memory", "file", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			check(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		check(fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			check(errors.New("telegram.token is required when telegram.enabled=true"))
		}
		if c.Telegram.ChatID == 0 {
			check(errors.New("telegram.chat_id is required when telegram.enabled=true"))
		}
	}
	dur("telegram.http_timeout", c.Telegram.HTTPTimeout)

	dur("notifier.retry_base", c.Notifier.RetryBase)
	dur("notifier.retry_max_delay", c.Notifier.RetryMaxDelay)
	dur("notifier.batch_spacing", c.Notifier.BatchSpacing)
	dur("notifier.dedup_window", c.Notifier.DedupWindow)

	dur("admin.read_timeout", c.Admin.ReadTimeout)
	dur("admin.write_timeout", c.Admin.WriteTimeout)

	return errors.Join(errs...)
}
