// Package app wires configuration into the running service: storage,
// notifier, broadcast, scheduler, scraper coordinator and the admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"scrapewatch/internal/admin"
	"scrapewatch/internal/alerts"
	"scrapewatch/internal/broadcast"
	"scrapewatch/internal/config"
	"scrapewatch/internal/eventbus"
	"scrapewatch/internal/notifier"
	rtsup "scrapewatch/internal/runtime/supervisor"
	"scrapewatch/internal/scraper"
	"scrapewatch/internal/storage"
	"scrapewatch/internal/task/engine"
	"scrapewatch/internal/task/scheduler"
	kit "scrapewatch/internal/transport"
	"scrapewatch/internal/transport/telegram"
	logx "scrapewatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	notif  *notifier.Service
	bcast  *broadcast.Service
	hub    *broadcast.Hub
	redis  *broadcast.RedisSink
	sched  *scheduler.Service
	coord  *scraper.Coordinator
	admin  *admin.Server
	paused bool
}

// New loads the config at cfgPath and builds every component. Nothing is
// started.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config) (_ *App, err error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	// Storage
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	// Notifier over telegram, or the log-only transport.
	var sender kit.Sender
	if cfg.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	} else {
		sender = &kit.LogSender{Log: log.With(logx.String("comp", "notify.log"))}
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(nc, sender, log.With(logx.String("comp", "notifier")), a.bus)
	logSvc.SetSink(a.notif)

	// Broadcast sinks: websocket hub, plus redis when configured.
	bcfg := mapBroadcastConfig(cfg)
	a.bcast = broadcast.New(bcfg, a.bus, log.With(logx.String("comp", "broadcast")))
	if bcfg.Enabled {
		a.hub = broadcast.NewHub(log.With(logx.String("comp", "ws")), 0, cfg.Broadcast.WSOrigins...)
		a.bcast.AddSink(a.hub)
		if strings.TrimSpace(cfg.Broadcast.RedisURL) != "" {
			rs, err := broadcast.NewRedis(ctx, broadcast.RedisConfig{
				URL:     cfg.Broadcast.RedisURL,
				Channel: cfg.Broadcast.RedisChannel,
			}, log.With(logx.String("comp", "redis")))
			if err != nil {
				return nil, err
			}
			a.redis = rs
			a.bcast.AddSink(rs)
		}
	}

	// Scheduler and coordinator.
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), a.bus)
	a.paused = cfg.Scheduler.Paused

	coordCfg, err := mapCoordinatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	fetchers, err := buildFetchers(cfg, &coordCfg, client, log.With(logx.String("comp", "fetch")))
	if err != nil {
		return nil, err
	}
	a.coord, err = scraper.New(coordCfg, scraper.Deps{
		Scheduler:   a.sched,
		Fetcher:     fetchers,
		Store:       a.store,
		Alerts:      alerts.New(a.store, log.With(logx.String("comp", "alerts"))),
		Targets:     mapWatchlist(cfg),
		Notifier:    a.notif,
		Broadcaster: a.bcast,
		Log:         log.With(logx.String("comp", "scraper")),
	})
	if err != nil {
		return nil, err
	}

	if cfg.Admin.Enabled {
		ac, err := mapAdminConfig(cfg)
		if err != nil {
			return nil, err
		}
		deps := admin.Deps{
			Coordinator: a.coord,
			Store:       a.store,
			Schedules:   a.sched.Snapshot,
			Engine:      a.sched.Engine(),
			Notifier:    a.notif,
			Runtime:     a.runtimeSnapshots,
			Log:         log.With(logx.String("comp", "admin")),
		}
		if a.hub != nil {
			deps.Events = a.hub
		}
		a.admin = admin.New(ac, deps)
	}
	return a, nil
}

// Validate runs the component mappings over cfg without building anything,
// catching what config.Validate cannot, such as unparsable schedules.
func Validate(cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCoordinatorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	_, err := mapAdminConfig(cfg)
	return err
}

func (a *App) Coordinator() *scraper.Coordinator { return a.coord }

// runtimeSnapshots reports the app and notifier supervisors. Only called
// from admin handlers, which run after Start.
func (a *App) runtimeSnapshots() map[string]rtsup.Snapshot {
	return map[string]rtsup.Snapshot{
		"app":      a.sup.Snapshot(),
		"notifier": a.notif.Supervisor().Snapshot(),
	}
}

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs every component. Config hot reload applies logging, notifier
// tuning and scheduler.paused; other sections need a restart.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	a.notif.Start(runCtx)
	if a.bcast != nil {
		a.bcast.Start(runCtx)
	}
	a.coord.Start(runCtx)
	if a.paused {
		a.coord.Pause()
	}
	if a.admin != nil {
		if err := a.admin.Start(runCtx); err != nil {
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Bool("paused", a.paused), logx.Int("sources", len(a.coord.Sources())))
	return nil
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(next))
	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(nc)
	}
	if next.Scheduler.Paused != prev.Scheduler.Paused {
		if next.Scheduler.Paused {
			a.coord.Pause()
		} else {
			a.coord.Resume()
		}
	}

	var restart []string
	for _, s := range sections {
		if config.RestartSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that apply after restart", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RunSource triggers one source outside the schedule. It is the CLI's
// one-shot path; the scheduler is not started.
func (a *App) RunSource(ctx context.Context, source string) (engine.Result, error) {
	a.notif.Start(ctx)
	defer func() {
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		a.notif.Stop(c)
		cancel()
	}()
	return a.coord.TriggerSource(ctx, source)
}

// Stop shuts components down in reverse start order. Each step is bounded
// and a step that overruns is logged and left behind.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scrapes get the scheduler's full grace period before anything they
	// depend on goes away.
	step("coordinator", a.sched.ShutdownGrace()+time.Second, func(c context.Context) error { a.coord.Shutdown(c); return nil })
	step("admin", 3*time.Second, func(c context.Context) error {
		if a.admin != nil {
			a.admin.Stop(c)
		}
		return nil
	})
	a.sup.Cancel()
	step("broadcast", 2*time.Second, func(c context.Context) error {
		if a.bcast != nil {
			a.bcast.Stop(c)
		}
		if a.hub != nil {
			a.hub.Close()
		}
		return nil
	})
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStores() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

// closeResources releases what build opened when the app never started.
func (a *App) closeResources() {
	_ = a.closeStores()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
