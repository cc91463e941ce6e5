package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"scrapewatch/internal/eventbus"
	"scrapewatch/internal/task/engine"
	logx "scrapewatch/pkg/logx"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:         cfg,
		log:         log,
		engine:      engine.New(cfg.Engine, log.With(logx.String("comp", "engine")), bus),
		byName:      map[string]*scheduleDef{},
		baseCtx:     context.Background(),
		lastEnqWarn: map[string]time.Time{},
	}
}

// Engine exposes the underlying execution engine.
func (s *Service) Engine() *engine.Engine { return s.engine }

// AddListener registers an observer for job outcomes.
func (s *Service) AddListener(l engine.Listener) { s.engine.AddListener(l) }

// Register validates schedule, creates the job and binds its trigger. A job
// registered before Start fires once Start runs; one registered while the
// scheduler is running is armed immediately. It returns false when the name
// is taken or the schedule is invalid.
func (s *Service) Register(name, schedule string, h engine.Handler, opt engine.Options) bool {
	expr, err := NormalizeSchedule(schedule)
	if err != nil {
		s.log.Error("invalid schedule", logx.String("job", name), logx.String("schedule", schedule), logx.Err(err))
		return false
	}
	opt.Schedule = expr
	if err := s.engine.Register(name, h, opt); err != nil {
		s.log.Error("register failed", logx.String("job", name), logx.Err(err))
		return false
	}

	s.mu.Lock()
	def := &scheduleDef{name: name, spec: expr}
	s.defs = append(s.defs, def)
	s.byName[name] = def
	if s.c != nil && !s.engine.Disabled(name) {
		s.addCronLocked(def)
	}
	s.mu.Unlock()

	s.log.Info("job registered", logx.String("job", name), logx.String("schedule", expr))
	return true
}

// Enable re-enables a job. When the scheduler is running and the job had
// no active trigger (it was disabled at Start), the trigger is added.
func (s *Service) Enable(name string) bool {
	if !s.engine.Enable(name) {
		s.log.Warn("enable: unknown job", logx.String("job", name))
		return false
	}
	s.mu.Lock()
	if def := s.byName[name]; def != nil && s.c != nil && def.entryID == 0 {
		s.addCronLocked(def)
	}
	s.mu.Unlock()
	s.log.Info("job enabled", logx.String("job", name))
	return true
}

// Start activates triggers for every non-disabled job and clears paused.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.baseCtx = context.WithoutCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))

	active := 0
	for _, def := range s.defs {
		if s.engine.Disabled(def.name) {
			continue
		}
		if s.addCronLocked(def) {
			active++
		}
	}
	s.c.Start()
	s.engine.Resume()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)), logx.Int("active", active))
}

// Stop removes all triggers and sets paused. Running jobs are not awaited.
func (s *Service) Stop(context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, def := range s.defs {
		def.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	s.engine.Pause()
	s.log.Info("scheduler stopped")
}

func (s *Service) Pause() {
	s.engine.Pause()
	s.log.Info("scheduler paused")
}

func (s *Service) Resume() {
	s.engine.Resume()
	s.log.Info("scheduler resumed")
}

func (s *Service) Paused() bool { return s.engine.Paused() }

// Running reports whether triggers are active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Trigger runs a job now, bypassing paused and the minimum interval.
func (s *Service) Trigger(ctx context.Context, name string) engine.Result {
	s.log.Info("manual trigger", logx.String("job", name))
	return s.engine.Execute(ctx, name, true)
}

// Shutdown stops triggers and waits for in-flight jobs, polling every
// ShutdownPoll for at most ShutdownGrace. Only the first call has effect.
func (s *Service) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutdown requested")
		s.Stop(ctx)

		deadline := time.Now().Add(s.cfg.ShutdownGrace)
		t := time.NewTicker(s.cfg.ShutdownPoll)
		defer t.Stop()
	wait:
		for s.engine.Active() > 0 && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				break wait
			case <-t.C:
			}
		}

		if n := s.engine.Active(); n > 0 {
			s.log.Warn("shutdown with jobs still running", logx.Int("active", n))
			return
		}
		s.log.Info("all jobs completed")
	})
}

func (s *Service) Stats() engine.Stats { return s.engine.Stats() }

// ShutdownGrace is how long Shutdown waits for in-flight jobs.
func (s *Service) ShutdownGrace() time.Duration { return s.cfg.ShutdownGrace }

func (s *Service) addCronLocked(def *scheduleDef) bool {
	name := def.name
	id, err := s.c.AddJob(def.spec, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		res := s.engine.Execute(ctx, name, false)
		if res.Rejected() {
			s.reportRejection(name, res.Err)
		}
	}))
	if err != nil {
		s.log.Error("add trigger failed", logx.String("job", name), logx.Err(err))
		return false
	}
	def.entryID = id
	return true
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
