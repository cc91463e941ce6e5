package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"scrapewatch/internal/eventbus"
	logx "scrapewatch/pkg/logx"
)

// Engine owns job state and runs executions through the eligibility gate,
// the retry loop and the overlap queue.
//
// All gate checks and the running/active bookkeeping happen under mu, so a
// job never runs twice at once and the active count never exceeds
// Config.MaxConcurrent, regardless of how many goroutines call Execute.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	jobs  map[string]*job
	order []string

	paused   bool
	active   int
	queue    requestQueue
	draining bool
	windows  *fixedWindow

	total, succeeded, failed, skipped uint64

	lmu       sync.RWMutex
	listeners []Listener

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type job struct {
	name    string
	handler Handler
	opt     Options

	running  bool
	disabled bool
	failures int
	lastExec time.Time

	history []ExecutionRecord
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		jobs:    make(map[string]*job),
		windows: newFixedWindow(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// AddListener appends l to the observers notified after every execution.
func (e *Engine) AddListener(l Listener) {
	if l == nil {
		return
	}
	e.lmu.Lock()
	e.listeners = append(e.listeners, l)
	e.lmu.Unlock()
}

// Register adds a job. Names are unique for the lifetime of the engine.
func (e *Engine) Register(name string, handler Handler, opt Options) error {
	if name == "" || handler == nil {
		return fmt.Errorf("%w: name and handler are required", ErrInvalidJob)
	}
	if opt.RateLimit != nil && !opt.RateLimit.valid() {
		return fmt.Errorf("%w: rate limit needs max > 0 and window > 0", ErrInvalidJob)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	e.jobs[name] = &job{
		name:    name,
		handler: handler,
		opt:     opt.withDefaults(e.cfg),
	}
	e.order = append(e.order, name)
	return nil
}

// Has reports whether name is registered.
func (e *Engine) Has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[name]
	return ok
}

// Disabled reports whether name is registered and disabled.
func (e *Engine) Disabled(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[name]
	return ok && j.disabled
}

// Enable clears the disabled flag and the failure streak.
func (e *Engine) Enable(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[name]
	if !ok {
		return false
	}
	j.disabled = false
	j.failures = 0
	return true
}

func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Active returns the number of executions in flight.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Execute runs name once through the gate and the retry loop.
// Manual requests bypass the paused flag and MinInterval.
func (e *Engine) Execute(ctx context.Context, name string, manual bool) Result {
	j, err := e.admit(name, manual)
	if err != nil {
		e.log.Debug("job.rejected", logx.String("job", name), logx.Bool("manual", manual), logx.String("reason", err.Error()))
		return Result{JobName: name, Err: err}
	}
	res := e.run(ctx, j)
	e.startDrain(ctx)
	return res
}

func (e *Engine) admit(name string, manual bool) (*job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	if e.paused && !manual {
		return nil, ErrPaused
	}
	if j.disabled {
		return nil, ErrDisabled
	}
	if j.running || e.active >= e.cfg.MaxConcurrent {
		if e.cfg.QueueEnabled {
			e.queue.push(request{name: name, manual: manual})
		}
		if j.running {
			return nil, ErrAlreadyRunning
		}
		return nil, ErrAtCapacity
	}
	now := e.now()
	if !manual && !j.lastExec.IsZero() && now.Sub(j.lastExec) < *j.opt.MinInterval {
		return nil, ErrTooSoon
	}
	if rl := j.opt.RateLimit; rl.valid() && !e.windows.allow(name, *rl, now) {
		return nil, ErrRateLimited
	}

	j.running = true
	e.active++
	return j, nil
}

func (e *Engine) run(ctx context.Context, j *job) Result {
	start := e.now()
	log := e.log.With(logx.String("job", j.name))
	log.Debug("job.started", logx.Int("retries", j.opt.Retries), logx.Duration("timeout", j.opt.Timeout))

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= j.opt.Retries; attempt++ {
		attempts = attempt
		value, err := e.attempt(ctx, j)
		if err == nil {
			return e.succeed(j, start, value, attempt)
		}
		lastErr = err

		var pe *panicError
		if errors.As(err, &pe) {
			log.Error("job.panic", logx.Int("attempt", attempt), logx.Err(err), logx.Stack(pe.stack))
		} else {
			log.Warn("job.attempt_failed", logx.Int("attempt", attempt), logx.Int("of", j.opt.Retries), logx.Err(err))
		}
		if attempt == j.opt.Retries {
			break
		}
		delay := backoff(e.cfg.RetryDelay, attempt)
		log.Debug("job.retry_scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay))
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}
	return e.fail(j, start, lastErr, attempts)
}

// attempt runs the handler with the job timeout. On deadline the handler
// goroutine is left to finish on its own and its result is dropped.
func (e *Engine) attempt(ctx context.Context, j *job) (any, error) {
	actx, cancel := context.WithTimeout(ctx, j.opt.Timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &panicError{value: r, stack: string(debug.Stack())}}
			}
		}()
		v, err := j.handler(actx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{After: j.opt.Timeout}
	}
}

func (e *Engine) succeed(j *job, start time.Time, value any, attempt int) Result {
	_, skipped := value.(Skipped)

	e.mu.Lock()
	now := e.now()
	dur := now.Sub(start)
	e.record(j, ExecutionRecord{At: now, Success: true, Skipped: skipped, Duration: dur, Attempts: attempt, Summary: summarize(value)})
	if !skipped {
		j.failures = 0
	}
	j.running = false
	e.active--
	j.lastExec = now
	e.total++
	if skipped {
		e.skipped++
	} else {
		e.succeeded++
	}
	e.mu.Unlock()

	if skipped {
		e.log.Info("job.skipped", logx.String("job", j.name), logx.String("reason", summarize(value)))
	} else if dur >= 750*time.Millisecond {
		e.log.Info("job.completed", logx.String("job", j.name), logx.Duration("dur", dur), logx.Int("attempt", attempt))
	} else {
		e.log.Debug("job.completed", logx.String("job", j.name), logx.Duration("dur", dur), logx.Int("attempt", attempt))
	}

	ev := SuccessEvent{JobName: j.name, Duration: dur, Value: value, Attempt: attempt, Skipped: skipped}
	for _, l := range e.snapshotListeners() {
		l.OnJobSuccess(ev)
	}
	e.publish("job.succeeded", JobEvent{Name: j.name, Duration: dur, Attempts: attempt, Skipped: skipped})

	return Result{JobName: j.name, Success: true, Skipped: skipped, Duration: dur, Value: value, Attempts: attempt}
}

func (e *Engine) fail(j *job, start time.Time, err error, attempts int) Result {
	e.mu.Lock()
	now := e.now()
	dur := now.Sub(start)
	e.record(j, ExecutionRecord{At: now, Duration: dur, Attempts: attempts, Error: err.Error(), Detail: fmt.Sprintf("%+v", err)})
	j.running = false
	e.active--
	j.failures++
	streak := j.failures
	disabledNow := false
	if streak >= e.cfg.DisableAfter && !j.disabled {
		j.disabled = true
		disabledNow = true
	}
	e.total++
	e.failed++
	e.mu.Unlock()

	e.log.Warn("job.failed", logx.String("job", j.name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts), logx.Int("streak", streak))

	listeners := e.snapshotListeners()
	if disabledNow {
		e.log.Error("job.disabled", logx.String("job", j.name), logx.Int("consecutive_failures", streak))
		dev := DisabledEvent{JobName: j.name, ConsecutiveFailures: streak}
		for _, l := range listeners {
			l.OnJobDisabled(dev)
		}
		e.publish("job.disabled", JobEvent{Name: j.name, Attempts: attempts, Error: err.Error()})
	}
	fev := FailureEvent{JobName: j.name, Duration: dur, Err: err, Attempts: attempts}
	for _, l := range listeners {
		l.OnJobFailure(fev)
	}
	e.publish("job.failed", JobEvent{Name: j.name, Duration: dur, Attempts: attempts, Error: err.Error()})

	return Result{JobName: j.name, Duration: dur, Err: err, Attempts: attempts}
}

// record appends to the job history ring. Caller holds mu.
func (e *Engine) record(j *job, rec ExecutionRecord) {
	j.history = append(j.history, rec)
	if n := len(j.history) - e.cfg.HistorySize; n > 0 {
		j.history = append(j.history[:0], j.history[n:]...)
	}
}

func (e *Engine) snapshotListeners() []Listener {
	e.lmu.RLock()
	defer e.lmu.RUnlock()
	return append([]Listener(nil), e.listeners...)
}

func (e *Engine) publish(typ string, data JobEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// backoff returns base * 2^(attempt-1), uncapped.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	f := float64(base) * math.Pow(2, float64(attempt-1))
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const summaryMax = 100

func summarize(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case Summarizer:
		s = x.Summary()
	case string:
		s = x
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 10 {
			keys = keys[:10]
		}
		s = fmt.Sprintf("map%v", keys)
	default:
		s = fmt.Sprintf("%+v", v)
	}
	return truncate(s, summaryMax)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
