package engine

import (
	"context"
	"time"
)

// Config controls the job execution engine.
//
// Zero values are replaced by defaults in New.
type Config struct {
	// MaxConcurrent caps the number of executions running at once, across all jobs.
	MaxConcurrent int
	// QueueEnabled defers requests that hit a busy job instead of dropping them.
	QueueEnabled bool

	RetryMax   int
	RetryDelay time.Duration

	DefaultTimeout     time.Duration
	DefaultMinInterval time.Duration

	HistorySize  int
	DisableAfter int
}

// DefaultConfig returns the engine defaults. QueueEnabled is on.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      3,
		QueueEnabled:       true,
		RetryMax:           3,
		RetryDelay:         5 * time.Second,
		DefaultTimeout:     5 * time.Minute,
		DefaultMinInterval: time.Minute,
		HistorySize:        100,
		DisableAfter:       5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DefaultMinInterval < 0 {
		c.DefaultMinInterval = d.DefaultMinInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.DisableAfter <= 0 {
		c.DisableAfter = d.DisableAfter
	}
	return c
}

// RateLimit allows at most Max executions per fixed Window.
type RateLimit struct {
	Max    int
	Window time.Duration
}

func (r *RateLimit) valid() bool { return r != nil && r.Max > 0 && r.Window > 0 }

// Options are per-job execution settings. Zero fields take engine defaults.
type Options struct {
	Schedule string

	Retries  int
	Timeout  time.Duration
	Priority int

	// MinInterval is the minimum spacing between non-manual runs.
	// Nil means the engine default; a pointer to 0 disables the check.
	MinInterval *time.Duration
	RateLimit   *RateLimit
}

func (o Options) withDefaults(cfg Config) Options {
	if o.Retries <= 0 {
		o.Retries = cfg.RetryMax
	}
	if o.Timeout <= 0 {
		o.Timeout = cfg.DefaultTimeout
	}
	if o.Priority == 0 {
		o.Priority = 5
	}
	o.Priority = min(max(o.Priority, 1), 10)
	if o.MinInterval == nil || *o.MinInterval < 0 {
		d := cfg.DefaultMinInterval
		o.MinInterval = &d
	}
	if o.RateLimit != nil {
		rl := *o.RateLimit
		o.RateLimit = &rl
	}
	return o
}

// Interval returns a pointer for Options.MinInterval.
func Interval(d time.Duration) *time.Duration { return &d }

// Handler performs one attempt of a job. The ctx carries the attempt deadline;
// a handler that ignores it is abandoned when the deadline passes.
type Handler func(ctx context.Context) (any, error)

// Result describes the outcome of Execute.
type Result struct {
	JobName  string
	Success  bool
	Skipped  bool
	Duration time.Duration
	Value    any
	Err      error
	Attempts int
}

// Rejected reports whether the request never reached the handler.
func (r Result) Rejected() bool { return r.Attempts == 0 && r.Err != nil }

// Reason is the error text, or "" on success.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// ExecutionRecord is one entry in a job's bounded history.
type ExecutionRecord struct {
	At       time.Time     `json:"at"`
	Success  bool          `json:"success"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Summary  string        `json:"summary,omitempty"`
	Error    string        `json:"error,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name                string            `json:"name"`
	Schedule            string            `json:"schedule"`
	Priority            int               `json:"priority"`
	Running             bool              `json:"running"`
	Disabled            bool              `json:"disabled"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastExecution       time.Time         `json:"last_execution,omitzero"`
	SuccessRate         float64           `json:"success_rate"`
	Executions          int               `json:"executions"`
	Recent              []ExecutionRecord `json:"recent"`
}

// Stats aggregates counters across all jobs.
type Stats struct {
	TotalExecutions      uint64      `json:"total_executions"`
	SuccessfulExecutions uint64      `json:"successful_executions"`
	FailedExecutions     uint64      `json:"failed_executions"`
	SkippedExecutions    uint64      `json:"skipped_executions"`
	ActiveJobs           int         `json:"active_jobs"`
	QueuedJobs           int         `json:"queued_jobs"`
	Paused               bool        `json:"paused"`
	RegisteredJobs       int         `json:"registered_jobs"`
	DisabledJobs         int         `json:"disabled_jobs"`
	SuccessRate          float64     `json:"success_rate"`
	Jobs                 []JobStatus `json:"jobs,omitempty"`
}

// ---- events ----

type SuccessEvent struct {
	JobName  string
	Duration time.Duration
	Value    any
	Attempt  int
	Skipped  bool
}

type FailureEvent struct {
	JobName  string
	Duration time.Duration
	Err      error
	Attempts int
}

type DisabledEvent struct {
	JobName             string
	ConsecutiveFailures int
}

// Listener observes job outcomes. Calls are synchronous, made after the
// job state has been updated, in the order listeners were added.
type Listener interface {
	OnJobSuccess(SuccessEvent)
	OnJobFailure(FailureEvent)
	OnJobDisabled(DisabledEvent)
}

// JobEvent is the bus payload for job lifecycle events.
type JobEvent struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Summarizer lets handler results describe themselves in history.
type Summarizer interface {
	Summary() string
}

// Skip marks a handler outcome as a benign no-op.
func Skip(reason string) any { return Skipped{Reason: reason} }

// Skipped is the value returned by Skip.
type Skipped struct {
	Reason string `json:"reason"`
}

func (s Skipped) Summary() string { return "skipped: " + s.Reason }
