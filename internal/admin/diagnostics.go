package admin

import (
	"net/http"
	"strings"

	"scrapewatch/internal/notifier"
	rtsup "scrapewatch/internal/runtime/supervisor"
	"scrapewatch/internal/scraper"
	"scrapewatch/internal/task/engine"
)

// Inspector exposes engine internals for diagnostics.
type Inspector interface {
	Config() engine.Config
	QueueLen() int
	Job(name string) (engine.JobStatus, bool)
	History(name string) []engine.ExecutionRecord
	RateRemaining(name string) int
}

// NotifierView is the delivery state shown on /diagnostics.
type NotifierView interface {
	Configured() bool
	Snapshot() []notifier.HistoryItem
}

type engineView struct {
	MaxConcurrent      int    `json:"max_concurrent"`
	QueueEnabled       bool   `json:"queue_enabled"`
	Queued             int    `json:"queued"`
	RetryMax           int    `json:"retry_max"`
	RetryDelay         string `json:"retry_delay"`
	DefaultTimeout     string `json:"default_timeout"`
	DefaultMinInterval string `json:"default_min_interval"`
	HistorySize        int    `json:"history_size"`
	DisableAfter       int    `json:"disable_after"`
}

type notifierView struct {
	Configured bool                   `json:"configured"`
	Recent     []notifier.HistoryItem `json:"recent"`
}

// Diagnostics is the /diagnostics payload. Sections whose source is not
// wired are omitted.
type Diagnostics struct {
	Engine   *engineView               `json:"engine,omitempty"`
	Runtime  map[string]rtsup.Snapshot `json:"runtime,omitempty"`
	Notifier *notifierView             `json:"notifier,omitempty"`
}

// JobDetail is the /jobs/{job} payload: status plus the full retained history.
type JobDetail struct {
	engine.JobStatus
	// RateRemaining is -1 when the job has no rate limit.
	RateRemaining int                      `json:"rate_remaining"`
	History       []engine.ExecutionRecord `json:"history"`
}

func (s *Server) diagnostics() Diagnostics {
	var d Diagnostics
	if s.engine != nil {
		c := s.engine.Config()
		d.Engine = &engineView{
			MaxConcurrent:      c.MaxConcurrent,
			QueueEnabled:       c.QueueEnabled,
			Queued:             s.engine.QueueLen(),
			RetryMax:           c.RetryMax,
			RetryDelay:         c.RetryDelay.String(),
			DefaultTimeout:     c.DefaultTimeout.String(),
			DefaultMinInterval: c.DefaultMinInterval.String(),
			HistorySize:        c.HistorySize,
			DisableAfter:       c.DisableAfter,
		}
	}

	d.Runtime = map[string]rtsup.Snapshot{}
	if s.runtime != nil {
		for name, snap := range s.runtime() {
			d.Runtime[name] = snap
		}
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		d.Runtime["admin"] = sup.Snapshot()
	}

	if s.notifier != nil {
		d.Notifier = &notifierView{Configured: s.notifier.Configured(), Recent: s.notifier.Snapshot()}
	}
	return d
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.diagnostics())
}

// handleJob accepts a job name or a bare source name.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusNotFound, "engine unavailable")
		return
	}
	name := r.PathValue("job")
	st, ok := s.engine.Job(name)
	if !ok && !strings.HasPrefix(name, scraper.JobPrefix) {
		name = scraper.JobName(name)
		st, ok = s.engine.Job(name)
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job: "+r.PathValue("job"))
		return
	}
	writeJSON(w, http.StatusOK, JobDetail{
		JobStatus:     st,
		RateRemaining: s.engine.RateRemaining(name),
		History:       s.engine.History(name),
	})
}
