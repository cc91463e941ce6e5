package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"scrapewatch/internal/task/engine"
	logx "scrapewatch/pkg/logx"
)

// Config controls the scheduler facade and the engine it owns.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local
	Engine   engine.Config

	// Shutdown polls the active count every ShutdownPoll for up to ShutdownGrace.
	ShutdownGrace time.Duration
	ShutdownPoll  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.ShutdownPoll <= 0 {
		c.ShutdownPoll = time.Second
	}
	return c
}

type scheduleDef struct {
	name    string
	spec    string
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine *engine.Engine

	c       *cron.Cron
	defs    []*scheduleDef
	byName  map[string]*scheduleDef
	baseCtx context.Context

	shutdownOnce sync.Once

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Active   bool      `json:"active"`
	Disabled bool      `json:"disabled"`
	Next     time.Time `json:"next,omitzero"`
	Prev     time.Time `json:"prev,omitzero"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Paused    bool           `json:"paused"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
