package scraper

import (
	"context"
	"fmt"
	"time"

	"scrapewatch/internal/alerts"
	"scrapewatch/internal/listing"
	"scrapewatch/internal/notifier"
	"scrapewatch/internal/task/engine"
)

// JobPrefix names coordinator jobs: "scrape:<source>".
const JobPrefix = "scrape:"

func JobName(source string) string { return JobPrefix + source }

// SourceConfig is the static configuration of one marketplace source.
type SourceConfig struct {
	Name        string
	Schedule    string
	Enabled     bool
	RateLimit   engine.RateLimit
	MinInterval time.Duration
	Priority    int
	Query       string
	Params      map[string]string
}

// DefaultSources returns the built-in source set.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{
			Name:        "reddit",
			Schedule:    "*/15 * * * *",
			Enabled:     true,
			RateLimit:   engine.RateLimit{Max: 4, Window: time.Hour},
			MinInterval: 15 * time.Minute,
			Priority:    8,
			Params:      map[string]string{"sort": "new", "limit": "50"},
		},
		{
			Name:        "ebay",
			Schedule:    "*/30 * * * *",
			Enabled:     true,
			RateLimit:   engine.RateLimit{Max: 2, Window: time.Hour},
			MinInterval: 30 * time.Minute,
			Priority:    6,
			Query:       "luxury watch",
			Params:      map[string]string{"condition": "all", "min_price": "1000"},
		},
		{
			Name:        "watchuseek",
			Schedule:    "0 * * * *",
			Enabled:     true,
			RateLimit:   engine.RateLimit{Max: 1, Window: time.Hour},
			MinInterval: time.Hour,
			Priority:    4,
			Params:      map[string]string{"page": "1"},
		},
	}
}

type Config struct {
	Sources []SourceConfig

	RunOnStart      bool
	RunOnStartDelay time.Duration

	RandomDelayMin time.Duration
	RandomDelayMax time.Duration

	// Non-priority sources are skipped when the local hour is in [LowTrafficStart, LowTrafficEnd).
	LowTrafficStart int
	LowTrafficEnd   int

	JobRetries   int
	JobTimeout   time.Duration
	DisableAfter int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Sources:         DefaultSources(),
		RunOnStartDelay: 10 * time.Second,
		RandomDelayMin:  2 * time.Second,
		RandomDelayMax:  5 * time.Second,
		LowTrafficStart: 2,
		LowTrafficEnd:   6,
		JobRetries:      3,
		JobTimeout:      2 * time.Minute,
		DisableAfter:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Sources == nil {
		c.Sources = d.Sources
	}
	if c.RunOnStartDelay <= 0 {
		c.RunOnStartDelay = d.RunOnStartDelay
	}
	if c.RandomDelayMin < 0 {
		c.RandomDelayMin = 0
	}
	if c.RandomDelayMax < c.RandomDelayMin {
		c.RandomDelayMax = c.RandomDelayMin
	}
	if c.LowTrafficStart < 0 || c.LowTrafficEnd > 24 || c.LowTrafficEnd < c.LowTrafficStart {
		c.LowTrafficStart, c.LowTrafficEnd = d.LowTrafficStart, d.LowTrafficEnd
	}
	if c.JobRetries <= 0 {
		c.JobRetries = d.JobRetries
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.DisableAfter <= 0 {
		c.DisableAfter = d.DisableAfter
	}
	return c
}

// SourceHealth is the coordinator's runtime view of one source.
type SourceHealth struct {
	Enabled             bool          `json:"enabled"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastFailure         time.Time     `json:"last_failure,omitzero"`
	LastError           string        `json:"last_error,omitempty"`
	TotalRequests       int           `json:"total_requests"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`

	samples int
}

type SourceStatus struct {
	SourceHealth
	Schedule   string    `json:"schedule"`
	Priority   int       `json:"priority"`
	LastScrape time.Time `json:"last_scrape,omitzero"`
}

type Status struct {
	Scheduler      engine.Stats            `json:"scheduler"`
	Sources        map[string]SourceStatus `json:"sources"`
	TotalSources   int                     `json:"total_sources"`
	EnabledSources int                     `json:"enabled_sources"`
	Running        bool                    `json:"running"`
	Paused         bool                    `json:"paused"`
	Timestamp      time.Time               `json:"timestamp"`
}

type Health struct {
	Healthy         bool     `json:"healthy"`
	SuccessRate     float64  `json:"success_rate"`
	TotalExecutions uint64   `json:"total_executions"`
	Paused          bool     `json:"paused"`
	DisabledSources []string `json:"disabled_sources,omitempty"`
}

// ScrapeResult is the handler value of a completed scrape.
type ScrapeResult struct {
	Source string    `json:"source"`
	Found  int       `json:"found"`
	Saved  int       `json:"saved"`
	Alerts int       `json:"alerts"`
	At     time.Time `json:"at"`
}

func (r ScrapeResult) Summary() string {
	return fmt.Sprintf("found %d, saved %d, alerts %d", r.Found, r.Saved, r.Alerts)
}

// ---- collaborators ----

type Fetcher interface {
	Fetch(ctx context.Context, source, query string, params map[string]string) ([]listing.Listing, error)
}

type ListingStore interface {
	UpsertListings(ctx context.Context, items []listing.Listing) (int, error)
	RecordRun(ctx context.Context, run listing.Run) error
	LastRun(ctx context.Context, source string) (listing.Run, bool, error)
}

type AlertEvaluator interface {
	CheckPriceAlert(ctx context.Context, itemType string, item listing.Listing, price float64) (*alerts.Alert, error)
}

type Notifier interface {
	SendBatch(ctx context.Context, batch []alerts.Alert) notifier.BatchResult
	SendAdminMessage(ctx context.Context, text string) bool
}

type TargetSource interface {
	TargetFor(l listing.Listing) (float64, bool)
}
