package config

// Config is the on-disk configuration. JSON and YAML files decode into it
// with unknown fields rejected. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Storage     StorageConfig     `json:"storage"`
	Telegram    TelegramConfig    `json:"telegram"`
	Notifier    NotifierConfig    `json:"notifier"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Admin       AdminConfig       `json:"admin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
	// Forward mirrors warn+ lines to the admin chat through the notifier.
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the scheduler facade and its execution engine.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 3
//   - queue_enabled: true
//   - retry_max: 3, retry_delay: "5s"
//   - default_timeout: "5m", default_min_interval: "1m"
//   - history_size: 100, disable_after: 5
//   - shutdown_grace: "30s", shutdown_poll: "1s"
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// Paused starts the scheduler paused. Applied on hot reload too.
	Paused bool `json:"paused,omitempty"`

	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// QueueEnabled is a pointer so an explicit false can be told from omitted.
	QueueEnabled *bool `json:"queue_enabled,omitempty"`

	RetryMax           int    `json:"retry_max,omitempty"`
	RetryDelay         string `json:"retry_delay,omitempty"`
	DefaultTimeout     string `json:"default_timeout,omitempty"`
	DefaultMinInterval string `json:"default_min_interval,omitempty"`
	HistorySize        int    `json:"history_size,omitempty"`
	DisableAfter       int    `json:"disable_after,omitempty"`

	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	ShutdownPoll  string `json:"shutdown_poll,omitempty"`
}

// CoordinatorConfig controls scraping. When Sources is omitted the built-in
// reddit, ebay and watchuseek sources are used.
type CoordinatorConfig struct {
	RunOnStart      bool   `json:"run_on_start"`
	RunOnStartDelay string `json:"run_on_start_delay,omitempty"`

	// RandomDelayMin/Max are pointers so "0s" can turn the delay off.
	RandomDelayMin *string `json:"random_delay_min,omitempty"`
	RandomDelayMax *string `json:"random_delay_max,omitempty"`

	LowTrafficStart *int `json:"low_traffic_start,omitempty"`
	LowTrafficEnd   *int `json:"low_traffic_end,omitempty"`

	JobRetries   int    `json:"job_retries,omitempty"`
	JobTimeout   string `json:"job_timeout,omitempty"`
	DisableAfter int    `json:"disable_after,omitempty"`

	Sources   []SourceConfig `json:"sources,omitempty"`
	Watchlist []WatchItem    `json:"watchlist,omitempty"`
}

type SourceConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// Enabled defaults to true.
	Enabled     *bool             `json:"enabled,omitempty"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	MinInterval string            `json:"min_interval,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Query       string            `json:"query,omitempty"`
	Params      map[string]string `json:"params,omitempty"`

	// Fetch settings. "reddit" uses the reddit JSON listing; any other
	// source needs Endpoint, a JSON search API.
	Endpoint   string            `json:"endpoint,omitempty"`
	QueryParam string            `json:"query_param,omitempty"`
	Subreddit  string            `json:"subreddit,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	// FetchEvery spaces outbound requests to the source; 0 means unthrottled.
	FetchEvery string `json:"fetch_every,omitempty"`
	FetchBurst int    `json:"fetch_burst,omitempty"`
}

type RateLimitConfig struct {
	Max    int    `json:"max"`
	Window string `json:"window"`
}

type WatchItem struct {
	Name        string   `json:"name"`
	Keywords    []string `json:"keywords"`
	TargetPrice float64  `json:"target_price"`
	Sources     []string `json:"sources,omitempty"`
}

// StorageConfig selects the listing store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./scrapewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory|file|sqlite|postgres
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	AdminChatID int64  `json:"admin_chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	// Verify calls getMe on startup.
	Verify      bool   `json:"verify,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
}

type NotifierConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	BatchSpacing    string `json:"batch_spacing,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type BroadcastConfig struct {
	Enabled      bool     `json:"enabled"`
	Workers      int      `json:"workers,omitempty"`
	QueueSize    int      `json:"queue_size,omitempty"`
	RatePerSec   int      `json:"rate_per_sec,omitempty"`
	Prefixes     []string `json:"prefixes,omitempty"`
	RedisURL     string   `json:"redis_url,omitempty"`
	RedisChannel string   `json:"redis_channel,omitempty"`
	// WSOrigins are allowed websocket origin patterns; empty accepts any.
	WSOrigins []string `json:"ws_origins,omitempty"`
}

// AdminConfig controls the admin HTTP API.
//
// Security note: bind to localhost or set a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8088"
	Token   string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}
