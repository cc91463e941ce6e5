// Package broadcast fans domain events out to live consumers.
//
// Components call Emit; events go onto the in-process bus. When started, the
// service subscribes to configured prefixes and forwards matching events to
// every sink (websocket clients, a redis channel) through a small rate
// limited worker pool.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"scrapewatch/internal/eventbus"
	rtsup "scrapewatch/internal/runtime/supervisor"
	logx "scrapewatch/pkg/logx"
)

type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int
	Prefixes   []string
}

// DefaultPrefixes are the event families forwarded when Prefixes is empty.
var DefaultPrefixes = []string{"scraper:", "alerts:", "job."}

// Sink receives forwarded events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev eventbus.Event) error
}

// Emitter is the narrow surface producers depend on.
type Emitter interface {
	Emit(name string, data any)
}

type SinkStats struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

type Stats struct {
	Running bool        `json:"running"`
	Emitted uint64      `json:"emitted"`
	Sinks   []SinkStats `json:"sinks"`
}

type sinkState struct {
	sink      Sink
	delivered atomic.Uint64
	failed    atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	bus     eventbus.Bus
	log     logx.Logger
	sinks   []*sinkState
	limiter *rate.Limiter

	emitted atomic.Uint64

	unsub func()
	sup   *rtsup.Supervisor
}
