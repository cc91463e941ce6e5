package broadcast

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"scrapewatch/internal/eventbus"
	rtsup "scrapewatch/internal/runtime/supervisor"
	logx "scrapewatch/pkg/logx"
)

func New(cfg Config, bus eventbus.Bus, log logx.Logger, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Service{bus: bus, log: log}
	s.applyLocked(cfg)
	for _, sk := range sinks {
		s.AddSink(sk)
	}
	return s
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 50
	}
	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = DefaultPrefixes
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// AddSink registers a sink. Sinks added after Start receive later events.
func (s *Service) AddSink(sk Sink) {
	if sk == nil {
		return
	}
	s.mu.Lock()
	s.sinks = append(s.sinks, &sinkState{sink: sk})
	s.mu.Unlock()
}

// Emit publishes a named event on the bus. It never blocks.
func (s *Service) Emit(name string, data any) {
	s.emitted.Add(1)
	s.bus.Publish(eventbus.Event{Type: name, Time: time.Now(), Data: data})
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	ch, unsub := s.bus.Subscribe(s.cfg.QueueSize, s.cfg.Prefixes...)
	s.unsub = unsub
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "broadcast"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.Go0(fmt.Sprintf("forward.%d", i), func(c context.Context) { s.forward(c, ch) })
	}
	s.log.Info("broadcast started", logx.Int("workers", s.cfg.Workers), logx.Strings("prefixes", s.cfg.Prefixes), logx.Int("sinks", len(s.sinks)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	s.sup, s.unsub = nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	// Closing the subscription lets workers drain what is buffered and exit.
	unsub()
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("broadcast stop timed out", logx.Err(err))
	}
}

func (s *Service) forward(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.deliver(ctx, ev)
		}
	}
}

func (s *Service) deliver(ctx context.Context, ev eventbus.Event) {
	s.mu.Lock()
	lim := s.limiter
	sinks := append([]*sinkState(nil), s.sinks...)
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}
	for _, st := range sinks {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := st.sink.Deliver(dctx, ev)
		cancel()
		if err != nil {
			st.failed.Add(1)
			s.log.Debug("broadcast delivery failed", logx.String("sink", st.sink.Name()), logx.String("event", ev.Type), logx.Err(err))
			continue
		}
		st.delivered.Add(1)
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{Running: s.sup != nil, Emitted: s.emitted.Load()}
	for _, st := range s.sinks {
		out.Sinks = append(out.Sinks, SinkStats{Name: st.sink.Name(), Delivered: st.delivered.Load(), Failed: st.failed.Load()})
	}
	return out
}
