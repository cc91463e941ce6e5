package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scrapewatch/internal/alerts"
	"scrapewatch/internal/eventbus"
	rtsup "scrapewatch/internal/runtime/supervisor"
	kit "scrapewatch/internal/transport"
	logx "scrapewatch/pkg/logx"
)

var (
	ErrDisabled      = errors.New("notifier disabled")
	ErrNotConfigured = errors.New("notifier not configured")
	ErrQueueFull     = errors.New("notifier queue full")
	ErrStopped       = errors.New("notifier stopped")
)

const historyMax = 300

type job struct {
	n        kit.Notification
	dedupKey string
}

// Service sends alerts and admin messages directly and forwards log lines
// through a queue drained by workers. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a notifier. A nil sender yields a service that reports every
// send as not configured.
func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		dedup:  map[string]time.Time{},
		sleep:  sleepCtx,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.AdminChatID == 0 {
		cfg.AdminChatID = cfg.ChatID
	}
	if cfg.LogChatID == 0 {
		cfg.LogChatID = cfg.AdminChatID
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.BatchSpacing < 0 {
		cfg.BatchSpacing = 0
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// burst = rate so short spikes don't block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Configured reports whether alerts have somewhere to go.
func (s *Service) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil && s.cfg.ChatID != 0
}

// SendAlert delivers one price alert to the alert chat.
func (s *Service) SendAlert(ctx context.Context, a alerts.Alert) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if s.sender == nil || cfg.ChatID == 0 {
		return ErrNotConfigured
	}
	n := kit.Notification{
		Channel:  "alerts",
		Priority: 7,
		Target:   kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID},
		Text:     a.Message,
		Options:  &kit.SendOptions{ParseMode: kit.ParseMarkdown, DisablePreview: true},
	}
	if err := s.deliver(ctx, n, a.ItemType+":"+a.Item.ID); err != nil {
		s.log.Warn("alert delivery failed", logx.String("item", a.Item.ID), logx.Err(err))
		return err
	}
	return nil
}

// SendBatch sends alerts one by one with BatchSpacing between them and
// reports how many went out. Failures do not stop the batch.
func (s *Service) SendBatch(ctx context.Context, batch []alerts.Alert) BatchResult {
	var res BatchResult
	if len(batch) == 0 {
		return res
	}
	s.mu.Lock()
	spacing := s.cfg.BatchSpacing
	s.mu.Unlock()

	for i, a := range batch {
		if i > 0 && spacing > 0 {
			if err := s.sleep(ctx, spacing); err != nil {
				res.Failed += len(batch) - i
				break
			}
		}
		if err := s.SendAlert(ctx, a); err != nil {
			res.Failed++
			continue
		}
		res.Sent++
	}
	s.log.Info("alert batch sent", logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
	return res
}

// SendAdminMessage delivers an operator message. It returns false when the
// notifier is unconfigured or delivery failed.
func (s *Service) SendAdminMessage(ctx context.Context, text string) bool {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled || s.sender == nil || cfg.AdminChatID == 0 {
		s.log.Debug("admin message not sent, notifier not configured")
		return false
	}
	n := kit.Notification{
		Channel:  "admin",
		Priority: 9,
		Target:   kit.ChatTarget{ChatID: cfg.AdminChatID},
		Text:     text,
		Options:  &kit.SendOptions{ParseMode: kit.ParseMarkdown, DisablePreview: true},
	}
	if err := s.deliver(ctx, n, ""); err != nil {
		s.log.Warn("admin message failed", logx.Err(err))
		return false
	}
	return true
}

// SendLog implements logx.Sink. Lines are queued, never sent inline.
func (s *Service) SendLog(ctx context.Context, text string) error {
	s.mu.Lock()
	chat := s.cfg.LogChatID
	s.mu.Unlock()
	if chat == 0 {
		return ErrNotConfigured
	}
	return s.Notify(ctx, kit.Notification{
		Channel: "log",
		Target:  kit.ChatTarget{ChatID: chat},
		Text:    text,
		Options: &kit.SendOptions{DisablePreview: true},
	})
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Supervisor returns the worker supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Notify queues n for async delivery, suppressing duplicates inside DedupWindow.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if window > 0 && key != "" && !s.dedupAllow(key, window, maxEntries) {
		s.publish("notifier.deduped", n, key, nil)
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		s.publish("notifier.queued", n, key, nil)
		return nil
	default:
		s.publish("notifier.dropped", n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(channel, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: channel, Text: text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			if err := s.deliver(ctx, j.n, j.dedupKey); err != nil {
				// No logging here: log lines routed back into the queue would loop.
				continue
			}
		}
	}
}

// deliver sends n with rate limiting and retry.
func (s *Service) deliver(ctx context.Context, n kit.Notification, key string) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return ErrNotConfigured
	}
	text := prefixForPriority(n.Priority) + n.Text
	if text == "" {
		return nil
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := sender.SendText(callCtx, n.Target, text, n.Options)
		cancel()
		if err == nil {
			s.appendHistory(n.Channel, text)
			s.publish("notifier.sent", n, key, nil)
			return nil
		}
		lastErr = err
		if n.Channel != "log" {
			s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		}
		if attempt >= attempts {
			break
		}
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			return err
		}
	}
	s.publish("notifier.failed", n, key, lastErr)
	return lastErr
}

func (s *Service) publish(typ string, n kit.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "🔔 "
	default:
		return ""
	}
}

func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
