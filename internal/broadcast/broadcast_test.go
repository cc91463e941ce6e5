package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"scrapewatch/internal/eventbus"
	logx "scrapewatch/pkg/logx"
)

type recordSink struct {
	mu   sync.Mutex
	got  []string
	fail bool
}

func (r *recordSink) Name() string { return "record" }

func (r *recordSink) Deliver(_ context.Context, ev eventbus.Event) error {
	if r.fail {
		return errors.New("down")
	}
	r.mu.Lock()
	r.got = append(r.got, ev.Type)
	r.mu.Unlock()
	return nil
}

func (r *recordSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestServiceForwardsMatchingEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ok := &recordSink{}
	bad := &recordSink{fail: true}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, bus, logx.Nop(), ok, bad)

	ctx := context.Background()
	s.Start(ctx)
	s.Emit("scraper:success", map[string]any{"source": "reddit"})
	s.Emit("notifier.sent", nil) // not forwarded by default
	s.Emit("alerts:triggered", map[string]any{"count": 1})

	waitFor(t, func() bool { return len(ok.types()) == 2 })
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)

	got := ok.types()
	if got[0] != "scraper:success" || got[1] != "alerts:triggered" {
		t.Fatalf("forwarded = %v", got)
	}
	st := s.Stats()
	if st.Running || st.Emitted != 3 || len(st.Sinks) != 2 {
		t.Fatalf("Stats = %+v", st)
	}
	if st.Sinks[0].Delivered != 2 || st.Sinks[1].Failed != 2 {
		t.Fatalf("sink stats = %+v", st.Sinks)
	}
}

func TestServiceDisabledDoesNotForward(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	s := New(Config{}, nil, logx.Nop(), sink)
	s.Start(context.Background())
	s.Emit("scraper:success", nil)
	time.Sleep(20 * time.Millisecond)
	if len(sink.types()) != 0 {
		t.Fatal("disabled service forwarded events")
	}
	s.Stop(context.Background())
}

func TestHub(t *testing.T) {
	t.Parallel()
	hub := NewHub(logx.Nop(), 4)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.CloseNow()

	waitFor(t, func() bool { return hub.Clients() == 1 })
	if err := hub.Deliver(ctx, eventbus.Event{Type: "scraper:newListings", Time: time.Now(), Data: map[string]int{"count": 3}}); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("frame type = %v, want text", typ)
	}
	var ev struct {
		Type string         `json:"type"`
		Data map[string]int `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "scraper:newListings" || ev.Data["count"] != 3 {
		t.Fatalf("event = %+v", ev)
	}

	hub.Close()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected read error after hub close")
	}
	waitFor(t, func() bool { return hub.Clients() == 0 })
}

func TestRedisSink(t *testing.T) {
	t.Parallel()
	url := os.Getenv("SCRAPEWATCH_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SCRAPEWATCH_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink, err := NewRedis(ctx, RedisConfig{URL: url, Channel: "scrapewatch:test"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewRedis error: %v", err)
	}
	defer sink.Close()

	sub := sink.Subscribe(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sink.Deliver(ctx, eventbus.Event{Type: "scraper:success"}); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage error: %v", err)
	}
	if !strings.Contains(msg.Payload, "scraper:success") {
		t.Fatalf("payload = %s", msg.Payload)
	}
}

func TestNewRedisRequiresURL(t *testing.T) {
	t.Parallel()
	if _, err := NewRedis(context.Background(), RedisConfig{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty url")
	}
}
