package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"scrapewatch/internal/task/engine"
	logx "scrapewatch/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func testConfig() Config {
	cfg := Config{Engine: engine.DefaultConfig()}
	cfg.Engine.RetryDelay = time.Millisecond
	cfg.ShutdownGrace = 500 * time.Millisecond
	cfg.ShutdownPoll = 5 * time.Millisecond
	return cfg
}

func noop(context.Context) (any, error) { return nil, nil }

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)

	if !s.Register("scrape:reddit", "*/15 * * * *", noop, engine.Options{}) {
		t.Fatal("Register valid job = false")
	}
	if s.Register("scrape:reddit", "0 * * * *", noop, engine.Options{}) {
		t.Fatal("duplicate Register = true")
	}
	if s.Register("scrape:bad", "every now and then", noop, engine.Options{}) {
		t.Fatal("Register invalid cron = true")
	}
	if s.Engine().Has("scrape:bad") {
		t.Fatal("invalid job was created")
	}
	st, ok := s.Engine().Job("scrape:reddit")
	if !ok || st.Schedule != "*/15 * * * *" || st.Priority != 5 {
		t.Fatalf("Job = %+v, %v", st, ok)
	}
	if s.Running() {
		t.Fatal("triggers active before Start")
	}
}

func TestStartStopPauseResume(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)
	s.Register("a", "0 * * * *", noop, engine.Options{})
	s.Register("b", "*/30 * * * *", noop, engine.Options{})

	s.Pause()
	s.Start(context.Background())
	if s.Paused() || !s.Running() {
		t.Fatalf("after Start paused=%v running=%v", s.Paused(), s.Running())
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 2 || !snap.Schedules[0].Active || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("Snapshot = %+v", snap)
	}

	s.Pause()
	if !s.Stats().Paused {
		t.Fatal("Stats.Paused = false after Pause")
	}
	if res := s.Engine().Execute(context.Background(), "a", false); !errors.Is(res.Err, engine.ErrPaused) {
		t.Fatalf("scheduled run while paused = %v", res.Err)
	}
	if res := s.Trigger(context.Background(), "a"); !res.Success {
		t.Fatalf("Trigger while paused = %+v", res)
	}
	s.Resume()
	if s.Paused() {
		t.Fatal("Paused after Resume")
	}

	s.Stop(context.Background())
	if !s.Paused() || s.Running() {
		t.Fatalf("after Stop paused=%v running=%v", s.Paused(), s.Running())
	}
	if snap := s.Snapshot(); snap.Schedules[0].Active {
		t.Fatal("trigger still active after Stop")
	}
}

func TestStartSkipsDisabledJobsAndEnableReactivates(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engine.DisableAfter = 1
	s := New(cfg, logx.Nop(), nil)
	s.Register("flaky", "*/5 * * * *", func(context.Context) (any, error) { return nil, errors.New("down") }, engine.Options{Retries: 1})
	s.Trigger(context.Background(), "flaky")
	if !s.Engine().Disabled("flaky") {
		t.Fatal("job not disabled")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	if snap := s.Snapshot(); snap.Schedules[0].Active {
		t.Fatal("disabled job got a trigger")
	}
	if !s.Enable("flaky") {
		t.Fatal("Enable = false")
	}
	if snap := s.Snapshot(); !snap.Schedules[0].Active {
		t.Fatal("Enable did not activate trigger")
	}
	if s.Enable("missing") {
		t.Fatal("Enable(missing) = true")
	}
}

func TestRegisterWhileRunningArmsTrigger(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if !s.Register("late", "*/10 * * * *", noop, engine.Options{}) {
		t.Fatal("Register = false")
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || !snap.Schedules[0].Active || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("Snapshot = %+v, want armed trigger", snap)
	}
}

func TestShutdownWaitsForActiveJobs(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	s := New(testConfig(), logx.NewWriter(&buf, "debug"), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	s.Register("slow", "0 * * * *", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, engine.Options{})
	s.Start(context.Background())

	go s.Trigger(context.Background(), "slow")
	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	s.Shutdown(context.Background())
	if n := s.Engine().Active(); n != 0 {
		t.Fatalf("Active after Shutdown = %d", n)
	}
	if !strings.Contains(buf.String(), "all jobs completed") {
		t.Fatalf("missing completion log: %s", buf.String())
	}

	before := strings.Count(buf.String(), "shutdown requested")
	s.Shutdown(context.Background())
	if after := strings.Count(buf.String(), "shutdown requested"); after != before {
		t.Fatal("second Shutdown was not a no-op")
	}
}

func TestShutdownGivesUpAfterGrace(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	cfg := testConfig()
	cfg.ShutdownGrace = 30 * time.Millisecond
	s := New(cfg, logx.NewWriter(&buf, "debug"), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	s.Register("stuck", "0 * * * *", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, engine.Options{})

	go s.Trigger(context.Background(), "stuck")
	<-started
	s.Shutdown(context.Background())
	if !strings.Contains(buf.String(), "shutdown with jobs still running") {
		t.Fatalf("missing warning: %s", buf.String())
	}
}

type countingListener struct {
	mu        sync.Mutex
	successes int
}

func (l *countingListener) OnJobSuccess(engine.SuccessEvent) {
	l.mu.Lock()
	l.successes++
	l.mu.Unlock()
}
func (l *countingListener) OnJobFailure(engine.FailureEvent)   {}
func (l *countingListener) OnJobDisabled(engine.DisabledEvent) {}

func TestTriggerNotifiesListeners(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), logx.Nop(), nil)
	l := &countingListener{}
	s.AddListener(l)
	s.Register("a", "@hourly", noop, engine.Options{})

	s.Trigger(context.Background(), "a")
	if l.successes != 1 {
		t.Fatalf("successes = %d, want 1", l.successes)
	}
	if st := s.Stats(); st.TotalExecutions != 1 || st.RegisteredJobs != 1 || st.SuccessRate != 100 {
		t.Fatalf("Stats = %+v", st)
	}
}
