// Package admin serves the operator HTTP API: status, stats, health,
// pause/resume, manual runs, re-enabling sources and the event websocket.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"scrapewatch/internal/listing"
	rtsup "scrapewatch/internal/runtime/supervisor"
	"scrapewatch/internal/scraper"
	"scrapewatch/internal/storage"
	"scrapewatch/internal/task/engine"
	"scrapewatch/internal/task/scheduler"
	logx "scrapewatch/pkg/logx"
)

// Config controls the admin HTTP server.
//
// Security: prefer a loopback Addr (default). A non-loopback Addr needs a
// Token unless AllowInsecure is set.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Coordinator is the scraping surface the API drives.
type Coordinator interface {
	Status() scraper.Status
	Stats() engine.Stats
	Health() scraper.Health
	Pause()
	Resume()
	TriggerSource(ctx context.Context, source string) (engine.Result, error)
	RunAll(ctx context.Context) []engine.Result
	EnableSource(source string) bool
}

// Store is what the API reads and audits through.
type Store interface {
	Listings(ctx context.Context, source string, limit int) ([]listing.Listing, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the server's collaborators. Only Coordinator is required.
type Deps struct {
	Coordinator Coordinator
	Store       Store
	Schedules   func() scheduler.Snapshot
	Engine      Inspector
	Notifier    NotifierView
	Runtime     func() map[string]rtsup.Snapshot // supervisors by owner
	Events      http.Handler
	Log         logx.Logger
}

type Server struct {
	mu  sync.Mutex
	cfg Config

	coord     Coordinator
	store     Store
	schedules func() scheduler.Snapshot
	engine    Inspector
	notifier  NotifierView
	runtime   func() map[string]rtsup.Snapshot
	events    http.Handler
	log       logx.Logger

	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor

	now func() time.Time
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8088"
	}
	return &Server{
		cfg:       cfg,
		coord:     deps.Coordinator,
		store:     deps.Store,
		schedules: deps.Schedules,
		engine:    deps.Engine,
		notifier:  deps.Notifier,
		runtime:   deps.Runtime,
		events:    deps.Events,
		log:       log,
		now:       time.Now,
	}
}

// Handler returns the routed API. Token auth is applied when configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /schedules", s.handleSchedules)
	mux.HandleFunc("GET /listings", s.handleListings)
	mux.HandleFunc("GET /jobs/{job}", s.handleJob)
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /run", s.handleRunAll)
	mux.HandleFunc("POST /run/{source}", s.handleRun)
	mux.HandleFunc("POST /enable/{source}", s.handleEnable)
	if s.events != nil {
		mux.Handle("GET /ws", s.events)
	}
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return withAuth(s.cfg.Token, mux)
}

// Start serves in the background under a restarting supervisor. It returns
// an error only when the configured bind is refused as insecure.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	cfg := s.cfg
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		return fmt.Errorf("admin: refusing non-loopback addr %s without token", cfg.Addr)
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("admin API running without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}

	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("admin.http", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	return nil
}

// Addr returns the bound listen address once serving, else "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if sup != nil {
		sup.Cancel()
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if sup != nil {
		_ = sup.Wait(ctx)
	}
	s.log.Info("admin API stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("admin listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("admin API started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
	}
	s.addr = ""
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Browsers cannot set headers on websocket upgrades; accept ?token= too.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
