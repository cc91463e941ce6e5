package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"scrapewatch/internal/scraper"
	"scrapewatch/internal/storage"
	"scrapewatch/internal/task/engine"
	logx "scrapewatch/pkg/logx"
)

// RunResult is the JSON view of an engine.Result.
type RunResult struct {
	Job        string `json:"job"`
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	Rejected   bool   `json:"rejected,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Value      any    `json:"value,omitempty"`
}

func ToRunResult(r engine.Result) RunResult {
	out := RunResult{
		Job:        r.JobName,
		Success:    r.Success,
		Skipped:    r.Skipped,
		Rejected:   r.Rejected(),
		Attempts:   r.Attempts,
		DurationMS: r.Duration.Milliseconds(),
		Error:      r.Reason(),
		Value:      r.Value,
	}
	if sk, ok := r.Value.(engine.Skipped); ok {
		out.Value = sk.Summary()
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.coord.Health()
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusNotFound, "schedules unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.schedules())
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "storage unavailable")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.store.Listings(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		s.log.Warn("list listings failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "listings": items})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	s.coord.Pause()
	s.audit(r, "pause", "", start, nil)
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	s.coord.Resume()
	s.audit(r, "resume", "", start, nil)
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	start := s.now()
	// A run outlives its request: a client that hangs up must not fail the job.
	res, err := s.coord.TriggerSource(context.WithoutCancel(r.Context()), source)
	if errors.Is(err, scraper.ErrUnknownSource) {
		s.audit(r, "run", source, start, err)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit(r, "run", source, start, res.Err)

	code := http.StatusOK
	if res.Rejected() {
		code = http.StatusConflict
	}
	writeJSON(w, code, ToRunResult(res))
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	results := s.coord.RunAll(context.WithoutCancel(r.Context()))
	out := make([]RunResult, 0, len(results))
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
		out = append(out, ToRunResult(res))
	}
	var err error
	if failed > 0 {
		err = errors.New(strconv.Itoa(failed) + " source(s) failed")
	}
	s.audit(r, "run", "all", start, err)
	writeJSON(w, http.StatusOK, map[string]any{"results": out, "failed": failed})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	start := s.now()
	if !s.coord.EnableSource(source) {
		err := errors.New("unknown source or enable failed: " + source)
		s.audit(r, "enable", source, start, err)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.audit(r, "enable", source, start, nil)
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "enabled": true})
}

// audit records an operator action. Failures are logged only.
func (s *Server) audit(r *http.Request, action, target string, start time.Time, err error) {
	if s.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     start,
		Actor:  "http:" + r.RemoteAddr,
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: s.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
