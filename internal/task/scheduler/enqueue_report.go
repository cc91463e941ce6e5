package scheduler

import (
	"errors"
	"time"

	"scrapewatch/internal/task/engine"
	logx "scrapewatch/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportRejection logs a trigger that never reached the handler.
// Expected rejections go to debug; the rest are throttled per job.
func (s *Service) reportRejection(name string, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, engine.ErrPaused),
		errors.Is(err, engine.ErrTooSoon),
		errors.Is(err, engine.ErrRateLimited),
		errors.Is(err, engine.ErrAlreadyRunning):
		s.log.Debug("schedule trigger skipped", logx.String("job", name), logx.String("reason", err.Error()))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule trigger rejected", logx.String("job", name), logx.String("reason", err.Error()))
}
