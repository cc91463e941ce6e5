package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrPaused         = errors.New("scheduler paused")
	ErrDisabled       = errors.New("job disabled")
	ErrAlreadyRunning = errors.New("job already running")
	ErrAtCapacity     = errors.New("concurrency limit reached")
	ErrTooSoon        = errors.New("job ran too recently")
	ErrRateLimited    = errors.New("rate limit exceeded")

	ErrDuplicateJob = errors.New("job already registered")
	ErrInvalidJob   = errors.New("invalid job")
	ErrTimeout      = errors.New("timed out")
)

// TimeoutError is returned for an attempt that exceeded its deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %dms", e.After.Milliseconds())
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// IsRejection reports whether err is one of the eligibility gate errors.
func IsRejection(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrPaused),
		errors.Is(err, ErrDisabled),
		errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, ErrAtCapacity),
		errors.Is(err, ErrTooSoon),
		errors.Is(err, ErrRateLimited):
		return true
	}
	return false
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
