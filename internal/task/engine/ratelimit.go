package engine

import "time"

// fixedWindow counts executions per job in fixed windows.
//
// A window starts at the first allowed request after the previous one
// expired, so up to 2*Max requests can pass around a window boundary.
// Callers hold the engine lock.
type fixedWindow struct {
	m map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func newFixedWindow() *fixedWindow {
	return &fixedWindow{m: make(map[string]*window)}
}

func (f *fixedWindow) allow(name string, limit RateLimit, now time.Time) bool {
	w, ok := f.m[name]
	if !ok || now.After(w.resetAt) {
		f.m[name] = &window{count: 1, resetAt: now.Add(limit.Window)}
		return true
	}
	if w.count >= limit.Max {
		return false
	}
	w.count++
	return true
}

// remaining reports how many requests the current window still allows.
func (f *fixedWindow) remaining(name string, limit RateLimit, now time.Time) int {
	w, ok := f.m[name]
	if !ok || now.After(w.resetAt) {
		return limit.Max
	}
	return max(limit.Max-w.count, 0)
}
