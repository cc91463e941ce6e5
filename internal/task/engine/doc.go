// Package engine executes named jobs with retries, timeouts, per-job rate
// limits, a failure circuit (auto-disable) and a FIFO overlap queue.
//
// The engine has no notion of time-based triggering; package scheduler binds
// cron expressions to Execute calls.
package engine
