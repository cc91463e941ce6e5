// Package scheduler binds cron schedules to jobs run by package engine.
//
// The Service is the single entry point used by the scraper coordinator:
// job registration, start/stop of time triggers, pause/resume, manual
// triggers, graceful shutdown and statistics.
package scheduler
