// Package storage persists listings, scrape runs, sent-alert marks and the
// operator audit log.
//
// Drivers:
//   - "memory" (default): process-local maps, nothing survives a restart
//   - "file": JSON Lines journal plus periodic snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through a pgx connection pool
package storage
