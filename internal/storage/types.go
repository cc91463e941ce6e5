package storage

import (
	"context"
	"errors"
	"time"

	"scrapewatch/internal/listing"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres pool size; 0 means pgx default
}

// AuditEntry records an operator action taken through the admin API or CLI.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
}

// Store is the persistence API used by the coordinator, alerts and admin.
type Store interface {
	// UpsertListings inserts or updates listings keyed by (source, id) and
	// returns how many rows were written.
	UpsertListings(ctx context.Context, items []listing.Listing) (int, error)
	// Listings returns the most recently scraped listings, newest first.
	// An empty source means all sources.
	Listings(ctx context.Context, source string, limit int) ([]listing.Listing, error)

	RecordRun(ctx context.Context, run listing.Run) error
	// LastRun returns the most recent successful run of source.
	LastRun(ctx context.Context, source string) (listing.Run, bool, error)

	PutAlertMark(ctx context.Context, key string, at time.Time) error
	GetAlertMark(ctx context.Context, key string) (time.Time, bool, error)
	DeleteAlertMark(ctx context.Context, key string) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

func writable(items []listing.Listing) []listing.Listing {
	out := items[:0:0]
	for _, it := range items {
		if it.Source == "" || it.ID == "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
