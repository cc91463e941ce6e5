package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"scrapewatch/internal/listing"
	logx "scrapewatch/pkg/logx"
)

//go:embed migrations.sql
var sqliteMigrations string

// fixed width so text ordering matches time ordering
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertListings(ctx context.Context, items []listing.Listing) (int, error) {
	items = writable(items)
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO listings(source, id, title, url, price, currency, brand, model, condition, location, seller, image_url, posted_at, scraped_at, first_seen)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(source, id) DO UPDATE SET
		  title=excluded.title, url=excluded.url, price=excluded.price, currency=excluded.currency,
		  brand=excluded.brand, model=excluded.model, condition=excluded.condition, location=excluded.location,
		  seller=excluded.seller, image_url=excluded.image_url, posted_at=excluded.posted_at, scraped_at=excluded.scraped_at`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	for _, it := range items {
		scraped := it.ScrapedAt.UTC().Format(sqliteTime)
		res, err := stmt.ExecContext(ctx,
			it.Source, it.ID, it.Title, it.URL, nullFloat(it.Price), it.Currency,
			nullStr(it.Brand), nullStr(it.Model), nullStr(it.Condition), nullStr(it.Location),
			nullStr(it.Seller), nullStr(it.ImageURL), nullTime(it.PostedAt), scraped, scraped,
		)
		if err != nil {
			return n, fmt.Errorf("upsert %s: %w", it.Key(), err)
		}
		if rows, err := res.RowsAffected(); err == nil && rows > 0 {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) Listings(ctx context.Context, source string, limit int) ([]listing.Listing, error) {
	q := `SELECT source, id, title, url, price, currency, brand, model, condition, location, seller, image_url, posted_at, scraped_at
	      FROM listings`
	args := []any{}
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY scraped_at DESC, source, id LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []listing.Listing
	for rows.Next() {
		var (
			it                                                      listing.Listing
			price                                                   sql.NullFloat64
			brand, model, cond, loc, seller, image, posted, scraped sql.NullString
		)
		if err := rows.Scan(&it.Source, &it.ID, &it.Title, &it.URL, &price, &it.Currency,
			&brand, &model, &cond, &loc, &seller, &image, &posted, &scraped); err != nil {
			return nil, err
		}
		it.Price = price.Float64
		it.Brand, it.Model, it.Condition, it.Location = brand.String, model.String, cond.String, loc.String
		it.Seller, it.ImageURL = seller.String, image.String
		it.PostedAt = parseTime(posted.String)
		it.ScrapedAt = parseTime(scraped.String)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordRun(ctx context.Context, run listing.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scraper_runs(id, source, status, found, saved, alerts, duration_ms, err, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Source, run.Status, run.Found, run.Saved, run.Alerts, run.Duration.Milliseconds(),
		nullStr(run.Error), run.StartedAt.UTC().Format(sqliteTime), run.FinishedAt.UTC().Format(sqliteTime),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_ = s.pruneRuns(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) LastRun(ctx context.Context, source string) (listing.Run, bool, error) {
	var (
		r                 listing.Run
		durMS             int64
		errText           sql.NullString
		started, finished string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, status, found, saved, alerts, duration_ms, err, started_at, finished_at
		 FROM scraper_runs WHERE source = ? AND status = ? ORDER BY finished_at DESC LIMIT 1`,
		source, listing.RunSuccess,
	).Scan(&r.ID, &r.Source, &r.Status, &r.Found, &r.Saved, &r.Alerts, &durMS, &errText, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return listing.Run{}, false, nil
	}
	if err != nil {
		return listing.Run{}, false, err
	}
	r.Duration = time.Duration(durMS) * time.Millisecond
	r.Error = errText.String
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return r, true, nil
}

func (s *sqliteStore) PutAlertMark(ctx context.Context, key string, at time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_marks(key, sent_at) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET sent_at=excluded.sent_at`,
		key, at.UTC().Format(sqliteTime),
	)
	return err
}

func (s *sqliteStore) GetAlertMark(ctx context.Context, key string) (time.Time, bool, error) {
	var at string
	err := s.db.QueryRowContext(ctx, `SELECT sent_at FROM alert_marks WHERE key = ?`, key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseTime(at), true, nil
}

func (s *sqliteStore) DeleteAlertMark(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alert_marks WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(sqliteTime), e.Actor, e.Action, nullStr(e.Target), boolInt(e.OK), nullStr(e.Error), e.TookMS,
	)
	return err
}

// pruneRuns keeps the newest 1000 runs per source.
func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM scraper_runs WHERE id IN (
		  SELECT id FROM (
		    SELECT id, ROW_NUMBER() OVER (PARTITION BY source ORDER BY finished_at DESC) AS rn FROM scraper_runs
		  ) WHERE rn > 1000
		)`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
