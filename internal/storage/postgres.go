package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scrapewatch/internal/listing"
	logx "scrapewatch/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

const pgBatchSize = 200

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) UpsertListings(ctx context.Context, items []listing.Listing) (int, error) {
	items = writable(items)
	total := 0
	for i := 0; i < len(items); i += pgBatchSize {
		chunk := items[i:min(i+pgBatchSize, len(items))]
		b := &pgx.Batch{}
		for _, it := range chunk {
			b.Queue(`
				INSERT INTO listings(source, id, title, url, price, currency, brand, model, condition, location, seller, image_url, posted_at, scraped_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
				ON CONFLICT (source, id) DO UPDATE SET
				  title=EXCLUDED.title, url=EXCLUDED.url, price=EXCLUDED.price, currency=EXCLUDED.currency,
				  brand=EXCLUDED.brand, model=EXCLUDED.model, condition=EXCLUDED.condition, location=EXCLUDED.location,
				  seller=EXCLUDED.seller, image_url=EXCLUDED.image_url, posted_at=EXCLUDED.posted_at, scraped_at=EXCLUDED.scraped_at`,
				it.Source, it.ID, it.Title, it.URL, nullFloat(it.Price), it.Currency,
				nullStr(it.Brand), nullStr(it.Model), nullStr(it.Condition), nullStr(it.Location),
				nullStr(it.Seller), nullStr(it.ImageURL), timePtr(it.PostedAt), it.ScrapedAt,
			)
		}
		br := s.pool.SendBatch(ctx, b)
		for range chunk {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, err
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *postgresStore) Listings(ctx context.Context, source string, limit int) ([]listing.Listing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, id, title, url, COALESCE(price, 0), currency, COALESCE(brand, ''), COALESCE(model, ''),
		       COALESCE(condition, ''), COALESCE(location, ''), COALESCE(seller, ''), COALESCE(image_url, ''), posted_at, scraped_at
		FROM listings
		WHERE ($1 = '' OR source = $1)
		ORDER BY scraped_at DESC, source, id
		LIMIT $2`, source, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []listing.Listing
	for rows.Next() {
		var it listing.Listing
		var posted *time.Time
		if err := rows.Scan(&it.Source, &it.ID, &it.Title, &it.URL, &it.Price, &it.Currency, &it.Brand, &it.Model,
			&it.Condition, &it.Location, &it.Seller, &it.ImageURL, &posted, &it.ScrapedAt); err != nil {
			return nil, err
		}
		if posted != nil {
			it.PostedAt = *posted
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *postgresStore) RecordRun(ctx context.Context, run listing.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scraper_runs(id, source, status, found, saved, alerts, duration_ms, err, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		run.ID, run.Source, run.Status, run.Found, run.Saved, run.Alerts, run.Duration.Milliseconds(),
		nullStr(run.Error), run.StartedAt, run.FinishedAt,
	)
	return err
}

func (s *postgresStore) LastRun(ctx context.Context, source string) (listing.Run, bool, error) {
	var r listing.Run
	var durMS int64
	var errText *string
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, source, status, found, saved, alerts, duration_ms, err, started_at, finished_at
		FROM scraper_runs WHERE source = $1 AND status = $2
		ORDER BY finished_at DESC LIMIT 1`, source, listing.RunSuccess,
	).Scan(&r.ID, &r.Source, &r.Status, &r.Found, &r.Saved, &r.Alerts, &durMS, &errText, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.Run{}, false, nil
	}
	if err != nil {
		return listing.Run{}, false, err
	}
	r.Duration = time.Duration(durMS) * time.Millisecond
	if errText != nil {
		r.Error = *errText
	}
	return r, true, nil
}

func (s *postgresStore) PutAlertMark(ctx context.Context, key string, at time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_marks(key, sent_at) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET sent_at = EXCLUDED.sent_at`, key, at)
	return err
}

func (s *postgresStore) GetAlertMark(ctx context.Context, key string) (time.Time, bool, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, `SELECT sent_at FROM alert_marks WHERE key = $1`, key).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *postgresStore) DeleteAlertMark(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM alert_marks WHERE key = $1`, key)
	return err
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit(at, actor, action, target, ok, err, took_ms) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.At, e.Actor, e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), e.TookMS)
	return err
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
