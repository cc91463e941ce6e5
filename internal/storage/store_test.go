package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"scrapewatch/internal/listing"
	logx "scrapewatch/pkg/logx"
)

func openTestStore(t *testing.T, cfg Config) Store {
	t.Helper()
	st, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error: %v", cfg.Driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testDrivers(t *testing.T) map[string]func(t *testing.T) Store {
	drivers := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return openTestStore(t, Config{Driver: "memory"}) },
		"file": func(t *testing.T) Store {
			return openTestStore(t, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")})
		},
		"sqlite": func(t *testing.T) Store {
			return openTestStore(t, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "scrapewatch.db")})
		},
	}
	if dsn := os.Getenv("SCRAPEWATCH_TEST_PG_DSN"); dsn != "" {
		drivers["postgres"] = func(t *testing.T) Store { return openTestStore(t, Config{Driver: "postgres", DSN: dsn}) }
	}
	return drivers
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for name, open := range testDrivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			src := "ebay-" + uuid.NewString()[:8]
			now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

			items := []listing.Listing{
				{Source: src, ID: "1", Title: "Seiko SKX007", URL: "https://e.x/1", Price: 250, Currency: "USD", ScrapedAt: now},
				{Source: src, ID: "2", Title: "Omega Speedmaster", URL: "https://e.x/2", Price: 4200, Currency: "USD", ScrapedAt: now.Add(time.Minute)},
				{Source: src, ID: "", Title: "no id"},
			}
			n, err := st.UpsertListings(ctx, items)
			if err != nil {
				t.Fatalf("UpsertListings error: %v", err)
			}
			if n != 2 {
				t.Fatalf("UpsertListings wrote %d, want 2", n)
			}

			items[0].Price = 199
			items[0].ScrapedAt = now.Add(2 * time.Minute)
			if _, err := st.UpsertListings(ctx, items[:1]); err != nil {
				t.Fatalf("second UpsertListings error: %v", err)
			}
			got, err := st.Listings(ctx, src, 10)
			if err != nil {
				t.Fatalf("Listings error: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Listings len = %d, want 2", len(got))
			}
			if got[0].ID != "1" || got[0].Price != 199 {
				t.Fatalf("newest listing = %+v, want id 1 with updated price", got[0])
			}

			if _, ok, err := st.LastRun(ctx, src); err != nil || ok {
				t.Fatalf("LastRun before any run = %v, %v", ok, err)
			}
			runs := []listing.Run{
				{ID: uuid.NewString(), Source: src, Status: listing.RunSuccess, Found: 2, Saved: 2, StartedAt: now, FinishedAt: now.Add(time.Second)},
				{ID: uuid.NewString(), Source: src, Status: listing.RunFailed, Error: "403", StartedAt: now.Add(time.Hour), FinishedAt: now.Add(time.Hour + time.Second)},
			}
			for _, r := range runs {
				if err := st.RecordRun(ctx, r); err != nil {
					t.Fatalf("RecordRun error: %v", err)
				}
			}
			last, ok, err := st.LastRun(ctx, src)
			if err != nil || !ok {
				t.Fatalf("LastRun = %v, %v", ok, err)
			}
			if last.ID != runs[0].ID || !last.FinishedAt.Equal(runs[0].FinishedAt) {
				t.Fatalf("LastRun = %+v, want the successful run", last)
			}

			key := "watch:" + src + ":1"
			if err := st.PutAlertMark(ctx, key, now); err != nil {
				t.Fatalf("PutAlertMark error: %v", err)
			}
			at, ok, err := st.GetAlertMark(ctx, key)
			if err != nil || !ok || !at.Equal(now) {
				t.Fatalf("GetAlertMark = %v, %v, %v", at, ok, err)
			}
			if err := st.DeleteAlertMark(ctx, key); err != nil {
				t.Fatalf("DeleteAlertMark error: %v", err)
			}
			if _, ok, _ := st.GetAlertMark(ctx, key); ok {
				t.Fatal("mark still present after delete")
			}

			if err := st.AppendAudit(ctx, AuditEntry{At: now, Actor: "test", Action: "pause", OK: true}); err != nil {
				t.Fatalf("AppendAudit error: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := st.UpsertListings(ctx, []listing.Listing{{Source: "reddit", ID: "abc", Title: "[WTS] Tudor", ScrapedAt: now}}); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordRun(ctx, listing.Run{ID: "r1", Source: "reddit", Status: listing.RunSuccess, FinishedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutAlertMark(ctx, "watch:abc", now); err != nil {
		t.Fatal(err)
	}
	if err := st.PutAlertMark(ctx, "watch:gone", now); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteAlertMark(ctx, "watch:gone"); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Second session replays the snapshot written on close plus new journal entries.
	st2, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	if err := st2.PutAlertMark(ctx, "watch:late", now); err != nil {
		t.Fatal(err)
	}
	if err := st2.(*fileStore).journal.Sync(); err != nil {
		t.Fatal(err)
	}
	st3, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("third open error: %v", err)
	}
	defer st3.Close()
	defer st2.Close()

	if got, _ := st3.Listings(ctx, "reddit", 10); len(got) != 1 || got[0].Title != "[WTS] Tudor" {
		t.Fatalf("Listings after reopen = %+v", got)
	}
	if r, ok, _ := st3.LastRun(ctx, "reddit"); !ok || r.ID != "r1" {
		t.Fatalf("LastRun after reopen = %+v, %v", r, ok)
	}
	for key, want := range map[string]bool{"watch:abc": true, "watch:gone": false, "watch:late": true} {
		if _, ok, _ := st3.GetAlertMark(ctx, key); ok != want {
			t.Fatalf("mark %s present = %v, want %v", key, ok, want)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}
