package alerts

import (
	"context"
	"strings"
	"testing"

	"scrapewatch/internal/listing"
	"scrapewatch/internal/storage"
	logx "scrapewatch/pkg/logx"
)

func TestCheckPriceAlert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := New(storage.NewMemory(), logx.Nop())
	item := listing.Listing{ID: "abc", Source: "ebay", Title: "Omega Speedmaster", TargetPrice: 4000}

	if a, err := svc.CheckPriceAlert(ctx, TypeWatch, item, 4500); a != nil || err != nil {
		t.Fatalf("above target = %v, %v; want nil", a, err)
	}

	a, err := svc.CheckPriceAlert(ctx, TypeWatch, item, 3600)
	if err != nil || a == nil {
		t.Fatalf("below target = %v, %v; want alert", a, err)
	}
	if a.CurrentPrice != 3600 || a.TargetPrice != 4000 || a.ItemType != TypeWatch {
		t.Fatalf("alert = %+v", a)
	}
	for _, want := range []string{"Omega Speedmaster", "$3,600", "$4,000", "(10.0%)", "Type: Watch", "`abc`"} {
		if !strings.Contains(a.Message, want) {
			t.Fatalf("message missing %q:\n%s", want, a.Message)
		}
	}

	if a, _ := svc.CheckPriceAlert(ctx, TypeWatch, item, 3500); a != nil {
		t.Fatal("second alert while still below target")
	}

	// Back above target re-arms the alert.
	if a, _ := svc.CheckPriceAlert(ctx, TypeWatch, item, 4100); a != nil {
		t.Fatal("alert above target")
	}
	if a, _ := svc.CheckPriceAlert(ctx, TypeWatch, item, 3999); a == nil {
		t.Fatal("alert not re-armed after price rose above target")
	}
}

func TestCheckPriceAlertIgnoresIncompleteInput(t *testing.T) {
	t.Parallel()
	svc := New(storage.NewMemory(), logx.Nop())
	ctx := context.Background()
	cases := []struct {
		name  string
		item  listing.Listing
		price float64
	}{
		{"no price", listing.Listing{ID: "a", TargetPrice: 100}, 0},
		{"no target", listing.Listing{ID: "a"}, 50},
		{"no id", listing.Listing{TargetPrice: 100}, 50},
	}
	for _, c := range cases {
		if a, err := svc.CheckPriceAlert(ctx, TypeWatch, c.item, c.price); a != nil || err != nil {
			t.Fatalf("%s: got %v, %v", c.name, a, err)
		}
	}
}

func TestItemTypeForSource(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"reddit":         TypeWatch,
		"watchuseek":     TypeWatch,
		"autotrader":     TypeCar,
		"carsandbids":    TypeCar,
		"StockX":         TypeSneaker,
		"sneaker-market": TypeSneaker,
	}
	for src, want := range tests {
		if got := ItemTypeForSource(src); got != want {
			t.Fatalf("ItemTypeForSource(%q) = %q, want %q", src, got, want)
		}
	}
}

func TestWatchlist(t *testing.T) {
	t.Parallel()
	w := NewWatchlist([]WatchItem{
		{Name: "speedy", Keywords: []string{"Omega", "speedmaster"}, TargetPrice: 4000},
		{Name: "speedy-cheap", Keywords: []string{"speedmaster"}, TargetPrice: 3500, Sources: []string{"reddit"}},
		{Name: "broken", Keywords: []string{" "}, TargetPrice: 100},
	})
	if w.Len() != 2 {
		t.Fatalf("Len = %d, want 2", w.Len())
	}

	got, ok := w.TargetFor(listing.Listing{Source: "ebay", Title: "OMEGA Speedmaster Professional"})
	if !ok || got != 4000 {
		t.Fatalf("TargetFor(ebay) = %v, %v", got, ok)
	}
	got, ok = w.TargetFor(listing.Listing{Source: "reddit", Title: "[WTS] Omega Speedmaster 3861"})
	if !ok || got != 3500 {
		t.Fatalf("TargetFor(reddit) = %v, %v; want lowest match", got, ok)
	}
	if _, ok := w.TargetFor(listing.Listing{Source: "ebay", Title: "Seiko"}); ok {
		t.Fatal("unexpected match")
	}
}

func TestMoney(t *testing.T) {
	t.Parallel()
	for in, want := range map[float64]string{0: "0", 999: "999", 1000: "1,000", 1234567.5: "1,234,567.50", 12.25: "12.25"} {
		if got := money(in); got != want {
			t.Fatalf("money(%v) = %q, want %q", in, got, want)
		}
	}
}
