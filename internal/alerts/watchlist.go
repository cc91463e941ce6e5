package alerts

import (
	"strings"

	"scrapewatch/internal/listing"
)

// WatchItem is a configured target: every keyword must appear in the
// listing title, brand or model (case-insensitive).
type WatchItem struct {
	Name        string
	Keywords    []string
	TargetPrice float64
	Sources     []string // empty means all sources
}

// Watchlist assigns target prices to listings.
type Watchlist struct {
	items []WatchItem
}

func NewWatchlist(items []WatchItem) *Watchlist {
	out := make([]WatchItem, 0, len(items))
	for _, it := range items {
		if it.TargetPrice <= 0 || len(it.Keywords) == 0 {
			continue
		}
		kw := make([]string, 0, len(it.Keywords))
		for _, k := range it.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kw = append(kw, k)
			}
		}
		if len(kw) == 0 {
			continue
		}
		it.Keywords = kw
		out = append(out, it)
	}
	return &Watchlist{items: out}
}

func (w *Watchlist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.items)
}

// TargetFor returns the lowest target price among matching entries.
func (w *Watchlist) TargetFor(l listing.Listing) (float64, bool) {
	if w == nil {
		return 0, false
	}
	hay := strings.ToLower(l.Title + " " + l.Brand + " " + l.Model)
	best := 0.0
	for _, it := range w.items {
		if !sourceMatches(it.Sources, l.Source) {
			continue
		}
		if !containsAll(hay, it.Keywords) {
			continue
		}
		if best == 0 || it.TargetPrice < best {
			best = it.TargetPrice
		}
	}
	return best, best > 0
}

func sourceMatches(sources []string, src string) bool {
	if len(sources) == 0 {
		return true
	}
	for _, s := range sources {
		if strings.EqualFold(s, src) {
			return true
		}
	}
	return false
}

func containsAll(hay string, keywords []string) bool {
	for _, k := range keywords {
		if !strings.Contains(hay, k) {
			return false
		}
	}
	return true
}
