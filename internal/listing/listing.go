// Package listing holds the marketplace listing record shared by fetchers,
// storage and alerting.
package listing

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Listing is one item offered on a source marketplace.
type Listing struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Price     float64   `json:"price,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	Brand     string    `json:"brand,omitempty"`
	Model     string    `json:"model,omitempty"`
	Condition string    `json:"condition,omitempty"`
	Location  string    `json:"location,omitempty"`
	Seller    string    `json:"seller,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	PostedAt  time.Time `json:"posted_at,omitzero"`
	ScrapedAt time.Time `json:"scraped_at"`

	// TargetPrice is the watcher's threshold for this item; 0 means none.
	TargetPrice float64 `json:"target_price,omitempty"`
}

// Key identifies a listing across runs.
func (l Listing) Key() string { return l.Source + ":" + l.ID }

// Field limits applied before persistence.
const (
	MaxSource    = 50
	MaxCurrency  = 10
	MaxBrand     = 100
	MaxModel     = 100
	MaxCondition = 50
	MaxLocation  = 100

	DefaultCurrency = "USD"
)

// Normalize trims and truncates fields to storage limits, defaults the
// currency and derives a missing ID from the URL.
func Normalize(l Listing, now time.Time) Listing {
	l.Source = Truncate(strings.TrimSpace(l.Source), MaxSource)
	l.Currency = Truncate(strings.TrimSpace(l.Currency), MaxCurrency)
	if l.Currency == "" {
		l.Currency = DefaultCurrency
	}
	l.Brand = Truncate(strings.TrimSpace(l.Brand), MaxBrand)
	l.Model = Truncate(strings.TrimSpace(l.Model), MaxModel)
	l.Condition = Truncate(strings.TrimSpace(l.Condition), MaxCondition)
	l.Location = Truncate(strings.TrimSpace(l.Location), MaxLocation)
	l.Title = strings.TrimSpace(l.Title)
	l.URL = strings.TrimSpace(l.URL)
	if strings.TrimSpace(l.ID) == "" {
		l.ID = l.URL
	}
	if l.ScrapedAt.IsZero() {
		l.ScrapedAt = now
	}
	return l
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Run records one scrape of a source.
type Run struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	Status     string        `json:"status"`
	Found      int           `json:"found"`
	Saved      int           `json:"saved"`
	Alerts     int           `json:"alerts"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

const (
	RunSuccess = "success"
	RunFailed  = "failed"
)
