// Package fetch retrieves raw listings from marketplace sources.
//
// Each source has one Fetcher and its own token bucket so a burst of manual
// triggers cannot hammer a site. HTTP failures surface as *Error with the
// status code and any Retry-After hint.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scrapewatch/internal/listing"
	logx "scrapewatch/pkg/logx"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; scrapewatch/1.0)"

var ErrUnknownSource = errors.New("no fetcher for source")

// Fetcher pulls the current listings for one source.
type Fetcher interface {
	Fetch(ctx context.Context, query string, params map[string]string) ([]listing.Listing, error)
}

// Error is an HTTP-level failure from a source.
type Error struct {
	Source     string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: http %d", e.Source, e.StatusCode)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Throttled reports whether the source is pushing back (429 or 403).
func (e *Error) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusForbidden
}

type entry struct {
	f   Fetcher
	lim *rate.Limiter
}

// Registry routes Fetch calls to the fetcher registered for a source.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	log     logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{entries: map[string]entry{}, log: log}
}

// Register binds f to source. every is the minimum spacing between requests
// (zero disables throttling); burst is the token bucket size.
func (r *Registry) Register(source string, f Fetcher, every time.Duration, burst int) {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, burst)
	if every > 0 {
		lim = rate.NewLimiter(rate.Every(every), burst)
	}
	r.mu.Lock()
	r.entries[source] = entry{f: f, lim: lim}
	r.mu.Unlock()
}

func (r *Registry) Has(source string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[source]
	return ok
}

func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for s := range r.entries {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Fetch(ctx context.Context, source, query string, params map[string]string) ([]listing.Listing, error) {
	r.mu.RLock()
	e, ok := r.entries[source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if err := e.lim.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	items, err := e.f.Fetch(ctx, query, params)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Source == "" {
			items[i].Source = source
		}
	}
	r.log.Debug("fetched", logx.String("source", source), logx.Int("items", len(items)), logx.Duration("took", time.Since(start)))
	return items, nil
}

// getJSON performs a GET and decodes a 2xx JSON body into out.
func getJSON(ctx context.Context, client *http.Client, source, url, userAgent string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e := &Error{Source: source, StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
		if len(body) > 0 {
			e.Err = errors.New(string(body))
		}
		return e
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", source, err)
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}
