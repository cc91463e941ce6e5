package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scrapewatch/internal/listing"
)

// JSONAPI queries a search endpoint that returns listings as JSON, either a
// bare array or an object with an "items" array. The query goes in the
// QueryParam parameter (default "q"), params are appended as-is.
type JSONAPI struct {
	Source     string
	Endpoint   string
	QueryParam string
	UserAgent  string
	Headers    map[string]string
	Client     *http.Client
}

type apiItem struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	URL       string          `json:"url"`
	Price     json.RawMessage `json:"price"`
	Currency  string          `json:"currency"`
	Brand     string          `json:"brand"`
	Model     string          `json:"model"`
	Condition string          `json:"condition"`
	Location  string          `json:"location"`
	Seller    string          `json:"seller"`
	ImageURL  string          `json:"image_url"`
	PostedAt  time.Time       `json:"posted_at"`
}

func (j *JSONAPI) Fetch(ctx context.Context, query string, params map[string]string) ([]listing.Listing, error) {
	if j.Endpoint == "" {
		return nil, errors.New(j.Source + ": no endpoint configured")
	}
	u, err := url.Parse(j.Endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if query != "" {
		qp := j.QueryParam
		if qp == "" {
			qp = "q"
		}
		q.Set(qp, query)
	}
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	var raw json.RawMessage
	if err := j.get(ctx, u.String(), &raw); err != nil {
		return nil, err
	}
	items, err := decodeItems(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: decode items: %w", j.Source, err)
	}

	out := make([]listing.Listing, 0, len(items))
	for _, it := range items {
		price, currency := parseAPIPrice(it.Price)
		if it.Currency != "" {
			currency = it.Currency
		}
		brand := it.Brand
		if brand == "" {
			brand = ExtractBrand(it.Title)
		}
		out = append(out, listing.Listing{
			ID:        it.ID,
			Source:    j.Source,
			Title:     it.Title,
			URL:       it.URL,
			Price:     price,
			Currency:  currency,
			Brand:     brand,
			Model:     it.Model,
			Condition: it.Condition,
			Location:  it.Location,
			Seller:    it.Seller,
			ImageURL:  it.ImageURL,
			PostedAt:  it.PostedAt,
		})
	}
	return out, nil
}

func (j *JSONAPI) get(ctx context.Context, u string, out any) error {
	if len(j.Headers) == 0 {
		return getJSON(ctx, httpClient(j.Client), j.Source, u, j.UserAgent, out)
	}
	// Extra headers go through a wrapping transport so getJSON stays simple.
	base := httpClient(j.Client)
	c := *base
	c.Transport = headerTransport{base: base.Transport, headers: j.Headers}
	return getJSON(ctx, &c, j.Source, u, j.UserAgent, out)
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range h.headers {
		r.Header.Set(k, v)
	}
	rt := h.base
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(r)
}

func decodeItems(raw json.RawMessage) ([]apiItem, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var items []apiItem
		err := json.Unmarshal(raw, &items)
		return items, err
	}
	var wrapped struct {
		Items []apiItem `json:"items"`
	}
	err := json.Unmarshal(raw, &wrapped)
	return wrapped.Items, err
}

// parseAPIPrice accepts 1234.5, "1234.5" or "$1,234".
func parseAPIPrice(raw json.RawMessage) (float64, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, "USD"
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, "USD"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := ParsePrice(s); err == nil {
			return v, ExtractCurrency(s)
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v, "USD"
		}
	}
	return 0, "USD"
}
