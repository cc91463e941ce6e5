package fetch

import (
	"context"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scrapewatch/internal/listing"
)

// Reddit reads [WTS] posts from a subreddit's public JSON listing.
type Reddit struct {
	BaseURL   string // default https://www.reddit.com
	Subreddit string // default Watchexchange
	UserAgent string
	Client    *http.Client
}

type redditListing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	Permalink  string  `json:"permalink"`
	URL        string  `json:"url"`
	Author     string  `json:"author"`
	CreatedUTC float64 `json:"created_utc"`
	Preview    *struct {
		Images []struct {
			Source struct {
				URL string `json:"url"`
			} `json:"source"`
		} `json:"images"`
	} `json:"preview"`
}

// Fetch honours params sort (new|hot|top), limit (<=100), t and after.
// query is ignored: the subreddit is the query.
func (r *Reddit) Fetch(ctx context.Context, _ string, params map[string]string) ([]listing.Listing, error) {
	base := strings.TrimRight(r.BaseURL, "/")
	if base == "" {
		base = "https://www.reddit.com"
	}
	sub := r.Subreddit
	if sub == "" {
		sub = "Watchexchange"
	}
	sort := params["sort"]
	if sort == "" {
		sort = "new"
	}
	limit, _ := strconv.Atoi(params["limit"])
	if limit <= 0 {
		limit = 25
	}
	q := url.Values{"limit": {strconv.Itoa(min(limit, 100))}}
	if t := params["t"]; sort == "top" && t != "" {
		q.Set("t", t)
	}
	if after := params["after"]; after != "" {
		q.Set("after", after)
	}
	u := base + "/r/" + url.PathEscape(sub) + "/" + url.PathEscape(sort) + ".json?" + q.Encode()

	var body redditListing
	if err := getJSON(ctx, httpClient(r.Client), "reddit", u, r.UserAgent, &body); err != nil {
		return nil, err
	}
	out := make([]listing.Listing, 0, len(body.Data.Children))
	for _, c := range body.Data.Children {
		if l, ok := r.parsePost(base, c.Data); ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *Reddit) parsePost(base string, p redditPost) (listing.Listing, bool) {
	if !strings.Contains(strings.ToUpper(p.Title), "[WTS]") {
		return listing.Listing{}, false
	}
	text := p.Title + " " + p.Selftext
	price, currency, ok := ExtractPrice(text)
	if !ok {
		return listing.Listing{}, false
	}
	brand := ExtractBrand(p.Title)
	l := listing.Listing{
		ID:        p.ID,
		Source:    "reddit",
		Title:     p.Title,
		URL:       base + p.Permalink,
		Price:     price,
		Currency:  currency,
		Brand:     brand,
		Model:     ExtractModel(p.Title, brand),
		Condition: ExtractCondition(text),
		Location:  ExtractLocation(text),
		Seller:    p.Author,
		ImageURL:  redditImage(p),
	}
	if p.CreatedUTC > 0 {
		l.PostedAt = time.Unix(int64(p.CreatedUTC), 0).UTC()
	}
	return l, true
}

func redditImage(p redditPost) string {
	if p.Preview != nil {
		for _, img := range p.Preview.Images {
			if img.Source.URL != "" {
				return html.UnescapeString(img.Source.URL)
			}
		}
	}
	if strings.Contains(p.URL, ".jpg") || strings.Contains(p.URL, ".png") {
		return p.URL
	}
	return ""
}
