package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"feed_scanner/internal/domain"
)

// Config holds fetcher configuration.
type Config struct {
	Timeout  time.Duration
	ProxyURL string
}

// Fetcher retrieves and parses syndication feeds over HTTP. When a
// proxy is configured the first attempt goes through it; on proxy
// failure a single direct attempt is made before surfacing the error.
type Fetcher struct {
	direct  *http.Client
	proxied *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Fetcher. An invalid proxy URL is a construction error.
func New(cfg Config, logger *slog.Logger) (*Fetcher, error) {
	f := &Fetcher{
		direct:  &http.Client{Timeout: cfg.Timeout},
		timeout: cfg.Timeout,
		logger:  logger.With("component", "fetcher"),
	}

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		f.proxied = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	return f, nil
}

// Fetch retrieves feedURL and returns the parsed feed with entries in
// origin order. It never touches storage.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*domain.ParsedFeed, error) {
	if f.proxied != nil {
		feed, err := f.fetch(ctx, f.proxied, feedURL)
		if err == nil {
			return feed, nil
		}
		f.logger.Warn("proxied fetch failed, retrying direct",
			"url", feedURL,
			"error", err,
		)
	}

	return f.fetch(ctx, f.direct, feedURL)
}

func (f *Fetcher) fetch(ctx context.Context, client *http.Client, feedURL string) (*domain.ParsedFeed, error) {
	// Each attempt gets its own deadline, so a hanging proxy cannot
	// exhaust the budget of the direct fallback.
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
	req.Header.Set("User-Agent", "FeedScanner/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	return f.transform(feed), nil
}

func (f *Fetcher) transform(feed *gofeed.Feed) *domain.ParsedFeed {
	parsed := &domain.ParsedFeed{
		Title:   feed.Title,
		Entries: make([]domain.ParsedEntry, 0, len(feed.Items)),
	}

	for _, item := range feed.Items {
		if item.Link == "" {
			f.logger.Debug("skipping entry without link", "title", item.Title)
			continue
		}

		entry := domain.ParsedEntry{
			Title:       item.Title,
			Link:        item.Link,
			Description: item.Description,
		}

		if item.PublishedParsed != nil {
			entry.Published = item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			entry.Published = item.UpdatedParsed
		}

		parsed.Entries = append(parsed.Entries, entry)
	}

	return parsed
}
