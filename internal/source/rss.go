package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"mangabot/internal/apperr"
	"mangabot/internal/model"
)

// RSS polls arbitrary release feeds. The item id is the feed URL itself, so
// the provider claims any http(s) URL and should be registered last.
type RSS struct {
	client HTTPClient
}

// NewRSS creates an RSS provider.
func NewRSS(client HTTPClient) *RSS {
	return &RSS{client: client}
}

// Name implements Provider.
func (r *RSS) Name() string { return "rss" }

// MatchURL implements Provider.
func (r *RSS) MatchURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// Resolve implements Provider. A URL resolves if it parses as a feed.
func (r *RSS) Resolve(ctx context.Context, rawURL string) (string, error) {
	if _, err := r.fetch(ctx, rawURL); err != nil {
		return "", apperr.Newf(apperr.CodeSourceNotFound, "not a readable feed: %v", err)
	}
	return rawURL, nil
}

// Validate implements Provider. RSS entries carry no customization.
func (r *RSS) Validate(_ *model.TrackedEntry, config json.RawMessage) error {
	if len(config) == 0 {
		return nil
	}
	return apperr.Newf(apperr.CodeInvalidConfig, "rss entries do not support customization")
}

// Poll implements Provider. The wildcard id has no meaning for feeds and is
// ignored.
func (r *RSS) Poll(ctx context.Context, since time.Time, tracked map[string][]*model.TrackedEntry) ([]model.UpdateEvent, error) {
	var events []model.UpdateEvent
	for feedURL, entries := range tracked {
		if feedURL == model.WildcardItemID {
			continue
		}
		feed, err := r.fetch(ctx, feedURL)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", feedURL, err)
		}
		for _, item := range feed.Items {
			published := item.PublishedParsed
			if published == nil {
				published = item.UpdatedParsed
			}
			if published == nil || published.Before(since) {
				continue
			}
			title := item.Title
			if title == "" {
				title = feed.Title
			}
			for _, entry := range entries {
				events = append(events, model.UpdateEvent{
					Entry:   entry,
					Title:   title,
					Message: item.Link,
				})
			}
		}
	}
	return events, nil
}

func (r *RSS) fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}
