// Package source defines the update provider capability and its implementations.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"mangabot/internal/model"
)

// Provider is a single external content source.
//
// Implementations must be safe for concurrent use with other providers; state
// private to one Poll call must not leak into the next.
type Provider interface {
	// Name returns the stable identifier entries are stored under.
	Name() string
	// MatchURL reports whether a user-supplied URL belongs to this source.
	MatchURL(url string) bool
	// Resolve validates that url refers to a live remote resource and returns
	// its item id. Returns an apperr source-not-found error otherwise.
	Resolve(ctx context.Context, url string) (string, error)
	// Poll returns every release visible at or after since for the tracked
	// item ids. The boundary is inclusive: duplicate delivery at the boundary
	// is tolerable, a missed release is not. Unknown ids are ignored; the
	// wildcard id expands to every resource the provider currently knows.
	Poll(ctx context.Context, since time.Time, tracked map[string][]*model.TrackedEntry) ([]model.UpdateEvent, error)
	// Validate checks a per-entry customization config.
	Validate(entry *model.TrackedEntry, config json.RawMessage) error
}

// Registry maps stable source ids to providers. Providers are registered
// explicitly at startup; resolution order for URL matching is registration
// order.
type Registry struct {
	byName map[string]Provider
	order  []Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Provider)}
}

// Register adds a provider under its name.
func (r *Registry) Register(p Provider) {
	if _, dup := r.byName[p.Name()]; dup {
		panic(fmt.Sprintf("source %q registered twice", p.Name()))
	}
	r.byName[p.Name()] = p
	r.order = append(r.order, p)
}

// Get returns the provider registered under name, if any.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Match returns the first registered provider claiming the URL.
func (r *Registry) Match(url string) (Provider, bool) {
	for _, p := range r.order {
		if p.MatchURL(url) {
			return p, true
		}
	}
	return nil, false
}

// Names returns the registered source ids in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.order))
	for _, p := range r.order {
		names = append(names, p.Name())
	}
	return names
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	maxBodySize    = 10 * 1024 * 1024
	requestTimeout = 30 * time.Second
	userAgent      = "MangaReleaseBot/1.0"
)

// statusError marks an unexpected HTTP status so callers can branch on it.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// getJSON fetches url and decodes the response body into out, retrying
// transient failures with capped backoff. A 404 is returned immediately as a
// statusError so resolve calls can translate it to not-found.
func getJSON(ctx context.Context, client HTTPClient, url string, out any) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("http get: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(&statusError{code: resp.StatusCode})
		}
		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read body: %w", err))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// isNotFound reports whether err is a 404 status error.
func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}
