package source

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

// stubClient routes requests to a test-provided handler.
type stubClient struct {
	mu      sync.Mutex
	handler func(req *http.Request) (*http.Response, error)
	calls   []string
}

func (c *stubClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.URL.Path)
	c.mu.Unlock()
	return c.handler(req)
}

func httpResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestRegistryMatchOrder(t *testing.T) {
	client := &stubClient{}
	registry := NewRegistry()
	registry.Register(NewMangaDex(client, "https://api.mangadex.org"))
	for _, guya := range GuyaFamily(client) {
		registry.Register(guya)
	}
	registry.Register(NewRSS(client))

	tests := []struct {
		url  string
		want string
	}{
		{"https://mangadex.org/title/aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", "mangadex"},
		{"https://guya.moe/read/manga/kaguya-wants-to-be-confessed-to", "guya.moe"},
		{"https://guya.cubari.moe/read/manga/kaguya-wants-to-be-confessed-to", "guya.moe"},
		{"https://danke.moe/read/manga/some-series", "danke.moe"},
		{"https://www.mahoushoujobu.com/read/manga/some-series", "mahoushoujobu.com"},
		{"https://hachirumi.com/read/manga/some-series", "hachirumi.com"},
		// Anything else falls through to the feed provider.
		{"https://example.com/releases.xml", "rss"},
		{"http://example.com/atom", "rss"},
	}
	for _, tt := range tests {
		p, ok := registry.Match(tt.url)
		if !ok {
			t.Errorf("Match(%q): no provider", tt.url)
			continue
		}
		if p.Name() != tt.want {
			t.Errorf("Match(%q) = %s, want %s", tt.url, p.Name(), tt.want)
		}
	}

	if _, ok := registry.Match("ftp://example.com/feed"); ok {
		t.Error("expected no provider for a non-http URL")
	}
}

func TestRegistryGet(t *testing.T) {
	client := &stubClient{}
	registry := NewRegistry()
	registry.Register(NewRSS(client))

	if _, ok := registry.Get("rss"); !ok {
		t.Error("expected rss provider")
	}
	if _, ok := registry.Get("mangadex"); ok {
		t.Error("expected no mangadex provider")
	}
	if got := registry.Names(); len(got) != 1 || got[0] != "rss" {
		t.Errorf("unexpected names %v", got)
	}
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var attempts int
	client := &stubClient{handler: func(*http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			return httpResponse(http.StatusBadGateway, ""), nil
		}
		return httpResponse(http.StatusOK, `{"result":"ok"}`), nil
	}}

	var out struct {
		Result string `json:"result"`
	}
	if err := getJSON(context.Background(), client, "https://api.example.com/x", &out); err != nil {
		t.Fatalf("getJSON: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if out.Result != "ok" {
		t.Errorf("unexpected result %q", out.Result)
	}
}

func TestGetJSONDoesNotRetryNotFound(t *testing.T) {
	var attempts int
	client := &stubClient{handler: func(*http.Request) (*http.Response, error) {
		attempts++
		return httpResponse(http.StatusNotFound, ""), nil
	}}

	var out map[string]any
	err := getJSON(context.Background(), client, "https://api.example.com/x", &out)
	if err == nil {
		t.Fatal("expected error")
	}
	if !isNotFound(err) {
		t.Errorf("expected a not-found error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}
