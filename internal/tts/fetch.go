package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voicesat/internal/resilience"
)

const (
	defaultFetchTimeout = 20 * time.Second
	maxMediaBytes       = 32 << 20
)

// Fetcher downloads media referenced by pipeline events and notifications.
type Fetcher interface {
	// Resolve returns the absolute form of a possibly relative media URL.
	Resolve(rawURL string) (string, error)

	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// FetcherOption configures an [HTTPFetcher].
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithBreaker guards fetches with cb.
func WithBreaker(cb *resilience.CircuitBreaker) FetcherOption {
	return func(f *HTTPFetcher) { f.breaker = cb }
}

// HTTPFetcher fetches media from Home Assistant. Relative URLs such as
// /api/tts_proxy/abc.mp3 resolve against the base URL, and requests to the
// Home Assistant host carry the access token.
type HTTPFetcher struct {
	base    *url.URL
	token   string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher returns a fetcher for the Home Assistant instance at
// baseURL (http, https, ws or wss).
func NewHTTPFetcher(baseURL, token string, opts ...FetcherOption) (*HTTPFetcher, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("tts: parse base url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("tts: base url scheme %q not supported", u.Scheme)
	}
	u.Path = ""
	f := &HTTPFetcher{
		base:   u,
		token:  token,
		client: &http.Client{Timeout: defaultFetchTimeout},
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Resolve implements [Fetcher].
func (f *HTTPFetcher) Resolve(rawURL string) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("tts: parse media url: %w", err)
	}
	if !strings.HasPrefix(ref.Path, "/") && !ref.IsAbs() {
		ref.Path = "/" + ref.Path
	}
	return f.base.ResolveReference(ref).String(), nil
}

// Fetch implements [Fetcher].
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	do := func() error {
		var err error
		body, err = f.get(ctx, rawURL)
		return err
	}
	if f.breaker == nil {
		return body, do()
	}
	if err := f.breaker.Execute(do); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	abs, err := f.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	if req.URL.Host == f.base.Host && f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: fetch %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: fetch %s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("tts: read %s: %w", req.URL.Path, err)
	}
	if len(data) > maxMediaBytes {
		return nil, errors.New("tts: media larger than 32 MiB")
	}
	return data, nil
}
