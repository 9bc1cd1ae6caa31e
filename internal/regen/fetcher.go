package regen

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"staticboost/internal/intercept"
)

// Fetcher renders one URL the way an anonymous visitor would see it.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (intercept.Rendered, error)
}

// HTTPFetcher requests pages from the origin with no cookies and a fixed
// user agent.
type HTTPFetcher struct {
	// Origin, when set, replaces the scheme and host of every page URL so
	// that the request goes straight to the renderer.
	Origin    string
	UserAgent string
	Timeout   time.Duration
	// MaxBody caps the body read; a longer one comes back Truncated.
	MaxBody int64
	Client  *http.Client
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// No cookie jar: every request is a fresh anonymous visit.
	return &http.Client{Timeout: timeout}
}

func (f *HTTPFetcher) target(pageURL string) string {
	if f.Origin == "" {
		return pageURL
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	return strings.TrimRight(f.Origin, "/") + u.RequestURI()
}

func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (intercept.Rendered, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.target(pageURL), nil)
	if err != nil {
		return intercept.Rendered{}, err
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client().Do(req)
	if err != nil {
		return intercept.Rendered{}, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if f.MaxBody > 0 {
		body = io.LimitReader(resp.Body, f.MaxBody+1)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return intercept.Rendered{}, err
	}
	out := intercept.Rendered{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   b,
	}
	if f.MaxBody > 0 && int64(len(b)) > f.MaxBody {
		out.Body = nil
		out.Truncated = true
	}
	return out, nil
}
