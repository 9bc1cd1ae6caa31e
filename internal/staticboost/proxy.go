package staticboost

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
)

// hopHeaders are meaningful for a single connection and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// originProxy renders pages by forwarding the request to the CMS origin.
// It is the handler the interceptor wraps: whatever it writes on a miss is
// what gets captured.
type originProxy struct {
	origin string
	client *http.Client
}

func newOriginProxy(origin string, timeout time.Duration) *originProxy {
	return &originProxy{
		origin: strings.TrimRight(origin, "/"),
		client: &http.Client{
			Timeout: timeout,
			// Redirects belong to the visitor.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (p *originProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, p.origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		p.badGateway(w, r, err)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	// Captured bodies must be plain HTML.
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)

	resp, err := p.client.Do(req)
	if err != nil {
		p.badGateway(w, r, err)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("path", r.URL.Path).Msg("origin body copy interrupted")
	}
}

func (p *originProxy) badGateway(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Warn().Err(err).Str("path", r.URL.Path).Msg("origin unreachable")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHop(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
