// Package intercept sits between the router and the origin and decides, per
// request, whether to serve a stored page, let the origin render and capture
// the result, or stay out of the way.
package intercept

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"staticboost/internal/errors"
	"staticboost/internal/pathmap"
	"staticboost/internal/policy"
	"staticboost/internal/settings"
	"staticboost/internal/store"
)

// State is the outcome of Decide.
type State string

const (
	StateExcluded    State = "EXCLUDED"
	StateServeHit    State = "SERVE_HIT"
	StateCaptureMiss State = "CAPTURE_MISS"
)

const (
	HeaderStatus = "X-Static-Cache"

	statusHit    = "HIT"
	statusMiss   = "MISS"
	statusBypass = "BYPASS"
)

type Decision struct {
	State  State
	Reason policy.Reason
	// Path is the artifact path; empty for EXCLUDED.
	Path string
}

type Policy interface {
	Evaluate(policy.Request) policy.Decision
}

type Store interface {
	IsFresh(rel string) bool
	Read(rel string, acceptGzip bool) (store.Artifact, error)
	Write(rel string, content []byte) error
}

type Rewriter interface {
	Rewrite(doc []byte, sourceURL string) []byte
}

type Config struct {
	Settings settings.Provider
	Policy   Policy
	Store    Store
	Rewriter Rewriter

	// AuthCookies are cookie name prefixes that mark a logged-in visitor.
	AuthCookies []string
	// SiteURL gives the scheme and host of the page URL handed to the
	// rewriter. When empty the request's own host is used.
	SiteURL string
	// MaxBody caps captured bodies; larger responses pass through uncaptured.
	MaxBody int64
	// CaptureSlots bounds concurrent background captures. Requests that find
	// no free slot are not captured.
	CaptureSlots int
	Logger       zerolog.Logger
}

type Interceptor struct {
	settings    settings.Provider
	policy      Policy
	store       Store
	rewriter    Rewriter
	authCookies []string
	siteURL     string
	maxBody     int64

	log      zerolog.Logger
	writeLog *rateLimitedLogger
	stats    *statsCollector

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(cfg Config) *Interceptor {
	if cfg.CaptureSlots <= 0 {
		cfg.CaptureSlots = 32
	}
	log := cfg.Logger.With().Str("component", "intercept").Logger()
	return &Interceptor{
		settings:    cfg.Settings,
		policy:      cfg.Policy,
		store:       cfg.Store,
		rewriter:    cfg.Rewriter,
		authCookies: cfg.AuthCookies,
		siteURL:     siteOrigin(cfg.SiteURL),
		maxBody:     cfg.MaxBody,
		log:         log,
		writeLog:    newRateLimitedLogger(log, time.Minute),
		stats:       newStatsCollector(),
		sem:         make(chan struct{}, cfg.CaptureSlots),
	}
}

// Decide runs the request state machine without side effects.
func (i *Interceptor) Decide(r *http.Request) Decision {
	if !settings.Bool(i.settings, settings.KeyEnabled, true) {
		return Decision{State: StateExcluded, Reason: policy.ReasonDisabled}
	}
	if d := i.policy.Evaluate(policy.FromHTTP(r, i.authCookies)); d.Excluded {
		return Decision{State: StateExcluded, Reason: d.Reason}
	}
	rel := pathmap.MapPath(r.URL.EscapedPath())
	if i.store.IsFresh(rel) {
		return Decision{State: StateServeHit, Path: rel}
	}
	return Decision{State: StateCaptureMiss, Path: rel}
}

// ServeOrPass writes the stored page for r and returns true when there is a
// fresh one. Otherwise it writes nothing and returns false.
func (i *Interceptor) ServeOrPass(w http.ResponseWriter, r *http.Request) bool {
	d := i.Decide(r)
	if d.State != StateServeHit {
		return false
	}
	return i.serveHit(w, r, d.Path)
}

func (i *Interceptor) serveHit(w http.ResponseWriter, r *http.Request, rel string) bool {
	acceptGzip := acceptsGzip(r.Header.Values("Accept-Encoding"))
	a, err := i.store.Read(rel, acceptGzip)
	if err != nil {
		// Deleted or unreadable between the freshness check and the read.
		i.stats.readFails.Add(1)
		if !errors.Is(err, errors.ErrNotFound) {
			i.writeLog.Warn().Err(err).Str("path", rel).Msg("artifact read failed, falling back to origin")
		}
		return false
	}

	ttl := settings.Snapshot(i.settings).TTL
	h := w.Header()
	setCacheStatus(h, statusHit)
	h.Set("Content-Type", "text/html; charset=UTF-8")
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(int(ttl/time.Second)))
	h.Set("Vary", "Accept-Encoding")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Last-Modified", a.ModTime.UTC().Format(http.TimeFormat))
	if a.Gzipped {
		h.Set("Content-Encoding", "gzip")
	}
	h.Set("Content-Length", strconv.Itoa(len(a.Content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Content)

	i.stats.observeHit(len(a.Content))
	return true
}

// Middleware runs the full state machine around next, which renders the
// page. Misses are captured after next returns, in the background.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := i.Decide(r)
		switch d.State {
		case StateExcluded:
			i.stats.bypassed.Add(1)
			setCacheStatus(w.Header(), statusBypass)
			next.ServeHTTP(w, r)
			return
		case StateServeHit:
			if i.serveHit(w, r, d.Path) {
				return
			}
		}

		i.stats.misses.Add(1)
		setCacheStatus(w.Header(), statusMiss)
		cw := newCaptureWriter(w, i.maxBody)
		next.ServeHTTP(cw, r)
		i.captureAsync(r.Context(), i.pageURL(r), cw.Rendered())
	})
}

func (i *Interceptor) captureAsync(ctx context.Context, pageURL string, out Rendered) {
	select {
	case i.sem <- struct{}{}:
	default:
		i.log.Debug().Str("url", pageURL).Msg("capture slots busy, skipping")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer func() { <-i.sem }()
		defer cancel()
		if err := i.Capture(ctx, pageURL, out); err != nil && errors.Is(err, errors.ErrOriginRender) {
			i.log.Debug().Err(err).Msg("capture skipped")
		}
	}()
}

// Wait blocks until background captures started so far have finished.
func (i *Interceptor) Wait() { i.wg.Wait() }

func siteOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (i *Interceptor) pageURL(r *http.Request) string {
	if i.siteURL != "" {
		return i.siteURL + r.URL.EscapedPath()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.EscapedPath()
}

var fatalMarkers = [][]byte{
	[]byte("Fatal error"),
	[]byte("Parse error"),
}

// Capture validates an origin render of pageURL, rewrites it and stores it.
// Responses that must not become artifacts return an ORIGIN_RENDER error and
// leave the store untouched. A failed write is an ARTIFACT_IO error.
func (i *Interceptor) Capture(ctx context.Context, pageURL string, out Rendered) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if reason := rejectReason(out, i.maxBody); reason != "" {
		i.stats.rejected.Add(1)
		return errors.NewOriginRender(pageURL, reason)
	}

	rel := pathmap.Map(pageURL)
	doc := i.rewriter.Rewrite(out.Body, pageURL)
	if err := i.store.Write(rel, doc); err != nil {
		i.stats.failed.Add(1)
		i.writeLog.Warn().Err(err).Str("url", pageURL).Str("path", rel).Msg("capture write failed")
		return err
	}
	i.stats.captured.Add(1)
	i.log.Debug().Str("url", pageURL).Str("path", rel).Int("bytes", len(doc)).Msg("captured")
	return nil
}

func rejectReason(out Rendered, maxBody int64) string {
	if out.Status != http.StatusOK {
		return fmt.Sprintf("status %d", out.Status)
	}
	if out.Truncated || (maxBody > 0 && int64(len(out.Body)) > maxBody) {
		return "body exceeds capture limit"
	}
	if len(bytes.TrimSpace(out.Body)) == 0 {
		return "empty body"
	}
	if ct := out.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != "text/html" && mt != "application/xhtml+xml") {
			return "content type " + ct
		}
	}
	if ce := out.Header.Get("Content-Encoding"); ce != "" && !strings.EqualFold(ce, "identity") {
		return "encoded body " + ce
	}
	if len(out.Header.Values("Set-Cookie")) > 0 {
		return "response sets cookies"
	}
	cc := strings.ToLower(out.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return "cache-control " + cc
	}
	lower := bytes.ToLower(out.Body)
	if !bytes.Contains(lower, []byte("<html")) && !bytes.Contains(lower, []byte("<!doctype")) {
		return "not an html document"
	}
	for _, m := range fatalMarkers {
		if bytes.Contains(out.Body, m) {
			return "fatal error marker"
		}
	}
	return ""
}

// Stats returns the counters since start.
func (i *Interceptor) Stats() Stats { return i.stats.snapshot() }

func setCacheStatus(h http.Header, v string) {
	h.Set(HeaderStatus, v)
	ensureExposedHeader(h, HeaderStatus)
}

// ensureExposedHeader makes name readable by browser JS in CORS contexts.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// acceptsGzip reports whether the Accept-Encoding values allow gzip. An
// explicit gzip entry wins over "*", and q=0 refuses the coding.
func acceptsGzip(values []string) bool {
	explicit, wildcard := -1.0, -1.0
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(part, ";")
			q := 1.0
			for _, p := range strings.Split(params, ";") {
				k, val, ok := strings.Cut(strings.TrimSpace(p), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
					continue
				}
				f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
				if err != nil {
					f = 0
				}
				q = f
			}
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "gzip", "x-gzip":
				explicit = max(explicit, q)
			case "*":
				wildcard = max(wildcard, q)
			}
		}
	}
	if explicit >= 0 {
		return explicit > 0
	}
	return wildcard > 0
}
