package staticboost

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staticboost/internal/regen"
	"staticboost/internal/settings"
	"staticboost/internal/store"
)

type origin struct {
	mu    sync.Mutex
	paths []string
	srv   *httptest.Server
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.paths = append(o.paths, r.URL.RequestURI())
		o.mu.Unlock()
		switch r.URL.Path {
		case "/old/":
			http.Redirect(w, r, "/new/", http.StatusMovedPermanently)
			return
		case "/echo/":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintf(w, "%s|%s|%s", r.Header.Get("X-Forwarded-Host"), r.Header.Get("Accept-Encoding"), r.Header.Get("User-Agent"))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>t</title></head><body>page %s</body></html>", r.URL.Path)
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.paths...)
}

func newService(t *testing.T, originURL, extra string) *Service {
	t.Helper()
	s, err := NewService(newConfig(t, originURL, extra), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newConfig(t *testing.T, originURL, extra string) settings.Config {
	t.Helper()
	root := filepath.Join(t.TempDir(), "cache")
	cfg, err := settings.ParseConfig([]byte(fmt.Sprintf(`
server:
  origin: %s
  siteURL: https://example.com
storage:
  root: %s
regen:
  delay: 0s
  batchDelay: 0s
%s`, originURL, root, extra)))
	require.NoError(t, err)
	return cfg
}

func get(h http.Handler, target string, mod func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if mod != nil {
		mod(r)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestHandler_MissThenHit(t *testing.T) {
	o := newOrigin(t)
	s := newService(t, o.srv.URL, "")
	h := s.Handler()

	rec := get(h, "/hello/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Static-Cache"))
	assert.Contains(t, rec.Body.String(), "page /hello/")
	s.icpt.Wait()

	rec = get(h, "/hello", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Static-Cache"))
	assert.Contains(t, rec.Body.String(), "page /hello/")
	assert.Equal(t, []string{"/hello/"}, o.requests())

	rep, err := s.Report()
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Artifacts.Files)
	assert.EqualValues(t, 1, rep.Requests.Hits)
	assert.Nil(t, rep.LastRun)
}

func TestHandler_BypassesExcludedRequests(t *testing.T) {
	o := newOrigin(t)
	s := newService(t, o.srv.URL, "")
	h := s.Handler()

	cases := map[string]func(*http.Request){
		"logged in": func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "wordpress_logged_in_abc", Value: "1"})
		},
		"cart cookie": func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "woocommerce_items_in_cart", Value: "1"})
		},
		"crawler": func(r *http.Request) { r.Header.Set("User-Agent", "Googlebot/2.1") },
	}
	for name, mod := range cases {
		t.Run(name, func(t *testing.T) {
			rec := get(h, "/shop/", mod)
			assert.Equal(t, "BYPASS", rec.Header().Get("X-Static-Cache"))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
	assert.Equal(t, http.StatusOK, get(h, "/shop/?elementor-preview=1", nil).Code)
	s.icpt.Wait()

	st, err := s.store.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Files)
}

func TestProxy(t *testing.T) {
	o := newOrigin(t)
	s := newService(t, o.srv.URL, "")
	h := s.Handler()

	rec := get(h, "/old/", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code, "redirects are passed through")
	assert.Equal(t, "/new/", rec.Header().Get("Location"))

	rec = get(h, "/echo/", func(r *http.Request) {
		r.Header.Set("Accept-Encoding", "gzip, br")
		r.Header.Set("User-Agent", "Mozilla/5.0")
	})
	assert.Equal(t, "example.com|identity|Mozilla/5.0", rec.Body.String())
	s.icpt.Wait()
	assert.False(t, s.store.IsFresh("echo"), "non-HTML responses are not captured")
}

func TestProxy_OriginDown(t *testing.T) {
	o := newOrigin(t)
	o.srv.Close()
	s := newService(t, o.srv.URL, "")

	rec := get(s.Handler(), "/anything/", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	s.icpt.Wait()
	assert.False(t, s.store.IsFresh("anything"))
}

func TestRegenerateAll_FromStoredPages(t *testing.T) {
	o := newOrigin(t)
	s := newService(t, o.srv.URL, "")
	for _, rel := range []string{"about", "blog/first"} {
		require.NoError(t, s.store.Write(rel, []byte("<html>stale</html>")))
	}

	sum, err := s.RegenerateAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, regen.StateDone, sum.State)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 3, sum.Succeeded)

	got := o.requests()
	sort.Strings(got)
	assert.Equal(t, []string{"/", "/about/", "/blog/first/"}, got)

	a, err := s.store.Read("about", false)
	require.NoError(t, err)
	assert.Contains(t, string(a.Content), "page /about/")
	assert.True(t, s.store.IsFresh("index"))
}

func TestPreload_WithContentIndex(t *testing.T) {
	o := newOrigin(t)
	db := filepath.Join(t.TempDir(), "content.db")
	s := newService(t, o.srv.URL, "content:\n  db: "+db+"\n")

	body := `{"id":"7","url":"https://example.com/news/launch/","published":true,
		"published_at":"2024-06-01T00:00:00Z",
		"terms":[{"id":"c","url":"https://example.com/category/news/","taxonomy":"category"}]}`
	r := httptest.NewRequest(http.MethodPut, "/content/items", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sum, err := s.Preload(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.True(t, s.store.IsFresh("news/launch"))

	require.NoError(t, s.store.Write("category/news", []byte("<html>listing</html>")))
	res := s.router.OnContentChange(context.Background(), []string{"https://example.com/news/launch/"})
	require.NoError(t, res.Err)
	assert.ElementsMatch(t, []string{"index", "news/launch", "category/news"}, res.Paths)
	assert.False(t, s.store.IsFresh("category/news"))
}

func TestInvalidateAndClear(t *testing.T) {
	o := newOrigin(t)
	s := newService(t, o.srv.URL, "")
	require.NoError(t, s.store.Write("a", []byte("<html></html>")))
	require.NoError(t, s.store.Write("b", []byte("<html></html>")))

	res := s.Invalidate(context.Background(), []string{"https://example.com/a/"})
	require.NoError(t, res.Err)
	assert.False(t, s.store.IsFresh("a"))
	assert.True(t, s.store.IsFresh("b"))

	require.NoError(t, s.ClearAll())
	assert.False(t, s.store.IsFresh("b"))
}

func TestKnownPages(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	long := strings.Repeat("x", 180) + "~0123456789abcdef"
	for _, rel := range []string{"index", "a", "b/c", long} {
		require.NoError(t, st.Write(rel, []byte("<html></html>")))
	}
	k := knownPages{store: st, siteURL: "https://example.com"}

	all, err := k.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", all[0])
	assert.ElementsMatch(t, []string{"https://example.com/", "https://example.com/a/", "https://example.com/b/c/"}, all)

	few, err := k.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, few, 2)
	assert.Equal(t, "https://example.com/", few[0])
}

func TestClose_Twice(t *testing.T) {
	o := newOrigin(t)
	s := newService(t, o.srv.URL, "logging:\n  statsEvery: 1h\n")
	s.Start()
	s.Close()
	s.Close()
}

func TestStart_ScheduledPreload(t *testing.T) {
	o := newOrigin(t)
	cfg := newConfig(t, o.srv.URL, "")
	cfg.Regen.PreloadEveryDur = 20 * time.Millisecond
	s, err := NewService(cfg, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	defer s.Close()

	require.Eventually(t, func() bool { return s.store.IsFresh("index") }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, o.requests(), "/")
}

func TestNewService_BadRoot(t *testing.T) {
	cfg, err := settings.ParseConfig([]byte("server: {origin: http://o}\nstorage: {root: /dev/null/cache}"))
	require.NoError(t, err)
	_, err = NewService(cfg, zerolog.Nop())
	require.Error(t, err)
}
