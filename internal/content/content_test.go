package content

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staticboost/internal/errors"
)

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 10, 0, 0, 0, time.UTC) }

func seedIndex(t *testing.T) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "content", "index.db"), "https://example.com/")
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })

	ctx := context.Background()
	items := []Item{
		{ID: "1", URL: "https://example.com/about/", Kind: KindPage, Published: true, PublishedAt: day(2023, 1, 5)},
		{ID: "2", URL: "https://example.com/2024/03/spring/", Kind: KindPost, Published: true, PublishedAt: day(2024, 3, 20)},
		{ID: "3", URL: "https://example.com/2024/01/winter/", Kind: KindPost, Published: true, PublishedAt: day(2024, 1, 2)},
		{ID: "4", URL: "https://example.com/draft/", Kind: KindPost, Published: false, PublishedAt: day(2024, 6, 1)},
		{ID: "5", URL: "https://example.com/shop/mug/", Kind: KindProduct, Published: true, PublishedAt: day(2022, 7, 1)},
	}
	for _, it := range items {
		require.NoError(t, x.PutItem(ctx, it))
	}
	terms := []Term{
		{ID: "c1", URL: "https://example.com/category/news/", Taxonomy: TaxCategory},
		{ID: "t1", URL: "https://example.com/tag/go/", Taxonomy: TaxTag},
		{ID: "p1", URL: "https://example.com/product-category/kitchen/", Taxonomy: TaxProductCat},
		{ID: "s1", URL: "https://example.com/shop/", Taxonomy: TaxShop},
	}
	for _, term := range terms {
		require.NoError(t, x.PutTerm(ctx, term))
	}
	for _, l := range [][2]string{{"2", "c1"}, {"2", "t1"}, {"3", "c1"}, {"5", "p1"}, {"5", "s1"}, {"2", "c1"}} {
		require.NoError(t, x.Link(ctx, l[0], l[1]))
	}
	return x
}

func TestIndex_List(t *testing.T) {
	x := seedIndex(t)
	got, err := x.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/",
		"https://example.com/2024/03/spring/",
		"https://example.com/2024/01/winter/",
		"https://example.com/about/",
		"https://example.com/shop/mug/",
		"https://example.com/category/news/",
		"https://example.com/product-category/kitchen/",
		"https://example.com/shop/",
		"https://example.com/tag/go/",
		"https://example.com/2024/",
		"https://example.com/2024/03/",
		"https://example.com/2024/01/",
	}, got)
}

func TestIndex_Recent(t *testing.T) {
	x := seedIndex(t)
	got, err := x.Recent(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/",
		"https://example.com/2024/03/spring/",
		"https://example.com/2024/01/winter/",
	}, got)

	got, err = x.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/"}, got)
}

func TestIndex_RelatedAndURLFor(t *testing.T) {
	x := seedIndex(t)
	ctx := context.Background()

	rel, err := x.Related(ctx, "https://example.com/2024/03/spring/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/category/news/", "https://example.com/tag/go/"}, rel)

	rel, err = x.Related(ctx, "https://example.com/shop/mug")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/product-category/kitchen/", "https://example.com/shop/"}, rel)

	rel, err = x.Related(ctx, "https://example.com/unknown/")
	require.NoError(t, err)
	assert.Empty(t, rel)

	u, err := x.URLFor(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/shop/mug/", u)

	_, err = x.URLFor(ctx, "404")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestIndex_PutItemUpdates(t *testing.T) {
	x := seedIndex(t)
	ctx := context.Background()
	require.NoError(t, x.PutItem(ctx, Item{ID: "4", URL: "https://example.com/draft/", Kind: KindPost, Published: true, PublishedAt: day(2024, 6, 1)}))

	got, err := x.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/", "https://example.com/draft/"}, got)

	err = x.PutItem(ctx, Item{ID: "", URL: "x"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestIndex_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	x, err := Open(path, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, x.PutItem(context.Background(), Item{ID: "1", URL: "https://example.com/a/", Kind: KindPage, Published: true, PublishedAt: day(2024, 1, 1)}))
	require.NoError(t, x.Close())

	x, err = Open(path, "https://example.com")
	require.NoError(t, err)
	defer x.Close()
	got, err := x.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/", "https://example.com/a/"}, got)
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func sitemapServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>/pages.xml</loc></sitemap>
  <sitemap><loc>/posts.xml.gz</loc></sitemap>
  <sitemap><loc>/pages.xml</loc></sitemap>
</sitemapindex>`)
	})
	mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> https://example.com/ </loc><lastmod>2024-01-01</lastmod></url>
  <url><loc>https://example.com/about/</loc></url>
  <url><loc>/contact/</loc><lastmod>2023-05-01T10:00:00Z</lastmod></url>
</urlset>`)
	})
	mux.HandleFunc("/posts.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(gzipped(t, `<urlset>
  <url><loc>https://example.com/hello/</loc><lastmod>2024-06-01T08:00:00+00:00</lastmod></url>
  <url><loc>https://example.com/about/</loc></url>
</urlset>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSitemap_List(t *testing.T) {
	srv := sitemapServer(t)
	sm := &Sitemap{Origin: srv.URL, SiteURL: "https://example.com", Sitemaps: []string{srv.URL + "/sitemap.xml"}, Client: srv.Client(), Logger: zerolog.Nop()}
	got, err := sm.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/",
		"https://example.com/about/",
		"https://example.com/contact/",
		"https://example.com/hello/",
	}, got)
}

func TestSitemap_RecentByLastMod(t *testing.T) {
	srv := sitemapServer(t)
	sm := &Sitemap{Origin: srv.URL, SiteURL: "https://example.com/", Sitemaps: []string{"/sitemap.xml"}, Client: srv.Client(), Logger: zerolog.Nop()}
	got, err := sm.Recent(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/hello/",
		"https://example.com/",
		"https://example.com/contact/",
	}, got)
}

func TestSitemap_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.xml" {
			_, _ = io.WriteString(w, "<urlset><url>")
			return
		}
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	sm := &Sitemap{Sitemaps: []string{srv.URL + "/missing.xml"}, Client: srv.Client(), Logger: zerolog.Nop()}
	_, err := sm.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")

	sm.Sitemaps = []string{srv.URL + "/broken.xml"}
	_, err = sm.List(context.Background())
	require.Error(t, err)
}

type fixedLister []string

func (f fixedLister) List(context.Context) ([]string, error)           { return f, nil }
func (f fixedLister) Recent(_ context.Context, n int) ([]string, error) { return f[:min(n, len(f))], nil }

func TestUnion(t *testing.T) {
	u := Union{fixedLister{"/", "/a", "/b"}, fixedLister{"/b", "/c"}}
	got, err := u.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/a", "/b", "/c"}, got)

	got, err = u.Recent(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/a", "/b"}, got)
}
