package content

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

type sitemapDoc struct {
	URLs     []sitemapURL `xml:"url"`
	Sitemaps []string     `xml:"sitemap>loc"`
}

type sitemapURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

// Sitemap enumerates page URLs from XML sitemaps, following nested sitemap
// indexes. Relative sitemap locations resolve against Origin, relative page
// locations against SiteURL.
type Sitemap struct {
	Origin   string
	SiteURL  string
	Sitemaps []string
	Client   *http.Client
	Logger   zerolog.Logger
}

type entry struct {
	url     string
	lastMod time.Time
}

// List returns every page URL in sitemap order, without duplicates.
func (s *Sitemap) List(ctx context.Context) ([]string, error) {
	entries, err := s.discover(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.url
	}
	return out, nil
}

// Recent returns up to limit URLs, most recently modified first. Entries
// without a lastmod sort last in sitemap order.
func (s *Sitemap) Recent(ctx context.Context, limit int) ([]string, error) {
	entries, err := s.discover(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].lastMod.After(entries[j].lastMod)
	})
	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.url
	}
	return out, nil
}

func (s *Sitemap) discover(ctx context.Context) ([]entry, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	queue := make([]string, 0, len(s.Sitemaps))
	for _, sm := range s.Sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, s.sitemapURL(sm))
	}

	var out []entry
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetch(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, s.sitemapURL(nested))
			}
		}
		for _, u := range doc.URLs {
			loc := strings.TrimSpace(u.Loc)
			if loc == "" {
				continue
			}
			loc = absolute(s.SiteURL, loc)
			if _, ok := seenURLs[loc]; ok {
				continue
			}
			seenURLs[loc] = struct{}{}
			out = append(out, entry{url: loc, lastMod: parseLastMod(u.LastMod)})
		}
		s.Logger.Debug().Str("sitemap", smURL).Int("urls", len(doc.URLs)).Int("nested", len(doc.Sitemaps)).Msg("sitemap read")
	}
	return out, nil
}

func (s *Sitemap) sitemapURL(u string) string {
	if s.Origin != "" {
		return absolute(s.Origin, u)
	}
	return absolute(s.SiteURL, u)
}

func absolute(base, u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(base, "/") + u
}

func (s *Sitemap) fetch(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz sitemap may arrive already decoded by the transport.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

var lastModLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00", "2006-01-02"}

func parseLastMod(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range lastModLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
