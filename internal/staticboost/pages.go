package staticboost

import (
	"context"
	"strings"

	"staticboost/internal/pathmap"
	"staticboost/internal/store"
)

// knownPages enumerates the URLs already in the artifact tree. It stands in
// for a content index on sites that have neither an index nor a sitemap, so
// regeneration refreshes what visitors have asked for.
type knownPages struct {
	store   *store.Store
	siteURL string
}

func (k knownPages) List(ctx context.Context) ([]string, error) {
	return k.Recent(ctx, -1)
}

// Recent returns the site root followed by stored pages, most recently
// written first.
func (k knownPages) Recent(ctx context.Context, limit int) ([]string, error) {
	pages, err := k.store.Pages()
	if err != nil {
		return nil, err
	}
	root := k.siteURL + "/"
	out := []string{root}
	for _, p := range pages {
		if limit >= 0 && len(out) > limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u, ok := k.urlFor(p.Path)
		if !ok || u == root {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// urlFor rebuilds the page URL of an artifact path. Shortened segments lost
// part of their name and cannot be rebuilt.
func (k knownPages) urlFor(rel string) (string, bool) {
	if rel == pathmap.IndexSlot {
		return k.siteURL + "/", true
	}
	for _, seg := range strings.Split(rel, "/") {
		if shortened(seg) {
			return "", false
		}
	}
	return k.siteURL + "/" + rel + "/", true
}

// shortened matches the "~" plus 16 hex digit suffix pathmap gives long
// segments.
func shortened(seg string) bool {
	const n = 17
	if len(seg) <= n || seg[len(seg)-n] != '~' {
		return false
	}
	for _, c := range seg[len(seg)-n+1:] {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
