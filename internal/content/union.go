package content

import "context"

// Lister is implemented by Index and Sitemap.
type Lister interface {
	List(ctx context.Context) ([]string, error)
	Recent(ctx context.Context, limit int) ([]string, error)
}

// Union concatenates its members in order, dropping repeated URLs.
type Union []Lister

func (u Union) List(ctx context.Context) ([]string, error) {
	return u.collect(func(l Lister) ([]string, error) { return l.List(ctx) }, -1)
}

// Recent takes up to limit URLs from each member; the result is capped at
// limit plus one so that a site root listed first is never squeezed out.
func (u Union) Recent(ctx context.Context, limit int) ([]string, error) {
	return u.collect(func(l Lister) ([]string, error) { return l.Recent(ctx, limit) }, limit+1)
}

func (u Union) collect(fn func(Lister) ([]string, error), max int) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, l := range u {
		urls, err := fn(l)
		if err != nil {
			return nil, err
		}
		for _, s := range urls {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	if max >= 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}
