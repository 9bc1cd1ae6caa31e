// Package invalidate turns content-change events into artifact deletions.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"staticboost/internal/pathmap"
)

// Deleter removes the artifact stored at a relative artifact path.
type Deleter interface {
	Delete(rel string) error
}

// Source reports listing pages (categories, tags, shop pages) that show the
// item published at url.
type Source interface {
	Related(ctx context.Context, url string) ([]string, error)
}

// Resolver finds the public URL of a content item.
type Resolver interface {
	URLFor(ctx context.Context, itemID string) (string, error)
}

type Kind string

const (
	KindSaved     Kind = "saved"
	KindCommented Kind = "commented"
	KindStock     Kind = "stock"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSaved, KindCommented, KindStock:
		return true
	}
	return false
}

type Event struct {
	ItemID string `json:"item_id"`
	Kind   Kind   `json:"kind"`
}

// Result lists the artifact paths that were targeted. Err joins every
// failure; a failed deletion never stops the others.
type Result struct {
	Paths []string
	Err   error
}

type Config struct {
	Store    Deleter
	Resolver Resolver
	Sources  []Source
	// SiteURL is used to build the site root URL. Empty means a bare "/".
	SiteURL string
	Logger  zerolog.Logger
}

type Router struct {
	store    Deleter
	resolver Resolver
	sources  []Source
	root     string
	log      zerolog.Logger
}

func New(cfg Config) *Router {
	return &Router{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		sources:  cfg.Sources,
		root:     strings.TrimRight(cfg.SiteURL, "/") + "/",
		log:      cfg.Logger.With().Str("component", "invalidate").Logger(),
	}
}

// Invalidate deletes the artifacts of exactly the given URLs.
func (r *Router) Invalidate(ctx context.Context, urls []string) Result {
	return r.delete(ctx, urls, nil)
}

// OnContentChange deletes the site root, each changed URL and every listing
// the sources report for them.
func (r *Router) OnContentChange(ctx context.Context, urls []string) Result {
	targets := make([]string, 0, 1+len(urls))
	targets = append(targets, r.root)
	targets = append(targets, urls...)

	var errs []error
	for _, u := range urls {
		for _, src := range r.sources {
			related, err := src.Related(ctx, u)
			if err != nil {
				errs = append(errs, fmt.Errorf("related %s: %w", u, err))
				continue
			}
			targets = append(targets, related...)
		}
	}
	res := r.delete(ctx, targets, errs)
	r.log.Info().Int("changed", len(urls)).Int("deleted", len(res.Paths)).AnErr("error", res.Err).Msg("content change")
	return res
}

// OnItemChanged resolves the item's URL and handles it like OnContentChange.
// Comments and stock changes affect the same pages as an edit.
func (r *Router) OnItemChanged(ctx context.Context, ev Event) Result {
	if !ev.Kind.Valid() {
		return Result{Err: fmt.Errorf("unknown event kind %q", ev.Kind)}
	}
	if r.resolver == nil {
		return Result{Err: errors.New("no resolver configured")}
	}
	u, err := r.resolver.URLFor(ctx, ev.ItemID)
	if err != nil {
		// The home page may still list the item.
		res := r.OnContentChange(ctx, nil)
		res.Err = errors.Join(fmt.Errorf("resolve item %s: %w", ev.ItemID, err), res.Err)
		return res
	}
	r.log.Debug().Str("item", ev.ItemID).Str("kind", string(ev.Kind)).Str("url", u).Msg("item changed")
	return r.OnContentChange(ctx, []string{u})
}

func (r *Router) delete(ctx context.Context, urls []string, errs []error) Result {
	seen := make(map[string]struct{}, len(urls))
	var res Result
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			continue
		}
		rel := pathmap.Map(u)
		if _, ok := seen[rel]; ok {
			continue
		}
		seen[rel] = struct{}{}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res.Paths = append(res.Paths, rel)
		if err := r.store.Delete(rel); err != nil {
			errs = append(errs, err)
		}
	}
	res.Err = errors.Join(errs...)
	return res
}
