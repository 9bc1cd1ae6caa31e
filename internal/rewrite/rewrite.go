// Package rewrite turns a captured origin page into the artifact that is
// stored and served.
//
// A Pipeline runs an ordered list of passes. Each pass is independent: one that
// fails (or panics) on a document is skipped and the rest still run, so the
// worst case is an artifact with fewer optimizations, never no artifact.
package rewrite

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"staticboost/internal/errors"
	"staticboost/internal/settings"
)

// Source describes the page being rewritten.
type Source struct {
	URL string
}

// Origin returns scheme://host of the source URL, or "".
func (s Source) Origin() string {
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Path returns the path of the source URL, "/" when empty.
func (s Source) Path() string {
	u, err := url.Parse(s.URL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// Pass is one rewrite step.
type Pass interface {
	Name() string
	// Toggle is the settings key that switches the pass on; "" means always on.
	Toggle() string
	Apply(doc []byte, src Source) ([]byte, error)
}

type Pipeline struct {
	settings settings.Provider
	passes   []Pass
	log      zerolog.Logger
}

func NewPipeline(p settings.Provider, log zerolog.Logger, passes ...Pass) *Pipeline {
	return &Pipeline{
		settings: p,
		passes:   passes,
		log:      log.With().Str("component", "rewrite").Logger(),
	}
}

// Passes returns the registered passes in run order.
func (p *Pipeline) Passes() []Pass { return p.passes }

// Rewrite runs every enabled pass over doc. It never fails.
func (p *Pipeline) Rewrite(doc []byte, sourceURL string) []byte {
	src := Source{URL: sourceURL}
	defaults := settings.Defaults()
	for _, pass := range p.passes {
		if key := pass.Toggle(); key != "" {
			def, _ := defaults[key].(bool)
			if !settings.Bool(p.settings, key, def) {
				continue
			}
		}
		out, err := apply(pass, doc, src)
		if err != nil {
			p.log.Warn().Err(err).Str("url", sourceURL).Msg("rewrite pass skipped")
			continue
		}
		doc = out
	}
	return doc
}

func apply(pass Pass, doc []byte, src Source) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errors.NewMalformedHTML(pass.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	out, err = pass.Apply(doc, src)
	if err != nil {
		return nil, errors.NewMalformedHTML(pass.Name(), err)
	}
	if out == nil {
		return nil, errors.NewMalformedHTML(pass.Name(), fmt.Errorf("empty result"))
	}
	return out, nil
}

// Options configures DefaultPipeline.
type Options struct {
	// SiteURL is the canonical origin used to absolutize root-relative links.
	// When empty the origin of each page's own URL is used.
	SiteURL string
	Now     func() time.Time
	// AssetDir holds pre-converted image variants served under AssetURL.
	AssetDir string
	AssetURL string
}

// DefaultPipeline returns every built-in pass in its canonical order.
func DefaultPipeline(p settings.Provider, log zerolog.Logger, o Options) *Pipeline {
	if o.Now == nil {
		o.Now = time.Now
	}
	return NewPipeline(p, log,
		AbsoluteURLs{SiteURL: o.SiteURL},
		Whitespace{},
		MetaTags{},
		DebugComment{Now: o.Now},
		LazyLoad{},
		NewSrcSet(o.AssetDir, o.AssetURL),
		DeferScripts{},
	)
}
