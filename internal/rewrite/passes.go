package rewrite

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"

	"staticboost/internal/settings"
)

// AbsoluteURLs rewrites root-relative href and src values ("/x", not "//x")
// to absolute URLs on SiteURL, or on the page's own origin when SiteURL is
// empty.
type AbsoluteURLs struct {
	SiteURL string
}

func (AbsoluteURLs) Name() string   { return "absolute_urls" }
func (AbsoluteURLs) Toggle() string { return settings.KeyRewriteAbsoluteURLs }

func (p AbsoluteURLs) Apply(doc []byte, src Source) ([]byte, error) {
	base := strings.TrimRight(p.SiteURL, "/")
	if base == "" {
		base = src.Origin()
	}
	if base == "" {
		return doc, nil
	}
	return walk(doc, func(t token, out *bytes.Buffer) bool {
		if !isTag(t) {
			return false
		}
		changed := false
		for i, a := range t.Tok.Attr {
			if a.Key != "href" && a.Key != "src" {
				continue
			}
			if strings.HasPrefix(a.Val, "/") && !strings.HasPrefix(a.Val, "//") {
				t.Tok.Attr[i].Val = base + a.Val
				changed = true
			}
		}
		if !changed {
			return false
		}
		out.WriteString(t.Tok.String())
		return true
	})
}

// preserveTags are elements whose text must reach the browser untouched.
var preserveTags = map[string]bool{
	"pre": true, "textarea": true, "script": true, "style": true,
}

// Whitespace collapses whitespace runs in text to one space and removes
// indentation-only text between tags. Text inside pre, textarea, script and
// style is copied verbatim.
type Whitespace struct{}

func (Whitespace) Name() string   { return "whitespace" }
func (Whitespace) Toggle() string { return settings.KeyRewriteWhitespace }

func (Whitespace) Apply(doc []byte, _ Source) ([]byte, error) {
	depth := 0
	return walk(doc, func(t token, out *bytes.Buffer) bool {
		switch t.Type {
		case html.StartTagToken:
			if preserveTags[t.Tok.Data] {
				depth++
			}
			return false
		case html.EndTagToken:
			if preserveTags[t.Tok.Data] && depth > 0 {
				depth--
			}
			return false
		case html.TextToken:
			if depth > 0 {
				return false
			}
			out.Write(collapseSpace(t.Raw))
			return true
		}
		return false
	})
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func collapseSpace(b []byte) []byte {
	blank := true
	newline := false
	for _, c := range b {
		if !isSpace(c) {
			blank = false
			break
		}
		if c == '\n' {
			newline = true
		}
	}
	if blank {
		if newline || len(b) == 0 {
			return nil
		}
		return []byte{' '}
	}

	out := make([]byte, 0, len(b))
	inSpace := false
	for _, c := range b {
		if isSpace(c) {
			if !inSpace {
				out = append(out, ' ')
			}
			inSpace = true
			continue
		}
		inSpace = false
		out = append(out, c)
	}
	return out
}

// metaTag is a head tag MetaTags adds when the page lacks it.
type metaTag struct {
	attr, value string // identifying attribute, lower-cased value
	markup      string
}

var defaultMetaTags = []metaTag{
	{"http-equiv", "x-ua-compatible", `<meta http-equiv="X-UA-Compatible" content="IE=edge">`},
	{"name", "viewport", `<meta name="viewport" content="width=device-width, initial-scale=1">`},
	{"name", "format-detection", `<meta name="format-detection" content="telephone=no">`},
	{"name", "generator", `<meta name="generator" content="StaticBoost">`},
}

// MetaTags inserts missing performance and generator meta tags before
// </head>. A document without </head> is left alone. Running it twice adds
// nothing the second time.
type MetaTags struct{}

func (MetaTags) Name() string   { return "meta_tags" }
func (MetaTags) Toggle() string { return settings.KeyRewriteMetaTags }

func (MetaTags) Apply(doc []byte, _ Source) ([]byte, error) {
	seen := map[string]bool{}
	inserted := false
	return walk(doc, func(t token, out *bytes.Buffer) bool {
		if inserted {
			return false
		}
		switch {
		case isTag(t) && t.Tok.Data == "meta":
			for _, m := range defaultMetaTags {
				if v, ok := attr(t.Tok, m.attr); ok && strings.EqualFold(strings.TrimSpace(v), m.value) {
					seen[m.value] = true
				}
			}
		case t.Type == html.EndTagToken && t.Tok.Data == "head":
			for _, m := range defaultMetaTags {
				if !seen[m.value] {
					out.WriteString(m.markup)
				}
			}
			out.Write(t.Raw)
			inserted = true
			return true
		}
		return false
	})
}

const debugMarker = " StaticBoost:"

// DebugComment records when the artifact was generated. An older marker is
// replaced, so the page carries exactly one.
type DebugComment struct {
	Now func() time.Time
}

func (DebugComment) Name() string   { return "debug_comment" }
func (DebugComment) Toggle() string { return settings.KeyShowDebugInfo }

func (p DebugComment) Apply(doc []byte, src Source) ([]byte, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	at := -1
	out, err := walk(doc, func(t token, out *bytes.Buffer) bool {
		switch {
		case t.Type == html.CommentToken && strings.HasPrefix(t.Tok.Data, debugMarker):
			return true
		case t.Type == html.EndTagToken && t.Tok.Data == "html":
			at = out.Len()
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	path := strings.ReplaceAll(src.Path(), "--", "%2D%2D")
	comment := fmt.Sprintf("<!--%s cached page for %s generated %s -->",
		debugMarker, path, now().UTC().Format(time.RFC3339))
	if at < 0 {
		return append(out, comment...), nil
	}
	res := make([]byte, 0, len(out)+len(comment))
	res = append(res, out[:at]...)
	res = append(res, comment...)
	res = append(res, out[at:]...)
	return res, nil
}
