package rewrite

import (
	"bytes"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"staticboost/internal/settings"
)

// LazyLoad adds loading="lazy" to images and iframes, and decoding="async"
// to images. Tags that already choose a loading mode, ask for high fetch
// priority, or look like a logo or icon are left alone.
type LazyLoad struct{}

func (LazyLoad) Name() string   { return "lazy_load" }
func (LazyLoad) Toggle() string { return settings.KeyRewriteLazyLoad }

func (LazyLoad) Apply(doc []byte, _ Source) ([]byte, error) {
	return walk(doc, func(t token, out *bytes.Buffer) bool {
		if !isTag(t) || (t.Tok.Data != "img" && t.Tok.Data != "iframe") {
			return false
		}
		if _, ok := attr(t.Tok, "loading"); ok {
			return false
		}
		if v, _ := attr(t.Tok, "fetchpriority"); strings.EqualFold(v, "high") {
			return false
		}
		if anyAttrContains(t.Tok, []string{"src", "class", "id", "alt"}, "logo", "icon") {
			return false
		}
		setAttr(&t.Tok, "loading", "lazy")
		if t.Tok.Data == "img" {
			if _, ok := attr(t.Tok, "decoding"); !ok {
				setAttr(&t.Tok, "decoding", "async")
			}
		}
		out.WriteString(t.Tok.String())
		return true
	})
}

var rasterExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}

// SrcSet wraps raster images in a <picture> offering AVIF and WebP variants
// that exist in the asset directory (named after the image's base name). The
// img tag itself is copied unchanged.
type SrcSet struct {
	dir    string
	url    string
	exists func(name string) bool
}

func NewSrcSet(assetDir, assetURL string) SrcSet {
	return SrcSet{
		dir: assetDir,
		url: strings.TrimRight(assetURL, "/"),
		exists: func(name string) bool {
			fi, err := os.Stat(name)
			return err == nil && fi.Mode().IsRegular()
		},
	}
}

func (SrcSet) Name() string   { return "srcset" }
func (SrcSet) Toggle() string { return settings.KeyRewriteSrcSet }

func (p SrcSet) Apply(doc []byte, _ Source) ([]byte, error) {
	if p.dir == "" || p.url == "" {
		return doc, nil
	}
	inPicture := 0
	return walk(doc, func(t token, out *bytes.Buffer) bool {
		switch {
		case t.Type == html.StartTagToken && t.Tok.Data == "picture":
			inPicture++
		case t.Type == html.EndTagToken && t.Tok.Data == "picture":
			if inPicture > 0 {
				inPicture--
			}
		case isTag(t) && t.Tok.Data == "img" && inPicture == 0:
			if _, ok := attr(t.Tok, "srcset"); ok {
				return false
			}
			src, _ := attr(t.Tok, "src")
			sources := p.sources(src)
			if sources == "" {
				return false
			}
			out.WriteString("<picture>")
			out.WriteString(sources)
			out.Write(t.Raw)
			out.WriteString("</picture>")
			return true
		}
		return false
	})
}

func (p SrcSet) sources(src string) string {
	u, err := url.Parse(src)
	if err != nil || u.Path == "" {
		return ""
	}
	base := path.Base(u.Path)
	ext := strings.ToLower(path.Ext(base))
	if !rasterExt[ext] {
		return ""
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" || strings.HasPrefix(stem, ".") {
		return ""
	}

	var b strings.Builder
	for _, v := range []struct{ ext, mime string }{
		{".avif", "image/avif"},
		{".webp", "image/webp"},
	} {
		if !p.exists(filepath.Join(p.dir, stem+v.ext)) {
			continue
		}
		tok := html.Token{Type: html.StartTagToken, Data: "source", Attr: []html.Attribute{
			{Key: "type", Val: v.mime},
			{Key: "srcset", Val: p.url + "/" + url.PathEscape(stem+v.ext)},
		}}
		b.WriteString(tok.String())
	}
	return b.String()
}

// DeferScripts adds defer to external scripts. Scripts that are already
// async or deferred, modules, and jQuery (inline code often depends on it
// synchronously) are skipped.
type DeferScripts struct{}

func (DeferScripts) Name() string   { return "defer_scripts" }
func (DeferScripts) Toggle() string { return settings.KeyRewriteDeferScripts }

func (DeferScripts) Apply(doc []byte, _ Source) ([]byte, error) {
	return walk(doc, func(t token, out *bytes.Buffer) bool {
		if t.Type != html.StartTagToken || t.Tok.Data != "script" {
			return false
		}
		src, ok := attr(t.Tok, "src")
		if !ok || src == "" {
			return false
		}
		if _, ok := attr(t.Tok, "defer"); ok {
			return false
		}
		if _, ok := attr(t.Tok, "async"); ok {
			return false
		}
		if typ, _ := attr(t.Tok, "type"); strings.EqualFold(typ, "module") {
			return false
		}
		if strings.Contains(strings.ToLower(src), "jquery") {
			return false
		}
		setAttr(&t.Tok, "defer", "")
		out.WriteString(t.Tok.String())
		return true
	})
}
