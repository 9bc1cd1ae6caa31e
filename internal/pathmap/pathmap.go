// Package pathmap turns request URLs into relative artifact paths.
//
// The mapping is pure: it never touches the filesystem and never depends on
// the host, scheme, query or fragment of the URL. A URL whose path is empty or
// only slashes maps to the reserved "index" slot, so "/" and "/index" share an
// artifact. That matches the rewrite rules a front web server uses to serve the
// tree directly.
package pathmap

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path/filepath"
	"strings"
)

const (
	// IndexSlot is the relative path used for the site root.
	IndexSlot = "index"
	// ArtifactName is the file holding the rendered page inside a path directory.
	ArtifactName = "index.html"
	// CompressedSuffix is appended to ArtifactName for the gzip companion.
	CompressedSuffix = ".gz"

	maxSegmentBytes = 200
	keepPrefixBytes = 160
)

// Map returns the relative artifact path for rawURL.
//
// Segments are decoded and re-encoded with a filesystem-safe alphabet, so the
// result never contains "..", "." or empty segments and never escapes the
// artifact root. No segment starts with "." or with ArtifactName.
func Map(rawURL string) string {
	return MapPath(escapedPath(rawURL))
}

// MapPath maps an already extracted, still escaped URL path such as
// http.Request.URL.EscapedPath(). Unlike Map it never treats a leading "//"
// as a host.
func MapPath(escaped string) string {
	parts := strings.Split(escaped, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		dec, err := url.PathUnescape(p)
		if err != nil {
			dec = p
		}
		if dec == "" {
			continue
		}
		out = append(out, safeSegment(dec))
	}
	if len(out) == 0 {
		return IndexSlot
	}
	return strings.Join(out, "/")
}

// ArtifactPath joins root, the relative path and the artifact file name.
func ArtifactPath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel), ArtifactName)
}

// CompressedPath is ArtifactPath plus the gzip suffix.
func CompressedPath(root, rel string) string {
	return ArtifactPath(root, rel) + CompressedSuffix
}

// Dir returns the directory holding the artifacts of rel.
func Dir(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

func escapedPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		s := rawURL
		if i := strings.IndexAny(s, "?#"); i >= 0 {
			s = s[:i]
		}
		return s
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.EscapedPath()
}

func safeSegment(seg string) string {
	switch seg {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}

	var b strings.Builder
	b.Grow(len(seg))
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if safeByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexUpper[c>>4])
		b.WriteByte(hexUpper[c&0x0f])
	}
	s := b.String()
	switch {
	case s[0] == '.':
		// Dot entries in the root hold locks and server config.
		s = "%2E" + s[1:]
	case strings.HasPrefix(s, ArtifactName):
		// Would collide with the page file, its gzip companion or a temp file.
		s = "%69" + s[1:]
	}
	if len(s) > maxSegmentBytes {
		sum := sha256.Sum256([]byte(s))
		s = trimToBoundary(s, keepPrefixBytes) + "~" + hex.EncodeToString(sum[:8])
	}
	return s
}

const hexUpper = "0123456789ABCDEF"

// safeByte reports bytes that are left as-is. Non-ASCII bytes are kept so
// UTF-8 slugs stay readable on disk.
func safeByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	case c >= 0x80:
		return true
	}
	return false
}

// trimToBoundary cuts s to at most n bytes without splitting a %XX escape
// or a UTF-8 sequence.
func trimToBoundary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	if i := strings.LastIndexByte(s[:cut], '%'); i >= 0 && i > cut-3 {
		cut = i
	}
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
