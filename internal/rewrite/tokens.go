package rewrite

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// token is what a visitor sees. Raw is only valid during the callback.
type token struct {
	Type html.TokenType
	Raw  []byte
	// Tok is set for tag, comment and doctype tokens.
	Tok html.Token
}

// visitFunc writes its replacement to out and returns true, or returns false
// to keep the raw bytes.
type visitFunc func(t token, out *bytes.Buffer) bool

// walk streams doc through the tokenizer. Untouched tokens are copied byte for
// byte, so a visitor that never rewrites anything returns the input unchanged.
func walk(doc []byte, visit visitFunc) ([]byte, error) {
	z := html.NewTokenizer(bytes.NewReader(doc))
	var out bytes.Buffer
	out.Grow(len(doc) + 512)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			return out.Bytes(), nil
		}
		t := token{Type: tt, Raw: z.Raw()}
		if tt != html.TextToken {
			t.Tok = z.Token()
		}
		if !visit(t, &out) {
			out.Write(t.Raw)
		}
	}
}

func isTag(t token) bool {
	return t.Type == html.StartTagToken || t.Type == html.SelfClosingTagToken
}

func attr(tok html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(tok *html.Token, key, val string) {
	for i := range tok.Attr {
		if tok.Attr[i].Namespace == "" && tok.Attr[i].Key == key {
			tok.Attr[i].Val = val
			return
		}
	}
	tok.Attr = append(tok.Attr, html.Attribute{Key: key, Val: val})
}

// anyAttrContains reports whether any of keys holds a value containing one of
// needles, case-insensitively.
func anyAttrContains(tok html.Token, keys []string, needles ...string) bool {
	for _, k := range keys {
		v, ok := attr(tok, k)
		if !ok {
			continue
		}
		v = strings.ToLower(v)
		for _, n := range needles {
			if strings.Contains(v, n) {
				return true
			}
		}
	}
	return false
}
