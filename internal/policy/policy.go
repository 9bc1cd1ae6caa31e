// Package policy decides whether a request may take part in page caching.
package policy

import (
	"net/http"
	"net/url"
	"strings"

	"staticboost/internal/settings"
)

// Request is the subset of an inbound request the exclusion rules look at.
// Build it once at the edge with FromHTTP; nothing below reads *http.Request.
type Request struct {
	Method        string
	Path          string
	Query         url.Values
	UserAgent     string
	Authenticated bool
	Cookies       []string
}

// FromHTTP captures r. The request counts as authenticated when it carries an
// Authorization header or a cookie whose name starts with one of authCookies.
func FromHTTP(r *http.Request, authCookies []string) Request {
	req := Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.Query(),
		UserAgent: r.UserAgent(),
	}
	if r.Header.Get("Authorization") != "" {
		req.Authenticated = true
	}
	for _, c := range r.Cookies() {
		req.Cookies = append(req.Cookies, c.Name)
		if hasAnyPrefix(c.Name, authCookies) {
			req.Authenticated = true
		}
	}
	return req
}

// Reason names the rule that excluded a request.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonDisabled      Reason = "disabled"
	ReasonMethod        Reason = "method"
	ReasonQuery         Reason = "query"
	ReasonPath          Reason = "path"
	ReasonUserAgent     Reason = "user_agent"
	ReasonAuthenticated Reason = "authenticated"
)

// Decision is the outcome of Evaluate. For predicate matches Reason is
// "predicate:<name>".
type Decision struct {
	Excluded bool
	Reason   Reason
}

// Predicate is an exclusion rule supplied by a platform shim, such as
// "request is part of a checkout" or "request is an editor preview".
type Predicate interface {
	Name() string
	Match(Request) bool
}

type Policy struct {
	settings   settings.Provider
	predicates []Predicate
}

func New(p settings.Provider, predicates ...Predicate) *Policy {
	return &Policy{settings: p, predicates: predicates}
}

// Evaluate applies the rules in order and stops at the first match:
// method, query string, path patterns, user agent patterns, session, then
// predicates in registration order.
func (p *Policy) Evaluate(req Request) Decision {
	if req.Method != http.MethodGet {
		return excluded(ReasonMethod)
	}
	if len(req.Query) > 0 {
		return excluded(ReasonQuery)
	}

	cfg := settings.Snapshot(p.settings)
	for _, pat := range cfg.ExcludedPaths {
		if strings.Contains(req.Path, pat) {
			return excluded(ReasonPath)
		}
	}
	if req.UserAgent != "" {
		ua := strings.ToLower(req.UserAgent)
		for _, pat := range cfg.ExcludedUserAgents {
			if strings.Contains(ua, strings.ToLower(pat)) {
				return excluded(ReasonUserAgent)
			}
		}
	}
	if req.Authenticated {
		return excluded(ReasonAuthenticated)
	}
	for _, pr := range p.predicates {
		if pr.Match(req) {
			return excluded(Reason("predicate:" + pr.Name()))
		}
	}
	return Decision{}
}

func (p *Policy) IsExcluded(req Request) bool {
	return p.Evaluate(req).Excluded
}

// EvaluateURL judges rawURL as an anonymous GET with no user agent, the way
// a synthetic regeneration fetch arrives.
func (p *Policy) EvaluateURL(rawURL string) Decision {
	u, err := url.Parse(rawURL)
	if err != nil {
		return excluded(ReasonPath)
	}
	return p.Evaluate(Request{
		Method: http.MethodGet,
		Path:   u.Path,
		Query:  u.Query(),
	})
}

func excluded(r Reason) Decision { return Decision{Excluded: true, Reason: r} }

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
