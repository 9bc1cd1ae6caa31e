package settings

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Keys understood by the cache layer.
const (
	KeyEnabled            = "enabled"
	KeyTTLSeconds         = "ttl_seconds"
	KeyExcludedPaths      = "excluded_path_patterns"
	KeyExcludedUserAgents = "excluded_user_agent_patterns"
	KeyShowDebugInfo      = "show_debug_info"

	KeyRewriteAbsoluteURLs = "rewrite.absolute_urls"
	KeyRewriteWhitespace   = "rewrite.minify_whitespace"
	KeyRewriteMetaTags     = "rewrite.meta_tags"
	KeyRewriteLazyLoad     = "rewrite.lazy_load"
	KeyRewriteSrcSet       = "rewrite.srcset"
	KeyRewriteDeferScripts = "rewrite.defer_scripts"
)

const (
	DefaultTTL = time.Hour
	MinTTL     = 60 * time.Second
)

// Provider is the externally owned key/value settings store.
// A missing key reports ok=false; callers apply their own default.
type Provider interface {
	Get(key string) (any, bool)
}

// Defaults returns the settings used when neither the config file nor the
// settings file provide a value.
func Defaults() map[string]any {
	return map[string]any{
		KeyEnabled:             true,
		KeyTTLSeconds:          int(DefaultTTL / time.Second),
		KeyExcludedPaths:       []string{"/wp-admin", "/wp-login.php", "/cart", "/checkout", "/my-account"},
		KeyExcludedUserAgents:  []string{"bot", "crawler", "spider"},
		KeyShowDebugInfo:       true,
		KeyRewriteAbsoluteURLs: true,
		KeyRewriteWhitespace:   true,
		KeyRewriteMetaTags:     true,
		KeyRewriteLazyLoad:     false,
		KeyRewriteSrcSet:       false,
		KeyRewriteDeferScripts: false,
	}
}

// Static is an in-memory Provider. It is safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewStatic layers values over Defaults.
func NewStatic(values map[string]any) *Static {
	m := Defaults()
	for k, v := range flatten(values) {
		m[k] = v
	}
	return &Static{values: m}
}

func (s *Static) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Static) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

func Bool(p Provider, key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off", "":
			return false
		}
	}
	return def
}

func Int(p Provider, key string, def int) int {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Strings accepts a list or a newline separated string (what a textarea
// stores). Blank entries are dropped.
func Strings(p Provider, key string, def []string) []string {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return def
	}
	var raw []string
	switch t := v.(type) {
	case []string:
		raw = t
	case []any:
		for _, e := range t {
			raw = append(raw, fmt.Sprint(e))
		}
	case string:
		raw = strings.Split(strings.ReplaceAll(t, "\r\n", "\n"), "\n")
	default:
		return def
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Duration reads a number of seconds or a Go duration string.
func Duration(p Provider, key string, def time.Duration) time.Duration {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d
		}
	}
	n := Int(p, key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// CacheConfig is a point-in-time view of the cache settings.
type CacheConfig struct {
	Enabled            bool
	TTL                time.Duration
	ExcludedPaths      []string
	ExcludedUserAgents []string
	ShowDebugInfo      bool
}

// Snapshot reads the cache settings from p. TTL is clamped to MinTTL.
func Snapshot(p Provider) CacheConfig {
	d := Defaults()
	ttl := Duration(p, KeyTTLSeconds, DefaultTTL)
	if ttl < MinTTL {
		ttl = MinTTL
	}
	return CacheConfig{
		Enabled:            Bool(p, KeyEnabled, true),
		TTL:                ttl,
		ExcludedPaths:      Strings(p, KeyExcludedPaths, d[KeyExcludedPaths].([]string)),
		ExcludedUserAgents: Strings(p, KeyExcludedUserAgents, d[KeyExcludedUserAgents].([]string)),
		ShowDebugInfo:      Bool(p, KeyShowDebugInfo, true),
	}
}

// TTLFunc returns a closure reading the current TTL from p.
func TTLFunc(p Provider) func() time.Duration {
	return func() time.Duration { return Snapshot(p).TTL }
}
