package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Defaults(t *testing.T) {
	c := Snapshot(NewStatic(nil))

	assert.True(t, c.Enabled)
	assert.Equal(t, time.Hour, c.TTL)
	assert.Equal(t, []string{"bot", "crawler", "spider"}, c.ExcludedUserAgents)
	assert.Contains(t, c.ExcludedPaths, "/checkout")
	assert.True(t, c.ShowDebugInfo)
}

func TestSnapshot_TTLClamp(t *testing.T) {
	s := NewStatic(map[string]any{KeyTTLSeconds: 5})
	assert.Equal(t, MinTTL, Snapshot(s).TTL)

	s.Set(KeyTTLSeconds, "7200")
	assert.Equal(t, 2*time.Hour, Snapshot(s).TTL)
	assert.Equal(t, 2*time.Hour, TTLFunc(s)())

	s.Set(KeyTTLSeconds, "90m")
	assert.Equal(t, 90*time.Minute, Snapshot(s).TTL)
}

func TestStrings_TextareaValue(t *testing.T) {
	s := NewStatic(map[string]any{
		KeyExcludedPaths: "/cart\r\n\n  /checkout  \n",
	})
	assert.Equal(t, []string{"/cart", "/checkout"}, Snapshot(s).ExcludedPaths)

	s.Set(KeyExcludedPaths, []any{"/a", " ", "/b"})
	assert.Equal(t, []string{"/a", "/b"}, Strings(s, KeyExcludedPaths, nil))

	s.Set(KeyExcludedPaths, 42)
	assert.Equal(t, []string{"/fallback"}, Strings(s, KeyExcludedPaths, []string{"/fallback"}))
}

func TestBoolAndInt(t *testing.T) {
	s := NewStatic(map[string]any{
		"a": "yes", "b": "0", "c": 1, "d": "garbage", "n": 12.0, "m": "x",
	})
	assert.True(t, Bool(s, "a", false))
	assert.False(t, Bool(s, "b", true))
	assert.True(t, Bool(s, "c", false))
	assert.True(t, Bool(s, "d", true))
	assert.False(t, Bool(s, "missing", false))

	assert.Equal(t, 12, Int(s, "n", 0))
	assert.Equal(t, 7, Int(s, "m", 7))
	assert.Equal(t, 3, Int(s, "missing", 3))
}

func TestNewStatic_NestedKeys(t *testing.T) {
	s := NewStatic(map[string]any{
		"rewrite": map[string]any{"lazy_load": true},
	})
	assert.True(t, Bool(s, KeyRewriteLazyLoad, false))
	assert.True(t, Bool(s, KeyRewriteMetaTags, false))
}

func TestViper_ReadsFileOverBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
enabled: false
ttl_seconds: 600
excluded_user_agent_patterns:
  - Lighthouse
rewrite:
  defer_scripts: true
`), 0o644))

	p, err := NewViper(path, map[string]any{KeyShowDebugInfo: false}, zerolog.Nop())
	require.NoError(t, err)

	c := Snapshot(p)
	assert.False(t, c.Enabled)
	assert.Equal(t, 10*time.Minute, c.TTL)
	assert.Equal(t, []string{"Lighthouse"}, c.ExcludedUserAgents)
	assert.False(t, c.ShowDebugInfo)
	assert.Contains(t, c.ExcludedPaths, "/wp-admin")
	assert.True(t, Bool(p, KeyRewriteDeferScripts, false))
}

func TestViper_MissingFileUsesBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	p, err := NewViper(path, map[string]any{KeyTTLSeconds: 300}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, Snapshot(p).TTL)
	assert.True(t, Snapshot(p).Enabled)
}
