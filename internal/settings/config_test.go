package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staticboost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  origin: http://wordpress:80/
storage:
  root: /var/cache/staticboost
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://wordpress:80", cfg.Server.Origin)
	assert.Equal(t, "http://wordpress:80", cfg.Server.SiteURL)
	assert.Equal(t, int64(8<<20), cfg.Storage.MaxBodyBytes)
	assert.True(t, cfg.GzipEnabled())
	assert.Contains(t, cfg.Storage.Preserve, ".htaccess")
	assert.Equal(t, 50, cfg.Regen.BatchSize)
	assert.Equal(t, 1, cfg.Regen.Workers)
	assert.Equal(t, 100*time.Millisecond, cfg.Regen.DelayDur)
	assert.Equal(t, 2*time.Second, cfg.Regen.BatchDelayDur)
	assert.Equal(t, 60*time.Second, cfg.Regen.TimeoutDur)
	assert.Equal(t, time.Duration(0), cfg.Regen.PreloadEveryDur)
	assert.Equal(t, 100, cfg.Regen.PreloadLimit)
	assert.Equal(t, "StaticBoost/1.0 (Generator)", cfg.Regen.UserAgent)
	assert.Contains(t, cfg.Request.AuthCookies, "wordpress_logged_in_")
	assert.Contains(t, cfg.Request.EditParams, "elementor-preview")
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestParseConfig_Overrides(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  port: 9000
  origin: https://origin.internal
  siteURL: https://www.example.com/
  adminPort: 9001
storage:
  root: /cache
  maxBody: 512k
  gzip: false
  preserve: []
cache:
  ttl_seconds: 120
  rewrite:
    lazy_load: true
regen:
  batchSize: 10
  workers: 4
  delay: 0s
  preloadEvery: 15m
logging:
  format: json
  statsEvery: 30s
`))
	require.NoError(t, err)

	assert.Equal(t, "https://www.example.com", cfg.Server.SiteURL)
	assert.Equal(t, int64(512<<10), cfg.Storage.MaxBodyBytes)
	assert.False(t, cfg.GzipEnabled())
	assert.Empty(t, cfg.Storage.Preserve)
	assert.Equal(t, 120, cfg.Cache[KeyTTLSeconds])
	assert.Equal(t, true, cfg.Cache[KeyRewriteLazyLoad])
	assert.Equal(t, 10, cfg.Regen.BatchSize)
	assert.Equal(t, 4, cfg.Regen.Workers)
	assert.Equal(t, time.Duration(0), cfg.Regen.DelayDur)
	assert.Equal(t, 15*time.Minute, cfg.Regen.PreloadEveryDur)
	assert.Equal(t, 30*time.Second, cfg.Logging.StatsEveryDur)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing origin", "storage: {root: /c}", "server.origin is required"},
		{"missing root", "server: {origin: http://o}", "storage.root is required"},
		{"bad size", "server: {origin: http://o}\nstorage: {root: /c, maxBody: lots}", "storage.maxBody"},
		{"bad duration", "server: {origin: http://o}\nstorage: {root: /c}\nregen: {delay: soon}", "regen.delay"},
		{"admin port clash", "server: {origin: http://o, port: 80, adminPort: 80}\nstorage: {root: /c}", "adminPort"},
		{"assets half set", "server: {origin: http://o}\nstorage: {root: /c}\nassets: {dir: /srv/img}", "assets.dir"},
		{"bad log format", "server: {origin: http://o}\nstorage: {root: /c}\nlogging: {format: xml}", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"100", 100},
		{"1k", 1024},
		{"1kb", 1024},
		{"1.5m", 3 << 19},
		{"2G", 2 << 30},
		{"8 MiB", 8 << 20},
		{"10 MB", 10 << 20},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "b", "-1k", "lots"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}
