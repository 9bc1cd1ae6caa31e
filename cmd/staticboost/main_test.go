package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staticboost/internal/pathmap"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "cache")
	path := filepath.Join(dir, "staticboost.yaml")
	err := os.WriteFile(path, []byte("server:\n  origin: http://127.0.0.1:1\n  siteURL: https://example.com\nstorage:\n  root: "+root+"\nlogging:\n  level: warn\n  format: json\n"), 0o644)
	require.NoError(t, err)
	return path, root
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("STATICBOOST_TEST_VAR", "")
	assert.Equal(t, "/staticboost.yaml", getenvDefault("STATICBOOST_TEST_VAR", "/staticboost.yaml"))
	t.Setenv("STATICBOOST_TEST_VAR", "/etc/sb.yaml")
	assert.Equal(t, "/etc/sb.yaml", getenvDefault("STATICBOOST_TEST_VAR", "/staticboost.yaml"))
}

func TestSetup(t *testing.T) {
	path, _ := writeConfig(t)
	configPath, logLevel = path, ""
	t.Cleanup(func() { logLevel = "" })

	cfg, log, err := setup()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", cfg.Server.SiteURL)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	logLevel = "debug"
	_, log, err = setup()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	logLevel = "loud"
	_, _, err = setup()
	assert.ErrorContains(t, err, "logging.level")

	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, _, err = setup()
	assert.ErrorContains(t, err, "load config")
}

func TestInvalidateCommand(t *testing.T) {
	path, root := writeConfig(t)
	logLevel = ""
	page := pathmap.ArtifactPath(root, "about")
	require.NoError(t, os.MkdirAll(filepath.Dir(page), 0o755))
	require.NoError(t, os.WriteFile(page, []byte("<html></html>"), 0o644))

	rootCmd.SetArgs([]string{"--config", path, "invalidate", "https://example.com/about/"})
	require.NoError(t, rootCmd.Execute())
	_, err := os.Stat(page)
	assert.True(t, os.IsNotExist(err))

	rootCmd.SetArgs([]string{"--config", path, "invalidate"})
	assert.Error(t, rootCmd.Execute())
}
