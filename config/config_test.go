package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{BasePath: "/ttyd-mux/"}
	cfg.applyDefaults()

	assert.Equal(t, "/ttyd-mux", cfg.BasePath)
	assert.Equal(t, defaultBasePort, cfg.BasePort)
	assert.Equal(t, defaultDaemonPort, cfg.DaemonPort)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.ListenAddresses)
	assert.Equal(t, ProxyModeProxy, cfg.ProxyMode)
	assert.Equal(t, TmuxAuto, cfg.TmuxMode)
	assert.Equal(t, defaultRevalidateInterval, cfg.RevalidateInterval)
	assert.Equal(t, defaultShareSweepInterval, cfg.ShareSweepInterval)
	assert.Equal(t, defaultShutdownGrace, cfg.ShutdownGrace)
	assert.Equal(t, "ttyd", cfg.TerminalServerBin)
}

func TestNormalizeBasePath(t *testing.T) {
	assert.Equal(t, "/ttyd-mux", normalizeBasePath("/ttyd-mux/"))
	assert.Equal(t, "/ttyd-mux", normalizeBasePath("/ttyd-mux"))
	assert.Equal(t, "/", normalizeBasePath("/"))
	assert.Equal(t, "", normalizeBasePath(""))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := &Config{BasePath: "/ttyd-mux", MarkerSecret: "deadbeef"}
	cfg.applyDefaults()

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.BasePath, loaded.BasePath)
	assert.Equal(t, cfg.MarkerSecret, loaded.MarkerSecret)
	assert.Equal(t, cfg.DaemonPort, loaded.DaemonPort)
}

func TestEnsureDefaultCreatesFileWithSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := EnsureDefault(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.MarkerSecret)

	again, err := EnsureDefault(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.MarkerSecret, again.MarkerSecret, "second call must not regenerate the secret")
}
