package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"uptime_nexus/internal/shared/types"
)

func TestLoadIni_MissingFileKeepsDefaults(t *testing.T) {
	cfg := types.NewDefaultConfig()
	require.NoError(t, LoadIni(cfg, filepath.Join(t.TempDir(), "absent.ini")))
	assert.Equal(t, 105, cfg.PingIntervalSec)
	assert.Equal(t, 29, cfg.StaleAfterSec)
	assert.Equal(t, 60, cfg.RetryIntervalSec)
}

func TestLoadIni_OverridesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexus.ini")
	content := `
[common]
version = 3.0.0

[timing]
ping_interval_sec = 30
retry_threshold = 5

[proxy]
area = us
count = 7

[log]
level = debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := types.NewDefaultConfig()
	require.NoError(t, LoadIni(cfg, path))

	assert.Equal(t, "3.0.0", cfg.Version)
	assert.Equal(t, 30, cfg.PingIntervalSec)
	assert.Equal(t, 5, cfg.RetryThreshold)
	assert.Equal(t, "us", cfg.Area)
	assert.Equal(t, 7, cfg.ProxyConf.Count)
	assert.Equal(t, "debug", cfg.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 29, cfg.StaleAfterSec)
}

func TestLoadIni_EnvOverride(t *testing.T) {
	t.Setenv("NEXUS_WEB_PORT", "8088")
	cfg := types.NewDefaultConfig()
	require.NoError(t, LoadIni(cfg, ""))
	assert.Equal(t, 8088, cfg.WebConf.Port)
}

func TestValidate_RejectsBadTiming(t *testing.T) {
	cfg := types.NewDefaultConfig()
	cfg.CooldownMaxMs = 1
	cfg.CooldownMinMs = 10
	assert.Error(t, Validate(cfg))
}

func TestLoadTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.txt")
	require.NoError(t, os.WriteFile(path, []byte("'tok-1'\n\n  \"tok-2\"  \n"), 0644))

	tokens, err := LoadTokens(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-1", "tok-2"}, tokens)

	require.NoError(t, os.WriteFile(path, []byte("\n\n"), 0644))
	_, err = LoadTokens(path)
	assert.Error(t, err)
}
