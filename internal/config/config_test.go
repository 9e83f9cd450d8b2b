package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/liquidation-engine/internal/cpmm"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.Redis.CacheTTL)
	assert.Equal(t, cpmm.DefaultFeeSchedule(), cfg.Pricing.Fees)
	assert.Equal(t, 0.3, cfg.Pricing.ConfirmThreshold)
	assert.Equal(t, "http://localhost:8080", cfg.Client.BaseURL)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoad_YAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, `
server:
  port: "9090"
  shutdown_timeout: 10s
redis:
  url: redis://localhost:6379/0
  cache_ttl: 1m
pricing:
  fees:
    taker_rate: 0.05
    creator_share: 0.5
  confirm_threshold: 0.25
client:
  user_id: alice
log:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, time.Minute, cfg.Redis.CacheTTL)
	assert.Equal(t, cpmm.FeeSchedule{TakerRate: 0.05, CreatorShare: 0.5}, cfg.Pricing.Fees)
	assert.Equal(t, "0.25", cfg.Gate().Threshold.String())
	assert.Equal(t, "http://localhost:9090", cfg.Client.BaseURL)
	assert.Equal(t, "alice", cfg.Client.UserID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, "server:\n  port: \"9090\"\nlog:\n  level: warn\n")
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://localhost/liquidation")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("SELLCTL_USER_ID", "bob")
	t.Setenv("CONFIRM_THRESHOLD", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/liquidation", cfg.Database.URL)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "bob", cfg.Client.UserID)
	assert.Equal(t, 0.5, cfg.Pricing.ConfirmThreshold)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "server: [\n"},
		{"fee shares above one", "pricing:\n  fees:\n    taker_rate: 0.1\n    creator_share: 0.7\n    liquidity_share: 0.5\n"},
		{"threshold above one", "pricing:\n  confirm_threshold: 1.5\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad duration", "server:\n  shutdown_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf).Info("hidden")
	assert.Empty(t, buf.String())

	NewLogger(LogConfig{Level: "debug", Format: "text"}, &buf).Debug("sell submitted", "contract_id", "c1")
	assert.Contains(t, buf.String(), "msg=\"sell submitted\" contract_id=c1")
}
