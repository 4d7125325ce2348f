package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsUnderFileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
mysql:
  host: db
  database: live_economy
poller:
  volatile_interval: 2s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db", cfg.MySQL.Host)
	assert.Equal(t, 2*time.Second, cfg.Poller.VolatileInterval)
	assert.Equal(t, 10*time.Second, cfg.Poller.StableInterval)
	assert.Equal(t, 30*time.Second, cfg.Economy.LockTTL())
	assert.Equal(t, 2*time.Hour, cfg.Reservation.HoldTTL)
	assert.Equal(t, 500, cfg.Audit.MaxLimit)
	assert.Equal(t, time.Hour, cfg.Jobs.ReconcileLookback)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "mysql:\n  password: from-file\n")
	t.Setenv("LIVEECONOMY_MYSQL_PASSWORD", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.MySQL.Password)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
