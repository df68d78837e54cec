package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nostria/signer/connection"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	path := write(t, `
storage: memory
secure_storage: false
relays:
  - wss://nos.lol
  - wss://nos.lol/
  - wss://relay.damus.io
health_interval: 1m
reconnect_cooldown: 2s
metrics_addr: 127.0.0.1:9464
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Storage)
	require.False(t, cfg.SecureStorage)
	require.Equal(t, []string{"wss://nos.lol", "wss://relay.damus.io"}, cfg.Relays)
	require.Equal(t, time.Minute, cfg.HealthInterval)
	require.Equal(t, 2*time.Second, cfg.ReconnectCooldown)
	require.Equal(t, connection.DefaultReconnectDelay, cfg.ReconnectDelay)
	require.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for _, content := range []string{
		"storage: sqlite\n",
		"relays: [\"https://example.com\"]\n",
		"health_interval: -1s\n",
		"relays: {\n",
	} {
		_, err := Load(write(t, content))
		require.Error(t, err, content)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Default()
	cfg.Relays = []string{"wss://nos.lol"}
	cfg.MetricsAddr = ":9464"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestDataDir(t *testing.T) {
	t.Setenv(DataDirEnv, "/srv/signer")
	require.Equal(t, "/srv/signer", DefaultDataDir())
	require.Equal(t, filepath.Join("/srv/signer", FileName), Path(DefaultDataDir()))
	require.Empty(t, Path(""))

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "keys"), ExpandHome("~/keys"))
	require.Equal(t, "/abs", ExpandHome("/abs"))
}
