package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should be written")

	// The written file decodes back to the defaults
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 7000
mode = "file"

[workers]
count = 3
backpressure = "drop"
queue_capacity = 64

[security]
allowed_ciphers = ["AES", "Blowfish"]
allowed_methods = ["DH"]
handshake_timeout_seconds = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.TCPPort)
	assert.Equal(t, 9090, cfg.Server.MetricsPort, "missing keys keep defaults")
	assert.Equal(t, 500, cfg.Workers.DequeueTimeoutMs)

	sc, err := cfg.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ModeFile, sc.Mode)
	assert.Equal(t, 3, sc.Workers)
	assert.Equal(t, 64, sc.QueueCapacity)
	assert.Equal(t, BackpressureDrop, sc.Backpressure)
	assert.Equal(t, []string{"AES", "Blowfish"}, sc.AllowedCiphers)
	assert.Equal(t, []string{"DH"}, sc.AllowedMethods)
	assert.Equal(t, 5*time.Second, sc.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, sc.WriteTimeout)
	assert.Equal(t, 500*time.Millisecond, sc.DequeueTimeout)
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CIPHERCHAT_SERVER_TCP_PORT", "6000")
	t.Setenv("CIPHERCHAT_SERVER_MODE", "file")
	t.Setenv("CIPHERCHAT_WORKERS_COUNT", "2")
	t.Setenv("CIPHERCHAT_SECURITY_CHAT_RANDOM_IV", "true")
	t.Setenv("CIPHERCHAT_SECURITY_ALLOWED_METHODS", "DH, PKI")
	t.Setenv("CIPHERCHAT_SERVER_WS_PORT", "not-a-number")
	t.Setenv("CIPHERCHAT_SECURITY_WRITE_TIMEOUT_SECONDS", "0")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.Server.TCPPort)
	assert.Equal(t, "file", cfg.Server.Mode)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.True(t, cfg.Security.ChatRandomIV)
	assert.Equal(t, []string{"DH", "PKI"}, cfg.Security.AllowedMethods)
	assert.Equal(t, 0, cfg.Server.WSPort, "unparsable values are ignored")
	assert.Equal(t, 0, cfg.Security.WriteTimeoutSeconds)
}

func TestToServerConfigErrors(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.Mode = "voice"
	_, err := cfg.ToServerConfig()
	assert.Error(t, err)

	cfg = DefaultTOMLConfig()
	cfg.Workers.Backpressure = "spill"
	_, err = cfg.ToServerConfig()
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/.cipherchat/x.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cipherchat", "x.db"), got)

	got, err = expandHome("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)

	cfg := DefaultTOMLConfig()
	cfg.Server.DataDir = "~/data"
	sc, err := cfg.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data"), sc.DataDir)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("chat")
	require.NoError(t, err)
	assert.Equal(t, ModeChat, mode)

	mode, err = ParseMode("FILE")
	require.NoError(t, err)
	assert.Equal(t, ModeFile, mode)

	_, err = ParseMode("voice")
	assert.Error(t, err)
}
