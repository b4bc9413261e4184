package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Workers  WorkersSection  `toml:"workers"`
	Security SecuritySection `toml:"security"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	Mode         string `toml:"mode"`
	WSPort       int    `toml:"ws_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
	FileBackend  string `toml:"file_backend"`
	FilesDir     string `toml:"files_dir"`
}

type WorkersSection struct {
	Count            int    `toml:"count"`
	QueueCapacity    int    `toml:"queue_capacity"`
	Backpressure     string `toml:"backpressure"`
	DequeueTimeoutMs int    `toml:"dequeue_timeout_ms"`
}

type SecuritySection struct {
	RSAKeyBits              int      `toml:"rsa_key_bits"`
	ChatRandomIV            bool     `toml:"chat_random_iv"`
	AllowedCiphers          []string `toml:"allowed_ciphers"`
	AllowedMethods          []string `toml:"allowed_methods"`
	MaxFrameSize            int      `toml:"max_frame_size"`
	HandshakeTimeoutSeconds int      `toml:"handshake_timeout_seconds"`
	WriteTimeoutSeconds     int      `toml:"write_timeout_seconds"`
}

// File backends selectable in [server] file_backend
const (
	FileBackendDisk   = "disk"
	FileBackendSQLite = "sqlite"
)

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      5000,
			Mode:         string(ModeChat),
			WSPort:       0,
			MetricsPort:  9090,
			DataDir:      "~/.cipherchat",
			DatabasePath: "~/.cipherchat/cipherchat.db",
			FileBackend:  FileBackendDisk,
			FilesDir:     "~/.cipherchat/server_files",
		},
		Workers: WorkersSection{
			Count:            10,
			QueueCapacity:    0, // unbounded
			Backpressure:     string(BackpressureGrow),
			DequeueTimeoutMs: 500,
		},
		Security: SecuritySection{
			RSAKeyBits:              2048,
			ChatRandomIV:            false,
			MaxFrameSize:            0,
			HandshakeTimeoutSeconds: 0,
			WriteTimeoutSeconds:     10,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	// Missing keys keep their defaults
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	config = applyEnvOverrides(config)

	return config, nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func envList(name string, dst *[]string) {
	if val := os.Getenv(name); val != "" {
		// Parse comma-separated list, trimming whitespace from each entry
		items := strings.Split(val, ",")
		for i, item := range items {
			items[i] = strings.TrimSpace(item)
		}
		*dst = items
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CIPHERCHAT_SECTION_KEY
// Example: CIPHERCHAT_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("CIPHERCHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envString("CIPHERCHAT_SERVER_MODE", &config.Server.Mode)
	envInt("CIPHERCHAT_SERVER_WS_PORT", &config.Server.WSPort)
	envInt("CIPHERCHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("CIPHERCHAT_SERVER_DATA_DIR", &config.Server.DataDir)
	envString("CIPHERCHAT_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("CIPHERCHAT_SERVER_FILE_BACKEND", &config.Server.FileBackend)
	envString("CIPHERCHAT_SERVER_FILES_DIR", &config.Server.FilesDir)

	// Workers section
	envInt("CIPHERCHAT_WORKERS_COUNT", &config.Workers.Count)
	envInt("CIPHERCHAT_WORKERS_QUEUE_CAPACITY", &config.Workers.QueueCapacity)
	envString("CIPHERCHAT_WORKERS_BACKPRESSURE", &config.Workers.Backpressure)
	envInt("CIPHERCHAT_WORKERS_DEQUEUE_TIMEOUT_MS", &config.Workers.DequeueTimeoutMs)

	// Security section
	envInt("CIPHERCHAT_SECURITY_RSA_KEY_BITS", &config.Security.RSAKeyBits)
	if val := os.Getenv("CIPHERCHAT_SECURITY_CHAT_RANDOM_IV"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Security.ChatRandomIV = enabled
		}
	}
	envList("CIPHERCHAT_SECURITY_ALLOWED_CIPHERS", &config.Security.AllowedCiphers)
	envList("CIPHERCHAT_SECURITY_ALLOWED_METHODS", &config.Security.AllowedMethods)
	envInt("CIPHERCHAT_SECURITY_MAX_FRAME_SIZE", &config.Security.MaxFrameSize)
	envInt("CIPHERCHAT_SECURITY_HANDSHAKE_TIMEOUT_SECONDS", &config.Security.HandshakeTimeoutSeconds)
	envInt("CIPHERCHAT_SECURITY_WRITE_TIMEOUT_SECONDS", &config.Security.WriteTimeoutSeconds)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create file
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# CipherChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# CIPHERCHAT_SECTION_KEY (e.g., CIPHERCHAT_SERVER_TCP_PORT=8080)

[server]
# Port for TCP connections
tcp_port = 5000

# Protocol variant: "chat" (RSA key wrap, broadcast) or "file" (login, DH/PKI, file actions)
mode = "chat"

# Port for the WebSocket transport (/ws). Set to 0 to disable
ws_port = 0

# Internal metrics port (/metrics, /health). Set to 0 to disable
metrics_port = 9090

# Directory for errors.log, server.log and debug.log
data_dir = "~/.cipherchat"

# SQLite database holding user accounts (and file blobs with file_backend = "sqlite")
database_path = "~/.cipherchat/cipherchat.db"

# Where uploaded files are kept: "disk" (files_dir/<user>/<name>) or "sqlite"
file_backend = "disk"
files_dir = "~/.cipherchat/server_files"

[workers]
# Number of workers shared by handshakes and inbound messages.
# A slow handshake occupies one worker for its whole duration.
count = 10

# Task queue capacity (0 = unbounded)
queue_capacity = 0

# What happens when a bounded queue is full: "grow", "block" or "drop"
backpressure = "grow"

# How long an idle worker waits before re-checking for shutdown
dequeue_timeout_ms = 500

[security]
# Size of the server's long-lived RSA key
rsa_key_bits = 2048

# false keeps the zero-IV chat cipher existing clients speak.
# true prefixes a random IV to every chat message (not wire compatible).
chat_random_iv = false

# Restrict what file-mode clients may negotiate (empty = client decides)
# allowed_ciphers = ["AES"]
# allowed_methods = ["DH", "PKI"]

# Largest inbound frame in bytes (0 = unlimited)
max_frame_size = 0

# Abort handshakes that take longer than this (0 = no deadline)
handshake_timeout_seconds = 0

# Drop a client whose socket accepts no data for this long (0 = wait forever).
# Broadcasts write to recipients one at a time, so a stalled client delays
# everyone behind it by up to this much.
write_timeout_seconds = 10
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.WSPort = c.Server.WSPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.Mode) != "" {
		mode, err := ParseMode(c.Server.Mode)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.Mode = mode
	}

	if strings.TrimSpace(c.Server.DataDir) != "" {
		dataDir, err := expandHome(c.Server.DataDir)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.DataDir = dataDir
	}

	if c.Workers.Count > 0 {
		cfg.Workers = c.Workers.Count
	}
	cfg.QueueCapacity = c.Workers.QueueCapacity

	policy, err := ParseBackpressure(c.Workers.Backpressure)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.Backpressure = policy

	if c.Workers.DequeueTimeoutMs > 0 {
		cfg.DequeueTimeout = time.Duration(c.Workers.DequeueTimeoutMs) * time.Millisecond
	}

	if c.Security.RSAKeyBits != 0 {
		cfg.RSAKeyBits = c.Security.RSAKeyBits
	}
	cfg.ChatRandomIV = c.Security.ChatRandomIV
	cfg.AllowedCiphers = c.Security.AllowedCiphers
	cfg.AllowedMethods = c.Security.AllowedMethods
	cfg.MaxFrameSize = c.Security.MaxFrameSize
	cfg.HandshakeTimeout = time.Duration(c.Security.HandshakeTimeoutSeconds) * time.Second
	cfg.WriteTimeout = time.Duration(c.Security.WriteTimeoutSeconds) * time.Second

	return cfg, nil
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

// GetFilesDir returns the upload directory with ~ expanded
func (c *TOMLConfig) GetFilesDir() (string, error) {
	return expandHome(c.Server.FilesDir)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
