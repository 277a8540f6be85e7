package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.BaseURL)
	require.Equal(t, 3*time.Second, cfg.ReconnectBase)
	require.Equal(t, 12*time.Second, cfg.ReconnectMax)
	require.Equal(t, 3*time.Second, cfg.TypingTimeout)
	require.Equal(t, 500, cfg.MaxRecords)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_url: https://chat.example.com
reconnect_base: 1s
max_records: 50
user_id: 7
`), 0o600))

	t.Setenv("PARLEY_MAX_RECORDS", "80")
	t.Setenv("PARLEY_TYPING_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com", cfg.BaseURL)
	require.Equal(t, time.Second, cfg.ReconnectBase)
	require.Equal(t, int64(7), cfg.UserID)
	require.Equal(t, 80, cfg.MaxRecords, "environment wins over the file")
	require.Equal(t, 5*time.Second, cfg.TypingTimeout)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PARLEY_TOKEN=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("PARLEY_TOKEN") })

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "from-dotenv", cfg.Token)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"Defaults", func(c *Config) {}, false},
		{"BadBaseURL", func(c *Config) { c.BaseURL = "ftp://x" }, true},
		{"BadSocketURL", func(c *Config) { c.SocketURL = "http://x/ws" }, true},
		{"SocketURL", func(c *Config) { c.SocketURL = "wss://x/ws" }, false},
		{"ZeroBase", func(c *Config) { c.ReconnectBase = 0 }, true},
		{"MaxBelowBase", func(c *Config) { c.ReconnectMax = time.Second }, true},
		{"ZeroTyping", func(c *Config) { c.TypingTimeout = 0 }, true},
		{"ZeroRecords", func(c *Config) { c.MaxRecords = 0 }, true},
		{"BadLevel", func(c *Config) { c.LogLevel = "loud" }, true},
		{"DebugLevel", func(c *Config) { c.LogLevel = "debug" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadBadDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PARLEY_RECONNECT_MAX", "soon")

	_, err := Load("")
	require.Error(t, err)
}
