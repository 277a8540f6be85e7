package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL        string        `yaml:"base_url"`
	SocketURL      string        `yaml:"ws_url"`
	DBFile         string        `yaml:"db"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Token          string        `yaml:"token"`
	UserID         int64         `yaml:"user_id"`
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	TypingTimeout  time.Duration `yaml:"typing_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRecords     int           `yaml:"max_records"`
	LogLevel       string        `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		BaseURL:        "http://localhost:8080",
		DBFile:         "parley.db",
		ReconnectBase:  3 * time.Second,
		ReconnectMax:   12 * time.Second,
		TypingTimeout:  3 * time.Second,
		RequestTimeout: 15 * time.Second,
		MaxRecords:     500,
		LogLevel:       "info",
	}
}

// Load builds the configuration from defaults, then the optional YAML file
// at path, then the environment (a .env file in the working directory is
// read first).
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.BaseURL = getEnv("PARLEY_BASE_URL", c.BaseURL)
	c.SocketURL = getEnv("PARLEY_WS_URL", c.SocketURL)
	c.DBFile = getEnv("PARLEY_DB", c.DBFile)
	c.MetricsAddr = getEnv("PARLEY_METRICS_ADDR", c.MetricsAddr)
	c.Token = getEnv("PARLEY_TOKEN", c.Token)
	c.LogLevel = getEnv("PARLEY_LOG_LEVEL", c.LogLevel)

	var err error
	if c.UserID, err = getInt64("PARLEY_USER_ID", c.UserID); err != nil {
		return err
	}
	maxRecords, err := getInt64("PARLEY_MAX_RECORDS", int64(c.MaxRecords))
	if err != nil {
		return err
	}
	c.MaxRecords = int(maxRecords)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PARLEY_RECONNECT_BASE", &c.ReconnectBase},
		{"PARLEY_RECONNECT_MAX", &c.ReconnectMax},
		{"PARLEY_TYPING_TIMEOUT", &c.TypingTimeout},
		{"PARLEY_REQUEST_TIMEOUT", &c.RequestTimeout},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PARLEY_BASE_URL must be an http(s) URL, got %q", c.BaseURL)
	}
	if c.SocketURL != "" {
		u, err := url.Parse(c.SocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("PARLEY_WS_URL must be a ws(s) URL, got %q", c.SocketURL)
		}
	}
	if c.ReconnectBase <= 0 {
		return errors.New("PARLEY_RECONNECT_BASE must be greater than 0")
	}
	if c.ReconnectMax < c.ReconnectBase {
		return errors.New("PARLEY_RECONNECT_MAX must not be less than PARLEY_RECONNECT_BASE")
	}
	if c.TypingTimeout <= 0 {
		return errors.New("PARLEY_TYPING_TIMEOUT must be greater than 0")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("PARLEY_REQUEST_TIMEOUT must be greater than 0")
	}
	if c.MaxRecords <= 0 {
		return errors.New("PARLEY_MAX_RECORDS must be greater than 0")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("PARLEY_LOG_LEVEL: %w", err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
