package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the relay server configuration.
type Config struct {
	DBFile         string
	AdminAddr      string
	APIAddr        string
	BaseURL        string
	ChatHistory    int
	AllowedOrigins []string
}

func Load() (*Config, error) {
	chatHistory, err := strconv.Atoi(getEnv("CHAT_HISTORY", "50"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_HISTORY: %w", err)
	}

	cfg := &Config{
		DBFile:         getEnv("SYNC_DB", "diagramsync.db"),
		AdminAddr:      getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:        getEnv("API_ADDR", ":8080"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
		ChatHistory:    chatHistory,
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DBFile == "" {
		return fmt.Errorf("SYNC_DB is required")
	}

	if c.ChatHistory < 0 {
		return fmt.Errorf("CHAT_HISTORY must not be negative")
	}

	return nil
}

// ClientConfig configures collabctl. Every field can come from the
// environment and be overridden by a TOML file.
type ClientConfig struct {
	ServerURL            string        `toml:"server_url"`
	IdentityDB           string        `toml:"identity_db"`
	MaxReconnectAttempts int           `toml:"reconnect_max_attempts"`
	InitialDelay         time.Duration `toml:"reconnect_initial_delay"`
	MaxDelay             time.Duration `toml:"reconnect_max_delay"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`
	DedupWindow          time.Duration `toml:"dedup_window"`
	ConnectTimeout       time.Duration `toml:"connect_timeout"`
}

// LoadClient reads the client configuration from the environment and then
// applies the TOML file at path, if path is not empty.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:  getEnv("SYNC_SERVER_URL", "http://localhost:8080"),
		IdentityDB: getEnv("IDENTITY_DB", "identity.db"),
	}

	var err error
	if cfg.MaxReconnectAttempts, err = strconv.Atoi(getEnv("RECONNECT_MAX_ATTEMPTS", "5")); err != nil {
		return nil, fmt.Errorf("RECONNECT_MAX_ATTEMPTS: %w", err)
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"RECONNECT_INITIAL_DELAY", "1s", &cfg.InitialDelay},
		{"RECONNECT_MAX_DELAY", "30s", &cfg.MaxDelay},
		{"HEARTBEAT_INTERVAL", "30s", &cfg.HeartbeatInterval},
		{"DEDUP_WINDOW", "5s", &cfg.DedupWindow},
		{"CONNECT_TIMEOUT", "10s", &cfg.ConnectTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}

	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must not be negative")
	}

	for name, d := range map[string]time.Duration{
		"reconnect initial delay": c.InitialDelay,
		"reconnect max delay":     c.MaxDelay,
		"heartbeat interval":      c.HeartbeatInterval,
		"dedup window":            c.DedupWindow,
		"connect timeout":         c.ConnectTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", name)
		}
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
