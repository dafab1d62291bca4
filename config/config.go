package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Address          string        `toml:"Address"`
	Port             int           `toml:"Port"`
	DBPath           string        `toml:"DBPath"`
	AcceptTimeout    time.Duration `toml:"AcceptTimeout"`
	PollTimeout      time.Duration `toml:"PollTimeout"`
	HandshakeTimeout time.Duration `toml:"HandshakeTimeout"`
	ContactsWait     time.Duration `toml:"ContactsWait"`
	ReadTimeout      time.Duration `toml:"ReadTimeout"`
	WriteTimeout     time.Duration `toml:"WriteTimeout"`
	StreamContacts   bool          `toml:"StreamContacts"`
	LogLevel         string        `toml:"LogLevel"`
	LogFile          string        `toml:"LogFile"`
	MetricsAddress   string        `toml:"MetricsAddress"`
}

func Default() *Config {
	return &Config{
		Address:          "",
		Port:             7777,
		DBPath:           "relay.db",
		AcceptTimeout:    20 * time.Millisecond,
		PollTimeout:      100 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
		ContactsWait:     300 * time.Millisecond,
		ReadTimeout:      time.Second,
		WriteTimeout:     5 * time.Second,
		LogLevel:         "info",
	}
}

// Load builds the configuration from defaults, the optional TOML file at path
// and RELAY_* environment variables, in that order. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if addr, ok := os.LookupEnv("RELAY_ADDRESS"); ok {
		cfg.Address = addr
	}

	if portStr := os.Getenv("RELAY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("RELAY_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	durations := map[string]*time.Duration{
		"RELAY_ACCEPT_TIMEOUT":    &cfg.AcceptTimeout,
		"RELAY_POLL_TIMEOUT":      &cfg.PollTimeout,
		"RELAY_HANDSHAKE_TIMEOUT": &cfg.HandshakeTimeout,
		"RELAY_CONTACTS_WAIT":     &cfg.ContactsWait,
		"RELAY_READ_TIMEOUT":      &cfg.ReadTimeout,
		"RELAY_WRITE_TIMEOUT":     &cfg.WriteTimeout,
	}
	for name, target := range durations {
		if value := os.Getenv(name); value != "" {
			if d, err := time.ParseDuration(value); err == nil {
				*target = d
			}
		}
	}

	if stream := os.Getenv("RELAY_STREAM_CONTACTS"); stream != "" {
		if enabled, err := strconv.ParseBool(stream); err == nil {
			cfg.StreamContacts = enabled
		}
	}

	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if logFile := os.Getenv("RELAY_LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}

	if metrics := os.Getenv("RELAY_METRICS_ADDRESS"); metrics != "" {
		cfg.MetricsAddress = metrics
	}
}

// Validate rejects settings the relay cannot run with. Every timeout must be
// positive so that no step of the loop can block indefinitely.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("database path is required")
	}

	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"AcceptTimeout", c.AcceptTimeout},
		{"PollTimeout", c.PollTimeout},
		{"HandshakeTimeout", c.HandshakeTimeout},
		{"ContactsWait", c.ContactsWait},
		{"ReadTimeout", c.ReadTimeout},
		{"WriteTimeout", c.WriteTimeout},
	}
	for _, t := range timeouts {
		if t.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", t.name, t.value)
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}

	return nil
}
