package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Duration wraps time.Duration so it reads and writes as "10s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Broker configures the cross-node pub/sub connection.
type Broker struct {
	Kind          string   `toml:"kind"`
	Addr          string   `toml:"addr"`
	Username      string   `toml:"username"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	ChannelPrefix string   `toml:"channel_prefix"`
	ReconnectMin  Duration `toml:"reconnect_min"`
	ReconnectMax  Duration `toml:"reconnect_max"`
}

// Config represents the global ~/.chatd/config.toml.
type Config struct {
	Node          string   `toml:"node"`
	Listen        string   `toml:"listen"`
	Workers       int      `toml:"workers"`
	DBPath        string   `toml:"db_path"`
	LogLevel      string   `toml:"log_level"`
	MaxFrameBytes int      `toml:"max_frame_bytes"`
	WriteTimeout  Duration `toml:"write_timeout"`
	MetricsAddr   string   `toml:"metrics_addr"`
	Broker        Broker   `toml:"broker"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Listen:        "0.0.0.0:6000",
		Workers:       4,
		LogLevel:      "info",
		MaxFrameBytes: 64 << 10,
		WriteTimeout:  Duration{10 * time.Second},
		Broker: Broker{
			Kind:          BrokerMemory,
			ChannelPrefix: "chat:user:",
			ReconnectMin:  Duration{100 * time.Millisecond},
			ReconnectMax:  Duration{10 * time.Second},
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv overrides fields from CHATD_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"CHATD_NODE":            &c.Node,
		"CHATD_LISTEN":          &c.Listen,
		"CHATD_DB_PATH":         &c.DBPath,
		"CHATD_LOG_LEVEL":       &c.LogLevel,
		"CHATD_METRICS_ADDR":    &c.MetricsAddr,
		"CHATD_BROKER_KIND":     &c.Broker.Kind,
		"CHATD_BROKER_ADDR":     &c.Broker.Addr,
		"CHATD_BROKER_PASSWORD": &c.Broker.Password,
	}
	for key, field := range strs {
		if v := getenv(key); v != "" {
			*field = v
		}
	}
	if v := getenv("CHATD_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATD_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxFrameBytes < 1 {
		return fmt.Errorf("max_frame_bytes must be positive, got %d", c.MaxFrameBytes)
	}
	switch c.Broker.Kind {
	case BrokerMemory:
		// An explicit db_path is how nodes share presence. The memory broker
		// never leaves this process, so peers would look online but never
		// receive what is published to them.
		if c.DBPath != "" {
			return fmt.Errorf("db_path %q is set but broker kind %q cannot reach other nodes; use %q or leave db_path unset",
				c.DBPath, BrokerMemory, BrokerRedis)
		}
	case BrokerRedis:
		if c.Broker.Addr == "" {
			return fmt.Errorf("broker kind %q requires addr", c.Broker.Kind)
		}
	default:
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
	return nil
}
