package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Client        ClientConfig        `yaml:"client"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Refetch       RefetchConfig       `yaml:"refetch"`
	Namespace     NamespaceConfig     `yaml:"namespace"`
	Mock          MockConfig          `yaml:"mock"`
	Log           LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	AuthToken      string        `yaml:"auth_token"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteThrottle  time.Duration `yaml:"write_throttle"`
	MaxClients     int           `yaml:"max_clients"`
}

type ClientConfig struct {
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	Namespace string `yaml:"namespace"`
}

// ConnectionConfig tunes the connection state machine and its transport.
type ConnectionConfig struct {
	SettleDelay          time.Duration `yaml:"settle_delay"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

type SubscriptionsConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type RefetchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// NamespaceConfig selects where the session namespace is persisted.
// Storage is one of "file", "redis" or "memory".
type NamespaceConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	Storage           string        `yaml:"storage"`
	StateDir          string        `yaml:"state_dir"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisKey          string        `yaml:"redis_key"`
}

type MockConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Namespace    string        `yaml:"namespace"`
	Tick         time.Duration `yaml:"tick"`
	VMs          []string      `yaml:"vms"`
	HostSampling bool          `yaml:"host_sampling"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	StorageFile   = "file"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8090,
			Host:          "127.0.0.1",
			WriteThrottle: 50 * time.Millisecond,
			MaxClients:    256,
		},
		Client: ClientConfig{
			URL: "ws://127.0.0.1:8090/ws",
		},
		Connection: ConnectionConfig{
			SettleDelay:        100 * time.Millisecond,
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  30 * time.Second,
			HandshakeTimeout:   5 * time.Second,
			PingInterval:       30 * time.Second,
			PongTimeout:        60 * time.Second,
			WriteTimeout:       10 * time.Second,
		},
		Subscriptions: SubscriptionsConfig{
			Debounce: 150 * time.Millisecond,
		},
		Refetch: RefetchConfig{
			Debounce: 50 * time.Millisecond,
		},
		Namespace: NamespaceConfig{
			ReconcileInterval: 5 * time.Second,
			Storage:           StorageFile,
			RedisAddr:         "127.0.0.1:6379",
			RedisKey:          "rtsync:namespace",
		},
		Mock: MockConfig{
			Namespace:    "ns-demo",
			Tick:         2 * time.Second,
			VMs:          []string{"vm-finance-01", "vm-finance-02", "vm-design-01", "local"},
			HostSampling: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	positive := map[string]time.Duration{
		"connection.reconnect_base_delay": c.Connection.ReconnectBaseDelay,
		"connection.reconnect_max_delay":  c.Connection.ReconnectMaxDelay,
		"connection.ping_interval":        c.Connection.PingInterval,
		"connection.pong_timeout":         c.Connection.PongTimeout,
		"connection.write_timeout":        c.Connection.WriteTimeout,
		"namespace.reconcile_interval":    c.Namespace.ReconcileInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	nonNegative := map[string]time.Duration{
		"connection.settle_delay": c.Connection.SettleDelay,
		"subscriptions.debounce":  c.Subscriptions.Debounce,
		"refetch.debounce":        c.Refetch.Debounce,
	}
	for name, d := range nonNegative {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}

	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay (%s) is below reconnect_base_delay (%s)",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return fmt.Errorf("connection.max_reconnect_attempts must not be negative")
	}

	switch c.Namespace.Storage {
	case StorageFile, StorageRedis, StorageMemory:
	default:
		return fmt.Errorf("namespace.storage %q is not one of file, redis, memory", c.Namespace.Storage)
	}
	return nil
}

// GenerateToken returns a random hex token for the hub when none is
// configured.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
