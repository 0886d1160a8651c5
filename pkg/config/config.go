package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Transport kinds. Exactly one is active per deployment; the value is
// resolved once at startup and never re-evaluated mid-connection.
const (
	TransportStream = "stream"
	TransportPush   = "push"
)

type Config struct {
	// Transport selects the delivery strategy: "stream" (self-hosted
	// streaming fallback) or "push" (managed pub/sub broker).
	Transport string `toml:"transport"`

	Listen ListenConfig `toml:"listen"`

	// Broker is required when transport = "push".
	Broker *BrokerConfig `toml:"broker,omitempty"`

	// AuthSecret signs push subscription tokens. Required for push.
	AuthSecret string `toml:"auth_secret,omitempty"`

	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	IdleTimeout       Duration `toml:"idle_timeout"`
	PublishTimeout    Duration `toml:"publish_timeout"`

	Reconnect ReconnectConfig `toml:"reconnect"`
	Toast     ToastConfig     `toml:"toast"`

	// InboxPath is the sqlite database holding in-app notifications.
	// Empty disables the inbox.
	InboxPath string `toml:"inbox_path,omitempty"`
}

type ListenConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port listen address.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

type BrokerConfig struct {
	URL     string `toml:"url"`
	Key     string `toml:"key,omitempty"`
	Cluster string `toml:"cluster,omitempty"`

	// Embed runs the broker inside the serve process at the URL's address,
	// with token enforcement. Requires key so the bridge can authenticate.
	Embed bool `toml:"embed,omitempty"`
}

type ReconnectConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

type ToastConfig struct {
	TTL        Duration `toml:"ttl"`
	MaxVisible int      `toml:"max_visible"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// DefaultConfig returns the configuration used when no config file exists:
// self-hosted streaming on localhost with conservative client tunables.
func DefaultConfig() *Config {
	return &Config{
		Transport:         TransportStream,
		Listen:            ListenConfig{Host: "localhost", Port: 8320},
		HeartbeatInterval: Duration{25 * time.Second},
		IdleTimeout:       Duration{5 * time.Minute},
		PublishTimeout:    Duration{250 * time.Millisecond},
		Reconnect: ReconnectConfig{
			BaseDelay:   Duration{time.Second},
			MaxDelay:    Duration{30 * time.Second},
			MaxAttempts: 8,
		},
		Toast: ToastConfig{
			TTL:        Duration{8 * time.Second},
			MaxVisible: 5,
		},
	}
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field constraints. Called after every load so a bad
// config file fails the process at startup rather than mid-connection.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStream:
	case TransportPush:
		if c.Broker == nil || c.Broker.URL == "" {
			return fmt.Errorf("transport %q requires a [broker] section with url", TransportPush)
		}
		if c.AuthSecret == "" {
			return fmt.Errorf("transport %q requires auth_secret", TransportPush)
		}
		if c.Broker.Embed && c.Broker.Key == "" {
			return fmt.Errorf("embedded broker requires broker key")
		}
	default:
		return fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportStream, TransportPush)
	}

	if c.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.PublishTimeout.Duration <= 0 {
		return fmt.Errorf("publish_timeout must be positive")
	}
	if c.Reconnect.BaseDelay.Duration <= 0 || c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		return fmt.Errorf("reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect max_attempts must be positive")
	}
	if c.Toast.MaxVisible <= 0 || c.Toast.TTL.Duration <= 0 {
		return fmt.Errorf("toast ttl and max_visible must be positive")
	}
	return nil
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveTemplateConfig writes the commented sample config, for first-run
// bootstrapping.
func SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(configPath, []byte(configTemplate), 0644)
}

// GetDefaultConfigPath returns ~/.config/relay/config.toml (honoring
// XDG_CONFIG_HOME).
func GetDefaultConfigPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "relay", "config.toml"), nil
}
