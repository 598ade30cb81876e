// Package config handles configuration management for mstream.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Streaming StreamingConfig `mapstructure:"streaming" yaml:"streaming"`
	Accounts  []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`

	// Path is the file the configuration was read from, if any.
	Path string `mapstructure:"-" yaml:"-"`
}

// StreamingConfig holds settings shared by every streaming connection.
type StreamingConfig struct {
	Transport               string `mapstructure:"transport" yaml:"transport"`
	ThrottleIntervalSeconds int    `mapstructure:"throttle_interval_seconds" yaml:"throttle_interval_seconds"`
	MaxAttempts             int    `mapstructure:"max_attempts" yaml:"max_attempts"` // 0 retries forever
	BufferSize              int    `mapstructure:"buffer_size" yaml:"buffer_size"`
	UserAgent               string `mapstructure:"user_agent" yaml:"user_agent"`
}

// ThrottleInterval returns the minimum spacing between connection attempts.
func (s StreamingConfig) ThrottleInterval() time.Duration {
	return time.Duration(s.ThrottleIntervalSeconds) * time.Second
}

// RelayConfig holds the local relay server configuration.
type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`

	// AllowedOrigins lists browser origins besides loopback that may open
	// relay sockets. Supports "*" and "*.example.com".
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`

	// Token is the access token relay clients must present. Required when
	// Host is not a loopback address. TokenEnv names an environment
	// variable to read it from instead.
	Token    string `mapstructure:"token" yaml:"token,omitempty"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env,omitempty"`
}

// AccessToken returns the inline token, or the value of TokenEnv.
func (r RelayConfig) AccessToken() string {
	if r.Token != "" {
		return r.Token
	}
	if r.TokenEnv != "" {
		return os.Getenv(r.TokenEnv)
	}
	return ""
}

// Addr returns the relay listen address.
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JournalConfig holds event journal configuration.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mstream")
		v.AddConfigPath("/etc/mstream")
	}

	v.SetEnvPrefix("MSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// A missing config file is fine; everything has a default.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := postProcess(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("streaming.transport", d.Streaming.Transport)
	v.SetDefault("streaming.throttle_interval_seconds", d.Streaming.ThrottleIntervalSeconds)
	v.SetDefault("streaming.max_attempts", d.Streaming.MaxAttempts)
	v.SetDefault("streaming.buffer_size", d.Streaming.BufferSize)
	v.SetDefault("streaming.user_agent", d.Streaming.UserAgent)

	v.SetDefault("relay.enabled", d.Relay.Enabled)
	v.SetDefault("relay.host", d.Relay.Host)
	v.SetDefault("relay.port", d.Relay.Port)
	v.SetDefault("relay.token", d.Relay.Token)
	v.SetDefault("relay.token_env", d.Relay.TokenEnv)

	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.path", d.Journal.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// postProcess applies post-processing to configuration.
func postProcess(cfg *Config) error {
	cfg.Streaming.Transport = strings.ToLower(strings.TrimSpace(cfg.Streaming.Transport))
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if cfg.Journal.Path == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return fmt.Errorf("failed to resolve journal path: %w", err)
		}
		cfg.Journal.Path = filepath.Join(dir, DefaultJournalFile)
	}
	if strings.HasPrefix(cfg.Journal.Path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve journal path: %w", err)
		}
		cfg.Journal.Path = filepath.Join(home, cfg.Journal.Path[2:])
	}

	for i := range cfg.Accounts {
		cfg.Accounts[i].Name = strings.TrimSpace(cfg.Accounts[i].Name)
		cfg.Accounts[i].Server = strings.TrimSpace(cfg.Accounts[i].Server)
	}

	return nil
}

// GetConfigDir returns the user config directory for mstream.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".mstream"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// DefaultConfigPath returns ~/.mstream/config.yaml.
func DefaultConfigPath() string {
	dir, err := GetConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}
