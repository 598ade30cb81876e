package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brianly1003/mstream/internal/domain"
	"gopkg.in/yaml.v3"
)

// AccountConfig is one logged-in account. The token may be given inline or
// read from an environment variable named by TokenEnv.
type AccountConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Server   string `mapstructure:"server" yaml:"server"`
	Token    string `mapstructure:"token,omitempty" yaml:"token,omitempty"`
	TokenEnv string `mapstructure:"token_env,omitempty" yaml:"token_env,omitempty"`
}

// AccessToken returns the inline token, or the value of TokenEnv.
func (a AccountConfig) AccessToken() string {
	if a.Token != "" {
		return a.Token
	}
	if a.TokenEnv != "" {
		return os.Getenv(a.TokenEnv)
	}
	return ""
}

// Key returns the connection key for streaming endpoint on this account.
func (a AccountConfig) Key(endpoint domain.Endpoint) domain.ConnectionKey {
	return domain.NewConnectionKey(a.Server, a.AccessToken(), endpoint)
}

// Account returns the account with the given name.
func (c *Config) Account(name string) (AccountConfig, error) {
	for _, a := range c.Accounts {
		if strings.EqualFold(a.Name, name) {
			return a, nil
		}
	}
	return AccountConfig{}, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, name)
}

// AddAccount appends an account, rejecting duplicate names.
func (c *Config) AddAccount(a AccountConfig) error {
	if _, err := c.Account(a.Name); err == nil {
		return fmt.Errorf("account %q already exists", a.Name)
	}
	accounts := append(append([]AccountConfig{}, c.Accounts...), a)
	if err := validateAccounts(accounts); err != nil {
		return err
	}
	c.Accounts = accounts
	return nil
}

// RemoveAccount deletes the account with the given name.
func (c *Config) RemoveAccount(name string) error {
	for i, a := range c.Accounts {
		if strings.EqualFold(a.Name, name) {
			c.Accounts = append(c.Accounts[:i], c.Accounts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, name)
}

// Save writes the configuration as YAML. The file holds access tokens, so
// it is only readable by the owner.
func Save(configPath string, cfg *Config) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
