package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brianly1003/mstream/internal/config"
	"github.com/brianly1003/mstream/internal/security"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configInitLocal bool
	configInitForce bool
)

// configCmd displays or manages configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display and manage configuration",
	Long: `Display and manage mstream configuration.

Without subcommands, shows the current effective configuration.

Examples:
  mstream config              # Show current config
  mstream config init         # Create config file with defaults
  mstream config path         # Show config file location
  mstream config get <key>    # Get a config value
  mstream config set <key> <value>  # Set a config value
  mstream config token        # Generate a relay access token`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		printConfig(cfg)
		return nil
	},
}

// configInitCmd creates a config file with defaults.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file with default settings",
	Long: `Create a config file with default settings and documentation.

By default, creates ~/.mstream/config.yaml.
Use --local to create ./config.yaml in the current directory.

Examples:
  mstream config init          # Create ~/.mstream/config.yaml
  mstream config init --local  # Create ./config.yaml
  mstream config init --force  # Overwrite existing file`,
	RunE: runConfigInit,
}

// configPathCmd shows config file location.
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file location",
	RunE:  runConfigPath,
}

// configGetCmd gets a config value.
var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a configuration value by key.

Keys use dot notation to access nested values.

Examples:
  mstream config get streaming.transport
  mstream config get relay.port
  mstream config get logging.level`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

// configSetCmd sets a config value.
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value by key.

Creates the config file if it doesn't exist.
Keys use dot notation to access nested values.

Examples:
  mstream config set streaming.transport websocket
  mstream config set streaming.throttle_interval_seconds 30
  mstream config set journal.enabled true`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

// configTokenCmd generates a relay access token.
var configTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a relay access token",
	Long: `Generate a random relay access token and store it as relay.token.

Relay clients present it as "Authorization: Bearer <token>" or as the
access_token query parameter. A token is required when relay.host is not a
loopback address.

Examples:
  mstream config token           # Generate, save and print a token
  mstream config token --print   # Print a token without saving it`,
	Args: cobra.NoArgs,
	RunE: runConfigToken,
}

var configTokenPrintOnly bool

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configTokenCmd)

	configInitCmd.Flags().BoolVar(&configInitLocal, "local", false, "create config in current directory instead of ~/.mstream/")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite existing config file")
	configTokenCmd.Flags().BoolVar(&configTokenPrintOnly, "print", false, "print the token without saving it")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var configPath string

	if configInitLocal {
		configPath = "config.yaml"
	} else {
		configDir, err := config.EnsureConfigDir()
		if err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil && !configInitForce {
		return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println("Add an account with 'mstream account add' or edit the file directly.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configDir, err := config.GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config dir: %w", err)
	}

	locations := []string{
		"./config.yaml",
		filepath.Join(configDir, "config.yaml"),
		"/etc/mstream/config.yaml",
	}

	fmt.Println("Config search paths (in order):")
	for i, loc := range locations {
		exists := "not found"
		if _, err := os.Stat(loc); err == nil {
			exists = "exists"
		}
		fmt.Printf("  %d. %s (%s)\n", i+1, loc, exists)
	}

	fmt.Printf("\nConfig directory: %s\n", configDir)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	value, err := getConfigValue(cfg, args[0])
	if err != nil {
		return err
	}

	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	configPath, err := writeConfigValue(key, value)
	if err != nil {
		return err
	}

	fmt.Printf("Set %s = %s in %s\n", key, value, configPath)
	return nil
}

func runConfigToken(cmd *cobra.Command, args []string) error {
	token, err := security.GenerateAccessToken()
	if err != nil {
		return err
	}
	if configTokenPrintOnly {
		fmt.Println(token)
		return nil
	}

	configPath, err := writeConfigValue("relay.token", token)
	if err != nil {
		return err
	}

	fmt.Printf("Relay access token saved to %s\n\n", configPath)
	fmt.Printf("  %s\n\n", token)
	fmt.Println("Clients send it as \"Authorization: Bearer <token>\" or ?access_token=<token>.")
	return nil
}

// writeConfigValue sets key in the config file, creating it if needed, and
// returns the file's path.
func writeConfigValue(key, value string) (string, error) {
	configPath := cfgFile
	if configPath == "" {
		configDir, err := config.EnsureConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	var data map[string]interface{}
	if content, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(content, &data); err != nil {
			return "", fmt.Errorf("failed to parse existing config: %w", err)
		}
	}
	if data == nil {
		data = make(map[string]interface{})
	}

	if err := setNestedValue(data, key, value); err != nil {
		return "", err
	}

	content, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(configPath, content, 0600); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return configPath, nil
}

func getConfigValue(cfg *config.Config, key string) (interface{}, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid key: %s", key)
	}

	switch parts[0] {
	case "streaming":
		switch parts[1] {
		case "transport":
			return cfg.Streaming.Transport, nil
		case "throttle_interval_seconds":
			return cfg.Streaming.ThrottleIntervalSeconds, nil
		case "max_attempts":
			return cfg.Streaming.MaxAttempts, nil
		case "buffer_size":
			return cfg.Streaming.BufferSize, nil
		case "user_agent":
			return cfg.Streaming.UserAgent, nil
		}
	case "relay":
		switch parts[1] {
		case "enabled":
			return cfg.Relay.Enabled, nil
		case "host":
			return cfg.Relay.Host, nil
		case "port":
			return cfg.Relay.Port, nil
		case "token_env":
			return cfg.Relay.TokenEnv, nil
		}
	case "journal":
		switch parts[1] {
		case "enabled":
			return cfg.Journal.Enabled, nil
		case "path":
			return cfg.Journal.Path, nil
		}
	case "logging":
		switch parts[1] {
		case "level":
			return cfg.Logging.Level, nil
		case "format":
			return cfg.Logging.Format, nil
		}
	}

	return nil, fmt.Errorf("unknown config key: %s", key)
}

func setNestedValue(data map[string]interface{}, key string, value string) error {
	parts := strings.Split(key, ".")

	current := data
	for i := 0; i < len(parts)-1; i++ {
		if _, ok := current[parts[i]]; !ok {
			current[parts[i]] = make(map[string]interface{})
		}
		nested, ok := current[parts[i]].(map[string]interface{})
		if !ok {
			return fmt.Errorf("cannot set nested value: %s is not a map", parts[i])
		}
		current = nested
	}

	current[parts[len(parts)-1]] = parseValue(key, value)
	return nil
}

func parseValue(key string, value string) interface{} {
	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}

	intKeys := []string{"port", "throttle_interval_seconds", "max_attempts", "buffer_size"}
	for _, k := range intKeys {
		if strings.HasSuffix(key, k) {
			var i int
			if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
				return i
			}
		}
	}

	return value
}

func printConfig(cfg *config.Config) {
	source := cfg.Path
	if source == "" {
		source = "(defaults)"
	}
	fmt.Println("Current Configuration:")
	fmt.Println("----------------------")
	fmt.Printf("Config File:       %s\n", source)
	fmt.Printf("Transport:         %s\n", cfg.Streaming.Transport)
	fmt.Printf("Throttle Interval: %s\n", cfg.Streaming.ThrottleInterval())
	fmt.Printf("Max Attempts:      %d\n", cfg.Streaming.MaxAttempts)
	fmt.Printf("Accounts:          %d\n", len(cfg.Accounts))
	fmt.Printf("Relay:             %t (%s)\n", cfg.Relay.Enabled, cfg.Relay.Addr())
	fmt.Printf("Relay Token:       %s\n", relayTokenSource(cfg.Relay))
	fmt.Printf("Journal:           %t (%s)\n", cfg.Journal.Enabled, cfg.Journal.Path)
	fmt.Printf("Log Level:         %s\n", cfg.Logging.Level)
	fmt.Printf("Log Format:        %s\n", cfg.Logging.Format)
}

const defaultConfigYAML = `# mstream configuration

# Settings shared by every streaming connection
streaming:
  # sse (HTTP event stream) or websocket
  transport: "sse"

  # Minimum seconds between connection attempts. A connection that drops
  # sooner than this waits out the remainder before reconnecting.
  throttle_interval_seconds: 10

  # Consecutive failed attempts before giving up. 0 retries forever.
  max_attempts: 0

  # Events buffered per subscriber before it is considered too slow
  buffer_size: 256

# Accounts to stream from. Prefer token_env over an inline token.
accounts: []
#  - name: "main"
#    server: "https://mastodon.social"
#    token_env: "MSTREAM_MAIN_TOKEN"

# Local WebSocket relay (mstream start)
relay:
  enabled: false
  host: "127.0.0.1"
  port: 8790
  # Browser origins allowed besides loopback, e.g. "https://app.example.com" or "*.example.com"
  # allowed_origins: []
  # Access token relay clients must present; required off loopback.
  # Generate one with: mstream config token
  # token_env: "MSTREAM_RELAY_TOKEN"

# SQLite journal of received events
journal:
  enabled: false
  # path: "~/.mstream/journal.db"

logging:
  # trace, debug, info, warn, error
  level: "info"
  # console or json
  format: "console"
`

func relayTokenSource(r config.RelayConfig) string {
	return credentialSource(r.Token, r.TokenEnv, "none")
}
