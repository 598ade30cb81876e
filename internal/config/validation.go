package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/brianly1003/mstream/internal/security"
)

var (
	validTransports = []string{"sse", "websocket"}
	validLogLevels  = []string{"trace", "debug", "info", "warn", "error"}
	validLogFormats = []string{"console", "json"}
)

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if err := validateStreaming(&cfg.Streaming); err != nil {
		return err
	}

	if err := validateAccounts(cfg.Accounts); err != nil {
		return err
	}

	if err := validateRelay(&cfg.Relay); err != nil {
		return err
	}

	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path cannot be empty when the journal is enabled")
	}

	return validateLogging(&cfg.Logging)
}

func validateStreaming(cfg *StreamingConfig) error {
	if !contains(validTransports, cfg.Transport) {
		return fmt.Errorf("streaming.transport must be one of: %s", strings.Join(validTransports, ", "))
	}
	if cfg.ThrottleIntervalSeconds < 1 {
		return fmt.Errorf("streaming.throttle_interval_seconds must be at least 1")
	}
	if cfg.ThrottleIntervalSeconds > 3600 {
		return fmt.Errorf("streaming.throttle_interval_seconds cannot exceed 3600")
	}
	if cfg.MaxAttempts < 0 {
		return fmt.Errorf("streaming.max_attempts cannot be negative")
	}
	if cfg.BufferSize < 1 {
		return fmt.Errorf("streaming.buffer_size must be at least 1")
	}
	return nil
}

func validateAccounts(accounts []AccountConfig) error {
	seen := make(map[string]bool, len(accounts))
	for i, a := range accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		if a.Name == "" {
			return fmt.Errorf("%s.name cannot be empty", field)
		}
		if seen[a.Name] {
			return fmt.Errorf("%s.name %q is used more than once", field, a.Name)
		}
		seen[a.Name] = true

		if err := validateServerURL(a.Server, field+".server"); err != nil {
			return err
		}
		if a.Token == "" && a.TokenEnv == "" {
			return fmt.Errorf("%s needs a token or token_env", field)
		}
	}
	return nil
}

// validateServerURL accepts a bare host or an http(s) URL without a path.
func validateServerURL(raw, fieldName string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", fieldName, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", fieldName)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use one of these schemes: http, https", fieldName)
	}
	if strings.Trim(parsed.Path, "/") != "" {
		return fmt.Errorf("%s must not include a path", fieldName)
	}
	return nil
}

func validateRelay(cfg *RelayConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("relay.port must be between 1 and 65535")
	}
	if cfg.Host == "" {
		return fmt.Errorf("relay.host cannot be empty")
	}
	if !security.IsLoopbackHost(cfg.Host) && cfg.AccessToken() == "" {
		return fmt.Errorf("relay.token or relay.token_env is required when relay.host %q is not a loopback address (generate one with `mstream config token`)", cfg.Host)
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" || strings.HasPrefix(origin, "*.") {
			continue
		}
		if err := validateServerURL(origin, "relay.allowed_origins"); err != nil {
			return err
		}
		if !strings.Contains(origin, "://") {
			return fmt.Errorf("relay.allowed_origins entry %q must include a scheme", origin)
		}
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	if !contains(validLogLevels, cfg.Level) {
		return fmt.Errorf("logging.level must be one of: %s", strings.Join(validLogLevels, ", "))
	}
	if !contains(validLogFormats, cfg.Format) {
		return fmt.Errorf("logging.format must be one of: %s", strings.Join(validLogFormats, ", "))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
