package config

// Default values. DefaultConfig is the single source of truth used by both
// the viper defaults and `mstream config init`.
const (
	DefaultTransport               = "sse"
	DefaultThrottleIntervalSeconds = 10
	DefaultBufferSize              = 256
	DefaultRelayHost               = "127.0.0.1"
	DefaultRelayPort               = 8790
	DefaultJournalFile             = "journal.db"
)

// DefaultConfig returns a copy of the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Streaming: StreamingConfig{
			Transport:               DefaultTransport,
			ThrottleIntervalSeconds: DefaultThrottleIntervalSeconds,
			MaxAttempts:             0,
			BufferSize:              DefaultBufferSize,
		},
		Accounts: []AccountConfig{},
		Relay: RelayConfig{
			Enabled: false,
			Host:    DefaultRelayHost,
			Port:    DefaultRelayPort,
		},
		Journal: JournalConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
