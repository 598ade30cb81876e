package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianly1003/mstream/internal/app"
	"github.com/brianly1003/mstream/internal/config"
	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	relayHost    string
	relayPort    int
	startJournal bool
)

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the local relay server",
	Long: `Start the relay server so local programs can share streaming connections
over WebSocket.

Clients connect to ws://<host>:<port>/ws/<account>/<stream> and receive every
event of that stream as a JSON frame. All clients of the same account and
stream share one upstream connection.

Example:
  mstream start
  mstream start --port 9000
  mstream start --journal               # record relayed events

  websocat ws://127.0.0.1:8790/ws/main/user
  websocat 'ws://127.0.0.1:8790/ws/main/hashtag?tag=golang'
  websocat 'ws://127.0.0.1:8790/ws/main/user?types=notification'`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&relayHost, "host", "", "relay bind address (default: 127.0.0.1)")
	startCmd.Flags().IntVar(&relayPort, "port", 0, "relay port (default: 8790)")
	startCmd.Flags().BoolVar(&startJournal, "journal", false, "record relayed events to the journal")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg.Relay.Enabled = true
	if relayHost != "" {
		cfg.Relay.Host = relayHost
	}
	if relayPort != 0 {
		cfg.Relay.Port = relayPort
	}
	if startJournal {
		cfg.Journal.Enabled = true
	}

	// Re-validate after overrides
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("addr", cfg.Relay.Addr()).
		Str("transport", cfg.Streaming.Transport).
		Msg("starting mstream relay")

	application, err := app.New(cfg, version, newRelayLogger(cfg))
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	log.Info().Msg("mstream stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" || verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// newRelayLogger builds the relay server's slog logger at the configured level.
func newRelayLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "trace", "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
