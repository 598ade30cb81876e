// Package app orchestrates all components of mstream.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brianly1003/mstream/internal/adapters/journal"
	"github.com/brianly1003/mstream/internal/config"
	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/domain/events"
	"github.com/brianly1003/mstream/internal/hub"
	"github.com/brianly1003/mstream/internal/registry"
	"github.com/brianly1003/mstream/internal/security"
	httpserver "github.com/brianly1003/mstream/internal/server/http"
	"github.com/brianly1003/mstream/internal/stream"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/rs/zerolog/log"
)

// flushTimeout bounds how long shutdown waits for journal writes.
const flushTimeout = 5 * time.Second

// App is the main application struct that orchestrates all components.
type App struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	// Core components
	watcher  *config.Watcher
	registry *registry.Registry
	journal  *journal.Journal
	recorder *journalRecorder
	relay    *httpserver.Server

	// Lifecycle
	mu      sync.RWMutex
	running bool
	closed  bool
}

// New creates a new App instance. The journal is opened here when enabled so
// one-shot commands can use it without starting the relay.
func New(cfg *config.Config, version string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	userAgent := cfg.Streaming.UserAgent
	if userAgent == "" {
		userAgent = "mstream/" + version
	}
	dialer, err := stream.NewDialer(cfg.Streaming.Transport, userAgent)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		version: version,
		logger:  logger,
		watcher: config.NewWatcher(cfg),
		registry: registry.New(registry.Options{
			Dialer: dialer,
			Policy: stream.ThrottlePolicy{
				MinInterval: cfg.Streaming.ThrottleInterval(),
				MaxAttempts: cfg.Streaming.MaxAttempts,
			},
			BufferSize: cfg.Streaming.BufferSize,
		}),
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			_ = a.registry.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		a.journal = j
		a.recorder = newJournalRecorder(j, cfg.Streaming.BufferSize)
	}

	return a, nil
}

// Registry returns the connection registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Journal returns the event journal, or nil when journaling is disabled.
func (a *App) Journal() *journal.Journal {
	return a.journal
}

// Subscribe attaches a subscription to endpoint on the named account. With
// types given, only those event types (and opened events) are delivered.
// Events on the stream are journaled for as long as the subscription lives.
func (a *App) Subscribe(accountName string, endpoint domain.Endpoint, types ...events.EventType) (*hub.Subscription, error) {
	account, err := a.watcher.Account(accountName)
	if err != nil {
		return nil, err
	}

	m, err := a.registry.Connection(account.Key(endpoint))
	if err != nil {
		return nil, err
	}

	sub, err := m.SubscribeFiltered(types...)
	if err != nil {
		return nil, err
	}

	if a.recorder != nil {
		release := a.recorder.Track(account.Name, m)
		go func() {
			<-sub.Done()
			release()
		}()
	}

	log.Debug().
		Str("account", account.Name).
		Str("stream", endpoint.String()).
		Str("subscription_id", sub.ID()).
		Msg("subscribed")
	return sub, nil
}

// Start starts the config watcher and, when enabled, the relay server. It
// blocks until ctx is cancelled and then shuts everything down.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("application is already running")
	}
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("application is closed")
	}
	a.running = true
	if a.cfg.Relay.Enabled {
		a.relay = a.newRelay()
	}
	relay := a.relay
	a.mu.Unlock()

	if err := a.watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("config hot reload disabled")
	}
	a.watcher.OnReload(func(cfg *config.Config) {
		if cfg.Streaming != a.cfg.Streaming || cfg.Relay.Port != a.cfg.Relay.Port || cfg.Relay.Host != a.cfg.Relay.Host {
			log.Warn().Msg("streaming and relay settings changed; restart to apply, accounts are applied immediately")
		}
	})

	if relay != nil {
		if err := relay.Start(); err != nil {
			_ = a.Close()
			return fmt.Errorf("failed to start relay server: %w", err)
		}
	}

	log.Info().
		Str("version", a.version).
		Int("accounts", len(a.cfg.Accounts)).
		Bool("relay", a.cfg.Relay.Enabled).
		Bool("journal", a.journal != nil).
		Msg("mstream started")

	<-ctx.Done()

	return a.Close()
}

func (a *App) newRelay() *httpserver.Server {
	relay := httpserver.NewServer(a.cfg.Relay.Host, a.cfg.Relay.Port, a.registry, a.watcher, a.logger)
	if len(a.cfg.Relay.AllowedOrigins) > 0 {
		relay.SetAllowedOrigins(a.cfg.Relay.AllowedOrigins, security.IsLoopbackHost(a.cfg.Relay.Host))
	}
	relay.SetAccessToken(a.cfg.Relay.AccessToken())
	if a.recorder != nil {
		relay.SetRecorder(a.recorder)
	}
	return relay
}

// Close shuts down every component. Closing the registry completes all
// subscriptions and releases every upstream connection. Safe to call more
// than once.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.running = false

	log.Info().Msg("shutting down...")

	if a.relay != nil {
		if err := a.relay.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping relay server")
		}
	}

	a.watcher.Stop()

	if err := a.registry.Close(); err != nil {
		log.Error().Err(err).Msg("error closing connection registry")
	}

	if a.journal != nil {
		a.recorder.Flush(flushTimeout)
		if err := a.journal.Close(); err != nil {
			log.Error().Err(err).Msg("error closing journal")
		}
	}

	return nil
}
