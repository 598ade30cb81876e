// Package registry maps connection keys to their shared stream multiplexer so
// independent consumers reuse one physical connection per destination.
package registry

import (
	"fmt"
	"sort"

	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/hub"
	"github.com/brianly1003/mstream/internal/stream"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/rs/zerolog/log"
)

// Options configures every multiplexer the registry creates.
type Options struct {
	Dialer     stream.Dialer
	Policy     stream.ThrottlePolicy
	BufferSize int
}

// Registry owns all multiplexers for the life of the process. Entries are
// created lazily and never removed; an idle multiplexer holds no connection.
type Registry struct {
	opts Options

	mu           sync.Mutex
	multiplexers map[domain.ConnectionKey]*hub.Multiplexer
	closed       bool
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Policy.MinInterval <= 0 {
		opts.Policy.MinInterval = stream.DefaultThrottleInterval
	}
	return &Registry{
		opts:         opts,
		multiplexers: make(map[domain.ConnectionKey]*hub.Multiplexer),
	}
}

// Connection returns the multiplexer for key, creating it on first use.
// Concurrent first calls for the same key get the same instance. The
// server is normalized first, so "https://Host/" and "host" share one entry.
func (r *Registry) Connection(key domain.ConnectionKey) (*hub.Multiplexer, error) {
	key = key.Normalized()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrRegistryClosed
	}
	if m, ok := r.multiplexers[key]; ok {
		return m, nil
	}

	m := hub.New(hub.Options{
		Key:        key,
		Dialer:     r.opts.Dialer,
		Policy:     r.opts.Policy,
		BufferSize: r.opts.BufferSize,
	})
	r.multiplexers[key] = m

	log.Debug().Str("stream", key.String()).Msg("registered stream multiplexer")
	return m, nil
}

// Lookup returns the multiplexer for key without creating one.
func (r *Registry) Lookup(key domain.ConnectionKey) (*hub.Multiplexer, bool) {
	key = key.Normalized()
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.multiplexers[key]
	return m, ok
}

// Len returns the number of registered multiplexers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.multiplexers)
}

// Snapshot returns the stats of every multiplexer, ordered by key.
func (r *Registry) Snapshot() []hub.Stats {
	r.mu.Lock()
	list := make([]*hub.Multiplexer, 0, len(r.multiplexers))
	for _, m := range r.multiplexers {
		list = append(list, m)
	}
	r.mu.Unlock()

	stats := make([]hub.Stats, 0, len(list))
	for _, m := range list {
		stats = append(stats, m.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Key < stats[j].Key
	})
	return stats
}

// Close shuts down every multiplexer, completing all subscriptions. Further
// calls to Connection fail with domain.ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrRegistryClosed
	}
	r.closed = true
	list := make([]*hub.Multiplexer, 0, len(r.multiplexers))
	for _, m := range r.multiplexers {
		list = append(list, m)
	}
	r.mu.Unlock()

	for _, m := range list {
		_ = m.Close()
	}

	log.Debug().Int("multiplexers", len(list)).Msg("connection registry closed")
	return nil
}
