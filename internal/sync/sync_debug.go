//go:build deadlock

package sync

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// Mutex reports locks held past the deadlock timeout and inconsistent lock
// ordering.
type Mutex = deadlock.Mutex

// RWMutex is the go-deadlock reader/writer lock.
type RWMutex = deadlock.RWMutex

// Once is the standard sync.Once.
type Once = sync.Once

// WaitGroup is the standard sync.WaitGroup.
type WaitGroup = sync.WaitGroup

// defaultDeadlockTimeout must exceed the longest expected wait under a lock,
// which is an attach waiting for the previous connection to release its socket.
const defaultDeadlockTimeout = 30 * time.Second

func init() {
	if os.Getenv("MSTREAM_NO_DEADLOCK_DETECT") != "" {
		deadlock.Opts.Disable = true
		return
	}

	deadlock.Opts.DeadlockTimeout = defaultDeadlockTimeout
	if v := os.Getenv("MSTREAM_DEADLOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			deadlock.Opts.DeadlockTimeout = d
		}
	}

	deadlock.Opts.PrintAllCurrentGoroutines = true
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Error().Msg("potential deadlock detected, see report on stderr")
		os.Exit(2)
	}

	log.Warn().
		Dur("timeout", deadlock.Opts.DeadlockTimeout).
		Msg("deadlock detection enabled")
}
