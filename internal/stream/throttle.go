package stream

import "time"

// DefaultThrottleInterval is the minimum spacing between connection attempts.
const DefaultThrottleInterval = 10 * time.Second

// ThrottlePolicy is the retry-with-throttle policy: an attempt that fails
// sooner than MinInterval after it started is followed by a wait for the
// remainder; an attempt that lived longer is retried immediately.
type ThrottlePolicy struct {
	MinInterval time.Duration

	// MaxAttempts bounds consecutive attempts that never reached the open
	// state. Zero means retry forever.
	MaxAttempts int
}

// DefaultThrottlePolicy returns the unbounded policy with the default interval.
func DefaultThrottlePolicy() ThrottlePolicy {
	return ThrottlePolicy{MinInterval: DefaultThrottleInterval}
}

// Delay returns how long to wait before the next attempt, given when the
// previous attempt started and the current time.
func (p ThrottlePolicy) Delay(attemptStart, now time.Time) time.Duration {
	elapsed := now.Sub(attemptStart)
	if elapsed >= p.MinInterval {
		return 0
	}
	if elapsed < 0 {
		return p.MinInterval
	}
	return p.MinInterval - elapsed
}

// Exhausted reports whether failures consecutive failed attempts use up the policy.
func (p ThrottlePolicy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}
