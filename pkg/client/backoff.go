package client

import (
	"math/rand"
	"time"
)

// BackoffSettings parameterizes the reconnect delay: exponential growth
// from Initial by Multiplier with a random jitter fraction added on top
// so a relay restart does not get a thundering herd of simultaneous
// reconnects. The jittered delay never exceeds Max.
type BackoffSettings struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the base delay randomly added, in [0,1].
	Jitter float64
	// Rand returns a value in [0,1); injectable for tests.
	Rand func() float64
}

func DefaultBackoffSettings() BackoffSettings {
	return BackoffSettings{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.5,
		Rand:       rand.Float64,
	}
}

// Backoff yields successive reconnect delays. Not safe for concurrent
// use; each session owns one.
type Backoff struct {
	settings BackoffSettings
	attempt  int
}

func NewBackoff(settings BackoffSettings) *Backoff {
	if settings.Initial <= 0 {
		settings.Initial = DefaultBackoffSettings().Initial
	}
	if settings.Max <= 0 {
		settings.Max = DefaultBackoffSettings().Max
	}
	if settings.Multiplier < 1 {
		settings.Multiplier = DefaultBackoffSettings().Multiplier
	}
	if settings.Rand == nil {
		settings.Rand = rand.Float64
	}
	return &Backoff{settings: settings}
}

// Next returns the delay before the next connection attempt.
func (b *Backoff) Next() time.Duration {
	base := float64(b.settings.Initial)
	for i := 0; i < b.attempt; i++ {
		base *= b.settings.Multiplier
		if base >= float64(b.settings.Max) {
			base = float64(b.settings.Max)
			break
		}
	}
	b.attempt++
	jittered := base * (1 + b.settings.Jitter*b.settings.Rand())
	if jittered > float64(b.settings.Max) {
		jittered = float64(b.settings.Max)
	}
	return time.Duration(jittered)
}

// Reset restarts the progression after a successful sync.
func (b *Backoff) Reset() {
	b.attempt = 0
}
