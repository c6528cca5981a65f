package mqtt

import (
	"math/rand"
	"sync"
	"time"

	"github.com/eddielth/heatpump-core/config"
)

// Backoff produces reconnect delays starting at Base and doubling up to Max.
// Each delay is spread by ±Jitter (a fraction) so restarting instances do not reconnect in lockstep.
type Backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	random func() float64

	mu      sync.Mutex
	attempt int
}

// NewBackoff creates a backoff from cfg, filling in 1s base and 60s max when unset
func NewBackoff(cfg config.BackoffConfig) *Backoff {
	b := &Backoff{
		base:   cfg.Base,
		max:    cfg.Max,
		jitter: cfg.Jitter,
		random: rand.Float64,
	}
	if b.base <= 0 {
		b.base = time.Second
	}
	if b.max < b.base {
		b.max = 60 * time.Second
		if b.max < b.base {
			b.max = b.base
		}
	}
	if b.jitter < 0 {
		b.jitter = 0
	}
	if b.jitter > 1 {
		b.jitter = 1
	}
	return b
}

// Next returns the delay before the next attempt and advances the schedule
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.base
	for i := 0; i < b.attempt && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	b.attempt++

	if b.jitter > 0 {
		spread := 1 - b.jitter + 2*b.jitter*b.random()
		delay = time.Duration(float64(delay) * spread)
		if delay > b.max {
			delay = b.max
		}
	}
	return delay
}

// Reset restarts the schedule at Base
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempts returns the number of delays handed out since the last Reset
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
