// Package ratelimit holds the token bucket configuration shared by the
// per-session inbound limiter and the connection admission gate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines a token bucket.
type Config struct {
	// PerSecond defines how many events are allowed per second
	PerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultConfig returns the default inbound message limit.
// Allows 20 messages per second with burst of 40
func DefaultConfig() *Config {
	return &Config{
		PerSecond: 20,
		Burst:     40,
		Enabled:   true,
	}
}

// DefaultAdmissionConfig returns the default connection admission limit.
// Allows one new connection per second per key with burst of 5
func DefaultAdmissionConfig() *Config {
	return &Config{
		PerSecond: 1,
		Burst:     5,
		Enabled:   true,
	}
}

// NoLimit returns a configuration with rate limiting disabled
func NoLimit() *Config {
	return &Config{Enabled: false}
}

// NewLimiter builds a limiter for cfg, or nil when limiting is disabled.
func NewLimiter(cfg *Config) *rate.Limiter {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return rate.NewLimiter(cfg.PerSecond, cfg.Burst)
}

type keyedEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// Keyed keeps one token bucket per key (user id or client IP).
type Keyed struct {
	cfg *Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyed creates a keyed limiter. A nil or disabled config allows everything.
func NewKeyed(cfg *Config) *Keyed {
	return &Keyed{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*keyedEntry),
	}
}

// Allow consumes one token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	if k == nil || k.cfg == nil || !k.cfg.Enabled {
		return true
	}
	now := k.now()

	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(k.cfg.PerSecond, k.cfg.Burst)}
		k.entries[key] = e
	}
	e.seen = now
	k.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Sweep drops buckets not used for longer than idle and returns how many were removed.
func (k *Keyed) Sweep(idle time.Duration) int {
	if k == nil {
		return 0
	}
	cutoff := k.now().Add(-idle)

	k.mu.Lock()
	defer k.mu.Unlock()
	removed := 0
	for key, e := range k.entries {
		if e.seen.Before(cutoff) {
			delete(k.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
