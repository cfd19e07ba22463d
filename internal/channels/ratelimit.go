package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys so rotating
	// channel or user ids cannot grow the pool without bound.
	maxTrackedKeys = 4096

	// idleKeyTTL is how long an unused limiter is kept before pruning.
	idleKeyTTL = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// KeyedLimiter is a pool of token-bucket limiters keyed by channel or user id.
// Safe for concurrent use.
type KeyedLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
}

// NewKeyedLimiter creates a pool allowing rps events per second per key with
// the given burst. rps <= 0 disables limiting.
func NewKeyedLimiter(rps float64, burst int) *KeyedLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{limit: limit, burst: burst, entries: make(map[string]*limiterEntry)}
}

// Wait blocks until key may proceed or ctx is done.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return k.get(key).Wait(ctx)
}

// Allow reports whether key may proceed now, consuming a token if so.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).Allow()
}

func (k *KeyedLimiter) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	if e, ok := k.entries[key]; ok {
		e.lastUsed = now
		return e.limiter
	}

	// Prune stale entries when approaching the cap
	if len(k.entries) >= maxTrackedKeys {
		for key, e := range k.entries {
			if now.Sub(e.lastUsed) >= idleKeyTTL {
				delete(k.entries, key)
			}
		}
		// Hard eviction if still at cap (FIFO-ish via map iteration)
		for len(k.entries) >= maxTrackedKeys {
			for key := range k.entries {
				delete(k.entries, key)
				break
			}
		}
	}

	l := rate.NewLimiter(k.limit, k.burst)
	k.entries[key] = &limiterEntry{limiter: l, lastUsed: now}
	return l
}

// Len reports the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
