package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultMaxKeys bounds the limiter table. Idle entries are pruned first.
const defaultMaxKeys = 10_000

// KeyedLimiter applies an independent token bucket per key (client IP for
// signaling offers).
type KeyedLimiter struct {
	clock   Clock
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	maxKeys int

	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPerMinute returns a limiter allowing perMinute events per key per minute
// with a burst of perMinute. perMinute <= 0 disables limiting.
func NewPerMinute(clock Clock, perMinute int) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if perMinute <= 0 {
		return &KeyedLimiter{clock: clock, limit: rate.Inf}
	}
	return &KeyedLimiter{
		clock:   clock,
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		idleTTL: 2 * time.Minute,
		maxKeys: defaultMaxKeys,
		entries: make(map[string]*keyedEntry),
	}
}

// Allow reports whether one event for key may proceed now.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= l.maxKeys {
			l.pruneLocked(now)
		}
		if len(l.entries) >= l.maxKeys {
			return false
		}
		e = &keyedEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *KeyedLimiter) pruneLocked(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.idleTTL {
			delete(l.entries, k)
		}
	}
}
