// Package ratelimit throttles per-session attach requests using a
// token bucket per session id, swept periodically for entries that
// have gone stale.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const staleAfter = 60 * time.Second

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter grants one attach per `every` duration per session id, with
// a burst of one.
type Limiter struct {
	every time.Duration

	mu      sync.Mutex
	buckets map[string]*bucketEntry
}

func New(every time.Duration) *Limiter {
	return &Limiter{every: every, buckets: make(map[string]*bucketEntry)}
}

// Allow reports whether an attach for id is permitted right now.
func (l *Limiter) Allow(id string) bool {
	l.mu.Lock()
	entry, ok := l.buckets[id]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(rate.Every(l.every), 1)}
		l.buckets[id] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()
	return entry.limiter.Allow()
}

// Sweep removes buckets that have not been consulted in over a
// minute, so the map does not grow unbounded across the lifetime of
// the daemon.
func (l *Limiter) Sweep() {
	cutoff := time.Now().Add(-staleAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, entry := range l.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
