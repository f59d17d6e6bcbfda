package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxTrackedIdentifiers = 10000
	limiterCleanupInterval       = 5 * time.Minute
	limiterMaxIdleTime           = 30 * time.Minute
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a per-identifier token bucket (typically keyed by
// client IP). Idle entries are reaped by a background goroutine, and the
// tracked-identifier count is capped to bound memory under address-spraying.
type RateLimiter struct {
	mu          sync.Mutex
	entries     map[string]*limiterEntry
	rps         int
	burst       int
	maxEntries  int
	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond sustained
// with the given burst, tracking at most 10,000 identifiers.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		entries:     make(map[string]*limiterEntry),
		rps:         requestsPerSecond,
		burst:       burst,
		maxEntries:  defaultMaxTrackedIdentifiers,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from identifier may proceed.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.entries[identifier]; ok {
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldestLocked()
	}

	entry := &limiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		lastAccess: now,
	}
	rl.entries[identifier] = entry

	return entry.limiter.Allow()
}

// evictOldestLocked removes the entry with the oldest lastAccess. Caller
// holds the mutex.
func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range rl.entries {
		if oldestKey == "" || entry.lastAccess.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccess
		}
	}
	if oldestKey != "" {
		delete(rl.entries, oldestKey)
		rl.logger.Debug("rate limiter evicted oldest identifier",
			"identifier", oldestKey,
			"tracked", len(rl.entries))
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(limiterMaxIdleTime)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup drops identifiers idle for longer than maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range rl.entries {
		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.entries, key)
			removed++
		}
	}

	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
