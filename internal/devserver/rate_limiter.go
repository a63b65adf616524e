package devserver

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter counts attempts per key inside a sliding window. A background
// goroutine drops keys with no attempts younger than maxAge.
type RateLimiter struct {
	mu         sync.Mutex
	attempts   map[string][]time.Time
	maxEntries int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop
func NewRateLimiter(cleanupInterval, maxAge time.Duration, maxEntries int) *RateLimiter {
	rl := &RateLimiter{
		attempts:   make(map[string][]time.Time),
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop(cleanupInterval, maxAge)
	return rl
}

func (rl *RateLimiter) cleanupLoop(interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.Cleanup(maxAge)
		}
	}
}

// Stop halts the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// CheckLimit checks if the key has exceeded the rate limit
// Returns error if limit exceeded, nil otherwise
func (rl *RateLimiter) CheckLimit(key string, maxAttempts int, window time.Duration) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	attempts, known := rl.attempts[key]

	// Filter to attempts within window
	var recent []time.Time
	for _, t := range attempts {
		if now.Sub(t) < window {
			recent = append(recent, t)
		}
	}

	if len(recent) >= maxAttempts {
		return fmt.Errorf("too many attempts, try again in %v", window)
	}

	if !known && rl.maxEntries > 0 && len(rl.attempts) >= rl.maxEntries {
		rl.evictOldest()
	}
	rl.attempts[key] = append(recent, now)
	return nil
}

// evictOldest drops the key whose latest attempt is oldest. Caller holds mu.
func (rl *RateLimiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, attempts := range rl.attempts {
		var last time.Time
		if len(attempts) > 0 {
			last = attempts[len(attempts)-1]
		}
		if oldestKey == "" || last.Before(oldest) {
			oldestKey, oldest = key, last
		}
	}
	delete(rl.attempts, oldestKey)
}

// ResetLimit clears the rate limit for a key
func (rl *RateLimiter) ResetLimit(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}

// Cleanup removes old entries from the rate limiter
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, attempts := range rl.attempts {
		var recent []time.Time
		for _, t := range attempts {
			if now.Sub(t) < maxAge {
				recent = append(recent, t)
			}
		}

		if len(recent) == 0 {
			delete(rl.attempts, key)
		} else {
			rl.attempts[key] = recent
		}
	}
}
