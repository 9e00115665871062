// Copyright 2025 AegisGate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"hash/fnv"
	"sync"
	"time"
)

// =============================================================================
// Sliding-Window Rate Limiting
// =============================================================================

// Built-in limit class names. Additional classes may be declared in config.
const (
	// ClassQuery covers ordinary evaluation requests.
	ClassQuery = "query"

	// ClassAuth covers authentication and session issuance attempts, which
	// get a tighter quota than ordinary queries.
	ClassAuth = "auth"
)

// limiterShardCount partitions keys so unrelated identities never contend
// on the same lock.
const limiterShardCount = 64

// Limiter is the contract the pipeline consumes. Allow reports whether the
// request fits the class quota; a denied request is never counted against
// future windows.
type Limiter interface {
	Allow(identity, class string) bool
}

type limiterShard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// SlidingWindowLimiter enforces per-(identity, class) quotas over a true
// trailing window. Stale entries are evicted lazily on each check, so an
// idle identity's window eventually empties to zero cost; there is no
// background sweep on the request path.
type SlidingWindowLimiter struct {
	classes map[string]RateLimitClass
	shards  [limiterShardCount]limiterShard

	// nowFn is replaceable in tests for deterministic windows.
	nowFn func() time.Time
}

// NewSlidingWindowLimiter creates a limiter for the given class table.
func NewSlidingWindowLimiter(classes map[string]RateLimitClass) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		classes: classes,
		nowFn:   time.Now,
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string][]time.Time)
	}
	return l
}

// Allow checks and consumes quota for one request. Unknown classes fail
// closed. The check-evict-append sequence is atomic per key, so concurrent
// requests from the same identity observe a linearizable view of that
// identity's window.
func (l *SlidingWindowLimiter) Allow(identity, class string) bool {
	cls, ok := l.classes[class]
	if !ok {
		return false
	}

	now := l.nowFn()
	key := identity + "\x00" + class
	shard := &l.shards[shardIndex(key)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	live := evictStale(shard.windows[key], now, cls.Window())

	if len(live) >= cls.Quota {
		// Denied requests do not count toward future windows.
		shard.windows[key] = live
		return false
	}

	shard.windows[key] = append(live, now)
	return true
}

// Status reports the current in-window count and the instant the oldest
// counted request leaves the window. A zero time means the window is empty.
func (l *SlidingWindowLimiter) Status(identity, class string) (count int, resetAt time.Time) {
	cls, ok := l.classes[class]
	if !ok {
		return 0, time.Time{}
	}

	now := l.nowFn()
	key := identity + "\x00" + class
	shard := &l.shards[shardIndex(key)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	live := evictStale(shard.windows[key], now, cls.Window())
	shard.windows[key] = live

	if len(live) == 0 {
		return 0, time.Time{}
	}
	return len(live), live[0].Add(cls.Window())
}

// EvictStale drops fully-empty windows across all shards. Intended for
// periodic maintenance; it holds only one shard lock at a time so it never
// stalls the request path globally.
func (l *SlidingWindowLimiter) EvictStale() int {
	now := l.nowFn()
	removed := 0

	maxWindow := time.Duration(0)
	for _, cls := range l.classes {
		if cls.Window() > maxWindow {
			maxWindow = cls.Window()
		}
	}

	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for key, window := range shard.windows {
			if len(evictStale(window, now, maxWindow)) == 0 {
				delete(shard.windows, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// evictStale returns the suffix of timestamps still inside the trailing
// window. Timestamps are appended in order, so a single scan suffices.
func evictStale(window []time.Time, now time.Time, span time.Duration) []time.Time {
	cutoff := now.Add(-span)
	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return window
	}
	// Copy forward so the backing array does not pin evicted entries.
	live := make([]time.Time, len(window)-idx)
	copy(live, window[idx:])
	return live
}

// shardIndex hashes a key onto a shard.
func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % limiterShardCount)
}
