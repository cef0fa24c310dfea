// Package bucket implements sliding-window rate limit counters.
package bucket

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"medgate/internal/ratelimit/models"
)

// numShards spreads keys over independent locks so unrelated identities
// never contend on a single mutex. Power of two keeps the modulo cheap.
const numShards = 64

// MemoryStore is an in-process sliding window store sharded by key hash.
// Prune-then-append is atomic under the owning shard's lock, so two
// concurrent checks for the same key cannot both admit the last slot.
type MemoryStore struct {
	shards [numShards]shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*slidingWindow
}

// slidingWindow tracks admission timestamps for one key. Timestamps are
// appended in real time and pruned only from the head, so the slice is
// always sorted ascending.
type slidingWindow struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*slidingWindow)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%numShards]
}

// Allow checks whether one more request fits in the window and admits it if
// so. A full bucket is a normal blocked outcome, not an error.
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sw := sh.buckets[key]
	if sw == nil {
		sw = &slidingWindow{}
		sh.buckets[key] = sw
	}
	sw.prune(now, window)
	sw.lastSeen = now

	if len(sw.timestamps) >= limit {
		return blockedResult(now, limit, window, sw.timestamps), nil
	}

	sw.timestamps = append(sw.timestamps, now)
	return allowedResult(now, limit, window, sw.timestamps), nil
}

// Peek reports current usage without consuming an admission.
func (s *MemoryStore) Peek(_ context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sw := sh.buckets[key]
	if sw == nil {
		return allowedResult(now, limit, window, nil), nil
	}
	sw.prune(now, window)

	if len(sw.timestamps) >= limit {
		return blockedResult(now, limit, window, sw.timestamps), nil
	}
	return allowedResult(now, limit, window, sw.timestamps), nil
}

// Forget drops the most recent admission for a key. Used when a policy with
// SkipSuccessful refunds a request after a successful response.
func (s *MemoryStore) Forget(_ context.Context, key string) error {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sw := sh.buckets[key]
	if sw == nil || len(sw.timestamps) == 0 {
		return nil
	}
	sw.timestamps = sw.timestamps[:len(sw.timestamps)-1]
	return nil
}

// Reset deletes the bucket for a key.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.buckets, key)
	return nil
}

// Sweep removes buckets not touched since cutoff, bounding memory under a
// changing population of identities. Returns the number of buckets removed.
func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, sw := range sh.buckets {
			if sw.lastSeen.Before(cutoff) {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Stats returns best-effort counters for dashboards.
func (s *MemoryStore) Stats(_ context.Context) models.StoreStats {
	stats := models.StoreStats{}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, sw := range sh.buckets {
			stats.Buckets++
			if stats.OldestSeen.IsZero() || sw.lastSeen.Before(stats.OldestSeen) {
				stats.OldestSeen = sw.lastSeen
			}
		}
		sh.mu.Unlock()
	}
	return stats
}

// prune drops every timestamp t where now-t >= window. Entries are sorted,
// so the survivors are a suffix.
func (sw *slidingWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

func allowedResult(now time.Time, limit int, window time.Duration, timestamps []time.Time) *models.Result {
	remaining := limit - len(timestamps)
	if remaining < 0 {
		remaining = 0
	}
	return &models.Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt(now, window, timestamps),
	}
}

func blockedResult(now time.Time, limit int, window time.Duration, timestamps []time.Time) *models.Result {
	reset := resetAt(now, window, timestamps)
	return &models.Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    reset,
		RetryAfter: ceilSeconds(reset.Sub(now)),
	}
}

func resetAt(now time.Time, window time.Duration, timestamps []time.Time) time.Time {
	if len(timestamps) == 0 {
		return now.Add(window)
	}
	return timestamps[0].Add(window)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
