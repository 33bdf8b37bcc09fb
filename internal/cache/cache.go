package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chris-regnier/warden/internal/verdict"
)

// DefaultLifetime is how long a verdict stays valid when no lifetime is given.
const DefaultLifetime = 6 * time.Hour

// ErrCacheUnavailable means a tier could not be consulted. Callers treat it as a miss.
var ErrCacheUnavailable = errors.New("cache unavailable")

// Store is the verdict cache contract used by the scan engine.
type Store interface {
	// Get returns the cached verdict for id when it was stored under the same
	// fingerprint and has not outlived its lifetime.
	Get(ctx context.Context, id, fingerprint string) (verdict.Verdict, bool, error)
	// Put stores v for (id, fingerprint), replacing any earlier entry for id.
	Put(ctx context.Context, id, fingerprint string, v verdict.Verdict, lifetime time.Duration) error
}

// Deleter is implemented by tiers that can drop a single entry.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Forget drops the entry for id from s when s supports deletion.
func Forget(ctx context.Context, s Store, id string) error {
	if d, ok := s.(Deleter); ok {
		return d.Delete(ctx, id)
	}
	return nil
}

// Entry is one cached verdict.
type Entry struct {
	CandidateID string          `json:"candidate_id"`
	Fingerprint string          `json:"fingerprint"`
	Verdict     verdict.Verdict `json:"verdict"`
	CreatedAt   time.Time       `json:"created_at"`
	Lifetime    time.Duration   `json:"lifetime"`
	HitCount    int64           `json:"-"`
}

// ExpiredAt reports whether the entry has outlived its lifetime at now.
func (e *Entry) ExpiredAt(now time.Time) bool {
	if e.Lifetime <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.Lifetime
}

// Remaining returns how much of the entry's lifetime is left at now. An
// entry without a lifetime never expires and reports ok=false.
func (e *Entry) Remaining(now time.Time) (time.Duration, bool) {
	if e.Lifetime <= 0 {
		return 0, false
	}
	return e.CreatedAt.Add(e.Lifetime).Sub(now), true
}

// entryStore is implemented by tiers that can report when a hit was stored,
// so copies into a faster tier keep the original expiry.
type entryStore interface {
	lookupEntry(ctx context.Context, id, fingerprint string) (Entry, bool, error)
}

// Matches reports whether the entry is a valid hit for fingerprint at now.
func (e *Entry) Matches(fingerprint string, now time.Time) bool {
	return e.Fingerprint == fingerprint && !e.ExpiredAt(now)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// ResultCache is an in-memory verdict cache. Entries are spread across
// shards so writers only contend on the shard holding their key.
type ResultCache struct {
	shards   []*shard
	maxSize  int
	lifetime time.Duration
	now      func() time.Time

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
}

// Option configures a ResultCache
type Option func(*ResultCache)

// WithMaxSize sets the maximum number of entries
func WithMaxSize(n int) Option {
	return func(c *ResultCache) {
		c.maxSize = n
	}
}

// WithLifetime sets the lifetime used when Put is called without one
func WithLifetime(d time.Duration) Option {
	return func(c *ResultCache) {
		c.lifetime = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) {
		c.now = now
	}
}

// WithShards sets the number of lock shards
func WithShards(n int) Option {
	return func(c *ResultCache) {
		if n > 0 {
			c.shards = make([]*shard, n)
		}
	}
}

// New creates a new cache with the given options
func New(opts ...Option) *ResultCache {
	c := &ResultCache{
		shards:   make([]*shard, 16),
		maxSize:  10000,
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return c
}

func (c *ResultCache) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *ResultCache) perShardMax() int {
	n := c.maxSize / len(c.shards)
	if n < 1 {
		n = 1
	}
	return n
}

// Get looks up the verdict for id. A fingerprint mismatch or an expired entry
// is a miss and the stale entry is dropped.
func (c *ResultCache) Get(ctx context.Context, id, fingerprint string) (verdict.Verdict, bool, error) {
	e, ok, err := c.lookupEntry(ctx, id, fingerprint)
	return e.Verdict, ok, err
}

func (c *ResultCache) lookupEntry(ctx context.Context, id, fingerprint string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	s := c.shardFor(id)
	now := c.now()

	s.mu.RLock()
	entry, ok := s.entries[id]
	valid := ok && entry.Matches(fingerprint, now)
	var found Entry
	if valid {
		found = Entry{
			CandidateID: entry.CandidateID,
			Fingerprint: entry.Fingerprint,
			Verdict:     entry.Verdict.Clone(),
			CreatedAt:   entry.CreatedAt,
			Lifetime:    entry.Lifetime,
		}
	}
	s.mu.RUnlock()

	if valid {
		atomic.AddInt64(&entry.HitCount, 1)
		c.hits.Add(1)
		return found, true, nil
	}

	c.misses.Add(1)
	if ok {
		s.mu.Lock()
		// Only drop the entry we judged stale; a concurrent Put may have replaced it.
		if cur, still := s.entries[id]; still && cur == entry {
			delete(s.entries, id)
			c.invalidations.Add(1)
		}
		s.mu.Unlock()
	}
	return Entry{}, false, nil
}

// Put stores v. A non-positive lifetime uses the cache default.
func (c *ResultCache) Put(ctx context.Context, id, fingerprint string, v verdict.Verdict, lifetime time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if lifetime <= 0 {
		lifetime = c.lifetime
	}
	s := c.shardFor(id)
	entry := &Entry{
		CandidateID: id,
		Fingerprint: fingerprint,
		Verdict:     v.Clone(),
		CreatedAt:   c.now(),
		Lifetime:    lifetime,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; !exists && len(s.entries) >= c.perShardMax() {
		c.evictOldest(s)
	}
	s.entries[id] = entry
	return nil
}

// Invalidate drops any entry for id.
func (c *ResultCache) Invalidate(id string) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Delete implements Deleter.
func (c *ResultCache) Delete(_ context.Context, id string) error {
	c.Invalidate(id)
	return nil
}

// Clear removes all entries from the cache
func (c *ResultCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string]*Entry)
		s.mu.Unlock()
	}
}

// Size returns the current number of entries
func (c *ResultCache) Size() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns cache statistics
func (c *ResultCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return CacheStats{
		Hits:          hits,
		Misses:        misses,
		HitRate:       hitRate,
		Size:          c.Size(),
		MaxSize:       c.maxSize,
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	Evictions     int64   `json:"evictions"`
	Invalidations int64   `json:"invalidations"`
}

// evictOldest removes the oldest entry in s (by creation time)
// Must be called with the shard lock held
func (c *ResultCache) evictOldest(s *shard) {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range s.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}

	if oldestKey != "" {
		delete(s.entries, oldestKey)
		c.evictions.Add(1)
	}
}

// Cleanup removes all expired entries
func (c *ResultCache) Cleanup() int {
	now := c.now()
	count := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if entry.ExpiredAt(now) {
				delete(s.entries, key)
				count++
			}
		}
		s.mu.Unlock()
	}
	return count
}

// GenerateKey creates a file-safe key from multiple components
func GenerateKey(components ...string) string {
	h := sha256.New()
	for i, comp := range components {
		if i > 0 {
			h.Write([]byte{0}) // separator
		}
		h.Write([]byte(comp))
	}
	return hex.EncodeToString(h.Sum(nil))
}
