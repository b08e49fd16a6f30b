// Package store provides the process-wide per-identity state container the
// rest of the risk engine builds on: a key/value map with TTL expiry,
// approximate-LRU eviction over a capacity bound, and list-append helpers
// used by the event and fingerprint history queues.
package store

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fcaptcha/riskengine/rmetrics"
)

// entry is the internal record held per key.
type entry struct {
	value        interface{}
	createdAt    time.Time
	lastAccessAt time.Time
	accessCount  int64
	expiresAt    *time.Time
}

func (e *entry) expired(now time.Time) bool {
	return e.expiresAt != nil && !e.expiresAt.After(now)
}

// Stats summarizes store activity since construction.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// HitRate returns Hits/(Hits+Misses), or 0 when there have been no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store is a capacity-bounded, TTL-aware, sharded key/value store. All
// operations are safe for concurrent use; per-key operations are
// linearizable because each key maps deterministically to exactly one
// shard's lock.
type Store struct {
	shards   [shardCount]*shard
	capacity int
	metrics  *rmetrics.Collector

	mu struct {
		sync.Mutex
		hits, misses, evictions int64
		size                    int64
	}

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// Config controls Store construction.
type Config struct {
	// Capacity bounds the total number of keys; 0 means unbounded.
	Capacity int
	// CleanupInterval is how often the background sweeper runs. Defaults
	// to 60s, matching the rate limiter's own sweep cadence.
	CleanupInterval time.Duration
	Metrics         *rmetrics.Collector
}

// New constructs a Store and starts its background TTL sweeper. Call Close
// to stop the sweeper and release resources.
func New(cfg Config) *Store {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	s := &Store{
		capacity:        cfg.Capacity,
		metrics:         cfg.Metrics,
		cleanupInterval: cfg.CleanupInterval,
		stopCh:          make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// Close stops the background sweeper. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	h := fnv32(key)
	return s.shards[h%shardCount]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Set inserts or replaces key's value. If ttl > 0, the entry expires after
// ttl elapses. Inserting a new key when the store is at or above capacity
// evicts one approximately-least-recently-accessed entry first.
func (s *Store) Set(key string, value interface{}, ttl time.Duration) {
	now := time.Now()
	var exp *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		exp = &t
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	_, existed := sh.entries[key]
	sh.entries[key] = &entry{
		value:        value,
		createdAt:    now,
		lastAccessAt: now,
		expiresAt:    exp,
	}
	sh.mu.Unlock()

	if !existed {
		s.mu.Lock()
		s.mu.size++
		sz := s.mu.size
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SetStoreSize(int(sz))
		}
		if s.capacity > 0 && int(sz) > s.capacity {
			s.evictOne(key)
		}
	}
}

// evictOne scans all shards for the entry with the oldest lastAccessAt and
// removes it. skipKey (the just-inserted key) is never evicted by its own
// insert. The scan is a deliberately approximate LRU: linear over all
// shards, acceptable at the target sizes (<=10^5 keys) the spec calls out.
func (s *Store) evictOne(skipKey string) {
	var oldestKey string
	var oldestShard *shard
	var oldestAt time.Time
	found := false

	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if k == skipKey {
				continue
			}
			if !found || e.lastAccessAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.lastAccessAt
				oldestShard = sh
				found = true
			}
		}
		sh.mu.Unlock()
	}

	if !found {
		return
	}
	oldestShard.mu.Lock()
	if _, ok := oldestShard.entries[oldestKey]; ok {
		delete(oldestShard.entries, oldestKey)
		oldestShard.mu.Unlock()
	} else {
		oldestShard.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.mu.size--
	s.mu.evictions++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncStoreEviction()
	}
}

// Get returns key's value and true, refreshing its lastAccessAt and
// incrementing its access count. Returns (nil, false) for a missing or
// expired key; an expired key is deleted as a side effect of the lookup.
func (s *Store) Get(key string) (interface{}, bool) {
	sh := s.shardFor(key)
	now := time.Now()

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		sh.mu.Unlock()
		s.recordMiss()
		return nil, false
	}
	if e.expired(now) {
		delete(sh.entries, key)
		sh.mu.Unlock()
		s.mu.Lock()
		s.mu.size--
		s.mu.Unlock()
		s.recordMiss()
		return nil, false
	}
	e.lastAccessAt = now
	e.accessCount++
	val := e.value
	sh.mu.Unlock()

	s.recordHit()
	return val, true
}

func (s *Store) recordHit() {
	s.mu.Lock()
	s.mu.hits++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncStoreHit()
	}
}

func (s *Store) recordMiss() {
	s.mu.Lock()
	s.mu.misses++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncStoreMiss()
	}
}

// Has reports whether key is present and unexpired, without affecting LRU
// order or hit/miss counters.
func (s *Store) Has(key string) bool {
	sh := s.shardFor(key)
	now := time.Now()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	return ok && !e.expired(now)
}

// Delete removes key unconditionally.
func (s *Store) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, existed := sh.entries[key]
	delete(sh.entries, key)
	sh.mu.Unlock()
	if existed {
		s.mu.Lock()
		s.mu.size--
		s.mu.Unlock()
	}
}

// UpdateFunc mutates an existing value in place and returns the new value
// plus whether the mutation should be applied. A false return leaves the
// store untouched.
type UpdateFunc func(current interface{}) (next interface{}, apply bool)

// Update applies fn to key's current value (nil if absent) under the key's
// shard lock. Returns false without mutating if fn declines to apply.
func (s *Store) Update(key string, fn UpdateFunc) bool {
	sh := s.shardFor(key)
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	var current interface{}
	if ok && !e.expired(now) {
		current = e.value
	}

	next, apply := fn(current)
	if !apply {
		return false
	}

	if ok {
		e.value = next
		e.lastAccessAt = now
	} else {
		sh.entries[key] = &entry{value: next, createdAt: now, lastAccessAt: now}
		s.mu.Lock()
		s.mu.size++
		s.mu.Unlock()
	}
	return true
}

// Increment adds amount to the numeric field tracked under key, creating it
// at 0 first if absent. The value is stored as float64. field is accepted
// for API symmetry with multi-field counters but is unused by the single-
// counter representation; pass "" for a plain counter.
func (s *Store) Increment(key string, field string, amount float64) float64 {
	var result float64
	s.Update(key, func(current interface{}) (interface{}, bool) {
		var base float64
		if current != nil {
			if f, ok := current.(float64); ok {
				base = f
			} else {
				return current, false
			}
		}
		result = base + amount
		return result, true
	})
	return result
}

// Push appends value to the list stored at key, creating the list if key is
// absent, and trimming from the front once the list
// exceeds maxLen. Returns false (without mutating) if key holds a non-list,
// non-absent value that cannot be coerced into a new list — this can only
// happen when a caller mixes types under one key, which is a caller bug;
// Push never panics regardless.
func (s *Store) Push(key string, value interface{}, maxLen int) bool {
	ok := s.Update(key, func(current interface{}) (interface{}, bool) {
		var list []interface{}
		if current != nil {
			existing, isList := current.([]interface{})
			if !isList {
				return current, false
			}
			list = existing
		}
		list = append(list, value)
		if maxLen > 0 && len(list) > maxLen {
			list = list[len(list)-maxLen:]
		}
		return list, true
	})
	return ok
}

// Keys returns all unexpired keys matching pattern, where "*" in pattern
// matches any run of characters. An empty pattern matches every key.
func (s *Store) Keys(pattern string) []string {
	now := time.Now()
	var re *regexp.Regexp
	if pattern != "" {
		escaped := regexp.QuoteMeta(pattern)
		escaped = strings.ReplaceAll(escaped, `\*`, ".*")
		re = regexp.MustCompile("^" + escaped + "$")
	}

	var out []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.expired(now) {
				continue
			}
			if re == nil || re.MatchString(k) {
				out = append(out, k)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Clear removes every key.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
	s.mu.Lock()
	s.mu.size = 0
	s.mu.Unlock()
}

// Cleanup sweeps all shards for expired entries and removes them
// immediately, rather than waiting for a lazy Get to find them. Returns the
// number of entries removed.
func (s *Store) Cleanup() int {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.mu.Lock()
		s.mu.size -= int64(removed)
		s.mu.Unlock()
	}
	return removed
}

// GetStats returns a snapshot of cumulative counters and current size.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Hits:      s.mu.hits,
		Misses:    s.mu.misses,
		Evictions: s.mu.evictions,
		Size:      int(s.mu.size),
	}
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Cleanup()
			if s.metrics != nil {
				s.metrics.SetStoreSize(s.GetStats().Size)
			}
		}
	}
}

// ExportedEntry is the wire format for Export/Import.
type ExportedEntry struct {
	Value        interface{} `json:"value"`
	ExpiresAtUTC *int64      `json:"expiration_ms_epoch,omitempty"`
}

// Export returns a snapshot of all unexpired entries keyed by cache key, in
// the shape described by the persisted-state-layout contract: each entry
// carries its value and an optional absolute expiry in epoch milliseconds.
func (s *Store) Export() map[string]ExportedEntry {
	now := time.Now()
	out := make(map[string]ExportedEntry)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.expired(now) {
				continue
			}
			ee := ExportedEntry{Value: e.value}
			if e.expiresAt != nil {
				ms := e.expiresAt.UnixMilli()
				ee.ExpiresAtUTC = &ms
			}
			out[k] = ee
		}
		sh.mu.Unlock()
	}
	return out
}

// Import re-hydrates entries from a prior Export, skipping any whose
// recorded expiry has already passed. Returns the number of keys imported.
func (s *Store) Import(data map[string]ExportedEntry) (int, error) {
	if data == nil {
		return 0, fmt.Errorf("import: nil data")
	}
	now := time.Now()
	imported := 0
	for k, ee := range data {
		if ee.ExpiresAtUTC != nil {
			expiry := time.UnixMilli(*ee.ExpiresAtUTC)
			if !expiry.After(now) {
				continue
			}
			s.Set(k, ee.Value, expiry.Sub(now))
		} else {
			s.Set(k, ee.Value, 0)
		}
		imported++
	}
	return imported, nil
}
