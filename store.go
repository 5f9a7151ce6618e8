package paygate

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe in-memory key/value store with
// per-entry TTL and capacity-based eviction. Expired entries are
// dropped lazily on access; when the store is full, the oldest tenth
// of entries by insertion time is evicted to make room.
type MemoryStore[V any] struct {
	mu         sync.RWMutex
	entries    map[string]storeEntry[V]
	defaultTTL time.Duration
	capacity   int
	now        func() time.Time
}

type storeEntry[V any] struct {
	value      V
	insertedAt time.Time
	expiresAt  time.Time
}

// NewMemoryStore creates a store. A zero defaultTTL keeps entries until
// evicted; a zero capacity leaves the store unbounded.
func NewMemoryStore[V any](defaultTTL time.Duration, capacity int) *MemoryStore[V] {
	return &MemoryStore[V]{
		entries:    make(map[string]storeEntry[V]),
		defaultTTL: defaultTTL,
		capacity:   capacity,
		now:        time.Now,
	}
}

// Set stores a value under key with the store's default TTL.
func (s *MemoryStore[V]) Set(key string, value V) {
	s.SetWithTTL(key, value, s.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL. A zero ttl means the
// entry never expires.
func (s *MemoryStore[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry := storeEntry[V]{value: value, insertedAt: now}
	if ttl != 0 {
		entry.expiresAt = now.Add(ttl)
	}
	if prev, ok := s.entries[key]; ok {
		// Overwrites keep the original insertion order.
		entry.insertedAt = prev.insertedAt
		s.entries[key] = entry
		return
	}
	if s.capacity > 0 && len(s.entries) >= s.capacity {
		s.pruneExpiredLocked(now)
		if len(s.entries) >= s.capacity {
			s.evictOldestLocked()
		}
	}
	s.entries[key] = entry
}

// Get returns the value stored under key, if present and not expired.
func (s *MemoryStore[V]) Get(key string) (V, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if s.expired(entry) {
		s.mu.Lock()
		if current, still := s.entries[key]; still && s.expired(current) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

// Has reports whether key holds a live entry.
func (s *MemoryStore[V]) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete removes key from the store.
func (s *MemoryStore[V]) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Clear removes every entry.
func (s *MemoryStore[V]) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]storeEntry[V])
	s.mu.Unlock()
}

// Len returns the number of live entries, pruning expired ones.
func (s *MemoryStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneExpiredLocked(s.now())
	return len(s.entries)
}

// Keys returns the keys of all live entries in unspecified order.
func (s *MemoryStore[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneExpiredLocked(s.now())
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

func (s *MemoryStore[V]) expired(entry storeEntry[V]) bool {
	return !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt)
}

func (s *MemoryStore[V]) pruneExpiredLocked(now time.Time) {
	for k, e := range s.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// evictOldestLocked drops the oldest 10% of entries by insertion time,
// at least one.
func (s *MemoryStore[V]) evictOldestLocked() {
	n := len(s.entries) / 10
	if n < 1 {
		n = 1
	}
	type aged struct {
		key        string
		insertedAt time.Time
	}
	all := make([]aged, 0, len(s.entries))
	for k, e := range s.entries {
		all = append(all, aged{k, e.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].insertedAt.Before(all[j].insertedAt)
	})
	for i := 0; i < n && i < len(all); i++ {
		delete(s.entries, all[i].key)
	}
}
