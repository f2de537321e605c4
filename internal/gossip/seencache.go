package gossip

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/gpufabric/fabricd/internal/ids"
)

type seenEntry struct {
	addedAt  time.Time
	fromPeer string
}

// seenCache deduplicates inbound message ids, bounded by capacity and TTL.
// Backed by hashicorp/golang-lru so that insertion at capacity evicts the
// least-recently-used entry rather than requiring hand-rolled bookkeeping.
type seenCache struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
}

func newSeenCache(capacity int, ttl time.Duration) *seenCache {
	c, err := lru.New(capacity)
	if err != nil {
		// Only returned for capacity <= 0. NewBroadcaster does not check
		// MaxSeenCache (config.Validate rejects values below 1); fall back
		// to a minimal cache rather than panic in a library function.
		c, _ = lru.New(1)
	}
	return &seenCache{cache: c, ttl: ttl}
}

// Contains reports whether id has been seen within the TTL window.
func (s *seenCache) Contains(id ids.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(id)
	if !ok {
		return false
	}
	entry := v.(seenEntry)
	if time.Since(entry.addedAt) > s.ttl {
		s.cache.Remove(id)
		return false
	}
	return true
}

// MarkSeen records id as seen, arriving from fromPeer.
func (s *seenCache) MarkSeen(id ids.MessageID, fromPeer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(id, seenEntry{addedAt: time.Now(), fromPeer: fromPeer})
}

// Len returns the number of entries currently cached.
func (s *seenCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// PurgeExpired drops entries older than the TTL. Called by periodic cleanup.
func (s *seenCache) PurgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.ttl)
	for _, key := range s.cache.Keys() {
		v, ok := s.cache.Peek(key)
		if !ok {
			continue
		}
		if v.(seenEntry).addedAt.Before(cutoff) {
			s.cache.Remove(key)
		}
	}
}
