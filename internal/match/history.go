package match

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPairTTL is how long a matched pair stays in the recent-pair history.
// Two users who just talked are not paired again within this window.
const DefaultPairTTL = 30 * time.Minute

// History is the recent-pair set consulted by the compatibility gate.
// Membership is symmetric: Contains(a, b) == Contains(b, a).
type History interface {
	Add(ctx context.Context, a, b string) error
	Contains(ctx context.Context, a, b string) (bool, error)
}

// pairKey builds the canonical key for an unordered user pair.
func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// MemoryHistory is the in-process History with lazy expiry.
type MemoryHistory struct {
	mu    sync.Mutex
	ttl   time.Duration
	pairs map[string]time.Time // pair key -> expiry deadline
}

// NewMemoryHistory creates a MemoryHistory with the given TTL.
func NewMemoryHistory(ttl time.Duration) *MemoryHistory {
	if ttl <= 0 {
		ttl = DefaultPairTTL
	}
	return &MemoryHistory{ttl: ttl, pairs: make(map[string]time.Time)}
}

// Add records the pair until the TTL elapses.
func (h *MemoryHistory) Add(_ context.Context, a, b string) error {
	h.mu.Lock()
	h.pairs[pairKey(a, b)] = time.Now().Add(h.ttl)
	// Piggyback expiry on writes so the map doesn't grow unbounded.
	for k, deadline := range h.pairs {
		if time.Now().After(deadline) {
			delete(h.pairs, k)
		}
	}
	h.mu.Unlock()
	return nil
}

// Contains reports whether the pair was matched within the TTL window.
func (h *MemoryHistory) Contains(_ context.Context, a, b string) (bool, error) {
	h.mu.Lock()
	deadline, ok := h.pairs[pairKey(a, b)]
	if ok && time.Now().After(deadline) {
		delete(h.pairs, pairKey(a, b))
		ok = false
	}
	h.mu.Unlock()
	return ok, nil
}

const historyPrefix = "match:recent:" // + <a>|<b> -> "1" with TTL

// RedisHistory is the distributed History: one key per pair with a TTL, so
// entries self-expire without a sweep.
type RedisHistory struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisHistory creates a RedisHistory with the given TTL.
func NewRedisHistory(rdb *redis.Client, ttl time.Duration) *RedisHistory {
	if ttl <= 0 {
		ttl = DefaultPairTTL
	}
	return &RedisHistory{rdb: rdb, ttl: ttl}
}

// Add records the pair until the TTL elapses.
func (h *RedisHistory) Add(ctx context.Context, a, b string) error {
	return h.rdb.Set(ctx, historyPrefix+pairKey(a, b), "1", h.ttl).Err()
}

// Contains reports whether the pair was matched within the TTL window. On
// Redis errors it reports false: a history outage degrades to occasionally
// re-pairing people, never to blocking matches.
func (h *RedisHistory) Contains(ctx context.Context, a, b string) (bool, error) {
	n, err := h.rdb.Exists(ctx, historyPrefix+pairKey(a, b)).Result()
	if err != nil {
		log.Printf("[match] history check %s/%s: %v (treating as absent)", a, b, err)
		return false, err
	}
	return n > 0, nil
}
