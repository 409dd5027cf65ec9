package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryStore is the in-process Store implementation. Each shard has its own
// mutex, so joins for different users contend only when they hash to the same
// shard. Claim is a compare-and-delete on the entry's version under the shard
// lock, which makes pairing race-free without a global lock.
type MemoryStore struct {
	shards  []*memShard
	version atomic.Int64
}

type memShard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore creates a MemoryStore with the given shard count.
func NewMemoryStore(shardCount int) *MemoryStore {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shards := make([]*memShard, shardCount)
	for i := range shards {
		shards[i] = &memShard{entries: make(map[string]Entry)}
	}
	return &MemoryStore{shards: shards}
}

// ShardCount returns the fixed number of shards.
func (s *MemoryStore) ShardCount() int { return len(s.shards) }

// ShardFor returns the shard index owning the given user ID.
func (s *MemoryStore) ShardFor(userID string) int {
	return shardFor(userID, len(s.shards))
}

// Enqueue inserts the entry, replacing any previous entry for the user, and
// stamps it with a fresh version.
func (s *MemoryStore) Enqueue(_ context.Context, e *Entry) error {
	e.Version = s.version.Add(1)
	sh := s.shards[s.ShardFor(e.UserID)]
	sh.mu.Lock()
	sh.entries[e.UserID] = *e
	sh.mu.Unlock()
	return nil
}

// Remove deletes the user's entry if present.
func (s *MemoryStore) Remove(_ context.Context, userID string) error {
	sh := s.shards[s.ShardFor(userID)]
	sh.mu.Lock()
	delete(sh.entries, userID)
	sh.mu.Unlock()
	return nil
}

// Get returns a copy of the user's entry, or nil if not queued.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Entry, error) {
	sh := s.shards[s.ShardFor(userID)]
	sh.mu.Lock()
	e, ok := sh.entries[userID]
	sh.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Candidates returns up to limit entries from one shard, excluding the given
// user, in priority-then-wait order.
func (s *MemoryStore) Candidates(_ context.Context, shard int, excludeUserID string, limit int) ([]Entry, error) {
	sh := s.shards[shard]
	sh.mu.Lock()
	out := make([]Entry, 0, len(sh.entries))
	for id, e := range sh.entries {
		if id == excludeUserID {
			continue
		}
		out = append(out, e)
	}
	sh.mu.Unlock()

	sortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim removes the entry iff it is still present with the same version.
func (s *MemoryStore) Claim(_ context.Context, e *Entry) (bool, error) {
	sh := s.shards[s.ShardFor(e.UserID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[e.UserID]
	if !ok || cur.Version != e.Version {
		return false, nil
	}
	delete(sh.entries, e.UserID)
	return true, nil
}

// Size returns the total number of queued entries.
func (s *MemoryStore) Size(_ context.Context) (int, error) {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total, nil
}

// Shard returns every entry in one shard.
func (s *MemoryStore) Shard(_ context.Context, shard int) ([]Entry, error) {
	sh := s.shards[shard]
	sh.mu.Lock()
	out := make([]Entry, 0, len(sh.entries))
	for _, e := range sh.entries {
		out = append(out, e)
	}
	sh.mu.Unlock()
	return out, nil
}
