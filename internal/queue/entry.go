// Package queue implements the sharded waiting pool. Waiting users are
// partitioned across a fixed number of shards by a stable hash of their user
// ID, so concurrent joins contend on different locks. The Store interface has
// two implementations: an in-memory store for tests and single-process
// deployments, and a Redis store for multi-server deployments.
package queue

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/pairline/call-app/internal/profile"
)

// DefaultShardCount is the reference shard sizing. The count is fixed at
// store construction; resizing would invalidate the hash-to-shard mapping of
// every queued entry.
const DefaultShardCount = 16

// Entry is one user currently seeking a match. Entries are never mutated in
// place: a change in preferences is a Remove followed by an Enqueue.
type Entry struct {
	UserID   string          `json:"user_id"`
	ConnID   string          `json:"conn_id"`
	Profile  profile.Profile `json:"profile"` // snapshot at enqueue time
	Priority int             `json:"priority"`
	JoinedAt time.Time       `json:"joined_at"`

	// Version is the optimistic-concurrency token assigned by the store at
	// enqueue time. Claim succeeds only if the stored entry still carries the
	// same version, which guarantees at-most-one successful pairing consumes
	// any given entry.
	Version int64 `json:"version"`
}

// WaitTime returns how long the entry has been queued at the given instant.
func (e *Entry) WaitTime(now time.Time) time.Duration {
	return now.Sub(e.JoinedAt)
}

// shardFor maps a user ID to a shard index with FNV-1a. The hash must stay
// stable across processes and restarts: every service computes the same
// shard for the same user.
func shardFor(userID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(shards))
}

// sortCandidates orders entries by priority descending, ties broken by
// joinedAt ascending so the longest-waiting user at a given priority is
// always consumed first.
func sortCandidates(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
}
