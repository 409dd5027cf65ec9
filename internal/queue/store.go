package queue

import (
	"context"
)

// Store is the sharded waiting pool. All mutation goes through the match
// coordinator; no other component writes to the store directly.
type Store interface {
	// ShardCount returns the fixed number of shards.
	ShardCount() int

	// ShardFor returns the shard index owning the given user ID.
	ShardFor(userID string) int

	// Enqueue inserts the entry into its shard, replacing any previous entry
	// for the same user. The store assigns the entry's version.
	Enqueue(ctx context.Context, e *Entry) error

	// Remove deletes the user's entry if present. Removing an absent user is
	// a no-op, not an error.
	Remove(ctx context.Context, userID string) error

	// Get returns the user's current entry, or nil if not queued.
	Get(ctx context.Context, userID string) (*Entry, error)

	// Candidates returns up to limit entries from one shard, excluding the
	// given user, ordered by priority descending then joinedAt ascending.
	Candidates(ctx context.Context, shard int, excludeUserID string, limit int) ([]Entry, error)

	// Claim atomically removes the entry iff it is still present and
	// unchanged since it was read. It returns false when a concurrent
	// operation consumed or replaced the entry first.
	Claim(ctx context.Context, e *Entry) (bool, error)

	// Size returns the total number of queued entries across all shards.
	Size(ctx context.Context) (int, error)

	// Shard returns every entry in one shard, for the reaper sweep.
	Shard(ctx context.Context, shard int) ([]Entry, error)
}
