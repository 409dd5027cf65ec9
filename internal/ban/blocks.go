package ban

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BlocksPrefix is the Redis key prefix for per-user block sets.
	BlocksPrefix = "blocks:"

	// BlocksTTL bounds how long a session block set survives. Authenticated
	// users have durable blocks in Postgres; this set covers in-session
	// blocks, which matter mostly for anonymous users with no account row.
	BlocksTTL = 24 * time.Hour
)

// BlockStore manages per-user block sets in Redis. Blocking is one-way: the
// matcher refuses to pair two users if either one blocks the other.
type BlockStore struct {
	client *redis.Client
}

// NewBlockStore creates a block store using the provided Redis client.
func NewBlockStore(client *redis.Client) *BlockStore {
	return &BlockStore{client: client}
}

// Block adds targetID to userID's block set and refreshes the set's TTL.
func (s *BlockStore) Block(ctx context.Context, userID, targetID string) error {
	key := BlocksPrefix + userID
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, key, targetID)
	pipe.Expire(ctx, key, BlocksTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ban: block %s -> %s: %w", userID, targetID, err)
	}
	return nil
}

// Blocked returns userID's block set. An absent key yields an empty slice.
func (s *BlockStore) Blocked(ctx context.Context, userID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, BlocksPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("ban: blocked set for %s: %w", userID, err)
	}
	return members, nil
}
