package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyShardPrefix = "mq:shard:" // + <index> -> ZSET of user IDs
	keyEntryPrefix = "mq:entry:" // + <user_id> -> JSON entry

	// entryTTL auto-expires abandoned entries a little after the reaper's
	// max-wait threshold, as a backstop if the reaper itself is down.
	entryTTL = 35 * time.Minute

	// priorityScoreStep separates priority bands in the shard ZSET score.
	// Score = joinedAtMillis - priority*step, so a lower score means higher
	// priority, ties resolved by earlier join time. The step is far larger
	// than any realistic wait in milliseconds.
	priorityScoreStep = 1e10
)

// RedisStore is the distributed Store implementation. Each shard is a sorted
// set ordered so that ZRANGE returns candidates in priority-then-wait order;
// the full entry lives in a JSON value keyed by user ID. Claim uses the
// WATCH/MULTI optimistic transaction on the entry key, so two matchmakers
// racing for the same candidate cannot both win.
type RedisStore struct {
	rdb    *redis.Client
	shards int
}

// NewRedisStore creates a RedisStore with the given shard count.
func NewRedisStore(rdb *redis.Client, shardCount int) *RedisStore {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	return &RedisStore{rdb: rdb, shards: shardCount}
}

// ShardCount returns the fixed number of shards.
func (s *RedisStore) ShardCount() int { return s.shards }

// ShardFor returns the shard index owning the given user ID.
func (s *RedisStore) ShardFor(userID string) int {
	return shardFor(userID, s.shards)
}

func shardKey(i int) string { return fmt.Sprintf("%s%d", keyShardPrefix, i) }

func entryKey(userID string) string { return keyEntryPrefix + userID }

func zScore(e *Entry) float64 {
	return float64(e.JoinedAt.UnixMilli()) - float64(e.Priority)*priorityScoreStep
}

// Enqueue inserts the entry into its shard ZSET and stores the JSON value.
// The version stamp is the enqueue wall clock in nanoseconds, unique enough
// to distinguish a replaced entry from the one a matchmaker read.
func (s *RedisStore) Enqueue(ctx context.Context, e *Entry) error {
	e.Version = time.Now().UnixNano()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("queue: marshal entry %s: %w", e.UserID, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, entryKey(e.UserID), data, entryTTL)
	pipe.ZAdd(ctx, shardKey(s.ShardFor(e.UserID)), redis.Z{
		Score:  zScore(e),
		Member: e.UserID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", e.UserID, err)
	}
	return nil
}

// Remove deletes the user's entry and shard membership. Removing an absent
// user is a no-op.
func (s *RedisStore) Remove(ctx context.Context, userID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, entryKey(userID))
	pipe.ZRem(ctx, shardKey(s.ShardFor(userID)), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: remove %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's current entry, or nil if not queued.
func (s *RedisStore) Get(ctx context.Context, userID string) (*Entry, error) {
	data, err := s.rdb.Get(ctx, entryKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", userID, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("queue: unmarshal entry %s: %w", userID, err)
	}
	return &e, nil
}

// Candidates returns up to limit entries from one shard in priority-then-wait
// order. Members whose entry value has expired are dropped from the ZSET
// opportunistically.
func (s *RedisStore) Candidates(ctx context.Context, shard int, excludeUserID string, limit int) ([]Entry, error) {
	// Over-fetch slightly so exclusions and stale members don't shrink the
	// batch below the requested limit. limit <= 0 means the whole shard.
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit + 8)
	}
	ids, err := s.rdb.ZRange(ctx, shardKey(shard), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: candidates shard %d: %w", shard, err)
	}

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if id == excludeUserID {
			continue
		}
		e, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			// Entry value expired but the ZSET member lingered.
			s.rdb.ZRem(ctx, shardKey(shard), id)
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Claim atomically removes the entry iff the stored version still matches.
// It runs a WATCH on the entry key, re-reads it, and commits the delete in a
// MULTI block; if any writer touches the key in between the transaction
// fails and Claim reports false.
func (s *RedisStore) Claim(ctx context.Context, e *Entry) (bool, error) {
	key := entryKey(e.UserID)
	claimed := false

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil // already consumed
		}
		if err != nil {
			return err
		}

		var cur Entry
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("queue: unmarshal entry %s: %w", e.UserID, err)
		}
		if cur.Version != e.Version {
			return nil // replaced since we read it
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, shardKey(s.ShardFor(e.UserID)), e.UserID)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = true
		return nil
	}

	err := s.rdb.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil // lost the race
	}
	if err != nil {
		return false, fmt.Errorf("queue: claim %s: %w", e.UserID, err)
	}
	return claimed, nil
}

// Size returns the total number of queued entries across all shards.
func (s *RedisStore) Size(ctx context.Context) (int, error) {
	pipe := s.rdb.Pipeline()
	cards := make([]*redis.IntCmd, s.shards)
	for i := 0; i < s.shards; i++ {
		cards[i] = pipe.ZCard(ctx, shardKey(i))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: size: %w", err)
	}

	total := 0
	for _, c := range cards {
		total += int(c.Val())
	}
	return total, nil
}

// Shard returns every entry in one shard, for the reaper sweep.
func (s *RedisStore) Shard(ctx context.Context, shard int) ([]Entry, error) {
	return s.Candidates(ctx, shard, "", 0)
}
