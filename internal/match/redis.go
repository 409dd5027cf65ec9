package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyRecPrefix  = "match:rec:"  // + <match_id> -> JSON record
	keyUserPrefix = "match:user:" // + <user_id>  -> match ID
	keyCreated    = "match:created" // ZSET, score = created-at unix seconds

	// recordTTL bounds how long a record (active or ended) survives in Redis
	// if every teardown path failed. The reaper ends records well before
	// this.
	recordTTL = 2 * time.Hour
)

// createLua atomically claims both user slots. It fails if either user
// already points at an active match, which upholds the one-active-match
// invariant even when two matchmakers commit concurrently.
const createLua = `
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[2])
return 1
`

// RedisRegistry is the distributed Registry implementation.
type RedisRegistry struct {
	rdb       *redis.Client
	createScr *redis.Script
}

// NewRedisRegistry creates a registry backed by the given Redis client.
func NewRedisRegistry(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		rdb:       rdb,
		createScr: redis.NewScript(createLua),
	}
}

// Create registers a new active record under both participants.
func (r *RedisRegistry) Create(ctx context.Context, rec *Record) error {
	ok, err := r.createScr.Run(ctx, r.rdb,
		[]string{keyUserPrefix + rec.User1.UserID, keyUserPrefix + rec.User2.UserID},
		rec.ID, int(recordTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("match: create claim: %w", err)
	}
	if ok != 1 {
		return ErrActiveMatch
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("match: marshal record %s: %w", rec.ID, err)
	}

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, keyRecPrefix+rec.ID, data, recordTTL)
	pipe.ZAdd(ctx, keyCreated, redis.Z{
		Score:  float64(rec.CreatedAt.Unix()),
		Member: rec.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("match: store record %s: %w", rec.ID, err)
	}
	return nil
}

// ByUser returns the user's active record, or nil.
func (r *RedisRegistry) ByUser(ctx context.Context, userID string) (*Record, error) {
	matchID, err := r.rdb.Get(ctx, keyUserPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match: lookup user %s: %w", userID, err)
	}
	return r.ByID(ctx, matchID)
}

// ByID returns the record with the given match ID, or nil.
func (r *RedisRegistry) ByID(ctx context.Context, matchID string) (*Record, error) {
	data, err := r.rdb.Get(ctx, keyRecPrefix+matchID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match: get record %s: %w", matchID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("match: unmarshal record %s: %w", matchID, err)
	}
	return &rec, nil
}

// End flips the record to ended and clears both user mappings. The WATCH on
// the record key serializes concurrent End calls: only the transaction that
// observes status active commits the flip.
func (r *RedisRegistry) End(ctx context.Context, matchID string) (bool, error) {
	key := keyRecPrefix + matchID
	flipped := false

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("match: unmarshal record %s: %w", matchID, err)
		}
		if rec.Status != StatusActive {
			return nil
		}
		rec.Status = StatusEnded

		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, recordTTL)
			pipe.Del(ctx, keyUserPrefix+rec.User1.UserID)
			pipe.Del(ctx, keyUserPrefix+rec.User2.UserID)
			pipe.ZRem(ctx, keyCreated, matchID)
			return nil
		})
		if err != nil {
			return err
		}
		flipped = true
		return nil
	}

	err := r.rdb.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil // another teardown path won
	}
	if err != nil {
		return false, fmt.Errorf("match: end %s: %w", matchID, err)
	}
	return flipped, nil
}

// ExpireBefore ends every active record created before the cutoff.
func (r *RedisRegistry) ExpireBefore(ctx context.Context, cutoff time.Time) ([]Record, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, keyCreated, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("match: expire scan: %w", err)
	}

	var expired []Record
	for _, id := range ids {
		rec, err := r.ByID(ctx, id)
		if err != nil {
			return expired, err
		}
		if rec == nil {
			r.rdb.ZRem(ctx, keyCreated, id)
			continue
		}
		flipped, err := r.End(ctx, id)
		if err != nil {
			return expired, err
		}
		if flipped {
			rec.Status = StatusEnded
			expired = append(expired, *rec)
		}
	}
	return expired, nil
}
