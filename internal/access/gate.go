// Package access provides the admission and priority collaborator. The
// matchmaker asks the gate whether a user may perform an action (for example
// joining the queue under a free-tier daily cap) and for a priority bonus
// granted by the subscription system.
package access

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ActionMatch is the action checked before a queue join.
const ActionMatch = "match"

// Decision is the outcome of an admission check. Reason is a user-visible
// string set only when the action is denied.
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate is the admission/priority collaborator interface.
type Gate interface {
	CanPerformAction(ctx context.Context, userID, action string) (Decision, error)
	PriorityBonus(ctx context.Context, userID string) int
}

// AllowAll is a Gate that admits everything with no bonus. Used in tests and
// in deployments without subscription enforcement.
type AllowAll struct{}

// CanPerformAction always allows.
func (AllowAll) CanPerformAction(context.Context, string, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// PriorityBonus always returns zero.
func (AllowAll) PriorityBonus(context.Context, string) int { return 0 }

const (
	countPrefix = "gate:count:" // + <action>:<user_id> -> daily counter
	bonusPrefix = "gate:bonus:" // + <user_id> -> int, written by billing
	countWindow = 24 * time.Hour
)

// RedisGate enforces per-action daily caps with INCR+EXPIRE counters, the
// same windowed-counter pattern the rate limiter uses. On Redis errors it
// fails open: an outage must not lock users out of matching.
type RedisGate struct {
	rdb    *redis.Client
	limits map[string]int // action -> max per window, 0 = unlimited
}

// NewRedisGate creates a gate with the given per-action daily limits.
func NewRedisGate(rdb *redis.Client, limits map[string]int) *RedisGate {
	return &RedisGate{rdb: rdb, limits: limits}
}

// CanPerformAction increments the user's daily counter for the action and
// denies once the configured limit is exceeded.
func (g *RedisGate) CanPerformAction(ctx context.Context, userID, action string) (Decision, error) {
	limit := g.limits[action]
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	key := countPrefix + action + ":" + userID
	count, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[access] incr %s: %v (failing open)", key, err)
		return Decision{Allowed: true}, err
	}
	if count == 1 {
		if err := g.rdb.Expire(ctx, key, countWindow).Err(); err != nil {
			log.Printf("[access] expire %s: %v", key, err)
		}
	}

	if int(count) > limit {
		return Decision{Allowed: false, Reason: "daily limit reached"}, nil
	}
	return Decision{Allowed: true}, nil
}

// PriorityBonus reads the bonus written for the user by the subscription
// system. Missing keys and Redis errors both yield zero.
func (g *RedisGate) PriorityBonus(ctx context.Context, userID string) int {
	bonus, err := g.rdb.Get(ctx, bonusPrefix+userID).Int()
	if err != nil {
		return 0
	}
	return bonus
}
