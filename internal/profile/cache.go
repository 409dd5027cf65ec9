package profile

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cachePrefix = "profile:"
	cacheTTL    = 5 * time.Minute
)

// CachedDirectory wraps another Directory with a Redis read-through cache.
// Cache failures degrade to a direct lookup: a Redis outage must never block
// queue joins.
type CachedDirectory struct {
	next Directory
	rdb  *redis.Client
}

// NewCachedDirectory creates a read-through cache in front of next.
func NewCachedDirectory(next Directory, rdb *redis.Client) *CachedDirectory {
	return &CachedDirectory{next: next, rdb: rdb}
}

// GetUser returns the cached profile when present, otherwise falls through to
// the underlying directory and populates the cache. ErrNotFound is never
// cached; repeated lookups for missing users are rare enough not to matter.
func (c *CachedDirectory) GetUser(ctx context.Context, id string) (*Profile, error) {
	key := cachePrefix + id

	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p Profile
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil {
			return &p, nil
		}
		// Corrupt cache entry: drop it and fall through.
		c.rdb.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		log.Printf("[profile] cache read %s: %v (falling back to direct lookup)", id, err)
	}

	p, err := c.next.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := c.rdb.Set(ctx, key, data, cacheTTL).Err(); err != nil {
			log.Printf("[profile] cache write %s: %v", id, err)
		}
	}
	return p, nil
}

// Invalidate removes the cached entry for a user, e.g. after a report
// increments their counters.
func (c *CachedDirectory) Invalidate(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, cachePrefix+id).Err(); err != nil {
		log.Printf("[profile] cache invalidate %s: %v", id, err)
	}
}

// StaticDirectory is an in-memory Directory for tests and for deployments
// without a user database (all-anonymous traffic).
type StaticDirectory struct {
	users map[string]Profile
}

// NewStaticDirectory creates a directory from the given profiles.
func NewStaticDirectory(users ...Profile) *StaticDirectory {
	m := make(map[string]Profile, len(users))
	for _, u := range users {
		m[u.ID] = u
	}
	return &StaticDirectory{users: m}
}

// Put adds or replaces a profile.
func (d *StaticDirectory) Put(p Profile) {
	d.users[p.ID] = p
}

// GetUser returns the stored profile, a synthesized anonymous profile for
// anon IDs, or ErrNotFound.
func (d *StaticDirectory) GetUser(_ context.Context, id string) (*Profile, error) {
	if p, ok := d.users[id]; ok {
		cp := p
		return &cp, nil
	}
	if IsAnonymous(id) {
		p := Anonymous(id[5:])
		return &p, nil
	}
	return nil, ErrNotFound
}
