package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Any client
	// activity refreshes it; a session that outlives it had a dead connection.
	SessionTTL = 1 * time.Hour

	// Status constants for the session state machine.
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusPaired    = "paired"
)

// Session represents a connection's session state stored in Redis. Sessions
// are keyed by connection ID; UserID is the identity bound to the connection
// (an account ID after identify, otherwise the anonymous "anon:<conn_id>").
type Session struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	Status      string `redis:"status"`      // idle | searching | paired
	MatchID     string `redis:"match_id"`    // empty unless paired
	Server      string `redis:"server"`      // which relay server instance
	Fingerprint string `redis:"fingerprint"` // browser fingerprint hash
	CreatedAt   int64  `redis:"created_at"`  // unix timestamp
	LastActive  int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used by tests and by
// services that share one client across stores.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session in Redis with idle status and the default TTL.
// The session starts anonymous; Identify rebinds it to an account.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"status":      StatusIdle,
		"match_id":    "",
		"server":      s.serverName,
		"fingerprint": "",
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Exists reports whether the session key is still live. The reaper uses this
// as its connection liveness probe: a waiting entry whose session hash expired
// belongs to a connection that is gone.
func (s *Store) Exists(ctx context.Context, connID string) (bool, error) {
	n, err := s.client.Exists(ctx, SessionPrefix+connID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Identify rebinds the session to an authenticated account ID.
func (s *Store) Identify(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	return s.client.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix()).Err()
}

// UpdateStatus updates the session status and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, connID string, status string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetMatchID sets the active match ID and marks the session paired.
func (s *Store) SetMatchID(ctx context.Context, connID string, matchID string) error {
	key := SessionPrefix + connID
	return s.client.HSet(ctx, key, "match_id", matchID, "status", StatusPaired, "last_active", time.Now().Unix()).Err()
}

// ClearMatchID removes the active match ID and resets status to idle.
func (s *Store) ClearMatchID(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.HSet(ctx, key, "match_id", "", "status", StatusIdle, "last_active", time.Now().Unix()).Err()
}

// SetFingerprint stores the browser fingerprint hash.
func (s *Store) SetFingerprint(ctx context.Context, connID string, fingerprint string) error {
	key := SessionPrefix + connID
	return s.client.HSet(ctx, key, "fingerprint", fingerprint).Err()
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Expire(ctx, key, SessionTTL).Err()
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
