// Package match owns the active-match registry, the recent-pair history, and
// the coordinator that turns a queue join into an atomic pairing. It is the
// only component that performs cross-shard transactions on the waiting pool.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/pairline/call-app/internal/queue"
)

// ErrActiveMatch is returned by Registry.Create when a participant already
// owns a non-ended match record.
var ErrActiveMatch = errors.New("match: user already in an active match")

// Status of a match record. Records are created active and flip to ended
// exactly once.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Record is an active pairing between two users. User1 is the caller whose
// JoinQueue created the match; User2 is the claimed queue entry. Both are
// snapshots taken at pairing time.
type Record struct {
	ID        string      `json:"id"`
	User1     queue.Entry `json:"user1"`
	User2     queue.Entry `json:"user2"`
	Score     float64     `json:"score"`
	CreatedAt time.Time   `json:"created_at"`
	Status    Status      `json:"status"`
}

// Involves reports whether the user is one of the two participants.
func (r *Record) Involves(userID string) bool {
	return r.User1.UserID == userID || r.User2.UserID == userID
}

// Partner returns the other participant's user ID, or "" if userID is not a
// participant.
func (r *Record) Partner(userID string) string {
	switch userID {
	case r.User1.UserID:
		return r.User2.UserID
	case r.User2.UserID:
		return r.User1.UserID
	}
	return ""
}

// Entry returns the participant's queue-entry snapshot, or nil.
func (r *Record) Entry(userID string) *queue.Entry {
	switch userID {
	case r.User1.UserID:
		return &r.User1
	case r.User2.UserID:
		return &r.User2
	}
	return nil
}

// Registry maps match IDs and participant user IDs to the current match
// record. An ended match no longer appears in user lookups.
type Registry interface {
	// Create registers a new active record under both participants. It fails
	// with ErrActiveMatch if either user already owns an active record.
	Create(ctx context.Context, rec *Record) error

	// ByUser returns the user's active record, or nil.
	ByUser(ctx context.Context, userID string) (*Record, error)

	// ByID returns the record with the given match ID regardless of status,
	// or nil.
	ByID(ctx context.Context, matchID string) (*Record, error)

	// End flips the record to ended and clears both user mappings. It
	// returns true only for the call that performed the transition, so
	// teardown bookkeeping runs exactly once.
	End(ctx context.Context, matchID string) (bool, error)

	// ExpireBefore ends every active record created before the cutoff and
	// returns the records it ended. Used by the reaper.
	ExpireBefore(ctx context.Context, cutoff time.Time) ([]Record, error)
}
