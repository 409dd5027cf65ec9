package match

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is the in-process Registry implementation, used in tests and
// single-server deployments.
type MemoryRegistry struct {
	mu     sync.Mutex
	byID   map[string]*Record
	byUser map[string]string // user ID -> active match ID
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:   make(map[string]*Record),
		byUser: make(map[string]string),
	}
}

// Create registers a new active record under both participants.
func (r *MemoryRegistry) Create(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUser[rec.User1.UserID]; ok {
		return ErrActiveMatch
	}
	if _, ok := r.byUser[rec.User2.UserID]; ok {
		return ErrActiveMatch
	}

	cp := *rec
	r.byID[rec.ID] = &cp
	r.byUser[rec.User1.UserID] = rec.ID
	r.byUser[rec.User2.UserID] = rec.ID
	return nil
}

// ByUser returns a copy of the user's active record, or nil.
func (r *MemoryRegistry) ByUser(_ context.Context, userID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *r.byID[id]
	return &cp, nil
}

// ByID returns a copy of the record, or nil.
func (r *MemoryRegistry) ByID(_ context.Context, matchID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[matchID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// End flips the record to ended and clears both user mappings.
func (r *MemoryRegistry) End(_ context.Context, matchID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endLocked(matchID), nil
}

func (r *MemoryRegistry) endLocked(matchID string) bool {
	rec, ok := r.byID[matchID]
	if !ok || rec.Status != StatusActive {
		return false
	}
	rec.Status = StatusEnded
	delete(r.byUser, rec.User1.UserID)
	delete(r.byUser, rec.User2.UserID)
	return true
}

// ExpireBefore ends every active record created before the cutoff. Ended
// records are dropped from the ID map as well: the memory registry has no
// TTL machinery, so expiry doubles as deletion.
func (r *MemoryRegistry) ExpireBefore(_ context.Context, cutoff time.Time) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Record
	for id, rec := range r.byID {
		if rec.Status == StatusActive && rec.CreatedAt.Before(cutoff) {
			r.endLocked(id)
			expired = append(expired, *rec)
		}
		if rec.Status == StatusEnded {
			delete(r.byID, id)
		}
	}
	return expired, nil
}
