// Package profile provides the identity collaborator: user profile lookup
// backed by PostgreSQL with an optional Redis cache layer. The matchmaker and
// relay consume the Directory interface only, so tests can substitute a
// static in-memory directory.
package profile

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no profile exists for the requested ID.
var ErrNotFound = errors.New("profile: user not found")

// Tier is the subscription level of a user.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// Gender preference values. PrefBoth disables gender filtering.
const (
	PrefMale   = "male"
	PrefFemale = "female"
	PrefBoth   = "both"
)

// Profile is the subset of a user's account relevant to matching.
type Profile struct {
	ID              string    `json:"id"`
	Gender          string    `json:"gender,omitempty"` // "male", "female" or empty
	PreferredGender string    `json:"preferred_gender"` // male | female | both
	Interests       []string  `json:"interests,omitempty"`
	Region          string    `json:"region,omitempty"`
	Tier            Tier      `json:"tier"`
	BirthDate       time.Time `json:"birth_date,omitempty"` // zero if unknown
	EmailVerified   bool      `json:"email_verified"`
	GoodStanding    bool      `json:"good_standing"`
	ReportCount     int       `json:"report_count"`
	WarningCount    int       `json:"warning_count"`
	Blocked         []string  `json:"blocked,omitempty"` // user IDs this user blocked
}

// Blocks reports whether the profile's blocklist contains the given user ID.
func (p *Profile) Blocks(userID string) bool {
	for _, id := range p.Blocked {
		if id == userID {
			return true
		}
	}
	return false
}

// Age returns the user's age in full years at the given instant, or -1 if the
// birth date is unknown.
func (p *Profile) Age(now time.Time) int {
	if p.BirthDate.IsZero() {
		return -1
	}
	years := now.Year() - p.BirthDate.Year()
	// Not yet had the birthday this year.
	anniversary := p.BirthDate.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	return years
}

// Anonymous synthesizes a profile for a connection that never identified.
// Anonymous users are free tier with no gender or birth date, so every paid
// capability check and the age term fall through to their neutral defaults.
func Anonymous(connID string) Profile {
	return Profile{
		ID:              "anon:" + connID,
		PreferredGender: PrefBoth,
		Tier:            TierFree,
	}
}

// IsAnonymous reports whether the user ID was synthesized by Anonymous.
func IsAnonymous(userID string) bool {
	return len(userID) > 5 && userID[:5] == "anon:"
}

// Directory is the identity lookup collaborator.
type Directory interface {
	// GetUser returns the profile for the given user ID, or ErrNotFound.
	GetUser(ctx context.Context, id string) (*Profile, error)
}
