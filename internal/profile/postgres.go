package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PGDirectory looks up profiles in PostgreSQL. The users table is created by
// the migrations in migrations/.
type PGDirectory struct {
	db *sql.DB
}

// NewPGDirectory creates a directory backed by the given database handle.
func NewPGDirectory(db *sql.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

// GetUser fetches a profile by ID. Anonymous IDs never have a row, so they
// are synthesized without touching the database. Blocklist entries are stored
// in a separate user_blocks table and fetched in the same round trip via
// array_agg.
func (d *PGDirectory) GetUser(ctx context.Context, id string) (*Profile, error) {
	if IsAnonymous(id) {
		p := Anonymous(id[5:])
		return &p, nil
	}
	const query = `
		SELECT u.id, COALESCE(u.gender, ''), u.preferred_gender, u.interests,
		       COALESCE(u.region, ''), u.tier, u.birth_date,
		       u.email_verified, u.good_standing, u.report_count, u.warning_count,
		       COALESCE(array_agg(b.blocked_id) FILTER (WHERE b.blocked_id IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_blocks b ON b.user_id = u.id
		WHERE u.id = $1
		GROUP BY u.id`

	var (
		p         Profile
		tier      string
		birthDate sql.NullTime
		interests pq.StringArray
		blocked   pq.StringArray
	)
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Gender, &p.PreferredGender, &interests,
		&p.Region, &tier, &birthDate,
		&p.EmailVerified, &p.GoodStanding, &p.ReportCount, &p.WarningCount,
		&blocked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: query user %s: %w", id, err)
	}

	p.Tier = Tier(tier)
	p.Interests = []string(interests)
	p.Blocked = []string(blocked)
	if birthDate.Valid {
		p.BirthDate = birthDate.Time
	}
	if p.PreferredGender == "" {
		p.PreferredGender = PrefBoth
	}
	return &p, nil
}
