package match

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairline/call-app/internal/access"
	"github.com/pairline/call-app/internal/profile"
	"github.com/pairline/call-app/internal/queue"
	"github.com/pairline/call-app/internal/scoring"
)

// DeniedError is returned by JoinQueue when the admission gate rejects the
// action. Reason is safe to show to the user.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("match: admission denied: %s", e.Reason)
}

// CoordinatorConfig holds the matching tunables.
type CoordinatorConfig struct {
	// CandidatesPerShard is the batch size fetched from each shard during a
	// search.
	CandidatesPerShard int

	// ExplorePercent is the probability (0-100) of picking uniformly among
	// the top ExploreTopK candidates instead of the single best one. The
	// exploration keeps the head of the queue from monopolizing every
	// arriving match.
	ExplorePercent int
	ExploreTopK    int

	Weights scoring.Weights
}

// DefaultCoordinatorConfig returns the production matching parameters.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CandidatesPerShard: 8,
		ExplorePercent:     10,
		ExploreTopK:        3,
		Weights:            scoring.DefaultWeights(),
	}
}

// JoinPrefs carries the preferences a client submits with join_queue. Fields
// left empty fall back to the profile on record.
type JoinPrefs struct {
	Gender          string
	PreferredGender string
	Interests       []string
	Region          string

	// Blocked carries session-scoped blocks collected by the relay. They are
	// merged with the blocklist on the profile record.
	Blocked []string
}

// Coordinator owns the join-queue workflow: normalize, search every shard,
// score, attempt an atomic pairing, fall back to enqueueing the caller. All
// mutation of the waiting pool and the registry goes through it.
type Coordinator struct {
	store     queue.Store
	registry  Registry
	history   History
	directory profile.Directory
	gate      access.Gate
	cfg       CoordinatorConfig

	randMu sync.Mutex
	rand   *rand.Rand
	now    func() time.Time
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(store queue.Store, registry Registry, history History,
	directory profile.Directory, gate access.Gate, cfg CoordinatorConfig) *Coordinator {
	if cfg.CandidatesPerShard <= 0 {
		cfg.CandidatesPerShard = 8
	}
	if cfg.ExploreTopK <= 0 {
		cfg.ExploreTopK = 3
	}
	if cfg.Weights.Sum() == 0 {
		cfg.Weights = scoring.DefaultWeights()
	}
	return &Coordinator{
		store:     store,
		registry:  registry,
		history:   history,
		directory: directory,
		gate:      gate,
		cfg:       cfg,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// scored pairs a candidate entry with its rank value (score plus a small
// priority tiebreaker).
type scored struct {
	entry queue.Entry
	score float64
	rank  float64
}

// JoinQueue runs the full matching workflow for a user. On a successful
// pairing it returns the new record; when no compatible partner is available
// it enqueues the caller and returns nil. An existing active match owned by
// the caller is torn down first rather than treated as an error.
func (c *Coordinator) JoinQueue(ctx context.Context, userID, connID string, prefs JoinPrefs) (*Record, error) {
	prof, err := c.directory.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	applyPrefs(prof, prefs)

	decision, err := c.gate.CanPerformAction(ctx, userID, access.ActionMatch)
	if err != nil {
		// Gate outage fails open; a denied decision on a healthy gate does not.
		log.Printf("[match] gate check for %s: %v (failing open)", userID, err)
	} else if !decision.Allowed {
		return nil, &DeniedError{Reason: decision.Reason}
	}

	// A user can hold at most one of: waiting entry, active match. Clear both
	// before searching. Stale matches come from abrupt reconnects.
	if stale, err := c.registry.ByUser(ctx, userID); err == nil && stale != nil {
		if flipped, _ := c.registry.End(ctx, stale.ID); flipped {
			log.Printf("[match] cleared stale match %s for rejoining user %s", stale.ID, userID)
		}
	}
	if err := c.store.Remove(ctx, userID); err != nil {
		return nil, fmt.Errorf("match: clear queue entry for %s: %w", userID, err)
	}

	scoring.Normalize(prof)
	now := c.now()
	self := queue.Entry{
		UserID:   userID,
		ConnID:   connID,
		Profile:  *prof,
		Priority: scoring.Priority(prof, c.gate.PriorityBonus(ctx, userID)),
		JoinedAt: now,
	}

	candidates, err := c.search(ctx, &self, now)
	if err != nil {
		return nil, err
	}

	// Try candidates until one Claim succeeds. The exploration pick goes
	// first; on conflict the remaining candidates follow in rank order.
	for _, cand := range c.pickOrder(candidates) {
		claimed, err := c.store.Claim(ctx, &cand.entry)
		if err != nil {
			log.Printf("[match] claim %s: %v", cand.entry.UserID, err)
			continue
		}
		if !claimed {
			continue // lost the race, next candidate
		}

		rec := &Record{
			ID:        uuid.New().String(),
			User1:     self,
			User2:     cand.entry,
			Score:     cand.score,
			CreatedAt: now,
			Status:    StatusActive,
		}
		if err := c.registry.Create(ctx, rec); err != nil {
			// The claim consumed the candidate's entry; put it back before
			// surfacing the error so nobody is lost from the pool.
			if reErr := c.store.Enqueue(ctx, &cand.entry); reErr != nil {
				log.Printf("[match] re-enqueue %s after failed create: %v", cand.entry.UserID, reErr)
			}
			return nil, fmt.Errorf("match: register pairing: %w", err)
		}

		if err := c.history.Add(ctx, rec.User1.UserID, rec.User2.UserID); err != nil {
			log.Printf("[match] record pair history %s/%s: %v", rec.User1.UserID, rec.User2.UserID, err)
		}
		return rec, nil
	}

	// No pairable candidate: the caller waits.
	if err := c.store.Enqueue(ctx, &self); err != nil {
		return nil, fmt.Errorf("match: enqueue %s: %w", userID, err)
	}
	return nil, nil
}

// search fetches a candidate batch from every shard, applies the hard
// compatibility gate, scores the survivors, and returns them sorted by
// score plus a priority tiebreaker, best first.
func (c *Coordinator) search(ctx context.Context, self *queue.Entry, now time.Time) ([]scored, error) {
	var out []scored
	for shard := 0; shard < c.store.ShardCount(); shard++ {
		batch, err := c.store.Candidates(ctx, shard, self.UserID, c.cfg.CandidatesPerShard)
		if err != nil {
			return nil, fmt.Errorf("match: search shard %d: %w", shard, err)
		}
		for _, cand := range batch {
			if !scoring.Compatible(self, &cand, c.pairChecker(ctx)) {
				continue
			}
			s := scoring.Score(self, &cand, now, c.cfg.Weights)
			out = append(out, scored{
				entry: cand,
				score: s,
				rank:  s + float64(cand.Priority)/1000,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank > out[j].rank
		}
		// Equal rank: longest-waiting first.
		return out[i].entry.JoinedAt.Before(out[j].entry.JoinedAt)
	})
	return out, nil
}

// pickOrder returns the candidates in attempt order: usually best first, but
// ExplorePercent of the time the first attempt is drawn uniformly from the
// top ExploreTopK, with the rest following in rank order.
func (c *Coordinator) pickOrder(candidates []scored) []*scored {
	out := make([]*scored, 0, len(candidates))
	for i := range candidates {
		out = append(out, &candidates[i])
	}
	if len(out) < 2 || c.cfg.ExplorePercent <= 0 {
		return out
	}

	c.randMu.Lock()
	explore := c.rand.Intn(100) < c.cfg.ExplorePercent
	var pick int
	if explore {
		k := c.cfg.ExploreTopK
		if k > len(out) {
			k = len(out)
		}
		pick = c.rand.Intn(k)
	}
	c.randMu.Unlock()

	if pick > 0 {
		chosen := out[pick]
		copy(out[1:pick+1], out[:pick])
		out[0] = chosen
	}
	return out
}

// pairChecker adapts History to the scoring gate's context-free interface.
// History errors degrade to "not recently paired".
func (c *Coordinator) pairChecker(ctx context.Context) scoring.PairChecker {
	return pairCheckerFunc(func(a, b string) bool {
		seen, err := c.history.Contains(ctx, a, b)
		if err != nil {
			return false
		}
		return seen
	})
}

type pairCheckerFunc func(a, b string) bool

func (f pairCheckerFunc) Contains(a, b string) bool { return f(a, b) }

// RemoveFromQueue removes the user's waiting entry. Removing an absent user
// is a no-op.
func (c *Coordinator) RemoveFromQueue(ctx context.Context, userID string) error {
	return c.store.Remove(ctx, userID)
}

// RemoveFromMatch ends the user's active match, if any, and returns the
// partner's user ID so the caller can notify them. It is idempotent: a
// second call for the same match returns "".
func (c *Coordinator) RemoveFromMatch(ctx context.Context, userID string) (string, error) {
	rec, err := c.registry.ByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}

	flipped, err := c.registry.End(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	if !flipped {
		return "", nil // another teardown path got there first
	}
	return rec.Partner(userID), nil
}

// ActiveMatch returns the user's active record, or nil.
func (c *Coordinator) ActiveMatch(ctx context.Context, userID string) (*Record, error) {
	return c.registry.ByUser(ctx, userID)
}

// MatchByID returns the record for a match ID, or nil.
func (c *Coordinator) MatchByID(ctx context.Context, matchID string) (*Record, error) {
	return c.registry.ByID(ctx, matchID)
}

// QueueStats returns the current waiting count and shard count.
func (c *Coordinator) QueueStats(ctx context.Context) (waiting, shards int) {
	n, err := c.store.Size(ctx)
	if err != nil {
		log.Printf("[match] queue size: %v", err)
	}
	return n, c.store.ShardCount()
}

// applyPrefs overlays the client-submitted preferences on the profile.
// Anonymous profiles have nothing on record, so the submitted values are all
// there is; authenticated users can override their stored defaults per join.
func applyPrefs(p *profile.Profile, prefs JoinPrefs) {
	if prefs.Gender != "" {
		p.Gender = prefs.Gender
	}
	if prefs.PreferredGender != "" {
		p.PreferredGender = prefs.PreferredGender
	}
	if len(prefs.Interests) > 0 {
		p.Interests = prefs.Interests
	}
	if prefs.Region != "" {
		p.Region = prefs.Region
	}
	if len(prefs.Blocked) > 0 {
		p.Blocked = append(p.Blocked, prefs.Blocked...)
	}
}
