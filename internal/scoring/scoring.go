// Package scoring implements the compatibility gate and the weighted match
// score between two waiting users. It is a pure function package: the only
// state is the weight configuration, so the matchmaker can evaluate
// candidates from any shard without coordination.
package scoring

import (
	"math"
	"strings"
	"time"

	"github.com/pairline/call-app/internal/profile"
	"github.com/pairline/call-app/internal/queue"
)

// WaitHorizon caps the wait-time fairness term: a user who has waited this
// long gets the full wait score, waiting longer adds nothing.
const WaitHorizon = 2 * time.Minute

// Weights holds the scoring term weights. They must sum to 1 so the final
// score stays in [0,1] without renormalization.
type Weights struct {
	Preference float64 // gender-preference strength
	Interests  float64 // Jaccard similarity of interest sets
	Region     float64 // same-region bonus
	Wait       float64 // wait-time fairness
	Reputation float64 // report/warning standing
	Age        float64 // age proximity
}

// DefaultWeights returns the production weight vector.
func DefaultWeights() Weights {
	return Weights{
		Preference: 0.30,
		Interests:  0.25,
		Region:     0.15,
		Wait:       0.20,
		Reputation: 0.10,
		Age:        0.05,
	}
}

// Sum returns the total of all weights. Valid configurations sum to 1.
func (w Weights) Sum() float64 {
	return w.Preference + w.Interests + w.Region + w.Wait + w.Reputation + w.Age
}

// PairChecker reports whether two users were matched together recently.
// Implemented by match.History.
type PairChecker interface {
	Contains(a, b string) bool
}

// Normalize applies the tier rules to a profile's stated preference before it
// enters the queue. Opposite-gender-only filtering is a paid capability: a
// free user requesting a specific gender other than their own is silently
// downgraded to "both". Plus and Pro users keep their preference verbatim.
// An empty preference always becomes "both".
func Normalize(p *profile.Profile) {
	if p.PreferredGender == "" {
		p.PreferredGender = profile.PrefBoth
		return
	}
	if p.Tier != profile.TierFree {
		return
	}
	if p.PreferredGender != profile.PrefBoth && p.PreferredGender != p.Gender {
		p.PreferredGender = profile.PrefBoth
	}
}

// accepts reports whether a's preference admits b's gender. An unknown gender
// on b is admitted only by "both".
func accepts(a, b *profile.Profile) bool {
	if a.PreferredGender == profile.PrefBoth {
		return true
	}
	return a.PreferredGender == b.Gender
}

// Compatible is the hard gate: every condition must hold before two users may
// be scored or paired. The gate is symmetric in a and b.
func Compatible(a, b *queue.Entry, recent PairChecker) bool {
	if a.UserID == b.UserID {
		return false
	}
	if a.Profile.Blocks(b.UserID) || b.Profile.Blocks(a.UserID) {
		return false
	}
	if !accepts(&a.Profile, &b.Profile) || !accepts(&b.Profile, &a.Profile) {
		return false
	}
	if recent != nil && recent.Contains(a.UserID, b.UserID) {
		return false
	}
	return true
}

// Score computes the weighted match score of candidate b for caller a at the
// given instant. Callers must have passed Compatible first. The wait and
// reputation terms evaluate the candidate: the score ranks who a should be
// paired with, so b's wait time and standing are what matter. The result is
// clamped to [0,1].
func Score(a, b *queue.Entry, now time.Time, w Weights) float64 {
	s := w.Preference*preferenceScore(&a.Profile, &b.Profile) +
		w.Interests*interestScore(a.Profile.Interests, b.Profile.Interests) +
		w.Region*regionScore(a.Profile.Region, b.Profile.Region) +
		w.Wait*waitScore(b.WaitTime(now)) +
		w.Reputation*reputationScore(&b.Profile) +
		w.Age*ageScore(&a.Profile, &b.Profile, now)
	return clamp01(s)
}

// preferenceScore rewards specific mutual preference: 1.0 when both users
// asked for each other's gender specifically, 0.5 when only one did, 0
// otherwise. "both" never counts as specific.
func preferenceScore(a, b *profile.Profile) float64 {
	aSpecific := a.PreferredGender != profile.PrefBoth && a.PreferredGender == b.Gender
	bSpecific := b.PreferredGender != profile.PrefBoth && b.PreferredGender == a.Gender
	switch {
	case aSpecific && bSpecific:
		return 1.0
	case aSpecific || bSpecific:
		return 0.5
	default:
		return 0
	}
}

// interestScore is the Jaccard index over lower-cased interest sets, with a
// neutral 0.5 when either user listed no interests.
func interestScore(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.5
	}

	set := make(map[string]bool, len(a))
	for _, tag := range a {
		set[strings.ToLower(tag)] = true
	}

	union := len(set)
	shared := 0
	seen := make(map[string]bool, len(b))
	for _, tag := range b {
		lower := strings.ToLower(tag)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		if set[lower] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

// regionScore gives the full score for a same-region pair and a reduced
// baseline otherwise (cross-region calls work, they just tend to have worse
// latency). Unknown regions never count as a match.
func regionScore(a, b string) float64 {
	if a != "" && strings.EqualFold(a, b) {
		return 1.0
	}
	return 0.4
}

// waitScore grows linearly with the candidate's elapsed wait, capped at the
// two-minute horizon.
func waitScore(wait time.Duration) float64 {
	if wait <= 0 {
		return 0
	}
	if wait >= WaitHorizon {
		return 1.0
	}
	return float64(wait) / float64(WaitHorizon)
}

// reputationScore derives a standing value from the candidate's report and
// warning counters plus a verified-email bonus, floored at 0.
func reputationScore(p *profile.Profile) float64 {
	s := 0.8
	if p.EmailVerified {
		s += 0.2
	}
	s -= 0.1 * float64(p.ReportCount)
	s -= 0.05 * float64(p.WarningCount)
	return clamp01(s)
}

// ageScore is tiered on the age difference, neutral 0.5 when either birth
// date is missing.
func ageScore(a, b *profile.Profile, now time.Time) float64 {
	ageA, ageB := a.Age(now), b.Age(now)
	if ageA < 0 || ageB < 0 {
		return 0.5
	}

	diff := ageA - ageB
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= 3:
		return 1.0
	case diff <= 5:
		return 0.8
	case diff <= 10:
		return 0.6
	default:
		return 0.3
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
