package scoring

import "github.com/pairline/call-app/internal/profile"

// Tier base priorities. Pro outranks Plus outranks Free in candidate
// ordering; within a tier the longest-waiting user goes first.
const (
	priorityPro  = 100
	priorityPlus = 50
	priorityFree = 0

	verifiedBonus     = 10
	goodStandingBonus = 5
	reportPenalty     = 2
)

// Priority computes a user's queue priority at enqueue time. It is derived
// from tier, verified email, good behavior, and a penalty proportional to the
// report count, floored at zero. The extra bonus comes from the admission
// gate's PriorityBonus collaborator.
func Priority(p *profile.Profile, bonus int) int {
	pr := priorityFree
	switch p.Tier {
	case profile.TierPro:
		pr = priorityPro
	case profile.TierPlus:
		pr = priorityPlus
	}

	if p.EmailVerified {
		pr += verifiedBonus
	}
	if p.GoodStanding {
		pr += goodStandingBonus
	}
	pr -= reportPenalty * p.ReportCount
	pr += bonus

	if pr < 0 {
		pr = 0
	}
	return pr
}
