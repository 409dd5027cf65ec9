package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/pairline/call-app/internal/profile"
	"github.com/pairline/call-app/internal/queue"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(userID string, p profile.Profile, waited time.Duration) *queue.Entry {
	p.ID = userID
	return &queue.Entry{
		UserID:   userID,
		ConnID:   "conn-" + userID,
		Profile:  p,
		JoinedAt: testNow.Add(-waited),
	}
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	w := DefaultWeights()
	if math.Abs(w.Sum()-1.0) > 1e-9 {
		t.Fatalf("DefaultWeights().Sum() = %v, want 1.0", w.Sum())
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   profile.Profile
		want string
	}{
		{"empty becomes both", profile.Profile{Tier: profile.TierPro}, profile.PrefBoth},
		{"free opposite gender downgraded", profile.Profile{Tier: profile.TierFree, Gender: "male", PreferredGender: "female"}, profile.PrefBoth},
		{"free same gender kept", profile.Profile{Tier: profile.TierFree, Gender: "male", PreferredGender: "male"}, "male"},
		{"free both kept", profile.Profile{Tier: profile.TierFree, PreferredGender: profile.PrefBoth}, profile.PrefBoth},
		{"plus keeps preference", profile.Profile{Tier: profile.TierPlus, Gender: "male", PreferredGender: "female"}, "female"},
		{"pro keeps preference", profile.Profile{Tier: profile.TierPro, Gender: "female", PreferredGender: "male"}, "male"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.in
			Normalize(&p)
			if p.PreferredGender != tt.want {
				t.Errorf("Normalize() preferred_gender = %q, want %q", p.PreferredGender, tt.want)
			}
		})
	}
}

func TestCompatible_GenderGate(t *testing.T) {
	tests := []struct {
		name string
		a, b profile.Profile
		want bool
	}{
		{
			"both accept both",
			profile.Profile{Gender: "male", PreferredGender: profile.PrefBoth},
			profile.Profile{Gender: "female", PreferredGender: profile.PrefBoth},
			true,
		},
		{
			"mutual specific",
			profile.Profile{Gender: "male", PreferredGender: "female"},
			profile.Profile{Gender: "female", PreferredGender: "male"},
			true,
		},
		{
			"one side rejected",
			profile.Profile{Gender: "male", PreferredGender: "female"},
			profile.Profile{Gender: "male", PreferredGender: profile.PrefBoth},
			false,
		},
		{
			"specific pref rejects unknown gender",
			profile.Profile{Gender: "female", PreferredGender: "male"},
			profile.Profile{PreferredGender: profile.PrefBoth},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := entry("a", tt.a, 0)
			b := entry("b", tt.b, 0)
			if got := Compatible(a, b, nil); got != tt.want {
				t.Errorf("Compatible() = %v, want %v", got, tt.want)
			}
			// The gate is symmetric.
			if got := Compatible(b, a, nil); got != tt.want {
				t.Errorf("Compatible() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompatible_SelfAndBlocks(t *testing.T) {
	a := entry("a", profile.Profile{PreferredGender: profile.PrefBoth}, 0)
	same := entry("a", profile.Profile{PreferredGender: profile.PrefBoth}, 0)
	if Compatible(a, same, nil) {
		t.Error("a user must not match themselves")
	}

	b := entry("b", profile.Profile{PreferredGender: profile.PrefBoth}, 0)
	b.Profile.Blocked = []string{"a"}
	if Compatible(a, b, nil) {
		t.Error("blocklists must gate in either direction")
	}
	if Compatible(b, a, nil) {
		t.Error("blocklists must gate in either direction")
	}
}

type staticHistory map[[2]string]bool

func (h staticHistory) Contains(a, b string) bool {
	return h[[2]string{a, b}] || h[[2]string{b, a}]
}

func TestCompatible_RecentPairExcluded(t *testing.T) {
	a := entry("a", profile.Profile{PreferredGender: profile.PrefBoth}, 0)
	b := entry("b", profile.Profile{PreferredGender: profile.PrefBoth}, 0)

	recent := staticHistory{[2]string{"a", "b"}: true}
	if Compatible(a, b, recent) {
		t.Error("recently paired users must not rematch")
	}
	if !Compatible(a, b, staticHistory{}) {
		t.Error("expected compatible without history entry")
	}
}

func TestInterestScore(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"music", "gaming"}, []string{"music", "gaming"}, 1.0},
		{"half overlap", []string{"music", "gaming", "art"}, []string{"music", "gaming", "film"}, 0.5},
		{"disjoint", []string{"music"}, []string{"gaming"}, 0.0},
		{"case insensitive", []string{"Music"}, []string{"music"}, 1.0},
		{"empty a neutral", nil, []string{"music"}, 0.5},
		{"empty b neutral", []string{"music"}, nil, 0.5},
		{"both empty neutral", nil, nil, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := interestScore(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("interestScore(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestWaitScore(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want float64
	}{
		{0, 0},
		{-time.Second, 0},
		{30 * time.Second, 0.25},
		{time.Minute, 0.5},
		{WaitHorizon, 1.0},
		{10 * time.Minute, 1.0},
	}

	for _, tt := range tests {
		got := waitScore(tt.wait)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("waitScore(%v) = %v, want %v", tt.wait, got, tt.want)
		}
	}
}

func TestReputationScore(t *testing.T) {
	tests := []struct {
		name string
		p    profile.Profile
		want float64
	}{
		{"baseline", profile.Profile{}, 0.8},
		{"verified", profile.Profile{EmailVerified: true}, 1.0},
		{"one report", profile.Profile{ReportCount: 1}, 0.7},
		{"warnings", profile.Profile{WarningCount: 2}, 0.7},
		{"floored at zero", profile.Profile{ReportCount: 20}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reputationScore(&tt.p)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("reputationScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgeScore(t *testing.T) {
	birth := func(age int) time.Time { return testNow.AddDate(-age, -1, 0) }

	tests := []struct {
		name string
		a, b profile.Profile
		want float64
	}{
		{"close ages", profile.Profile{BirthDate: birth(25)}, profile.Profile{BirthDate: birth(27)}, 1.0},
		{"five apart", profile.Profile{BirthDate: birth(25)}, profile.Profile{BirthDate: birth(30)}, 0.8},
		{"ten apart", profile.Profile{BirthDate: birth(25)}, profile.Profile{BirthDate: birth(35)}, 0.6},
		{"far apart", profile.Profile{BirthDate: birth(20)}, profile.Profile{BirthDate: birth(45)}, 0.3},
		{"unknown neutral", profile.Profile{}, profile.Profile{BirthDate: birth(30)}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ageScore(&tt.a, &tt.b, testNow)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ageScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScore_PerfectMatch(t *testing.T) {
	a := entry("a", profile.Profile{
		Gender:          "male",
		PreferredGender: "female",
		Interests:       []string{"music", "gaming"},
		Region:          "eu",
		BirthDate:       testNow.AddDate(-25, -1, 0),
	}, 0)
	b := entry("b", profile.Profile{
		Gender:          "female",
		PreferredGender: "male",
		Interests:       []string{"music", "gaming"},
		Region:          "eu",
		EmailVerified:   true,
		BirthDate:       testNow.AddDate(-26, -1, 0),
	}, 5*time.Minute)

	got := Score(a, b, testNow, DefaultWeights())
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Score() = %v, want 1.0", got)
	}
}

func TestScore_InRange(t *testing.T) {
	a := entry("a", profile.Profile{PreferredGender: profile.PrefBoth}, 0)
	b := entry("b", profile.Profile{PreferredGender: profile.PrefBoth, ReportCount: 9}, 0)

	got := Score(a, b, testNow, DefaultWeights())
	if got < 0 || got > 1 {
		t.Fatalf("Score() = %v, want value in [0,1]", got)
	}
}

func TestScore_LongerWaitRanksHigher(t *testing.T) {
	a := entry("a", profile.Profile{PreferredGender: profile.PrefBoth}, 0)
	fresh := entry("b", profile.Profile{PreferredGender: profile.PrefBoth}, 5*time.Second)
	waiting := entry("c", profile.Profile{PreferredGender: profile.PrefBoth}, 90*time.Second)

	w := DefaultWeights()
	if Score(a, waiting, testNow, w) <= Score(a, fresh, testNow, w) {
		t.Error("a longer-waiting candidate should outscore an otherwise identical fresh one")
	}
}

func TestPriority(t *testing.T) {
	tests := []struct {
		name  string
		p     profile.Profile
		bonus int
		want  int
	}{
		{"free baseline", profile.Profile{Tier: profile.TierFree}, 0, 0},
		{"plus", profile.Profile{Tier: profile.TierPlus}, 0, 50},
		{"pro", profile.Profile{Tier: profile.TierPro}, 0, 100},
		{"verified good standing", profile.Profile{Tier: profile.TierFree, EmailVerified: true, GoodStanding: true}, 0, 15},
		{"report penalty", profile.Profile{Tier: profile.TierPlus, ReportCount: 3}, 0, 44},
		{"gate bonus", profile.Profile{Tier: profile.TierFree}, 25, 25},
		{"floored at zero", profile.Profile{Tier: profile.TierFree, ReportCount: 10}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Priority(&tt.p, tt.bonus); got != tt.want {
				t.Errorf("Priority() = %d, want %d", got, tt.want)
			}
		})
	}
}
