package profile

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAge(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		birth time.Time
		want  int
	}{
		{"unknown", time.Time{}, -1},
		{"birthday passed", time.Date(2000, 3, 1, 0, 0, 0, 0, time.UTC), 26},
		{"birthday upcoming", time.Date(2000, 9, 1, 0, 0, 0, 0, time.UTC), 25},
		{"birthday today", time.Date(2000, 6, 15, 0, 0, 0, 0, time.UTC), 26},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Profile{BirthDate: tt.birth}
			if got := p.Age(now); got != tt.want {
				t.Errorf("Age() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBlocks(t *testing.T) {
	p := Profile{Blocked: []string{"u1", "u2"}}
	if !p.Blocks("u1") || !p.Blocks("u2") {
		t.Error("Blocks() must report listed users")
	}
	if p.Blocks("u3") {
		t.Error("Blocks() must not report unlisted users")
	}

	var empty Profile
	if empty.Blocks("u1") {
		t.Error("empty blocklist must block nobody")
	}
}

func TestAnonymous(t *testing.T) {
	p := Anonymous("conn-9")

	if p.ID != "anon:conn-9" {
		t.Errorf("ID = %q, want %q", p.ID, "anon:conn-9")
	}
	if p.Tier != TierFree {
		t.Errorf("Tier = %q, want %q", p.Tier, TierFree)
	}
	if p.PreferredGender != PrefBoth {
		t.Errorf("PreferredGender = %q, want %q", p.PreferredGender, PrefBoth)
	}
	if !p.BirthDate.IsZero() {
		t.Error("anonymous profiles carry no birth date")
	}
}

func TestIsAnonymous(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"anon:conn-9", true},
		{"user-42", false},
		{"anon:", false},
		{"", false},
		{"anonymous", false},
	}
	for _, tt := range tests {
		if got := IsAnonymous(tt.id); got != tt.want {
			t.Errorf("IsAnonymous(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestStaticDirectory(t *testing.T) {
	dir := NewStaticDirectory(Profile{ID: "user-1", Tier: TierPro})
	ctx := context.Background()

	p, err := dir.GetUser(ctx, "user-1")
	if err != nil || p == nil || p.Tier != TierPro {
		t.Fatalf("GetUser(user-1) = %v, %v", p, err)
	}

	// Returned profiles are copies; mutating one must not leak back.
	p.Tier = TierFree
	again, _ := dir.GetUser(ctx, "user-1")
	if again.Tier != TierPro {
		t.Error("GetUser must return an independent copy")
	}

	// Anonymous IDs are synthesized, never ErrNotFound.
	anon, err := dir.GetUser(ctx, "anon:conn-9")
	if err != nil {
		t.Fatalf("GetUser(anon) error: %v", err)
	}
	if anon.ID != "anon:conn-9" || anon.Tier != TierFree {
		t.Errorf("GetUser(anon) = %+v, want synthesized anonymous profile", anon)
	}

	_, err = dir.GetUser(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUser(missing) error = %v, want ErrNotFound", err)
	}

	dir.Put(Profile{ID: "user-2", Tier: TierPlus})
	p2, err := dir.GetUser(ctx, "user-2")
	if err != nil || p2.Tier != TierPlus {
		t.Fatalf("GetUser(user-2) after Put = %v, %v", p2, err)
	}
}
