package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pairline/call-app/internal/profile"
)

func testEntry(userID string, priority int, joined time.Time) *Entry {
	return &Entry{
		UserID:   userID,
		ConnID:   "conn-" + userID,
		Profile:  profile.Profile{ID: userID, PreferredGender: profile.PrefBoth},
		Priority: priority,
		JoinedAt: joined,
	}
}

func TestShardForStable(t *testing.T) {
	s := NewMemoryStore(16)
	for _, id := range []string{"alice", "bob", "anon:conn-1", "u-42"} {
		first := s.ShardFor(id)
		for i := 0; i < 10; i++ {
			if got := s.ShardFor(id); got != first {
				t.Fatalf("ShardFor(%q) not stable: got %d then %d", id, first, got)
			}
		}
		if first < 0 || first >= 16 {
			t.Fatalf("ShardFor(%q) = %d, out of range", id, first)
		}
	}
}

func TestEnqueueGetRemove(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()
	now := time.Now()

	e := testEntry("alice", 10, now)
	if err := s.Enqueue(ctx, e); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if e.Version == 0 {
		t.Fatal("Enqueue must assign a non-zero version")
	}

	got, err := s.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil || got.UserID != "alice" || got.Priority != 10 {
		t.Fatalf("Get() = %+v, want alice with priority 10", got)
	}

	if err := s.Remove(ctx, "alice"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	got, err = s.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Fatalf("Get() after Remove = %+v, want nil", got)
	}

	// Removing an absent user is a no-op.
	if err := s.Remove(ctx, "nobody"); err != nil {
		t.Fatalf("Remove(absent) error: %v", err)
	}
}

func TestEnqueueReplacesAndBumpsVersion(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()

	first := testEntry("alice", 10, time.Now())
	s.Enqueue(ctx, first)

	second := testEntry("alice", 20, time.Now())
	s.Enqueue(ctx, second)
	if second.Version <= first.Version {
		t.Fatalf("versions must increase: %d then %d", first.Version, second.Version)
	}

	got, _ := s.Get(ctx, "alice")
	if got.Priority != 20 {
		t.Fatalf("expected replacement entry, got priority %d", got.Priority)
	}

	// The stale first entry can no longer be claimed.
	ok, err := s.Claim(ctx, first)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if ok {
		t.Fatal("Claim of a replaced entry must fail")
	}
}

func TestCandidatesOrdering(t *testing.T) {
	// One shard forces every entry into the same candidate list.
	s := NewMemoryStore(1)
	ctx := context.Background()
	base := time.Now()

	s.Enqueue(ctx, testEntry("low-old", 0, base.Add(-3*time.Minute)))
	s.Enqueue(ctx, testEntry("high", 50, base.Add(-time.Minute)))
	s.Enqueue(ctx, testEntry("low-new", 0, base))
	s.Enqueue(ctx, testEntry("me", 99, base))

	got, err := s.Candidates(ctx, 0, "me", 0)
	if err != nil {
		t.Fatalf("Candidates() error: %v", err)
	}

	want := []string{"high", "low-old", "low-new"}
	if len(got) != len(want) {
		t.Fatalf("Candidates() returned %d entries, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].UserID != id {
			t.Errorf("candidate[%d] = %q, want %q", i, got[i].UserID, id)
		}
	}
}

func TestCandidatesLimit(t *testing.T) {
	s := NewMemoryStore(1)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Enqueue(ctx, testEntry(fmt.Sprintf("u%d", i), i, time.Now()))
	}

	got, err := s.Candidates(ctx, 0, "", 3)
	if err != nil {
		t.Fatalf("Candidates() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Candidates(limit=3) returned %d entries", len(got))
	}
	// Highest priorities first.
	if got[0].UserID != "u9" || got[1].UserID != "u8" || got[2].UserID != "u7" {
		t.Errorf("unexpected top candidates: %s %s %s", got[0].UserID, got[1].UserID, got[2].UserID)
	}
}

func TestClaim(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()

	e := testEntry("alice", 0, time.Now())
	s.Enqueue(ctx, e)

	ok, err := s.Claim(ctx, e)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if !ok {
		t.Fatal("expected first Claim to succeed")
	}

	// Second claim of the same entry must fail: it is already consumed.
	ok, err = s.Claim(ctx, e)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if ok {
		t.Fatal("expected second Claim to fail")
	}

	if got, _ := s.Get(ctx, "alice"); got != nil {
		t.Fatal("claimed entry must be removed from the pool")
	}
}

func TestClaimRace_OnlyOneWinner(t *testing.T) {
	s := NewMemoryStore(4)
	ctx := context.Background()

	e := testEntry("contested", 0, time.Now())
	s.Enqueue(ctx, e)

	const racers = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			claim := *e
			ok, err := s.Claim(ctx, &claim)
			if err != nil {
				t.Errorf("Claim() error: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", wins.Load())
	}
}

func TestSizeAndShard(t *testing.T) {
	s := NewMemoryStore(8)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		s.Enqueue(ctx, testEntry(fmt.Sprintf("u%d", i), 0, time.Now()))
	}

	size, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}
	if size != 20 {
		t.Fatalf("Size() = %d, want 20", size)
	}

	total := 0
	for shard := 0; shard < s.ShardCount(); shard++ {
		entries, err := s.Shard(ctx, shard)
		if err != nil {
			t.Fatalf("Shard(%d) error: %v", shard, err)
		}
		for _, e := range entries {
			if s.ShardFor(e.UserID) != shard {
				t.Errorf("entry %q found in shard %d, hashes to %d", e.UserID, shard, s.ShardFor(e.UserID))
			}
		}
		total += len(entries)
	}
	if total != 20 {
		t.Fatalf("shards hold %d entries in total, want 20", total)
	}
}

func TestWaitTime(t *testing.T) {
	now := time.Now()
	e := testEntry("alice", 0, now.Add(-90*time.Second))
	if got := e.WaitTime(now); got != 90*time.Second {
		t.Fatalf("WaitTime() = %v, want 90s", got)
	}
}
