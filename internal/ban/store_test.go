package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestClient returns a Redis client on the test database (DB 15) or skips
// the test when Redis is not running locally.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, pattern := range []string{BanPrefix + "test_*", ReportsPrefix + "test_*", BlocksPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return client
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(newTestClient(t))
}

func TestIsBanned_NotBanned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	banned, remaining, reason, err := store.IsBanned(ctx, "test_no_ban")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Errorf("expected not banned, got banned (remaining=%d reason=%q)", remaining, reason)
	}
}

func TestBanAndCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	subject := "test_ban_check"

	if err := store.Ban(ctx, subject, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	banned, remaining, reason, err := store.IsBanned(ctx, subject)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true")
	}
	if reason != "spam" {
		t.Errorf("expected reason=%q, got %q", "spam", reason)
	}
	if remaining <= 0 || remaining > 30 {
		t.Errorf("expected remaining in (0,30], got %d", remaining)
	}
}

func TestUnban(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	subject := "test_unban"

	if err := store.Ban(ctx, subject, time.Minute, "test"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	banned, _, _, _ := store.IsBanned(ctx, subject)
	if !banned {
		t.Fatal("expected banned=true after Ban()")
	}

	if err := store.Unban(ctx, subject); err != nil {
		t.Fatalf("Unban() error: %v", err)
	}
	banned, _, _, err := store.IsBanned(ctx, subject)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if banned {
		t.Error("expected not banned after Unban()")
	}
}

func TestEscalationDuration(t *testing.T) {
	cases := []struct {
		count    int
		expected time.Duration
	}{
		{0, Ban15Min},
		{1, Ban15Min},
		{2, Ban1Hour},
		{3, Ban24Hour},
		{4, Ban24Hour},
		{10, Ban24Hour},
	}
	for _, tc := range cases {
		got := escalationDuration(tc.count)
		if got != tc.expected {
			t.Errorf("escalationDuration(%d) = %v, want %v", tc.count, got, tc.expected)
		}
	}
}

func TestGetOffenseCount_NoOffenses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	count, err := store.GetOffenseCount(ctx, "test_no_offenses")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 offenses, got %d", count)
	}
}

func TestEscalate_FirstOffense_15Min(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	subject := "test_escalate_1st"

	duration, err := store.Escalate(ctx, subject, "spam")
	if err != nil {
		t.Fatalf("Escalate() error: %v", err)
	}
	if duration != Ban15Min {
		t.Errorf("1st offense: expected %v, got %v", Ban15Min, duration)
	}

	banned, remaining, reason, err := store.IsBanned(ctx, subject)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true after 1st offense")
	}
	if reason != "spam" {
		t.Errorf("expected reason=%q, got %q", "spam", reason)
	}
	// 15 min = 900 seconds; allow some slack for test execution time.
	if remaining < 890 || remaining > 900 {
		t.Errorf("expected remaining ~900s, got %d", remaining)
	}

	count, err := store.GetOffenseCount(ctx, subject)
	if err != nil {
		t.Fatalf("GetOffenseCount() error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected offense count=1, got %d", count)
	}
}

func TestEscalate_SecondOffense_1Hour(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	subject := "test_escalate_2nd"

	if _, err := store.Escalate(ctx, subject, "spam"); err != nil {
		t.Fatalf("1st Escalate() error: %v", err)
	}

	// Unban so the second offense's duration can be observed cleanly.
	store.Unban(ctx, subject)

	duration, err := store.Escalate(ctx, subject, "harassment")
	if err != nil {
		t.Fatalf("2nd Escalate() error: %v", err)
	}
	if duration != Ban1Hour {
		t.Errorf("2nd offense: expected %v, got %v", Ban1Hour, duration)
	}

	banned, remaining, _, err := store.IsBanned(ctx, subject)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true after 2nd offense")
	}
	if remaining < 3590 || remaining > 3600 {
		t.Errorf("expected remaining ~3600s, got %d", remaining)
	}

	count, _ := store.GetOffenseCount(ctx, subject)
	if count != 2 {
		t.Errorf("expected offense count=2, got %d", count)
	}
}

func TestEscalate_ThirdOffenseAndBeyond_Capped24Hour(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	subject := "test_escalate_3rd"

	store.Escalate(ctx, subject, "spam")
	store.Escalate(ctx, subject, "spam")
	store.Unban(ctx, subject)

	duration, err := store.Escalate(ctx, subject, "serious")
	if err != nil {
		t.Fatalf("3rd Escalate() error: %v", err)
	}
	if duration != Ban24Hour {
		t.Errorf("3rd offense: expected %v, got %v", Ban24Hour, duration)
	}

	_, remaining, _, _ := store.IsBanned(ctx, subject)
	if remaining < 86390 || remaining > 86400 {
		t.Errorf("expected remaining ~86400s, got %d", remaining)
	}

	// No permanent bans: the 4th offense stays at 24h.
	store.Unban(ctx, subject)
	duration, err = store.Escalate(ctx, subject, "repeat")
	if err != nil {
		t.Fatalf("4th Escalate() error: %v", err)
	}
	if duration != Ban24Hour {
		t.Errorf("4th offense: expected %v (capped), got %v", Ban24Hour, duration)
	}
}

func TestReportAndCheck_BelowThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	subject := "test_report_below"

	banned, duration, err := store.ReportAndCheck(ctx, subject, "rude")
	if err != nil {
		t.Fatalf("ReportAndCheck() error: %v", err)
	}
	if banned {
		t.Error("expected banned=false after 1 report")
	}
	if duration != 0 {
		t.Errorf("expected duration=0, got %v", duration)
	}

	banned, _, err = store.ReportAndCheck(ctx, subject, "rude")
	if err != nil {
		t.Fatalf("ReportAndCheck() error: %v", err)
	}
	if banned {
		t.Error("expected banned=false after 2 reports")
	}

	isBanned, _, _, _ := store.IsBanned(ctx, subject)
	if isBanned {
		t.Error("subject should not be banned with only 2 reports")
	}
}

func TestReportAndCheck_AutoBanAt3Reports(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	subject := "test_report_autoban"

	store.ReportAndCheck(ctx, subject, "spam")
	store.ReportAndCheck(ctx, subject, "spam")

	banned, duration, err := store.ReportAndCheck(ctx, subject, "spam")
	if err != nil {
		t.Fatalf("ReportAndCheck() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true after 3 reports")
	}
	// The 3rd report maps to Ban24Hour via escalationDuration.
	if duration != Ban24Hour {
		t.Errorf("expected ban duration %v, got %v", Ban24Hour, duration)
	}

	isBanned, _, reason, _ := store.IsBanned(ctx, subject)
	if !isBanned {
		t.Fatal("expected IsBanned=true after auto-ban")
	}
	if reason != "multiple_reports" {
		t.Errorf("expected reason=%q, got %q", "multiple_reports", reason)
	}
}

func TestReportAndCheck_SubsequentReportsStillBan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	subject := "test_report_subsequent"

	store.ReportAndCheck(ctx, subject, "spam")
	store.ReportAndCheck(ctx, subject, "spam")
	store.ReportAndCheck(ctx, subject, "spam")

	banned, duration, err := store.ReportAndCheck(ctx, subject, "spam")
	if err != nil {
		t.Fatalf("ReportAndCheck() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true for 4th+ report")
	}
	if duration != Ban24Hour {
		t.Errorf("expected %v, got %v", Ban24Hour, duration)
	}
}

func TestReportCounterTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	subject := "test_report_ttl"

	store.ReportAndCheck(ctx, subject, "test")

	key := ReportsPrefix + subject
	ttl, err := store.client.TTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl < 86390*time.Second || ttl > 86400*time.Second {
		t.Errorf("expected TTL ~24h, got %v", ttl)
	}
}

func TestBlockStore(t *testing.T) {
	client := newTestClient(t)
	blocks := NewBlockStore(client)
	ctx := context.Background()

	blocked, err := blocks.Blocked(ctx, "test_blocker")
	if err != nil {
		t.Fatalf("Blocked() error: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("expected no blocks, got %v", blocked)
	}

	if err := blocks.Block(ctx, "test_blocker", "user-a"); err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	if err := blocks.Block(ctx, "test_blocker", "user-b"); err != nil {
		t.Fatalf("Block() error: %v", err)
	}
	// Blocking the same user twice is a no-op.
	if err := blocks.Block(ctx, "test_blocker", "user-a"); err != nil {
		t.Fatalf("Block() error: %v", err)
	}

	blocked, err = blocks.Blocked(ctx, "test_blocker")
	if err != nil {
		t.Fatalf("Blocked() error: %v", err)
	}
	if len(blocked) != 2 {
		t.Fatalf("expected 2 blocks, got %v", blocked)
	}

	ttl, err := client.TTL(ctx, BlocksPrefix+"test_blocker").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > BlocksTTL {
		t.Errorf("expected TTL in (0,%v], got %v", BlocksTTL, ttl)
	}
}
