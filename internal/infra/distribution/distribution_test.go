package distribution

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func launchRule() domain.DistributionRule {
	return domain.DistributionRule{
		RuleID:       "rule-1",
		Name:         "launch",
		ReferrerBps:  500,
		CommonsBps:   300,
		CommunityBps: 200,
		TreasuryBps:  0,
	}
}

// ─── Split ──────────────────────────────────────────────────────────────────

func TestSplit_FoundationAbsorbsRemainder(t *testing.T) {
	tests := []struct {
		name  string
		total domain.MicroUSD
		want  Shares
	}{
		{
			// The odd micro-USD lands in the foundation share, never lost.
			name:  "odd total",
			total: 1_000_001,
			want:  Shares{Referrer: 50_000, Commons: 30_000, Community: 20_000, Treasury: 0, Foundation: 900_001},
		},
		{
			name:  "round total",
			total: 1_000_000,
			want:  Shares{Referrer: 50_000, Commons: 30_000, Community: 20_000, Treasury: 0, Foundation: 900_000},
		},
		{
			// Below one bps of resolution everything floors to zero and the
			// foundation takes the whole amount.
			name:  "tiny total",
			total: 19,
			want:  Shares{Foundation: 19},
		},
		{
			name:  "zero total",
			total: 0,
			want:  Shares{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(launchRule(), tt.total)
			if err != nil {
				t.Fatalf("Split() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Split(%d) = %+v, want %+v", tt.total, got, tt.want)
			}
			if got.Total() != tt.total {
				t.Errorf("shares sum %d != total %d", got.Total(), tt.total)
			}
		})
	}
}

func TestSplit_NegativeTotal(t *testing.T) {
	if _, err := Split(launchRule(), -1); err != domain.ErrInvalidAmount {
		t.Fatalf("Split(-1): err = %v, want ErrInvalidAmount", err)
	}
}

// ─── Service ────────────────────────────────────────────────────────────────

func TestDistribute_PersistsPoolsAndEarnings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewService(db, 48*time.Hour, slog.Default())

	if _, err := db.ActivateRule(ctx, "launch", 500, 300, 200, 0); err != nil {
		t.Fatalf("ActivateRule() error: %v", err)
	}

	shares, err := svc.Distribute(ctx, "charge-1", "agent-1", "ref-1", 1_000_001)
	if err != nil {
		t.Fatalf("Distribute() error: %v", err)
	}
	if shares.Foundation != 900_001 {
		t.Fatalf("foundation = %d, want 900001", shares.Foundation)
	}

	for pool, want := range map[string]domain.MicroUSD{
		sqlite.PoolCommons:    30_000,
		sqlite.PoolCommunity:  20_000,
		sqlite.PoolTreasury:   0,
		sqlite.PoolFoundation: 900_001,
	} {
		got, err := db.PoolBalance(pool)
		if err != nil {
			t.Fatalf("PoolBalance(%s) error: %v", pool, err)
		}
		if got != want {
			t.Errorf("pool %s = %d, want %d", pool, got, want)
		}
	}

	// The referrer share became a held earning, not a pool credit.
	eligible, err := db.EligibleEarnings(time.Now().UTC().Add(72*time.Hour), sqlite.BatchLimit)
	if err != nil {
		t.Fatalf("EligibleEarnings() error: %v", err)
	}
	if len(eligible) != 1 || eligible[0].AccountID != "ref-1" || eligible[0].Amount != 50_000 {
		t.Fatalf("referrer earning = %+v, want ref-1 for 50000", eligible)
	}
}

func TestDistribute_NoReferrerFoldsIntoFoundation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	svc := NewService(db, 48*time.Hour, slog.Default())

	if _, err := db.ActivateRule(ctx, "launch", 500, 300, 200, 0); err != nil {
		t.Fatalf("ActivateRule() error: %v", err)
	}

	shares, err := svc.Distribute(ctx, "charge-1", "agent-1", "", 1_000_000)
	if err != nil {
		t.Fatalf("Distribute() error: %v", err)
	}
	if shares.Referrer != 0 {
		t.Fatalf("referrer share without referrer = %d, want 0", shares.Referrer)
	}
	if shares.Foundation != 950_000 {
		t.Fatalf("foundation = %d, want 950000", shares.Foundation)
	}
}

func TestDistribute_NoActiveRule(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, 48*time.Hour, slog.Default())

	if _, err := svc.Distribute(context.Background(), "charge-1", "agent-1", "", 1_000); err != domain.ErrNoActiveRule {
		t.Fatalf("Distribute() without rule: err = %v, want ErrNoActiveRule", err)
	}
}

// ─── Score Rewards ──────────────────────────────────────────────────────────

func TestSplitByScore(t *testing.T) {
	rewards := []ScoreReward{
		{AccountID: "a", Score: 50},
		{AccountID: "b", Score: 30},
		{AccountID: "c", Score: 20},
	}

	out, err := SplitByScore(100_001, rewards)
	if err != nil {
		t.Fatalf("SplitByScore() error: %v", err)
	}
	// Floors: 50000, 30000, 20000 — the remainder micro-USD goes to the top
	// scorer.
	if out[0].Amount != 50_001 || out[1].Amount != 30_000 || out[2].Amount != 20_000 {
		t.Fatalf("amounts = %d/%d/%d, want 50001/30000/20000",
			out[0].Amount, out[1].Amount, out[2].Amount)
	}

	var sum domain.MicroUSD
	for _, r := range out {
		sum += r.Amount
	}
	if sum != 100_001 {
		t.Errorf("pool not conserved: %d", sum)
	}
}

func TestSplitByScore_ZeroScores(t *testing.T) {
	out, err := SplitByScore(10_000, []ScoreReward{
		{AccountID: "a", Score: 0},
		{AccountID: "b", Score: 0},
	})
	if err != nil {
		t.Fatalf("SplitByScore() error: %v", err)
	}
	for _, r := range out {
		if r.Amount != 0 {
			t.Errorf("%s got %d with zero score", r.AccountID, r.Amount)
		}
	}
}
