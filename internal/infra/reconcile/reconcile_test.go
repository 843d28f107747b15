package reconcile

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/budget"
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

// ─── Adaptive Threshold ─────────────────────────────────────────────────────

func TestDriftThreshold(t *testing.T) {
	tests := []struct {
		name    string
		rate    float64
		lag     time.Duration
		avgCost domain.MicroUSD
		want    domain.MicroUSD
	}{
		{
			// 1000/min at 30s lag and $0.05 average cost: $0.50 base plus
			// 8% of the $25 expected in flight = $2.50.
			name: "busy system", rate: 1000, lag: 30 * time.Second, avgCost: 50_000,
			want: 2_500_000,
		},
		{
			name: "idle system floors", rate: 0, lag: 30 * time.Second, avgCost: 0,
			want: 500_000,
		},
		{
			name: "huge throughput clamps to ceiling", rate: 1_000_000, lag: time.Hour, avgCost: 1_000_000,
			want: 100_000_000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DriftThreshold(tt.rate, tt.lag, tt.avgCost); got != tt.want {
				t.Errorf("DriftThreshold(%v, %v, %d) = %d, want %d",
					tt.rate, tt.lag, tt.avgCost, got, tt.want)
			}
		})
	}
}

func TestDriftThreshold_MonotonicInThroughput(t *testing.T) {
	low := DriftThreshold(10, 30*time.Second, 50_000)
	high := DriftThreshold(1000, 30*time.Second, 50_000)
	if high <= low {
		t.Fatalf("threshold not monotonic: rate 10 → %d, rate 1000 → %d", low, high)
	}
}

// ─── Controller ─────────────────────────────────────────────────────────────

type fixture struct {
	db     *sqlite.DB
	path   string
	budget *budget.Service
	ctrl   *Controller
	now    time.Time
}

func newFixture(t *testing.T, dailyCap domain.MicroUSD) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.Open(path, slog.Default())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:   db,
		path: path,
		now:  time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	f.db.SetClock(func() time.Time { return f.now })

	svc, err := budget.NewService(f.db, dailyCap, 0, slog.Default())
	if err != nil {
		t.Fatalf("budget.NewService() error: %v", err)
	}
	svc.SetClock(func() time.Time { return f.now })
	f.budget = svc

	f.ctrl = NewController(f.db, svc, slog.Default())
	f.ctrl.SetClock(func() time.Time { return f.now })
	return f
}

// finalize runs one reserve+finalize through the budget finalizer so both
// the table and the cache record the spend.
func (f *fixture) finalize(t *testing.T, agentID string, actual domain.MicroUSD) {
	t.Helper()
	ctx := context.Background()
	resID, err := f.db.Reserve(ctx, agentID, actual)
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	fin := budget.NewFinalizer(f.db, f.budget, slog.Default())
	if err := fin.Finalize(ctx, resID, agentID, actual); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
}

// skewBudgetRows shifts an agent's recorded window spend directly, outside
// the dual-write path — the divergence reconciliation exists to catch.
func (f *fixture) skewBudgetRows(t *testing.T, agentID string, delta int64) {
	t.Helper()
	raw, err := sql.Open("sqlite", f.path)
	if err != nil {
		t.Fatalf("open raw handle: %v", err)
	}
	defer raw.Close()
	res, err := raw.Exec(`
		UPDATE budget_finalizations SET amount_micro = amount_micro + ? WHERE agent_id = ?
	`, delta, agentID)
	if err != nil {
		t.Fatalf("skew budget rows: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t.Fatalf("no budget rows for %s to skew", agentID)
	}
}

func TestRunOnce_CleanBooks(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()

	if _, err := f.db.Mint(ctx, "agent-1", 1_000_000, time.Time{}); err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	f.finalize(t, "agent-1", 250_000)

	report, err := f.ctrl.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("clean books flagged: %+v", report)
	}
	if report.Threshold < 500_000 {
		t.Errorf("threshold below floor: %d", report.Threshold)
	}
}

func TestRunOnce_HardOverspendAlarm(t *testing.T) {
	// Cap below what actually finalized: the advisory check failed its job
	// and reconciliation must say so.
	f := newFixture(t, 200_000)
	ctx := context.Background()

	if _, err := f.db.Mint(ctx, "agent-1", 1_000_000, time.Time{}); err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	f.finalize(t, "agent-1", 150_000)
	f.finalize(t, "agent-1", 150_000)

	var raised []Alarm
	f.ctrl.OnAlarm = func(a Alarm) { raised = append(raised, a) }

	report, err := f.ctrl.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	found := false
	for _, a := range report.Alarms {
		if a.Kind == AlarmHardOverspend && a.AgentID == "agent-1" {
			found = true
			if a.Actual != 300_000 {
				t.Errorf("alarm actual = %d, want 300000", a.Actual)
			}
		}
	}
	if !found {
		t.Fatalf("no hard overspend alarm in %+v", report.Alarms)
	}
	if len(raised) != len(report.Alarms) {
		t.Errorf("OnAlarm saw %d alarms, report has %d", len(raised), len(report.Alarms))
	}
}

func TestRunOnce_CacheKeyMissingAlarm(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()

	if _, err := f.db.Mint(ctx, "agent-1", 1_000_000, time.Time{}); err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	// Spend recorded through the raw dual-write, bypassing the fast cache —
	// the window key the advisory check depends on never got populated.
	resID, _ := f.db.Reserve(ctx, "agent-1", 100_000)
	if _, err := f.db.FinalizeWithBudget(ctx, resID, "agent-1", 100_000); err != nil {
		t.Fatalf("FinalizeWithBudget() error: %v", err)
	}

	report, err := f.ctrl.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	found := false
	for _, a := range report.Alarms {
		if a.Kind == AlarmCacheKeyMissing {
			found = true
		}
	}
	if !found {
		t.Fatalf("no cache-key-missing alarm in %+v", report.Alarms)
	}
}

func TestRunOnce_RecordedAboveLedgerAlarmsUnconditionally(t *testing.T) {
	f := newFixture(t, 10_000_000)
	ctx := context.Background()

	if _, err := f.db.Mint(ctx, "agent-1", 1_000_000, time.Time{}); err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	f.finalize(t, "agent-1", 150_000)

	// Recorded spend exceeds ledger actuals by less than any drift threshold
	// could be. Lag cannot produce this direction, so it must alarm anyway.
	f.skewBudgetRows(t, "agent-1", +100_000)

	report, err := f.ctrl.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if 100_000 > report.Threshold {
		t.Fatalf("skew %d not below threshold %d, test proves nothing", 100_000, report.Threshold)
	}
	found := false
	for _, a := range report.Alarms {
		if a.Kind == AlarmHardOverspend && a.AgentID == "agent-1" {
			found = true
			if a.Expected != 150_000 || a.Actual != 250_000 {
				t.Errorf("alarm expected/actual = %d/%d, want 150000/250000", a.Expected, a.Actual)
			}
		}
	}
	if !found {
		t.Fatalf("no hard overspend alarm on secondary excess: %+v", report.Alarms)
	}
}

func TestRunOnce_DriftAboveThresholdAlarms(t *testing.T) {
	f := newFixture(t, 10_000_000)
	ctx := context.Background()

	if _, err := f.db.Mint(ctx, "agent-1", 10_000_000, time.Time{}); err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	f.finalize(t, "agent-1", 6_000_000)

	// A $5.00 shortfall in the budget table against ledger actuals — far past
	// any threshold a lightly loaded system can justify.
	f.skewBudgetRows(t, "agent-1", -5_000_000)

	report, err := f.ctrl.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if report.Threshold >= 5_000_000 {
		t.Fatalf("threshold %d swallowed the $5 drift, test proves nothing", report.Threshold)
	}
	var drift, overspend bool
	for _, a := range report.Alarms {
		switch a.Kind {
		case AlarmAccountingDrift:
			drift = true
		case AlarmHardOverspend:
			overspend = true
		}
	}
	if !drift {
		t.Fatalf("no drift alarm on $5 divergence: %+v", report.Alarms)
	}
	if overspend {
		t.Error("ledger-ahead drift misclassified as hard overspend")
	}
}

func TestRunOnce_DriftWithinThresholdIsQuiet(t *testing.T) {
	f := newFixture(t, 10_000_000)
	ctx := context.Background()

	if _, err := f.db.Mint(ctx, "agent-1", 5_000_000, time.Time{}); err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
	f.finalize(t, "agent-1", 400_000)

	report, err := f.ctrl.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	for _, a := range report.Alarms {
		if a.Kind == AlarmAccountingDrift {
			t.Fatalf("drift alarm on agreeing books: %+v", a)
		}
	}
}
