// Package reconcile runs the periodic audit pass over the books: three
// conservation identities and two budget cross-checks. It is strictly
// alert-only — a found divergence raises an alarm for a human, it is never
// "fixed" by writing to the ledger.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/budget"
	"github.com/lantern-network/lantern/internal/infra/observability"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

// DefaultInterval is how often the controller sweeps the books.
const DefaultInterval = 15 * time.Minute

// AlarmKind identifies one of the typed budget alarms.
type AlarmKind string

const (
	// AlarmHardOverspend fires when the budget table records more spend than
	// the primary ledger tracked — lag can never explain that direction, so
	// no threshold gates it — or when ledger actuals exceed the daily cap.
	AlarmHardOverspend AlarmKind = "BUDGET_HARD_OVERSPEND"

	// AlarmCacheKeyMissing fires when an agent has recorded spend but no
	// corresponding fast-cache entry, so advisory checks run blind for it.
	AlarmCacheKeyMissing AlarmKind = "BUDGET_CACHE_KEY_MISSING"

	// AlarmAccountingDrift fires when budget-table spend and ledger actuals
	// disagree by more than the adaptive threshold.
	AlarmAccountingDrift AlarmKind = "BUDGET_ACCOUNTING_DRIFT"
)

// Alarm is one raised budget alarm.
type Alarm struct {
	Kind     AlarmKind
	AgentID  string
	WindowID string
	Expected domain.MicroUSD
	Actual   domain.MicroUSD
	RaisedAt time.Time
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	RanAt              time.Time
	Threshold          domain.MicroUSD
	LotViolations      []sqlite.LotViolation
	ReceivableBreaks   []sqlite.ReceivableViolation
	PlatformConserved  bool
	Platform           sqlite.PlatformSums
	ReservationsSynced bool
	Alarms             []Alarm
}

// Clean reports whether the pass found nothing wrong.
func (r Report) Clean() bool {
	return len(r.LotViolations) == 0 &&
		len(r.ReceivableBreaks) == 0 &&
		r.PlatformConserved &&
		r.ReservationsSynced &&
		len(r.Alarms) == 0
}

// ─── Adaptive Drift Threshold ───────────────────────────────────────────────

const (
	thresholdFloor = domain.MicroUSD(500_000)     // $0.50
	thresholdCeil  = domain.MicroUSD(100_000_000) // $100

	// driftTolerance scales how much in-flight settlement volume is treated
	// as expected skew rather than drift.
	driftTolerance = 0.08

	// statsWindow is the trailing span used for throughput averages.
	statsWindow = time.Hour
)

// DriftThreshold sizes the drift alarm to current throughput: the busier the
// system and the longer the view lags, the more legitimately-in-flight money
// the two sides can disagree by. Clamped to [$0.50, $100].
func DriftThreshold(ratePerMin float64, lag time.Duration, avgCost domain.MicroUSD) domain.MicroUSD {
	dyn := ratePerMin * (lag.Seconds() / 60.0) * float64(avgCost) * driftTolerance
	t := thresholdFloor + domain.MicroUSD(dyn)
	if t < thresholdFloor {
		t = thresholdFloor
	}
	if t > thresholdCeil {
		t = thresholdCeil
	}
	return t
}

// ─── Controller ─────────────────────────────────────────────────────────────

// Controller runs the audit pass. OnAlarm, when set, receives every raised
// alarm in addition to the structured log line (metrics wiring hangs here).
type Controller struct {
	db      *sqlite.DB
	budget  *budget.Service
	logger  *slog.Logger
	now     func() time.Time
	lastRun time.Time

	OnAlarm func(Alarm)
}

// NewController creates a reconciliation controller.
func NewController(db *sqlite.DB, budget *budget.Service, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		db:     db,
		budget: budget,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// RunOnce executes a full reconciliation pass and returns its report.
func (c *Controller) RunOnce(ctx context.Context) (Report, error) {
	now := c.now().UTC()
	rep := Report{RanAt: now, ReservationsSynced: true}

	// Lag: how stale this view could be relative to the books. Bounded below
	// by a token second so a back-to-back rerun still carries some slack.
	lag := DefaultInterval
	if !c.lastRun.IsZero() {
		lag = now.Sub(c.lastRun)
	}
	if lag < time.Second {
		lag = time.Second
	}
	c.lastRun = now

	count, total, err := c.db.FinalizationStats(now.Add(-statsWindow))
	if err != nil {
		return rep, err
	}
	ratePerMin := float64(count) / statsWindow.Minutes()
	var avgCost domain.MicroUSD
	if count > 0 {
		avgCost = total / domain.MicroUSD(count)
	}
	rep.Threshold = DriftThreshold(ratePerMin, lag, avgCost)
	observability.DriftThreshold.Set(float64(rep.Threshold))

	if err := c.checkConservation(&rep); err != nil {
		return rep, err
	}
	if err := c.checkBudget(ctx, &rep, now); err != nil {
		return rep, err
	}

	if rep.Clean() {
		c.logger.Info("reconciliation pass clean",
			"threshold", rep.Threshold.String(), "rate_per_min", ratePerMin)
	}
	return rep, nil
}

// checkConservation runs the three conservation identities: per-lot,
// per-receivable, platform-wide.
func (c *Controller) checkConservation(rep *Report) error {
	lots, err := c.db.LotConservationViolations()
	if err != nil {
		return err
	}
	rep.LotViolations = lots
	for _, v := range lots {
		observability.ConservationViolations.WithLabelValues("lot").Inc()
		c.logger.Error("lot conservation violated",
			"lot_id", v.LotID, "account_id", v.AccountID, "delta", v.Delta.String())
	}

	recv, err := c.db.ReceivableViolations()
	if err != nil {
		return err
	}
	rep.ReceivableBreaks = recv
	for _, v := range recv {
		observability.ConservationViolations.WithLabelValues("receivable").Inc()
		c.logger.Error("receivable tracking violated",
			"receivable_id", v.ReceivableID, "account_id", v.AccountID, "delta", v.Delta.String())
	}

	sums, err := c.db.PlatformConservation()
	if err != nil {
		return err
	}
	rep.Platform = sums
	rep.PlatformConserved = sums.Conserved()
	if !rep.PlatformConserved {
		observability.ConservationViolations.WithLabelValues("platform").Inc()
		c.logger.Error("platform conservation violated",
			"lot_balances", sums.LotBalances.String(),
			"minted", sums.Minted.String(),
			"expired", sums.Expired.String())
	}
	return nil
}

// checkBudget cross-checks the budget table, the fast cache, and the primary
// ledger for every agent active in the current window, and verifies open
// reservations against lot holds.
func (c *Controller) checkBudget(ctx context.Context, rep *Report, now time.Time) error {
	windowID := sqlite.WindowID(now)
	agents, err := c.db.BudgetAgentsInWindow(windowID)
	if err != nil {
		return err
	}

	for _, agentID := range agents {
		recorded, err := c.db.WindowSpend(agentID, windowID)
		if err != nil {
			return err
		}
		actual, err := c.db.FinalizedSpendInWindow(agentID, windowID)
		if err != nil {
			return err
		}

		// Recorded spend above ledger actuals means the secondary system
		// invented money the primary never moved. Lag cannot produce that
		// direction, so any excess is an incident — no threshold applies.
		if recorded > actual {
			c.raise(rep, Alarm{
				Kind: AlarmHardOverspend, AgentID: agentID, WindowID: windowID,
				Expected: actual, Actual: recorded, RaisedAt: now,
			})
		}
		if actual > c.budget.DailyCap() {
			c.raise(rep, Alarm{
				Kind: AlarmHardOverspend, AgentID: agentID, WindowID: windowID,
				Expected: c.budget.DailyCap(), Actual: actual, RaisedAt: now,
			})
		}

		if delta := absDelta(recorded, actual); delta > rep.Threshold {
			c.raise(rep, Alarm{
				Kind: AlarmAccountingDrift, AgentID: agentID, WindowID: windowID,
				Expected: recorded, Actual: actual, RaisedAt: now,
			})
		}

		cached, ok := c.budget.CachedSpend(agentID, windowID)
		if !ok {
			c.raise(rep, Alarm{
				Kind: AlarmCacheKeyMissing, AgentID: agentID, WindowID: windowID,
				Expected: recorded, RaisedAt: now,
			})
		} else if delta := absDelta(cached, recorded); delta > rep.Threshold {
			c.raise(rep, Alarm{
				Kind: AlarmAccountingDrift, AgentID: agentID, WindowID: windowID,
				Expected: recorded, Actual: cached, RaisedAt: now,
			})
		}

		// Open reservations must match the reserved column on the lots.
		open, err := c.db.OpenReservedTotal(agentID)
		if err != nil {
			return err
		}
		bal, err := c.db.AccountBalance(agentID)
		if err != nil {
			return err
		}
		if open != bal.Reserved {
			rep.ReservationsSynced = false
			c.logger.Error("reservations out of sync with lot holds",
				"account_id", agentID,
				"open_reservations", open.String(),
				"lot_reserved", bal.Reserved.String())
		}
	}
	return nil
}

func (c *Controller) raise(rep *Report, a Alarm) {
	rep.Alarms = append(rep.Alarms, a)
	c.logger.Error("budget alarm",
		"kind", string(a.Kind), "agent_id", a.AgentID, "window_id", a.WindowID,
		"expected", a.Expected.String(), "actual", a.Actual.String())
	if c.OnAlarm != nil {
		c.OnAlarm(a)
	}
}

func absDelta(a, b domain.MicroUSD) domain.MicroUSD {
	if a > b {
		return a - b
	}
	return b - a
}

// Run sweeps on the given interval until the context ends.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.logger.Error("reconciliation pass failed", "err", err)
			}
		}
	}
}
