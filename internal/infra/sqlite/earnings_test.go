package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lantern-network/lantern/internal/domain"
)

const testHold = 48 * time.Hour

func mustEarn(t *testing.T, db *DB, accountID string, amount domain.MicroUSD) domain.ReferrerEarning {
	t.Helper()
	e, _, err := db.CreateEarning(context.Background(), CreateEarningParams{
		AccountID:   accountID,
		Kind:        domain.EarningReferrer,
		Amount:      amount,
		Hold:        testHold,
		CausationID: "charge-1",
	})
	if err != nil {
		t.Fatalf("CreateEarning(%s, %d) error: %v", accountID, amount, err)
	}
	return e
}

// ─── Settlement Hold ────────────────────────────────────────────────────────

func TestEarning_SettleAfterFixedAtCreation(t *testing.T) {
	db := newTestDB(t)
	clock := newFakeClock()
	db.SetClock(clock.Now)

	created := clock.Now()
	e := mustEarn(t, db, "ref-1", 10_000)

	want := created.Add(testHold).Truncate(time.Second)
	if !e.SettleAfter.Equal(want) {
		t.Fatalf("SettleAfter = %v, want %v", e.SettleAfter, want)
	}

	// Not eligible one second before the hold elapses, eligible after.
	eligible, err := db.EligibleEarnings(want.Add(-time.Second), BatchLimit)
	if err != nil {
		t.Fatalf("EligibleEarnings() error: %v", err)
	}
	if len(eligible) != 0 {
		t.Errorf("eligible before hold elapsed: %d earnings", len(eligible))
	}

	eligible, err = db.EligibleEarnings(want.Add(time.Second), BatchLimit)
	if err != nil {
		t.Fatalf("EligibleEarnings() error: %v", err)
	}
	if len(eligible) != 1 || eligible[0].EarningID != e.EarningID {
		t.Fatalf("eligible after hold = %v, want the one earning", eligible)
	}
}

func TestSettleBatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clock := newFakeClock()
	db.SetClock(clock.Now)

	e1 := mustEarn(t, db, "ref-1", 10_000)
	e2 := mustEarn(t, db, "ref-2", 20_000)
	clock.Advance(testHold + time.Minute)

	n, err := db.SettleBatch(ctx, []string{e1.EarningID, e2.EarningID})
	if err != nil {
		t.Fatalf("SettleBatch() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("settled %d, want 2", n)
	}

	// A second attempt finds the rows already settled and refuses the batch.
	if _, err := db.SettleBatch(ctx, []string{e1.EarningID}); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Fatalf("resettle: err = %v, want ErrAlreadySettled", err)
	}

	w, err := db.WithdrawableBalance("ref-1")
	if err != nil {
		t.Fatalf("WithdrawableBalance() error: %v", err)
	}
	if w != 10_000 {
		t.Errorf("withdrawable = %d, want 10000", w)
	}
}

func TestSettleBatch_AtomicOnPartialFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clock := newFakeClock()
	db.SetClock(clock.Now)

	e1 := mustEarn(t, db, "ref-1", 10_000)
	e2 := mustEarn(t, db, "ref-2", 20_000)
	clock.Advance(testHold + time.Minute)

	if _, err := db.SettleBatch(ctx, []string{e2.EarningID}); err != nil {
		t.Fatalf("SettleBatch() error: %v", err)
	}

	// Mixing a settled row in must roll the whole batch back, leaving the
	// fresh earning untouched.
	if _, err := db.SettleBatch(ctx, []string{e1.EarningID, e2.EarningID}); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Fatalf("mixed batch: err = %v, want ErrAlreadySettled", err)
	}
	got, err := db.GetEarning(e1.EarningID)
	if err != nil {
		t.Fatalf("GetEarning() error: %v", err)
	}
	if got.Settled() {
		t.Error("earning settled despite batch rollback")
	}
}

// ─── Clawback ───────────────────────────────────────────────────────────────

func TestApplyClawback_ShortfallBecomesReceivable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustMint(t, db, "ref-1", 40_000)

	res, err := db.ApplyClawback(ctx, "ref-1", "", "chargeback", 100_000)
	if err != nil {
		t.Fatalf("ApplyClawback() error: %v", err)
	}
	if res.Applied != 40_000 || res.Receivable != 60_000 {
		t.Fatalf("clawback = %+v, want applied=40000 receivable=60000", res)
	}

	recv, err := db.GetReceivable("ref-1")
	if err != nil {
		t.Fatalf("GetReceivable() error: %v", err)
	}
	if recv.Balance != 60_000 {
		t.Fatalf("receivable balance = %d, want 60000", recv.Balance)
	}

	// The compensating debit drained the account.
	bal := mustBalance(t, db, "ref-1")
	if bal.Available != 0 || bal.Consumed != 40_000 {
		t.Fatalf("after clawback: %+v", bal)
	}
}

func TestDrip_DivertsEarningsUntilRecovered(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustMint(t, db, "ref-1", 40_000)
	if _, err := db.ApplyClawback(ctx, "ref-1", "", "chargeback", 100_000); err != nil {
		t.Fatalf("ApplyClawback() error: %v", err)
	}

	// A 25,000 earning drips fully into the 60,000 receivable: no payable
	// row, receivable down to 35,000.
	e, dripped, err := db.CreateEarning(ctx, CreateEarningParams{
		AccountID: "ref-1", Kind: domain.EarningReferrer,
		Amount: 25_000, Hold: testHold, CausationID: "charge-2",
	})
	if err != nil {
		t.Fatalf("CreateEarning() error: %v", err)
	}
	if dripped != 25_000 {
		t.Fatalf("dripped = %d, want 25000", dripped)
	}
	if e.EarningID != "" {
		t.Errorf("fully dripped earning still created a payable: %+v", e)
	}
	recv, _ := db.GetReceivable("ref-1")
	if recv.Balance != 35_000 {
		t.Fatalf("receivable after drip = %d, want 35000", recv.Balance)
	}

	// A 50,000 earning clears the rest; 15,000 survives as a payable.
	e, dripped, err = db.CreateEarning(ctx, CreateEarningParams{
		AccountID: "ref-1", Kind: domain.EarningReferrer,
		Amount: 50_000, Hold: testHold, CausationID: "charge-3",
	})
	if err != nil {
		t.Fatalf("CreateEarning() error: %v", err)
	}
	if dripped != 35_000 || e.Amount != 15_000 {
		t.Fatalf("dripped=%d net=%d, want 35000/15000", dripped, e.Amount)
	}
	recv, _ = db.GetReceivable("ref-1")
	if recv.Balance != 0 {
		t.Fatalf("receivable after full recovery = %d, want 0", recv.Balance)
	}

	if violations, _ := db.ReceivableViolations(); len(violations) != 0 {
		t.Errorf("receivable violations on clean books: %v", violations)
	}
}

func TestApplyClawback_VoidsEarning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e := mustEarn(t, db, "ref-1", 30_000)

	if _, err := db.ApplyClawback(ctx, "ref-1", e.EarningID, "fraud", 30_000); err != nil {
		t.Fatalf("ApplyClawback() error: %v", err)
	}

	got, err := db.GetEarning(e.EarningID)
	if err != nil {
		t.Fatalf("GetEarning() error: %v", err)
	}
	if got.ClawbackReason != "fraud" {
		t.Errorf("ClawbackReason = %q, want %q", got.ClawbackReason, "fraud")
	}

	// Voiding twice is refused.
	if _, err := db.ApplyClawback(ctx, "ref-1", e.EarningID, "fraud", 30_000); !errors.Is(err, domain.ErrAlreadyClawedBack) {
		t.Fatalf("double clawback: err = %v, want ErrAlreadyClawedBack", err)
	}

	// A clawed-back earning never settles.
	eligible, _ := db.EligibleEarnings(e.SettleAfter.Add(time.Hour), BatchLimit)
	for _, el := range eligible {
		if el.EarningID == e.EarningID {
			t.Error("clawed-back earning still eligible for settlement")
		}
	}
}
