package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/lantern-network/lantern/internal/domain"
)

// ─── Budget Finalizations ───────────────────────────────────────────────────
// The budget engine's durable side. The advisory cache lives in
// internal/infra/budget; only rows written here are binding.

// WindowID returns the daily budget window identifier for t (UTC date).
func WindowID(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// FinalizeWithBudget consumes the reservation AND records the budget
// finalization in one transaction. Both writes commit or both roll back —
// there is no state where credit is consumed but budget is not recorded, or
// vice versa. Idempotent like Finalize: a closed reservation is a no-op and
// records nothing; applied=false tells the caller not to update caches.
func (db *DB) FinalizeWithBudget(ctx context.Context, reservationID, agentID string, actual domain.MicroUSD) (applied bool, err error) {
	err = db.withImmediate(ctx, func(tx *sql.Tx) error {
		applied = false
		now := db.now()
		accountID, err := finalizeInTx(tx, now, reservationID, actual)
		if err != nil {
			return err
		}
		if accountID == "" {
			return nil // reservation already settled, budget already recorded
		}
		if _, err := tx.Exec(`
			INSERT INTO budget_finalizations (agent_id, window_id, amount_micro, created_at)
			VALUES (?, ?, ?, ?)
		`, agentID, WindowID(now), int64(actual), formatTime(now)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// WindowSpend returns the recorded capacity consumed by an agent in a window.
func (db *DB) WindowSpend(agentID, windowID string) (domain.MicroUSD, error) {
	var total domain.MicroUSD
	err := db.reader.QueryRow(`
		SELECT COALESCE(SUM(amount_micro),0) FROM budget_finalizations
		WHERE agent_id = ? AND window_id = ?
	`, agentID, windowID).Scan(&total)
	return total, err
}

// BudgetAgentsInWindow lists agents with recorded spend in a window.
func (db *DB) BudgetAgentsInWindow(windowID string) ([]string, error) {
	rows, err := db.reader.Query(`
		SELECT DISTINCT agent_id FROM budget_finalizations WHERE window_id = ?
	`, windowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FinalizedSpendInWindow sums the primary ledger's FINALIZE entries for an
// account within a window — the "actuals" side of the budget cross-check.
func (db *DB) FinalizedSpendInWindow(accountID, windowID string) (domain.MicroUSD, error) {
	var total domain.MicroUSD
	err := db.reader.QueryRow(`
		SELECT COALESCE(-SUM(amount_micro),0) FROM ledger_entries
		WHERE account_id = ? AND entry_type = ? AND created_at >= ? AND created_at <= ?
	`, accountID, string(domain.EntryFinalize), windowID+" 00:00:00", windowID+" 23:59:59").Scan(&total)
	return total, err
}

// FinalizationStats returns the count and total of budget finalizations
// recorded since the cutoff. Reconciliation uses the trailing hour to size
// its drift threshold to current throughput.
func (db *DB) FinalizationStats(since time.Time) (int64, domain.MicroUSD, error) {
	var count int64
	var total domain.MicroUSD
	err := db.reader.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(amount_micro),0) FROM budget_finalizations
		WHERE created_at >= ?
	`, formatTime(since)).Scan(&count, &total)
	return count, total, err
}

// OpenReservedTotal sums an account's currently held (open) reservations.
func (db *DB) OpenReservedTotal(accountID string) (domain.MicroUSD, error) {
	var total domain.MicroUSD
	err := db.reader.QueryRow(`
		SELECT COALESCE(SUM(amount_micro),0) FROM reservations
		WHERE account_id = ? AND status = 'open'
	`, accountID).Scan(&total)
	return total, err
}
