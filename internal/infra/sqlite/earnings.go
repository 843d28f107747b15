package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-network/lantern/internal/domain"
)

// ─── Earnings, Settlement, Clawback ─────────────────────────────────────────

// CreateEarningParams describes one payable to record.
type CreateEarningParams struct {
	AccountID   string
	Kind        domain.EarningKind
	Amount      domain.MicroUSD
	Hold        time.Duration // settle_after = created_at + Hold, fixed at creation
	CausationID string
}

// CreateEarning records a pending earning, first dripping against any
// outstanding clawback receivable for the account. The diverted part reduces
// the receivable; only the net remainder becomes a payable. Returns the
// earning (zero-valued when fully dripped) and the dripped amount.
func (db *DB) CreateEarning(ctx context.Context, p CreateEarningParams) (domain.ReferrerEarning, domain.MicroUSD, error) {
	if p.Amount <= 0 {
		return domain.ReferrerEarning{}, 0, domain.ErrInvalidAmount
	}
	var earning domain.ReferrerEarning
	var dripped domain.MicroUSD
	err := db.withImmediate(ctx, func(tx *sql.Tx) error {
		now := db.now()
		var err error
		earning, dripped, err = createEarningInTx(tx, now, p)
		return err
	})
	if err != nil {
		return domain.ReferrerEarning{}, 0, err
	}
	return earning, dripped, nil
}

// createEarningInTx is shared with RecordDistribution so a whole split
// commits in one transaction.
func createEarningInTx(tx *sql.Tx, now time.Time, p CreateEarningParams) (domain.ReferrerEarning, domain.MicroUSD, error) {
	dripped, err := dripInTx(tx, now, p.AccountID, p.Amount, p.CausationID)
	if err != nil {
		return domain.ReferrerEarning{}, 0, err
	}
	net := p.Amount - dripped
	if net == 0 {
		return domain.ReferrerEarning{}, dripped, nil
	}

	e := domain.ReferrerEarning{
		EarningID:   uuid.NewString(),
		AccountID:   p.AccountID,
		Kind:        p.Kind,
		Amount:      net,
		CreatedAt:   now.UTC().Truncate(time.Second),
		SettleAfter: now.UTC().Add(p.Hold).Truncate(time.Second),
	}
	if _, err := tx.Exec(`
		INSERT INTO referrer_earnings (earning_id, account_id, kind, amount_micro, created_at, settle_after)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.EarningID, e.AccountID, string(e.Kind), int64(e.Amount), formatTime(e.CreatedAt), formatTime(e.SettleAfter)); err != nil {
		return domain.ReferrerEarning{}, 0, err
	}
	if err := appendEntry(tx, now, p.AccountID, "", net, domain.EntryDistribute, p.CausationID); err != nil {
		return domain.ReferrerEarning{}, 0, err
	}
	return e, dripped, nil
}

// dripInTx diverts up to amount from an incoming earning into the account's
// outstanding receivable. Returns how much was diverted.
func dripInTx(tx *sql.Tx, now time.Time, accountID string, amount domain.MicroUSD, causationID string) (domain.MicroUSD, error) {
	var receivableID string
	var balance int64
	err := tx.QueryRow(`
		SELECT receivable_id, balance_micro FROM clawback_receivables
		WHERE account_id = ? AND balance_micro > 0
	`, accountID).Scan(&receivableID, &balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	drip := min(amount, domain.MicroUSD(balance))
	if _, err := tx.Exec(`
		UPDATE clawback_receivables
		SET recovered_micro = recovered_micro + ?, balance_micro = balance_micro - ?, updated_at = ?
		WHERE receivable_id = ?
	`, int64(drip), int64(drip), formatTime(now), receivableID); err != nil {
		return 0, err
	}
	if err := appendEntry(tx, now, accountID, "", -drip, domain.EntryDrip, causationID); err != nil {
		return 0, err
	}
	if err := appendEvent(tx, now, accountID, domain.EventReceivableDripped, causationID, map[string]any{
		"receivable_id": receivableID, "dripped_micro": int64(drip),
		"remaining_micro": balance - int64(drip),
	}); err != nil {
		return 0, err
	}
	return drip, nil
}

// ─── Settlement ─────────────────────────────────────────────────────────────

// EligibleEarnings returns unsettled, unclawed earnings whose hold window
// has elapsed as of asOf, oldest settle_after first, capped at BatchLimit.
func (db *DB) EligibleEarnings(asOf time.Time, limit int) ([]domain.ReferrerEarning, error) {
	if limit <= 0 || limit > BatchLimit {
		limit = BatchLimit
	}
	rows, err := db.reader.Query(`
		SELECT earning_id, account_id, kind, amount_micro, created_at, settle_after
		FROM referrer_earnings
		WHERE settled_at IS NULL AND clawback_reason IS NULL AND settle_after <= ?
		ORDER BY settle_after ASC, earning_id ASC
		LIMIT ?
	`, formatTime(asOf), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReferrerEarning
	for rows.Next() {
		var e domain.ReferrerEarning
		var kind, created, settleAfter string
		if err := rows.Scan(&e.EarningID, &e.AccountID, &kind, &e.Amount, &created, &settleAfter); err != nil {
			return nil, err
		}
		e.Kind = domain.EarningKind(kind)
		e.CreatedAt = parseTime(created)
		e.SettleAfter = parseTime(settleAfter)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SettleBatch marks the given earnings settled in one atomic transaction:
// either every row settles or none do. The batch is capped at BatchLimit to
// bound how long the write lock is held.
func (db *DB) SettleBatch(ctx context.Context, earningIDs []string) (int, error) {
	if len(earningIDs) == 0 {
		return 0, nil
	}
	if len(earningIDs) > BatchLimit {
		return 0, fmt.Errorf("batch of %d exceeds limit %d", len(earningIDs), BatchLimit)
	}
	err := db.withImmediate(ctx, func(tx *sql.Tx) error {
		now := db.now()
		nowStr := formatTime(now)
		for _, id := range earningIDs {
			res, err := tx.Exec(`
				UPDATE referrer_earnings SET settled_at = ?
				WHERE earning_id = ? AND settled_at IS NULL AND clawback_reason IS NULL
				  AND settle_after <= ?
			`, nowStr, id, nowStr)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n != 1 {
				return fmt.Errorf("settle %s: %w", id, domain.ErrAlreadySettled)
			}
			if err := appendEvent(tx, now, id, domain.EventEarningSettled, id, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(earningIDs), nil
}

// GetEarning fetches one earning row.
func (db *DB) GetEarning(earningID string) (domain.ReferrerEarning, error) {
	var e domain.ReferrerEarning
	var kind, created, settleAfter string
	var settledAt, reason sql.NullString
	err := db.reader.QueryRow(`
		SELECT earning_id, account_id, kind, amount_micro, created_at, settle_after, settled_at, clawback_reason
		FROM referrer_earnings WHERE earning_id = ?
	`, earningID).Scan(&e.EarningID, &e.AccountID, &kind, &e.Amount, &created, &settleAfter, &settledAt, &reason)
	if err == sql.ErrNoRows {
		return domain.ReferrerEarning{}, domain.ErrEarningNotFound
	}
	if err != nil {
		return domain.ReferrerEarning{}, err
	}
	e.Kind = domain.EarningKind(kind)
	e.CreatedAt = parseTime(created)
	e.SettleAfter = parseTime(settleAfter)
	if settledAt.Valid {
		e.SettledAt = parseTime(settledAt.String)
	}
	if reason.Valid {
		e.ClawbackReason = reason.String
	}
	return e, nil
}

// ─── Clawback ───────────────────────────────────────────────────────────────

// ClawbackResult reports how a clawback was absorbed.
type ClawbackResult struct {
	Applied    domain.MicroUSD // compensating debit against live credit
	Receivable domain.MicroUSD // shortfall converted to an off-ledger IOU
}

// ApplyClawback absorbs a clawback of amount against the account. Whatever
// the account's live credit covers is debited immediately; the shortfall is
// recorded as (or added to) a receivable, recovered later by drip. Always:
// applied + receivable = amount. When earningID is non-empty the source
// earning is voided with reason.
func (db *DB) ApplyClawback(ctx context.Context, accountID, earningID, reason string, amount domain.MicroUSD) (ClawbackResult, error) {
	if amount <= 0 {
		return ClawbackResult{}, domain.ErrInvalidAmount
	}
	var res ClawbackResult
	err := db.withImmediate(ctx, func(tx *sql.Tx) error {
		res = ClawbackResult{}
		now := db.now()

		if earningID != "" {
			r, err := tx.Exec(`
				UPDATE referrer_earnings SET clawback_reason = ?
				WHERE earning_id = ? AND clawback_reason IS NULL
			`, reason, earningID)
			if err != nil {
				return err
			}
			if n, _ := r.RowsAffected(); n == 0 {
				var exists int
				if err := tx.QueryRow(`SELECT COUNT(*) FROM referrer_earnings WHERE earning_id = ?`, earningID).Scan(&exists); err != nil {
					return err
				}
				if exists == 0 {
					return domain.ErrEarningNotFound
				}
				return domain.ErrAlreadyClawedBack
			}
		}

		var avail int64
		if err := tx.QueryRow(`
			SELECT COALESCE(SUM(available_micro),0) FROM credit_lots
			WHERE account_id = ? AND (expires_at IS NULL OR expires_at > ?)
		`, accountID, formatTime(now)).Scan(&avail); err != nil {
			return err
		}

		causation := earningID
		if causation == "" {
			causation = uuid.NewString()
		}
		res.Applied = min(amount, domain.MicroUSD(avail))
		res.Receivable = amount - res.Applied

		if res.Applied > 0 {
			if err := debitInTx(tx, now, accountID, "", res.Applied, domain.EntryClawback, causation); err != nil {
				return err
			}
		}
		if res.Receivable > 0 {
			if _, err := tx.Exec(`
				INSERT INTO clawback_receivables (receivable_id, account_id, original_micro, recovered_micro, balance_micro, created_at, updated_at)
				VALUES (?, ?, ?, 0, ?, ?, ?)
				ON CONFLICT(account_id) DO UPDATE SET
					original_micro = original_micro + excluded.original_micro,
					balance_micro  = balance_micro + excluded.balance_micro,
					updated_at     = excluded.updated_at
			`, uuid.NewString(), accountID, int64(res.Receivable), int64(res.Receivable),
				formatTime(now), formatTime(now)); err != nil {
				return err
			}
		}
		return appendEvent(tx, now, accountID, domain.EventEarningClawedBack, causation, map[string]any{
			"amount_micro": int64(amount), "applied_micro": int64(res.Applied),
			"receivable_micro": int64(res.Receivable), "reason": reason,
		})
	})
	if err != nil {
		return ClawbackResult{}, err
	}
	return res, nil
}

// GetReceivable returns the account's outstanding receivable, if any.
func (db *DB) GetReceivable(accountID string) (domain.ClawbackReceivable, error) {
	var r domain.ClawbackReceivable
	var created, updated string
	err := db.reader.QueryRow(`
		SELECT receivable_id, account_id, balance_micro, created_at, updated_at
		FROM clawback_receivables WHERE account_id = ?
	`, accountID).Scan(&r.ReceivableID, &r.AccountID, &r.Balance, &created, &updated)
	if err == sql.ErrNoRows {
		return domain.ClawbackReceivable{}, nil
	}
	if err != nil {
		return domain.ClawbackReceivable{}, err
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return r, nil
}
