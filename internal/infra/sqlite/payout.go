package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-network/lantern/internal/domain"
)

// ─── Payout Requests ────────────────────────────────────────────────────────
// Escrow is derived from status, never stored separately: withdrawable =
// settled earnings − completed payouts − processing payouts. Moving a payout
// into processing therefore escrows its amount, failing it releases the
// escrow, and completing it makes the deduction permanent — with no second
// balance column to drift.

// CreatePayoutRequest records a pending withdrawal. The amount is validated
// against the withdrawable balance up front so obviously hopeless requests
// fail early, but the binding check happens again at escrow time.
func (db *DB) CreatePayoutRequest(ctx context.Context, accountID string, amount domain.MicroUSD) (domain.PayoutRequest, error) {
	if amount <= 0 {
		return domain.PayoutRequest{}, domain.ErrInvalidAmount
	}
	req := domain.PayoutRequest{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Status:    domain.PayoutPending,
	}
	err := db.withImmediate(ctx, func(tx *sql.Tx) error {
		now := db.now()
		req.CreatedAt = now.UTC().Truncate(time.Second)
		req.UpdatedAt = req.CreatedAt

		withdrawable, err := withdrawableInTx(tx, accountID)
		if err != nil {
			return err
		}
		if amount > withdrawable {
			return domain.ErrInsufficientWithdrawable
		}
		if _, err := tx.Exec(`
			INSERT INTO payout_requests (id, account_id, amount_micro, status, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?)
		`, req.ID, accountID, int64(amount), formatTime(now), formatTime(now)); err != nil {
			return err
		}
		return appendEvent(tx, now, accountID, domain.EventPayoutRequested, req.ID, map[string]any{
			"payout_id": req.ID, "amount_micro": int64(amount),
		})
	})
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	return req, nil
}

// TransitionPayout moves a payout through its lifecycle. Illegal transitions
// fail with ErrPayoutInvalidTransition. Entering processing re-checks and
// escrows the withdrawable balance; completed appends the permanent PAYOUT
// ledger entry; failed implicitly releases the escrow (status-derived).
func (db *DB) TransitionPayout(ctx context.Context, payoutID string, to domain.PayoutStatus, providerID, failReason string) error {
	return db.withImmediate(ctx, func(tx *sql.Tx) error {
		now := db.now()
		var accountID, statusStr string
		var amount int64
		err := tx.QueryRow(`
			SELECT account_id, status, amount_micro FROM payout_requests WHERE id = ?
		`, payoutID).Scan(&accountID, &statusStr, &amount)
		if err == sql.ErrNoRows {
			return domain.ErrPayoutNotFound
		}
		if err != nil {
			return err
		}
		from := domain.PayoutStatus(statusStr)
		if from == to {
			// Retried transition: no balance effect, but a provider reference
			// arriving late still needs to land.
			if providerID == "" {
				return nil
			}
			_, err := tx.Exec(`
				UPDATE payout_requests SET provider_id = ?, updated_at = ? WHERE id = ?
			`, providerID, formatTime(now), payoutID)
			return err
		}
		if !domain.ValidPayoutTransition(from, to) {
			return domain.ErrPayoutInvalidTransition
		}

		if to == domain.PayoutProcessing {
			// The request's own pending row does not hold escrow yet, so the
			// plain withdrawable check is the binding one.
			withdrawable, err := withdrawableInTx(tx, accountID)
			if err != nil {
				return err
			}
			if domain.MicroUSD(amount) > withdrawable {
				return domain.ErrInsufficientWithdrawable
			}
		}

		if _, err := tx.Exec(`
			UPDATE payout_requests
			SET status = ?, provider_id = COALESCE(NULLIF(?, ''), provider_id),
			    fail_reason = NULLIF(?, ''), updated_at = ?
			WHERE id = ?
		`, string(to), providerID, failReason, formatTime(now), payoutID); err != nil {
			return err
		}

		if to == domain.PayoutCompleted {
			if err := appendEntry(tx, now, accountID, "", -domain.MicroUSD(amount), domain.EntryPayout, payoutID); err != nil {
				return err
			}
		}
		return appendEvent(tx, now, accountID, domain.EventPayoutTransition, payoutID, map[string]any{
			"payout_id": payoutID, "from": string(from), "to": string(to),
			"amount_micro": amount, "fail_reason": failReason,
		})
	})
}

// withdrawableInTx computes settled, unclawed earnings minus payouts that
// are escrowed (processing) or final (completed).
func withdrawableInTx(tx *sql.Tx, accountID string) (domain.MicroUSD, error) {
	var settled, held int64
	if err := tx.QueryRow(`
		SELECT COALESCE(SUM(amount_micro),0) FROM referrer_earnings
		WHERE account_id = ? AND settled_at IS NOT NULL AND clawback_reason IS NULL
	`, accountID).Scan(&settled); err != nil {
		return 0, err
	}
	if err := tx.QueryRow(`
		SELECT COALESCE(SUM(amount_micro),0) FROM payout_requests
		WHERE account_id = ? AND status IN ('processing', 'completed')
	`, accountID).Scan(&held); err != nil {
		return 0, err
	}
	return domain.MicroUSD(settled - held), nil
}

// WithdrawableBalance is the read-path variant of withdrawableInTx.
func (db *DB) WithdrawableBalance(accountID string) (domain.MicroUSD, error) {
	var settled, held int64
	if err := db.reader.QueryRow(`
		SELECT COALESCE(SUM(amount_micro),0) FROM referrer_earnings
		WHERE account_id = ? AND settled_at IS NOT NULL AND clawback_reason IS NULL
	`, accountID).Scan(&settled); err != nil {
		return 0, err
	}
	if err := db.reader.QueryRow(`
		SELECT COALESCE(SUM(amount_micro),0) FROM payout_requests
		WHERE account_id = ? AND status IN ('processing', 'completed')
	`, accountID).Scan(&held); err != nil {
		return 0, err
	}
	return domain.MicroUSD(settled - held), nil
}

// GetPayoutRequest fetches one payout request.
func (db *DB) GetPayoutRequest(payoutID string) (domain.PayoutRequest, error) {
	var p domain.PayoutRequest
	var status, created, updated string
	var providerID, failReason sql.NullString
	err := db.reader.QueryRow(`
		SELECT id, account_id, amount_micro, status, provider_id, fail_reason, created_at, updated_at
		FROM payout_requests WHERE id = ?
	`, payoutID).Scan(&p.ID, &p.AccountID, &p.Amount, &status, &providerID, &failReason, &created, &updated)
	if err == sql.ErrNoRows {
		return domain.PayoutRequest{}, domain.ErrPayoutNotFound
	}
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	p.Status = domain.PayoutStatus(status)
	p.ProviderID = providerID.String
	p.FailReason = failReason.String
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}

// PayoutsInStatus lists payouts in a given state, oldest first.
func (db *DB) PayoutsInStatus(status domain.PayoutStatus, limit int) ([]domain.PayoutRequest, error) {
	if limit <= 0 || limit > BatchLimit {
		limit = BatchLimit
	}
	rows, err := db.reader.Query(`
		SELECT id, account_id, amount_micro, status, provider_id, fail_reason, created_at, updated_at
		FROM payout_requests WHERE status = ?
		ORDER BY created_at ASC, id ASC LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PayoutRequest
	for rows.Next() {
		var p domain.PayoutRequest
		var st, created, updated string
		var providerID, failReason sql.NullString
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Amount, &st, &providerID, &failReason, &created, &updated); err != nil {
			return nil, err
		}
		p.Status = domain.PayoutStatus(st)
		p.ProviderID = providerID.String
		p.FailReason = failReason.String
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}
