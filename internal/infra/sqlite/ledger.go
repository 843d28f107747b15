package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-network/lantern/internal/domain"
)

// ─── Credit Ledger Operations ───────────────────────────────────────────────
// mint/reserve/finalize/release/debit/expire. Consumption order is FIFO by
// created_at ascending — oldest lots first, so expiring campaign credit is
// spent before it lapses. LIFO would strand old credit to expire unused;
// this ordering is policy, not an optimization.

// Balance aggregates an account's position across all its lots.
type Balance struct {
	Original  domain.MicroUSD
	Available domain.MicroUSD
	Reserved  domain.MicroUSD
	Consumed  domain.MicroUSD
	Expired   domain.MicroUSD
}

// Conserved reports the account-level conservation invariant.
func (b Balance) Conserved() bool {
	return b.Available+b.Reserved+b.Consumed == b.Original-b.Expired
}

// lotSpan is one FIFO slice of a reservation or debit walk.
type lotSpan struct {
	lotID  string
	amount domain.MicroUSD
}

// ─── Accounts ───────────────────────────────────────────────────────────────

// GetAccount fetches an account by ID.
func (db *DB) GetAccount(id string) (domain.Account, error) {
	var a domain.Account
	var kyc int
	var created string
	err := db.reader.QueryRow(`
		SELECT id, kyc_level, version, created_at FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &kyc, &a.Version, &created)
	if err == sql.ErrNoRows {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, err
	}
	a.KYC = domain.KYCLevel(kyc)
	a.CreatedAt = parseTime(created)
	return a, nil
}

// UpdateAccountKYC bumps an account's KYC level using optimistic concurrency.
// A stale version fails with ErrAccountVersionConflict; the caller re-reads
// and retries.
func (db *DB) UpdateAccountKYC(ctx context.Context, id string, kyc domain.KYCLevel, version int64) error {
	return db.withImmediate(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE accounts SET kyc_level = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, int(kyc), id, version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, gerr := db.GetAccount(id); gerr != nil {
				return gerr
			}
			return domain.ErrAccountVersionConflict
		}
		return nil
	})
}

// ensureAccount creates the account row on first contact (accounts come into
// existence on first mint).
func ensureAccount(tx *sql.Tx, now time.Time, id string) error {
	_, err := tx.Exec(`
		INSERT INTO accounts (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, formatTime(now))
	return err
}

// ─── Mint ───────────────────────────────────────────────────────────────────

// Mint creates a new credit lot for the account. expiresAt zero means the
// lot never expires.
func (db *DB) Mint(ctx context.Context, accountID string, amount domain.MicroUSD, expiresAt time.Time) (domain.CreditLot, error) {
	if amount <= 0 {
		return domain.CreditLot{}, domain.ErrInvalidAmount
	}
	lot := domain.CreditLot{
		LotID:     uuid.NewString(),
		AccountID: accountID,
		Original:  amount,
		Available: amount,
		ExpiresAt: expiresAt,
	}
	err := db.withImmediate(ctx, func(tx *sql.Tx) error {
		now := db.now()
		lot.CreatedAt = now.UTC().Truncate(time.Second)
		if err := ensureAccount(tx, now, accountID); err != nil {
			return err
		}
		var expStr any
		if !expiresAt.IsZero() {
			expStr = formatTime(expiresAt)
		}
		if _, err := tx.Exec(`
			INSERT INTO credit_lots (lot_id, account_id, original_micro, available_micro, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, lot.LotID, accountID, int64(amount), int64(amount), formatTime(now), expStr); err != nil {
			return err
		}
		if err := appendEntry(tx, now, accountID, "", amount, domain.EntryMint, lot.LotID); err != nil {
			return err
		}
		return appendEvent(tx, now, accountID, domain.EventCreditMinted, lot.LotID, map[string]any{
			"lot_id": lot.LotID, "amount_micro": int64(amount),
		})
	})
	if err != nil {
		return domain.CreditLot{}, err
	}
	return lot, nil
}

// ─── Reserve ────────────────────────────────────────────────────────────────

// Reserve places a hold for amount against the account's lots, oldest lot
// first. Either the full amount is held or nothing is: insufficient credit
// returns ErrInsufficientFunds with no partial reservation.
func (db *DB) Reserve(ctx context.Context, accountID string, amount domain.MicroUSD) (string, error) {
	if amount <= 0 {
		return "", domain.ErrInvalidAmount
	}
	reservationID := uuid.NewString()
	err := db.withImmediate(ctx, func(tx *sql.Tx) error {
		now := db.now()
		spans, err := fifoSpans(tx, accountID, amount, formatTime(now))
		if err != nil {
			return err
		}
		if spans == nil {
			return domain.ErrInsufficientFunds
		}
		for _, sp := range spans {
			if _, err := tx.Exec(`
				UPDATE credit_lots
				SET available_micro = available_micro - ?, reserved_micro = reserved_micro + ?
				WHERE lot_id = ?
			`, int64(sp.amount), int64(sp.amount), sp.lotID); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO reservations (reservation_id, lot_id, account_id, amount_micro, status, created_at)
				VALUES (?, ?, ?, ?, 'open', ?)
			`, reservationID, sp.lotID, accountID, int64(sp.amount), formatTime(now)); err != nil {
				return err
			}
		}
		if err := appendEntry(tx, now, accountID, "", -amount, domain.EntryReserve, reservationID); err != nil {
			return err
		}
		return appendEvent(tx, now, accountID, domain.EventCreditReserved, reservationID, map[string]any{
			"reservation_id": reservationID, "amount_micro": int64(amount), "lots": len(spans),
		})
	})
	if err != nil {
		return "", err
	}
	return reservationID, nil
}

// fifoSpans walks the account's live lots oldest-first and plans how to take
// amount from them. Returns nil (no error) when total available credit is
// short — the caller decides which failure that is.
func fifoSpans(tx *sql.Tx, accountID string, amount domain.MicroUSD, nowStr string) ([]lotSpan, error) {
	rows, err := tx.Query(`
		SELECT lot_id, available_micro FROM credit_lots
		WHERE account_id = ? AND available_micro > 0
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, lot_id ASC
	`, accountID, nowStr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spans []lotSpan
	remaining := amount
	for rows.Next() && remaining > 0 {
		var lotID string
		var avail int64
		if err := rows.Scan(&lotID, &avail); err != nil {
			return nil, err
		}
		take := min(domain.MicroUSD(avail), remaining)
		spans = append(spans, lotSpan{lotID: lotID, amount: take})
		remaining -= take
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if remaining > 0 {
		return nil, nil
	}
	return spans, nil
}

// ─── Finalize ───────────────────────────────────────────────────────────────

// Finalize consumes up to actual from the reservation's held lots (oldest
// first) and returns the unconsumed remainder to available. Calling it again
// on a closed reservation is an idempotent no-op — retries after a lost
// acknowledgement must not fail.
func (db *DB) Finalize(ctx context.Context, reservationID string, actual domain.MicroUSD) error {
	return db.withImmediate(ctx, func(tx *sql.Tx) error {
		_, err := finalizeInTx(tx, db.now(), reservationID, actual)
		return err
	})
}

// finalizeInTx is the shared finalize body; the agent-aware finalizer reuses
// it so ledger consumption and budget recording commit atomically.
// Returns the account ID, or "" when the reservation was already closed.
func finalizeInTx(tx *sql.Tx, now time.Time, reservationID string, actual domain.MicroUSD) (string, error) {
	if actual < 0 {
		return "", domain.ErrInvalidAmount
	}
	spans, accountID, status, err := reservationSpans(tx, reservationID)
	if err != nil {
		return "", err
	}
	if status != domain.ReservationOpen {
		return "", nil // already settled: no-op
	}

	var held domain.MicroUSD
	for _, sp := range spans {
		held += sp.amount
	}
	if actual > held {
		return "", fmt.Errorf("%w: finalize %d exceeds held %d", domain.ErrInvalidAmount, actual, held)
	}

	remaining := actual
	for _, sp := range spans {
		consume := min(sp.amount, remaining)
		back := sp.amount - consume
		remaining -= consume
		if _, err := tx.Exec(`
			UPDATE credit_lots
			SET reserved_micro = reserved_micro - ?,
			    consumed_micro = consumed_micro + ?,
			    available_micro = available_micro + ?
			WHERE lot_id = ?
		`, int64(sp.amount), int64(consume), int64(back), sp.lotID); err != nil {
			return "", err
		}
	}
	if _, err := tx.Exec(`
		UPDATE reservations SET status = 'finalized' WHERE reservation_id = ?
	`, reservationID); err != nil {
		return "", err
	}

	if err := appendEntry(tx, now, accountID, "", -actual, domain.EntryFinalize, reservationID); err != nil {
		return "", err
	}
	if returned := held - actual; returned > 0 {
		if err := appendEntry(tx, now, accountID, "", returned, domain.EntryRelease, reservationID); err != nil {
			return "", err
		}
	}
	if err := appendEvent(tx, now, accountID, domain.EventCreditFinalized, reservationID, map[string]any{
		"reservation_id": reservationID, "held_micro": int64(held), "actual_micro": int64(actual),
	}); err != nil {
		return "", err
	}
	return accountID, nil
}

// reservationSpans loads a reservation's per-lot rows in lot FIFO order.
func reservationSpans(tx *sql.Tx, reservationID string) ([]lotSpan, string, domain.ReservationStatus, error) {
	rows, err := tx.Query(`
		SELECT r.lot_id, r.amount_micro, r.account_id, r.status
		FROM reservations r JOIN credit_lots l ON l.lot_id = r.lot_id
		WHERE r.reservation_id = ?
		ORDER BY l.created_at ASC, l.lot_id ASC
	`, reservationID)
	if err != nil {
		return nil, "", "", err
	}
	defer rows.Close()

	var spans []lotSpan
	var accountID string
	var status string
	for rows.Next() {
		var sp lotSpan
		var amt int64
		if err := rows.Scan(&sp.lotID, &amt, &accountID, &status); err != nil {
			return nil, "", "", err
		}
		sp.amount = domain.MicroUSD(amt)
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, "", "", err
	}
	if len(spans) == 0 {
		return nil, "", "", domain.ErrReservationNotFound
	}
	return spans, accountID, domain.ReservationStatus(status), nil
}

// ─── Release ────────────────────────────────────────────────────────────────

// Release returns a reservation's full held amount to available. Idempotent
// on already-closed reservations, same as Finalize.
func (db *DB) Release(ctx context.Context, reservationID string) error {
	return db.withImmediate(ctx, func(tx *sql.Tx) error {
		now := db.now()
		spans, accountID, status, err := reservationSpans(tx, reservationID)
		if err != nil {
			return err
		}
		if status != domain.ReservationOpen {
			return nil
		}
		var held domain.MicroUSD
		for _, sp := range spans {
			held += sp.amount
			if _, err := tx.Exec(`
				UPDATE credit_lots
				SET reserved_micro = reserved_micro - ?, available_micro = available_micro + ?
				WHERE lot_id = ?
			`, int64(sp.amount), int64(sp.amount), sp.lotID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`
			UPDATE reservations SET status = 'released' WHERE reservation_id = ?
		`, reservationID); err != nil {
			return err
		}
		if err := appendEntry(tx, now, accountID, "", held, domain.EntryRelease, reservationID); err != nil {
			return err
		}
		return appendEvent(tx, now, accountID, domain.EventCreditReleased, reservationID, map[string]any{
			"reservation_id": reservationID, "released_micro": int64(held),
		})
	})
}

// ─── Debit ──────────────────────────────────────────────────────────────────

// Debit consumes amount directly from the account's lots (oldest first)
// without an intervening reservation. Fixed-price charges and the clawback
// path use this. If the split across lots cannot cover the total, nothing is
// applied and ErrInsufficientFunds is returned.
func (db *DB) Debit(ctx context.Context, accountID, poolID string, amount domain.MicroUSD, entryType domain.EntryType, causationID string) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	return db.withImmediate(ctx, func(tx *sql.Tx) error {
		now := db.now()
		return debitInTx(tx, now, accountID, poolID, amount, entryType, causationID)
	})
}

func debitInTx(tx *sql.Tx, now time.Time, accountID, poolID string, amount domain.MicroUSD, entryType domain.EntryType, causationID string) error {
	spans, err := fifoSpans(tx, accountID, amount, formatTime(now))
	if err != nil {
		return err
	}
	if spans == nil {
		return domain.ErrInsufficientFunds
	}
	for _, sp := range spans {
		if _, err := tx.Exec(`
			UPDATE credit_lots
			SET available_micro = available_micro - ?, consumed_micro = consumed_micro + ?
			WHERE lot_id = ?
		`, int64(sp.amount), int64(sp.amount), sp.lotID); err != nil {
			return err
		}
	}
	return appendEntry(tx, now, accountID, poolID, -amount, entryType, causationID)
}

// ─── Expiry ─────────────────────────────────────────────────────────────────

// ExpireLots moves available credit on lapsed lots to expired. Reserved
// credit stays held until the reservation settles; only idle credit lapses.
// Returns the total expired this pass.
func (db *DB) ExpireLots(ctx context.Context, asOf time.Time) (domain.MicroUSD, error) {
	var total domain.MicroUSD
	err := db.withImmediate(ctx, func(tx *sql.Tx) error {
		total = 0
		rows, err := tx.Query(`
			SELECT lot_id, account_id, available_micro FROM credit_lots
			WHERE expires_at IS NOT NULL AND expires_at <= ? AND available_micro > 0
			ORDER BY created_at ASC
		`, formatTime(asOf))
		if err != nil {
			return err
		}
		type expiry struct {
			lotID, accountID string
			amount           domain.MicroUSD
		}
		var lapsed []expiry
		for rows.Next() {
			var e expiry
			var amt int64
			if err := rows.Scan(&e.lotID, &e.accountID, &amt); err != nil {
				rows.Close()
				return err
			}
			e.amount = domain.MicroUSD(amt)
			lapsed = append(lapsed, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := db.now()
		for _, e := range lapsed {
			if _, err := tx.Exec(`
				UPDATE credit_lots
				SET available_micro = 0, expired_micro = expired_micro + ?
				WHERE lot_id = ?
			`, int64(e.amount), e.lotID); err != nil {
				return err
			}
			if err := appendEntry(tx, now, e.accountID, "", -e.amount, domain.EntryExpire, e.lotID); err != nil {
				return err
			}
			if err := appendEvent(tx, now, e.accountID, domain.EventCreditExpired, e.lotID, map[string]any{
				"lot_id": e.lotID, "expired_micro": int64(e.amount),
			}); err != nil {
				return err
			}
			total += e.amount
		}
		return nil
	})
	return total, err
}

// ─── Queries ────────────────────────────────────────────────────────────────

// AccountBalance aggregates the account's position across all lots.
func (db *DB) AccountBalance(accountID string) (Balance, error) {
	var b Balance
	err := db.reader.QueryRow(`
		SELECT COALESCE(SUM(original_micro),0), COALESCE(SUM(available_micro),0),
		       COALESCE(SUM(reserved_micro),0), COALESCE(SUM(consumed_micro),0),
		       COALESCE(SUM(expired_micro),0)
		FROM credit_lots WHERE account_id = ?
	`, accountID).Scan(&b.Original, &b.Available, &b.Reserved, &b.Consumed, &b.Expired)
	return b, err
}

// GetLot fetches a single credit lot.
func (db *DB) GetLot(lotID string) (domain.CreditLot, error) {
	var l domain.CreditLot
	var created string
	var expires sql.NullString
	err := db.reader.QueryRow(`
		SELECT lot_id, account_id, original_micro, available_micro, reserved_micro,
		       consumed_micro, expired_micro, created_at, expires_at
		FROM credit_lots WHERE lot_id = ?
	`, lotID).Scan(&l.LotID, &l.AccountID, &l.Original, &l.Available, &l.Reserved,
		&l.Consumed, &l.Expired, &created, &expires)
	if err == sql.ErrNoRows {
		return domain.CreditLot{}, domain.ErrLotNotFound
	}
	if err != nil {
		return domain.CreditLot{}, err
	}
	l.CreatedAt = parseTime(created)
	if expires.Valid {
		l.ExpiresAt = parseTime(expires.String)
	}
	return l, nil
}

// LotsForAccount returns the account's lots in FIFO (consumption) order.
func (db *DB) LotsForAccount(accountID string) ([]domain.CreditLot, error) {
	rows, err := db.reader.Query(`
		SELECT lot_id, account_id, original_micro, available_micro, reserved_micro,
		       consumed_micro, expired_micro, created_at, expires_at
		FROM credit_lots WHERE account_id = ?
		ORDER BY created_at ASC, lot_id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CreditLot
	for rows.Next() {
		var l domain.CreditLot
		var created string
		var expires sql.NullString
		if err := rows.Scan(&l.LotID, &l.AccountID, &l.Original, &l.Available, &l.Reserved,
			&l.Consumed, &l.Expired, &created, &expires); err != nil {
			return nil, err
		}
		l.CreatedAt = parseTime(created)
		if expires.Valid {
			l.ExpiresAt = parseTime(expires.String)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReservationStatus returns the shared status of a reservation's rows.
func (db *DB) ReservationStatus(reservationID string) (domain.ReservationStatus, error) {
	var status string
	err := db.reader.QueryRow(`
		SELECT status FROM reservations WHERE reservation_id = ? LIMIT 1
	`, reservationID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", domain.ErrReservationNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.ReservationStatus(status), nil
}

// LedgerEntries returns an account's ledger rows, oldest first.
func (db *DB) LedgerEntries(accountID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := db.reader.Query(`
		SELECT id, account_id, pool_id, amount_micro, entry_type, causation_id, created_at
		FROM ledger_entries WHERE account_id = ?
		ORDER BY id ASC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var typ, created string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.PoolID, &e.Amount, &typ, &e.CausationID, &created); err != nil {
			return nil, err
		}
		e.EntryType = domain.EntryType(typ)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
