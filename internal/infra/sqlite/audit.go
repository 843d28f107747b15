package sqlite

import (
	"github.com/lantern-network/lantern/internal/domain"
)

// ─── Reconciliation Reads ───────────────────────────────────────────────────
// Everything here is read-only. The reconciliation controller NEVER writes a
// correction through these or any other path — divergence alerts, it does
// not heal.

// LotViolation is a lot whose conservation identity does not hold.
type LotViolation struct {
	LotID     string
	AccountID string
	Delta     domain.MicroUSD // (available+reserved+consumed) − (original−expired)
}

// LotConservationViolations scans every lot for conservation breaks.
// The schema CHECK should make this unreachable; the scan exists precisely
// to catch the day it is not.
func (db *DB) LotConservationViolations() ([]LotViolation, error) {
	rows, err := db.reader.Query(`
		SELECT lot_id, account_id,
		       (available_micro + reserved_micro + consumed_micro) - (original_micro - expired_micro)
		FROM credit_lots
		WHERE available_micro + reserved_micro + consumed_micro != original_micro - expired_micro
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LotViolation
	for rows.Next() {
		var v LotViolation
		if err := rows.Scan(&v.LotID, &v.AccountID, &v.Delta); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ReceivableViolation is a receivable whose balance does not equal
// original − recovered, or has gone negative.
type ReceivableViolation struct {
	ReceivableID string
	AccountID    string
	Delta        domain.MicroUSD
}

// ReceivableViolations scans receivables for tracking breaks.
func (db *DB) ReceivableViolations() ([]ReceivableViolation, error) {
	rows, err := db.reader.Query(`
		SELECT receivable_id, account_id,
		       balance_micro - (original_micro - recovered_micro)
		FROM clawback_receivables
		WHERE balance_micro != original_micro - recovered_micro OR balance_micro < 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReceivableViolation
	for rows.Next() {
		var v ReceivableViolation
		if err := rows.Scan(&v.ReceivableID, &v.AccountID, &v.Delta); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PlatformSums is the platform-wide conservation snapshot. Every micro-USD
// ever minted must still be accounted for in some lot column or have lapsed:
// Σ(available+reserved+consumed) = Σ minted − Σ expired. Receivables ride
// along for the report — they are off-ledger liabilities whose own identity
// (balance = original − recovered) is checked separately.
type PlatformSums struct {
	LotBalances domain.MicroUSD // Σ available+reserved+consumed over all lots
	Receivables domain.MicroUSD // Σ outstanding receivable balances
	Minted      domain.MicroUSD // Σ original over all lots
	Expired     domain.MicroUSD // Σ expired over all lots
}

// Conserved reports the platform-wide identity.
func (s PlatformSums) Conserved() bool {
	return s.LotBalances == s.Minted-s.Expired
}

// PlatformConservation reads the platform-wide sums in one pass.
func (db *DB) PlatformConservation() (PlatformSums, error) {
	var s PlatformSums
	err := db.reader.QueryRow(`
		SELECT COALESCE(SUM(available_micro + reserved_micro + consumed_micro),0),
		       COALESCE(SUM(original_micro),0),
		       COALESCE(SUM(expired_micro),0)
		FROM credit_lots
	`).Scan(&s.LotBalances, &s.Minted, &s.Expired)
	if err != nil {
		return PlatformSums{}, err
	}
	err = db.reader.QueryRow(`
		SELECT COALESCE(SUM(balance_micro),0) FROM clawback_receivables
	`).Scan(&s.Receivables)
	if err != nil {
		return PlatformSums{}, err
	}
	return s, nil
}
