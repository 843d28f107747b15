package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/lantern-network/lantern/internal/domain"
)

// ─── Distribution Persistence ───────────────────────────────────────────────

// Pool account IDs for the platform-side shares. Pools are ordinary ledger
// accounts; their balances are the sums of their entries.
const (
	PoolCommons    = "pool:commons"
	PoolCommunity  = "pool:community"
	PoolTreasury   = "pool:treasury"
	PoolFoundation = "pool:foundation"
)

// DistributionRecord is a computed split ready to persist. The distribution
// service guarantees the shares sum to the charge total before this is
// called; persistence only writes, it never re-rounds.
type DistributionRecord struct {
	CausationID string // the finalized charge this split derives from
	SourceID    string // charged account, for the audit trail
	Total       domain.MicroUSD

	ReferrerID string // empty = no referrer, share must then be zero
	Referrer   domain.MicroUSD
	Commons    domain.MicroUSD
	Community  domain.MicroUSD
	Treasury   domain.MicroUSD
	Foundation domain.MicroUSD

	Hold time.Duration // settlement hold for the referrer earning
}

// RecordDistribution persists one revenue split in a single transaction:
// pool credits as ledger entries, the referrer share as a held earning
// (dripping against any receivable first), and the distribution event.
// Creator earnings are score-weighted, not per-charge; they come through
// DistributeScoreRewards.
func (db *DB) RecordDistribution(ctx context.Context, rec DistributionRecord) (dripped domain.MicroUSD, err error) {
	err = db.withImmediate(ctx, func(tx *sql.Tx) error {
		dripped = 0
		now := db.now()

		pools := []struct {
			id     string
			amount domain.MicroUSD
		}{
			{PoolCommons, rec.Commons},
			{PoolCommunity, rec.Community},
			{PoolTreasury, rec.Treasury},
			{PoolFoundation, rec.Foundation},
		}
		for _, p := range pools {
			if p.amount == 0 {
				continue
			}
			if err := appendEntry(tx, now, p.id, p.id, p.amount, domain.EntryDistribute, rec.CausationID); err != nil {
				return err
			}
		}

		if rec.Referrer > 0 {
			if _, d, err := createEarningInTx(tx, now, CreateEarningParams{
				AccountID:   rec.ReferrerID,
				Kind:        domain.EarningReferrer,
				Amount:      rec.Referrer,
				Hold:        rec.Hold,
				CausationID: rec.CausationID,
			}); err != nil {
				return err
			} else {
				dripped += d
			}
		}
		return appendEvent(tx, now, rec.SourceID, domain.EventRevenueDistributed, rec.CausationID, map[string]any{
			"total_micro":      int64(rec.Total),
			"referrer_micro":   int64(rec.Referrer),
			"commons_micro":    int64(rec.Commons),
			"community_micro":  int64(rec.Community),
			"treasury_micro":   int64(rec.Treasury),
			"foundation_micro": int64(rec.Foundation),
		})
	})
	return dripped, err
}

// PoolBalance sums a pool's ledger entries.
func (db *DB) PoolBalance(poolID string) (domain.MicroUSD, error) {
	var total domain.MicroUSD
	err := db.reader.QueryRow(`
		SELECT COALESCE(SUM(amount_micro),0) FROM ledger_entries WHERE pool_id = ? AND account_id = ?
	`, poolID, poolID).Scan(&total)
	return total, err
}
