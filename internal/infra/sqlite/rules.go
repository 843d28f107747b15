package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/lantern-network/lantern/internal/domain"
)

// ─── Distribution Rules ─────────────────────────────────────────────────────
// Rule activation is a governance-class write: it runs under the same
// IMMEDIATE discipline as money moves so a split can never observe two
// active rules.

// ActivateRule stores a new basis-point rule set and supersedes the current
// one in the same transaction.
func (db *DB) ActivateRule(ctx context.Context, name string, referrer, commons, community, treasury domain.Bps) (domain.DistributionRule, error) {
	for _, b := range []domain.Bps{referrer, commons, community, treasury} {
		if !b.Valid() {
			return domain.DistributionRule{}, domain.ErrInvalidShares
		}
	}
	if referrer+commons+community+treasury > domain.BpsDenominator {
		return domain.DistributionRule{}, domain.ErrInvalidShares
	}

	rule := domain.DistributionRule{
		RuleID:       uuid.NewString(),
		Name:         name,
		ReferrerBps:  referrer,
		CommonsBps:   commons,
		CommunityBps: community,
		TreasuryBps:  treasury,
	}
	err := db.withImmediate(ctx, func(tx *sql.Tx) error {
		now := db.now()
		rule.ActivatedAt = now.UTC()
		if _, err := tx.Exec(`
			UPDATE distribution_rules SET superseded_at = ? WHERE superseded_at IS NULL
		`, formatTime(now)); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO distribution_rules (rule_id, name, referrer_bps, commons_bps, community_bps, treasury_bps, activated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rule.RuleID, name, int64(referrer), int64(commons), int64(community), int64(treasury), formatTime(now)); err != nil {
			return err
		}
		return appendEvent(tx, now, rule.RuleID, domain.EventRuleActivated, rule.RuleID, map[string]any{
			"name": name, "referrer_bps": int64(referrer), "commons_bps": int64(commons),
			"community_bps": int64(community), "treasury_bps": int64(treasury),
		})
	})
	if err != nil {
		return domain.DistributionRule{}, err
	}
	return rule, nil
}

// ActiveRule returns the rule currently in force.
func (db *DB) ActiveRule() (domain.DistributionRule, error) {
	var r domain.DistributionRule
	var activated string
	err := db.reader.QueryRow(`
		SELECT rule_id, name, referrer_bps, commons_bps, community_bps, treasury_bps, activated_at
		FROM distribution_rules WHERE superseded_at IS NULL
	`).Scan(&r.RuleID, &r.Name, &r.ReferrerBps, &r.CommonsBps, &r.CommunityBps, &r.TreasuryBps, &activated)
	if err == sql.ErrNoRows {
		return domain.DistributionRule{}, domain.ErrNoActiveRule
	}
	if err != nil {
		return domain.DistributionRule{}, err
	}
	r.ActivatedAt = parseTime(activated)
	return r, nil
}

// RuleHistory lists all rules, newest activation first.
func (db *DB) RuleHistory(limit int) ([]domain.DistributionRule, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := db.reader.Query(`
		SELECT rule_id, name, referrer_bps, commons_bps, community_bps, treasury_bps, activated_at, superseded_at
		FROM distribution_rules ORDER BY activated_at DESC, rule_id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DistributionRule
	for rows.Next() {
		var r domain.DistributionRule
		var activated string
		var superseded sql.NullString
		if err := rows.Scan(&r.RuleID, &r.Name, &r.ReferrerBps, &r.CommonsBps, &r.CommunityBps, &r.TreasuryBps, &activated, &superseded); err != nil {
			return nil, err
		}
		r.ActivatedAt = parseTime(activated)
		if superseded.Valid {
			r.SupersededAt = parseTime(superseded.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
