// Package distribution splits inbound charges into basis-point shares.
//
// Every share except the foundation's is computed by integer floor division;
// the foundation share is defined as total − Σ(other shares). This is the
// largest-remainder method specialized so one designated pool always absorbs
// the truncation remainder: conservation is exact, complexity is O(1), and
// no branching decides who gets the leftover micro-USD. The foundation may
// exceed its nominal proportion by at most one micro-USD per other share.
package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

// ─── Split ──────────────────────────────────────────────────────────────────

// Shares is one computed split. Fields always sum to the input total.
type Shares struct {
	Referrer   domain.MicroUSD
	Commons    domain.MicroUSD
	Community  domain.MicroUSD
	Treasury   domain.MicroUSD
	Foundation domain.MicroUSD
}

// Total returns the sum of all shares.
func (s Shares) Total() domain.MicroUSD {
	return s.Referrer + s.Commons + s.Community + s.Treasury + s.Foundation
}

// Split computes the basis-point shares of total under rule. A negative
// total is a caller bug and returns ErrInvalidAmount; Σ(shares) != total
// after computation is a logic error that can only mean the algorithm itself
// is broken, so it panics rather than returning money that does not balance.
func Split(rule domain.DistributionRule, total domain.MicroUSD) (Shares, error) {
	if total < 0 {
		return Shares{}, domain.ErrInvalidAmount
	}
	s := Shares{
		Referrer:  total.BpsShare(int64(rule.ReferrerBps)),
		Commons:   total.BpsShare(int64(rule.CommonsBps)),
		Community: total.BpsShare(int64(rule.CommunityBps)),
		Treasury:  total.BpsShare(int64(rule.TreasuryBps)),
	}
	s.Foundation = total - s.Referrer - s.Commons - s.Community - s.Treasury

	if s.Total() != total {
		panic(fmt.Sprintf("distribution: shares %d != total %d — conservation broken", s.Total(), total))
	}
	return s, nil
}

// ─── Revenue Distribution Service ───────────────────────────────────────────

// Service turns finalized charges into persisted revenue splits under the
// currently active rule.
type Service struct {
	db     *sqlite.DB
	logger *slog.Logger
	hold   time.Duration // settlement hold for referrer/creator earnings
}

// NewService creates a distribution service. hold is the settlement window
// applied to referrer and creator earnings created by this service.
func NewService(db *sqlite.DB, hold time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger, hold: hold}
}

// Distribute splits total under the active rule and persists the result in
// one transaction. referrerID may be empty; its share then folds into the
// foundation remainder (the rule's referrer bps are skipped, not redirected
// to a pool that was never owed them).
func (s *Service) Distribute(ctx context.Context, causationID, sourceID, referrerID string, total domain.MicroUSD) (Shares, error) {
	rule, err := s.db.ActiveRule()
	if err != nil {
		return Shares{}, err
	}
	if referrerID == "" {
		rule.ReferrerBps = 0
	}
	shares, err := Split(rule, total)
	if err != nil {
		return Shares{}, err
	}

	dripped, err := s.db.RecordDistribution(ctx, sqlite.DistributionRecord{
		CausationID: causationID,
		SourceID:    sourceID,
		Total:       total,
		ReferrerID:  referrerID,
		Referrer:    shares.Referrer,
		Commons:     shares.Commons,
		Community:   shares.Community,
		Treasury:    shares.Treasury,
		Foundation:  shares.Foundation,
		Hold:        s.hold,
	})
	if err != nil {
		return Shares{}, err
	}

	s.logger.Info("revenue distributed",
		"causation_id", causationID,
		"total", total.String(),
		"referrer", shares.Referrer.String(),
		"foundation", shares.Foundation.String(),
		"dripped", dripped.String(),
	)
	return shares, nil
}

// ─── Score Rewards ──────────────────────────────────────────────────────────

// ScoreReward is one creator's slice of a reward pool, weighted by score.
type ScoreReward struct {
	AccountID string
	Score     int64
	Amount    domain.MicroUSD
}

// SplitByScore divides pool among creators proportionally to score, floor
// division per creator, with the highest-scored creator absorbing the
// remainder — the same discipline as the revenue split, so the pool is
// conserved exactly. Creators with zero score receive nothing. The input
// slice order is preserved.
func SplitByScore(pool domain.MicroUSD, rewards []ScoreReward) ([]ScoreReward, error) {
	if pool < 0 {
		return nil, domain.ErrInvalidAmount
	}
	var totalScore int64
	top := -1
	for i, r := range rewards {
		if r.Score < 0 {
			return nil, domain.ErrInvalidAmount
		}
		totalScore += r.Score
		if top < 0 || r.Score > rewards[top].Score {
			top = i
		}
	}
	out := make([]ScoreReward, len(rewards))
	copy(out, rewards)
	if totalScore == 0 || pool == 0 {
		for i := range out {
			out[i].Amount = 0
		}
		return out, nil
	}

	var distributed domain.MicroUSD
	for i := range out {
		out[i].Amount = domain.MicroUSD(int64(pool) * out[i].Score / totalScore)
		distributed += out[i].Amount
	}
	out[top].Amount += pool - distributed

	var check domain.MicroUSD
	for _, r := range out {
		check += r.Amount
	}
	if check != pool {
		panic(fmt.Sprintf("score rewards: distributed %d != pool %d — conservation broken", check, pool))
	}
	return out, nil
}

// DistributeScoreRewards persists a score-weighted reward split as creator
// earnings, each under the settlement hold.
func (s *Service) DistributeScoreRewards(ctx context.Context, causationID string, pool domain.MicroUSD, rewards []ScoreReward) ([]ScoreReward, error) {
	split, err := SplitByScore(pool, rewards)
	if err != nil {
		return nil, err
	}
	for _, r := range split {
		if r.Amount == 0 {
			continue
		}
		if _, _, err := s.db.CreateEarning(ctx, sqlite.CreateEarningParams{
			AccountID:   r.AccountID,
			Kind:        domain.EarningCreator,
			Amount:      r.Amount,
			Hold:        s.hold,
			CausationID: causationID,
		}); err != nil {
			return nil, err
		}
	}
	s.logger.Info("score rewards distributed",
		"causation_id", causationID, "pool", pool.String(), "creators", len(split))
	return split, nil
}
