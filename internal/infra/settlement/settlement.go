// Package settlement turns held earnings into withdrawable balance after a
// fixed hold window.
//
// The window exists because on-chain payments can be reorganized: 48 hours
// covers worst-case finality across supported chains with comfortable margin
// while bounding fraud-detection exposure to two days. The eligibility
// instant (settle_after) was fixed when the earning was created — settlement
// never consults the earning's age against the wall clock, so clock skew
// between writers cannot move the goalposts.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/observability"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

// DefaultHold is the standard settlement hold window.
const DefaultHold = 48 * time.Hour

// Service batch-settles eligible earnings.
type Service struct {
	db     *sqlite.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a settlement service.
func NewService(db *sqlite.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger, now: time.Now}
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ProcessEligible settles earnings whose hold has elapsed, at most
// sqlite.BatchLimit rows per transaction, looping until none remain or
// maxBatches is hit. Each batch is atomic: all its rows settle or none do.
// Returns the number of earnings settled.
func (s *Service) ProcessEligible(ctx context.Context, maxBatches int) (int, error) {
	if maxBatches <= 0 {
		maxBatches = 1
	}
	settled := 0
	for batch := 0; batch < maxBatches; batch++ {
		eligible, err := s.db.EligibleEarnings(s.now(), sqlite.BatchLimit)
		if err != nil {
			return settled, err
		}
		if len(eligible) == 0 {
			break
		}
		ids := make([]string, len(eligible))
		for i, e := range eligible {
			ids[i] = e.EarningID
		}
		n, err := s.db.SettleBatch(ctx, ids)
		if err != nil {
			return settled, err
		}
		settled += n
		observability.EarningsSettled.Add(float64(n))
		s.logger.Info("settlement batch processed", "rows", n, "batch", batch+1)
		if len(eligible) < sqlite.BatchLimit {
			break
		}
	}
	return settled, nil
}

// Withdrawable reports an account's settled, unescrowed balance.
func (s *Service) Withdrawable(accountID string) (domain.MicroUSD, error) {
	return s.db.WithdrawableBalance(accountID)
}

// Run settles eligible earnings on interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ProcessEligible(ctx, 10); err != nil {
				s.logger.Error("settlement pass failed", "err", err)
			}
		}
	}
}
