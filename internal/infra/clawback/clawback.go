// Package clawback reverses earnings after the fact — refund abuse, fraud,
// chargebacks — without ever unbalancing the books.
//
// When the account's live credit covers the clawback, a compensating debit
// does the whole job. When it cannot, the shortfall becomes an off-ledger
// receivable that future earnings drip against before the account sees a
// micro-USD. applied + receivable = original amount always holds; the
// accepted business risk is that a receivable stays open forever if the
// account simply stops earning.
package clawback

import (
	"context"
	"log/slog"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/observability"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

// Service applies clawbacks and reports receivable positions.
type Service struct {
	db     *sqlite.DB
	logger *slog.Logger
}

// NewService creates a clawback service.
func NewService(db *sqlite.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger}
}

// ClawbackEarning voids the earning and recovers its amount from the
// recipient: live credit first, receivable for the rest.
func (s *Service) ClawbackEarning(ctx context.Context, earningID, reason string) (sqlite.ClawbackResult, error) {
	earning, err := s.db.GetEarning(earningID)
	if err != nil {
		return sqlite.ClawbackResult{}, err
	}
	res, err := s.db.ApplyClawback(ctx, earning.AccountID, earningID, reason, earning.Amount)
	if err != nil {
		return sqlite.ClawbackResult{}, err
	}
	s.log(earning.AccountID, earning.Amount, res, reason)
	return res, nil
}

// ClawbackAmount recovers an arbitrary amount from an account, outside any
// single earning — bulk fraud reversals use this.
func (s *Service) ClawbackAmount(ctx context.Context, accountID, reason string, amount domain.MicroUSD) (sqlite.ClawbackResult, error) {
	res, err := s.db.ApplyClawback(ctx, accountID, "", reason, amount)
	if err != nil {
		return sqlite.ClawbackResult{}, err
	}
	s.log(accountID, amount, res, reason)
	return res, nil
}

// Outstanding returns the account's open receivable balance (zero if none).
func (s *Service) Outstanding(accountID string) (domain.MicroUSD, error) {
	r, err := s.db.GetReceivable(accountID)
	if err != nil {
		return 0, err
	}
	return r.Balance, nil
}

func (s *Service) log(accountID string, amount domain.MicroUSD, res sqlite.ClawbackResult, reason string) {
	if res.Receivable > 0 {
		observability.ClawbacksApplied.WithLabelValues("partial").Inc()
		s.logger.Warn("clawback partially covered, receivable created",
			"account_id", accountID, "amount", amount.String(),
			"applied", res.Applied.String(), "receivable", res.Receivable.String(),
			"reason", reason)
		return
	}
	observability.ClawbacksApplied.WithLabelValues("full").Inc()
	s.logger.Info("clawback applied in full",
		"account_id", accountID, "amount", amount.String(), "reason", reason)
}
