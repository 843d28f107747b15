// Package payout drives withdrawals through their lifecycle:
//
//	pending → approved → processing → completed
//	                └──────┴───────→ failed (from any non-terminal state)
//
// Entering processing escrows the amount (withdrawable → in-flight); failed
// releases the escrow; completed deducts permanently. The actual transfer is
// delegated to the injected domain.PayoutProvider, so swapping processors
// never touches this machine.
package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/observability"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

// StateMachine applies lifecycle transitions with their balance effects.
type StateMachine struct {
	db     *sqlite.DB
	logger *slog.Logger
}

// NewStateMachine creates a payout state machine.
func NewStateMachine(db *sqlite.DB, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{db: db, logger: logger}
}

// Approve moves a pending payout to approved.
func (m *StateMachine) Approve(ctx context.Context, payoutID string) error {
	return m.transition(ctx, payoutID, domain.PayoutApproved, "")
}

// Complete marks a processing payout final. The deduction becomes permanent.
func (m *StateMachine) Complete(ctx context.Context, payoutID string) error {
	return m.transition(ctx, payoutID, domain.PayoutCompleted, "")
}

// Fail aborts a payout from any non-terminal state, releasing its escrow.
func (m *StateMachine) Fail(ctx context.Context, payoutID, reason string) error {
	return m.transition(ctx, payoutID, domain.PayoutFailed, reason)
}

func (m *StateMachine) transition(ctx context.Context, payoutID string, to domain.PayoutStatus, reason string) error {
	if err := m.db.TransitionPayout(ctx, payoutID, to, "", reason); err != nil {
		return err
	}
	observability.PayoutTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// ─── Creator Payout Service ─────────────────────────────────────────────────

// Service accepts withdrawal requests and runs approved payouts through the
// external provider.
type Service struct {
	db       *sqlite.DB
	machine  *StateMachine
	provider domain.PayoutProvider
	logger   *slog.Logger
	currency string
}

// NewService creates the creator payout service.
func NewService(db *sqlite.DB, provider domain.PayoutProvider, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       db,
		machine:  NewStateMachine(db, logger),
		provider: provider,
		logger:   logger,
		currency: currency,
	}
}

// Machine exposes the underlying state machine (admin approval paths).
func (s *Service) Machine() *StateMachine { return s.machine }

// RequestWithdrawal records a pending payout for amount of the account's
// withdrawable balance.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID string, amount domain.MicroUSD) (domain.PayoutRequest, error) {
	req, err := s.db.CreatePayoutRequest(ctx, accountID, amount)
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	s.logger.Info("withdrawal requested",
		"payout_id", req.ID, "account_id", accountID, "amount", amount.String())
	return req, nil
}

// Execute escrows an approved payout and hands it to the provider. A
// provider rejection fails the payout immediately, releasing the escrow; an
// accepted payout stays in processing until Poll or a webhook resolves it.
func (s *Service) Execute(ctx context.Context, payoutID, address string) error {
	req, err := s.db.GetPayoutRequest(payoutID)
	if err != nil {
		return err
	}
	// Escrow first: the provider must never hold money our books still call
	// withdrawable.
	if err := s.db.TransitionPayout(ctx, payoutID, domain.PayoutProcessing, "", ""); err != nil {
		return err
	}
	observability.PayoutTransitions.WithLabelValues(string(domain.PayoutProcessing)).Inc()

	res, err := s.provider.CreatePayout(ctx, domain.PayoutInput{
		PayoutID:  req.ID,
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Address:   address,
		Currency:  s.currency,
	})
	if err != nil {
		if ferr := s.machine.Fail(ctx, payoutID, fmt.Sprintf("provider error: %v", err)); ferr != nil {
			s.logger.Error("failed to fail payout after provider error",
				"payout_id", payoutID, "err", ferr)
		}
		return err
	}
	if !res.Accepted {
		if err := s.machine.Fail(ctx, payoutID, "provider rejected: "+res.Message); err != nil {
			return err
		}
		return nil
	}
	return s.db.TransitionPayout(ctx, payoutID, domain.PayoutProcessing, res.ProviderID, "")
}

// Poll resolves processing payouts against the provider's view.
func (s *Service) Poll(ctx context.Context) error {
	processing, err := s.db.PayoutsInStatus(domain.PayoutProcessing, sqlite.BatchLimit)
	if err != nil {
		return err
	}
	for _, p := range processing {
		if p.ProviderID == "" {
			continue
		}
		status, err := s.provider.GetPayoutStatus(ctx, p.ProviderID)
		if err != nil {
			s.logger.Warn("payout status poll failed", "payout_id", p.ID, "err", err)
			continue
		}
		switch status {
		case domain.ProviderPayoutFinished:
			if err := s.machine.Complete(ctx, p.ID); err != nil {
				return err
			}
		case domain.ProviderPayoutFailed:
			if err := s.machine.Fail(ctx, p.ID, "provider reported failure"); err != nil {
				return err
			}
		}
	}
	return nil
}

// webhookBody is the minimal provider callback shape we act on.
type webhookBody struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// HandleWebhook verifies and applies a provider callback. An invalid
// signature fails closed with ErrChecksumMismatch — a forged or corrupted
// callback must never move a payout.
func (s *Service) HandleWebhook(ctx context.Context, payload, signature []byte) error {
	if !s.provider.VerifyWebhook(payload, signature) {
		return domain.ErrChecksumMismatch
	}
	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("webhook payload: %w", err)
	}
	switch domain.ProviderPayoutStatus(body.Status) {
	case domain.ProviderPayoutFinished:
		return s.machine.Complete(ctx, body.PayoutID)
	case domain.ProviderPayoutFailed:
		reason := body.Reason
		if reason == "" {
			reason = "provider webhook reported failure"
		}
		return s.machine.Fail(ctx, body.PayoutID, reason)
	default:
		return nil // intermediate states carry no balance effect
	}
}
