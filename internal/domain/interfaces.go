package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// PayoutInput is the request handed to an external payout provider.
type PayoutInput struct {
	PayoutID  string   // our PayoutRequest.ID, used as the provider idempotency key
	AccountID string
	Amount    MicroUSD
	Address   string // destination (crypto address, IBAN — provider-specific)
	Currency  string
}

// PayoutResult is the provider's acknowledgement of a created payout.
type PayoutResult struct {
	ProviderID string // provider's own reference for status polling
	Accepted   bool
	Message    string
}

// ProviderPayoutStatus is the provider-side state of a payout in flight.
type ProviderPayoutStatus string

const (
	ProviderPayoutPending  ProviderPayoutStatus = "pending"
	ProviderPayoutSent     ProviderPayoutStatus = "sent"
	ProviderPayoutFinished ProviderPayoutStatus = "finished"
	ProviderPayoutFailed   ProviderPayoutStatus = "failed"
)

// PayoutProvider abstracts the external payment processor. The payout state
// machine depends only on this port, so swapping providers never touches it.
type PayoutProvider interface {
	// CreatePayout submits a transfer to the provider.
	CreatePayout(ctx context.Context, in PayoutInput) (PayoutResult, error)

	// GetPayoutStatus polls the provider-side state of a payout.
	GetPayoutStatus(ctx context.Context, providerID string) (ProviderPayoutStatus, error)

	// VerifyWebhook checks a callback signature. Parsing the payload is the
	// caller's concern; this only answers "is it authentic".
	VerifyWebhook(payload, signature []byte) bool
}
