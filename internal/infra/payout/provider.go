package payout

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/lantern-network/lantern/internal/domain"
)

// WebhookProvider is the default domain.PayoutProvider: it accepts every
// submitted payout and leaves resolution to signed webhooks from the
// operator's payment rail. Webhook signatures are HMAC-SHA256 over the raw
// payload, hex encoded.
type WebhookProvider struct {
	secret []byte

	mu       sync.Mutex
	statuses map[string]domain.ProviderPayoutStatus
}

// NewWebhookProvider creates the provider with the shared webhook secret.
func NewWebhookProvider(secret []byte) *WebhookProvider {
	return &WebhookProvider{
		secret:   secret,
		statuses: make(map[string]domain.ProviderPayoutStatus),
	}
}

// CreatePayout accepts the payout and records it as pending. The payout ID
// doubles as the provider reference.
func (p *WebhookProvider) CreatePayout(ctx context.Context, in domain.PayoutInput) (domain.PayoutResult, error) {
	p.mu.Lock()
	p.statuses[in.PayoutID] = domain.ProviderPayoutPending
	p.mu.Unlock()
	return domain.PayoutResult{
		ProviderID: in.PayoutID,
		Accepted:   true,
	}, nil
}

// GetPayoutStatus returns the last webhook-reported status.
func (p *WebhookProvider) GetPayoutStatus(ctx context.Context, providerID string) (domain.ProviderPayoutStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.statuses[providerID]; ok {
		return s, nil
	}
	return domain.ProviderPayoutPending, nil
}

// SetStatus records a status observed out of band (applied by webhooks).
func (p *WebhookProvider) SetStatus(providerID string, status domain.ProviderPayoutStatus) {
	p.mu.Lock()
	p.statuses[providerID] = status
	p.mu.Unlock()
}

// VerifyWebhook checks the HMAC-SHA256 signature over the payload.
func (p *WebhookProvider) VerifyWebhook(payload, signature []byte) bool {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), signature)
}

// Sign produces the signature VerifyWebhook expects. Exposed for the rail
// integration and tests.
func (p *WebhookProvider) Sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	return []byte(hex.EncodeToString(mac.Sum(nil)))
}
