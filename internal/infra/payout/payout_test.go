package payout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fundCreator gives the account a settled withdrawable balance.
func fundCreator(t *testing.T, db *sqlite.DB, accountID string, amount domain.MicroUSD) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return now })

	e, _, err := db.CreateEarning(ctx, sqlite.CreateEarningParams{
		AccountID: accountID, Kind: domain.EarningCreator,
		Amount: amount, Hold: 48 * time.Hour, CausationID: "charge-1",
	})
	if err != nil {
		t.Fatalf("CreateEarning() error: %v", err)
	}
	now = now.Add(49 * time.Hour)
	if _, err := db.SettleBatch(ctx, []string{e.EarningID}); err != nil {
		t.Fatalf("SettleBatch() error: %v", err)
	}
}

// mockProvider scripts provider behavior for one test.
type mockProvider struct {
	createErr error
	rejected  bool
	status    domain.ProviderPayoutStatus
	statusErr error
	created   []domain.PayoutInput
}

func (m *mockProvider) CreatePayout(ctx context.Context, in domain.PayoutInput) (domain.PayoutResult, error) {
	m.created = append(m.created, in)
	if m.createErr != nil {
		return domain.PayoutResult{}, m.createErr
	}
	if m.rejected {
		return domain.PayoutResult{Accepted: false, Message: "kyc hold"}, nil
	}
	return domain.PayoutResult{ProviderID: "prov-" + in.PayoutID, Accepted: true}, nil
}

func (m *mockProvider) GetPayoutStatus(ctx context.Context, providerID string) (domain.ProviderPayoutStatus, error) {
	return m.status, m.statusErr
}

func (m *mockProvider) VerifyWebhook(payload, signature []byte) bool {
	return string(signature) == "valid"
}

func newTestService(t *testing.T, db *sqlite.DB, provider domain.PayoutProvider) *Service {
	t.Helper()
	return NewService(db, provider, "USD", slog.Default())
}

// ─── Execute ────────────────────────────────────────────────────────────────

func TestExecute_SubmitsAndStoresProviderRef(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fundCreator(t, db, "creator-1", 50_000)

	provider := &mockProvider{}
	svc := newTestService(t, db, provider)

	req, err := svc.RequestWithdrawal(ctx, "creator-1", 30_000)
	if err != nil {
		t.Fatalf("RequestWithdrawal() error: %v", err)
	}
	if err := svc.Machine().Approve(ctx, req.ID); err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if err := svc.Execute(ctx, req.ID, "acct-dest-1"); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if len(provider.created) != 1 || provider.created[0].Amount != 30_000 {
		t.Fatalf("provider saw %+v, want one 30000 payout", provider.created)
	}
	got, _ := db.GetPayoutRequest(req.ID)
	if got.Status != domain.PayoutProcessing || got.ProviderID != "prov-"+req.ID {
		t.Fatalf("after execute: %+v", got)
	}

	// The amount is escrowed while in flight.
	w, _ := db.WithdrawableBalance("creator-1")
	if w != 20_000 {
		t.Fatalf("withdrawable = %d, want 20000", w)
	}
}

func TestExecute_ProviderErrorFailsAndReleasesEscrow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fundCreator(t, db, "creator-1", 50_000)

	provider := &mockProvider{createErr: errors.New("rail unreachable")}
	svc := newTestService(t, db, provider)

	req, _ := svc.RequestWithdrawal(ctx, "creator-1", 30_000)
	_ = svc.Machine().Approve(ctx, req.ID)

	if err := svc.Execute(ctx, req.ID, "acct-dest-1"); err == nil {
		t.Fatal("Execute() should surface the provider error")
	}

	got, _ := db.GetPayoutRequest(req.ID)
	if got.Status != domain.PayoutFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	w, _ := db.WithdrawableBalance("creator-1")
	if w != 50_000 {
		t.Fatalf("withdrawable after failure = %d, want 50000", w)
	}
}

func TestExecute_ProviderRejectionFailsPayout(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fundCreator(t, db, "creator-1", 50_000)

	provider := &mockProvider{rejected: true}
	svc := newTestService(t, db, provider)

	req, _ := svc.RequestWithdrawal(ctx, "creator-1", 30_000)
	_ = svc.Machine().Approve(ctx, req.ID)
	if err := svc.Execute(ctx, req.ID, "acct-dest-1"); err != nil {
		t.Fatalf("Execute() error on rejection: %v", err)
	}

	got, _ := db.GetPayoutRequest(req.ID)
	if got.Status != domain.PayoutFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
}

// ─── Poll ───────────────────────────────────────────────────────────────────

func TestPoll_ResolvesProcessingPayouts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fundCreator(t, db, "creator-1", 50_000)

	provider := &mockProvider{status: domain.ProviderPayoutFinished}
	svc := newTestService(t, db, provider)

	req, _ := svc.RequestWithdrawal(ctx, "creator-1", 30_000)
	_ = svc.Machine().Approve(ctx, req.ID)
	_ = svc.Execute(ctx, req.ID, "acct-dest-1")

	if err := svc.Poll(ctx); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	got, _ := db.GetPayoutRequest(req.ID)
	if got.Status != domain.PayoutCompleted {
		t.Fatalf("status after poll = %q, want completed", got.Status)
	}
}

// ─── Webhooks ───────────────────────────────────────────────────────────────

func TestHandleWebhook_BadSignatureFailsClosed(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db, &mockProvider{})

	payload, _ := json.Marshal(map[string]string{"payout_id": "p-1", "status": "finished"})
	err := svc.HandleWebhook(context.Background(), payload, []byte("forged"))
	if !errors.Is(err, domain.ErrChecksumMismatch) {
		t.Fatalf("forged webhook: err = %v, want ErrChecksumMismatch", err)
	}
}

func TestHandleWebhook_CompletesPayout(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fundCreator(t, db, "creator-1", 50_000)

	provider := &mockProvider{}
	svc := newTestService(t, db, provider)

	req, _ := svc.RequestWithdrawal(ctx, "creator-1", 30_000)
	_ = svc.Machine().Approve(ctx, req.ID)
	_ = svc.Execute(ctx, req.ID, "acct-dest-1")

	payload, _ := json.Marshal(webhookBody{PayoutID: req.ID, Status: "finished"})
	if err := svc.HandleWebhook(ctx, payload, []byte("valid")); err != nil {
		t.Fatalf("HandleWebhook() error: %v", err)
	}
	got, _ := db.GetPayoutRequest(req.ID)
	if got.Status != domain.PayoutCompleted {
		t.Fatalf("status after webhook = %q, want completed", got.Status)
	}
}

// ─── WebhookProvider ────────────────────────────────────────────────────────

func TestWebhookProvider_SignVerify(t *testing.T) {
	p := NewWebhookProvider([]byte("secret"))
	payload := []byte(`{"payout_id":"p-1","status":"finished"}`)

	sig := p.Sign(payload)
	if !p.VerifyWebhook(payload, sig) {
		t.Fatal("valid signature rejected")
	}
	if p.VerifyWebhook(payload, []byte("nope")) {
		t.Fatal("invalid signature accepted")
	}
	if p.VerifyWebhook([]byte(`tampered`), sig) {
		t.Fatal("tampered payload accepted")
	}

	other := NewWebhookProvider([]byte("other-secret"))
	if other.VerifyWebhook(payload, sig) {
		t.Fatal("signature from a different secret accepted")
	}
}
