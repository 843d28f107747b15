package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lantern-network/lantern/internal/app/billing"
	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/clawback"
	"github.com/lantern-network/lantern/internal/infra/payout"
	"github.com/lantern-network/lantern/internal/infra/reconcile"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

// Handlers carries the services the HTTP layer fronts. The layer itself is
// thin: decode, delegate, map errors — all money logic stays below it.
type Handlers struct {
	db        *sqlite.DB
	pipeline  *billing.Pipeline
	payouts   *payout.Service
	clawbacks *clawback.Service
	reconcile *reconcile.Controller
}

// NewHandlers creates the handler set.
func NewHandlers(db *sqlite.DB, pipeline *billing.Pipeline, payouts *payout.Service, clawbacks *clawback.Service, rec *reconcile.Controller) *Handlers {
	return &Handlers{
		db:        db,
		pipeline:  pipeline,
		payouts:   payouts,
		clawbacks: clawbacks,
		reconcile: rec,
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrLotNotFound),
		errors.Is(err, domain.ErrEarningNotFound),
		errors.Is(err, domain.ErrPayoutNotFound),
		errors.Is(err, domain.ErrNoActiveRule):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrBudgetExceeded),
		errors.Is(err, domain.ErrInsufficientWithdrawable):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidShares):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountVersionConflict),
		errors.Is(err, domain.ErrPayoutInvalidTransition),
		errors.Is(err, domain.ErrAlreadySettled),
		errors.Is(err, domain.ErrAlreadyClawedBack):
		return http.StatusConflict
	case errors.Is(err, domain.ErrChecksumMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// ─── Charges ────────────────────────────────────────────────────────────────

type chargeRequest struct {
	ChargeID   string            `json:"charge_id,omitempty"`
	AgentID    string            `json:"agent_id"`
	ReferrerID string            `json:"referrer_id,omitempty"`
	Kind       string            `json:"kind"`
	Estimate   domain.MicroUSD   `json:"estimate_micro"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// HandleCharge runs one charge through the full pipeline.
func (h *Handlers) HandleCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.Kind == "" {
		writeError(w, http.StatusBadRequest, "agent_id and kind are required")
		return
	}
	out, err := h.pipeline.Run(r.Context(), billing.Charge{
		ID:         req.ChargeID,
		AgentID:    req.AgentID,
		ReferrerID: req.ReferrerID,
		Kind:       req.Kind,
		Estimate:   req.Estimate,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Credits ────────────────────────────────────────────────────────────────

type mintRequest struct {
	AccountID string          `json:"account_id"`
	Amount    domain.MicroUSD `json:"amount_micro"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"` // zero = never
}

// HandleMint creates a credit lot. Admin only — this is where money enters.
func (h *Handlers) HandleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	lot, err := h.db.Mint(r.Context(), req.AccountID, req.Amount, req.ExpiresAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lot)
}

type debitRequest struct {
	AccountID   string          `json:"account_id"`
	Amount      domain.MicroUSD `json:"amount_micro"`
	CausationID string          `json:"causation_id"`
}

// HandleDebit consumes credits immediately, without a reservation. Used for
// fixed-price charges where the cost is known up front.
func (h *Handlers) HandleDebit(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if err := h.db.Debit(r.Context(), req.AccountID, "", req.Amount, domain.EntryDebit, req.CausationID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": req.AccountID, "debited_micro": req.Amount})
}

type reserveRequest struct {
	AccountID string          `json:"account_id"`
	Amount    domain.MicroUSD `json:"amount_micro"`
}

// HandleReserve places a hold against the account's lots.
func (h *Handlers) HandleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}
	reservationID, err := h.db.Reserve(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"reservation_id": reservationID,
	})
}

type finalizeRequest struct {
	AgentID string          `json:"agent_id"`
	Actual  domain.MicroUSD `json:"actual_micro"`
}

// HandleFinalize settles a reservation at its actual cost, recording the
// budget entry in the same transaction.
func (h *Handlers) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !decode(w, r, &req) {
		return
	}
	reservationID := chi.URLParam(r, "id")
	if _, err := h.db.FinalizeWithBudget(r.Context(), reservationID, req.AgentID, req.Actual); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"reservation_id": reservationID,
		"status":         string(domain.ReservationFinalized),
	})
}

// HandleRelease returns a reservation's hold in full.
func (h *Handlers) HandleRelease(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "id")
	if err := h.db.Release(r.Context(), reservationID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"reservation_id": reservationID,
		"status":         string(domain.ReservationReleased),
	})
}

// ─── Account Reads ──────────────────────────────────────────────────────────

// HandleBalance returns the account's aggregate lot position.
func (h *Handlers) HandleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.db.AccountBalance(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// HandleWithdrawable returns settled earnings minus in-flight payouts.
func (h *Handlers) HandleWithdrawable(w http.ResponseWriter, r *http.Request) {
	amount, err := h.db.WithdrawableBalance(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"withdrawable_micro": int64(amount),
	})
}

// HandleEntries returns the account's recent ledger entries.
func (h *Handlers) HandleEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.db.LedgerEntries(chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleEvents returns the billing events for an aggregate.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.db.EventsForAggregate(chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleReceivable returns the account's outstanding clawback receivable.
func (h *Handlers) HandleReceivable(w http.ResponseWriter, r *http.Request) {
	outstanding, err := h.clawbacks.Outstanding(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"outstanding_micro": int64(outstanding),
	})
}

func queryLimit(r *http.Request) int {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return limit
}

// ─── Clawbacks ──────────────────────────────────────────────────────────────

type clawbackRequest struct {
	AccountID string          `json:"account_id,omitempty"`
	EarningID string          `json:"earning_id,omitempty"`
	Reason    string          `json:"reason"`
	Amount    domain.MicroUSD `json:"amount_micro,omitempty"` // required without earning_id
}

// HandleClawback reverses an earning or claws back an arbitrary amount.
func (h *Handlers) HandleClawback(w http.ResponseWriter, r *http.Request) {
	var req clawbackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	var (
		res sqlite.ClawbackResult
		err error
	)
	switch {
	case req.EarningID != "":
		res, err = h.clawbacks.ClawbackEarning(r.Context(), req.EarningID, req.Reason)
	case req.AccountID != "" && req.Amount > 0:
		res, err = h.clawbacks.ClawbackAmount(r.Context(), req.AccountID, req.Reason, req.Amount)
	default:
		writeError(w, http.StatusBadRequest, "either earning_id or account_id with amount_micro is required")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Payouts ────────────────────────────────────────────────────────────────

type payoutRequest struct {
	AccountID string          `json:"account_id"`
	Amount    domain.MicroUSD `json:"amount_micro"`
}

// HandleRequestPayout records a pending withdrawal.
func (h *Handlers) HandleRequestPayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.payouts.RequestWithdrawal(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// HandleGetPayout returns a payout request by ID.
func (h *Handlers) HandleGetPayout(w http.ResponseWriter, r *http.Request) {
	req, err := h.db.GetPayoutRequest(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// HandleApprovePayout moves a pending payout to approved.
func (h *Handlers) HandleApprovePayout(w http.ResponseWriter, r *http.Request) {
	payoutID := chi.URLParam(r, "id")
	if err := h.payouts.Machine().Approve(r.Context(), payoutID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payout_id": payoutID,
		"status":    string(domain.PayoutApproved),
	})
}

type executePayoutRequest struct {
	Address string `json:"address"`
}

// HandleExecutePayout escrows an approved payout and submits it to the
// provider.
func (h *Handlers) HandleExecutePayout(w http.ResponseWriter, r *http.Request) {
	var req executePayoutRequest
	if !decode(w, r, &req) {
		return
	}
	payoutID := chi.URLParam(r, "id")
	if err := h.payouts.Execute(r.Context(), payoutID, req.Address); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payout_id": payoutID,
		"status":    string(domain.PayoutProcessing),
	})
}

// HandlePayoutWebhook applies a provider callback. The signature header is
// the only credential on this route.
func (h *Handlers) HandlePayoutWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	signature := []byte(r.Header.Get("X-Payout-Signature"))
	if err := h.payouts.HandleWebhook(r.Context(), payload, signature); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Distribution Rules ─────────────────────────────────────────────────────

type activateRuleRequest struct {
	Name      string     `json:"name"`
	Referrer  domain.Bps `json:"referrer_bps"`
	Commons   domain.Bps `json:"commons_bps"`
	Community domain.Bps `json:"community_bps"`
	Treasury  domain.Bps `json:"treasury_bps"`
}

// HandleActivateRule activates a new revenue split, superseding the current
// one in the same transaction.
func (h *Handlers) HandleActivateRule(w http.ResponseWriter, r *http.Request) {
	var req activateRuleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := h.db.ActivateRule(r.Context(), req.Name, req.Referrer, req.Commons, req.Community, req.Treasury)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// HandleActiveRule returns the rule currently in force.
func (h *Handlers) HandleActiveRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.db.ActiveRule()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// HandleRuleHistory returns past and present rules, newest first.
func (h *Handlers) HandleRuleHistory(w http.ResponseWriter, r *http.Request) {
	rules, err := h.db.RuleHistory(queryLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// ─── Pools and Audit ────────────────────────────────────────────────────────

// HandlePoolBalance returns a platform pool's accumulated balance.
func (h *Handlers) HandlePoolBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.db.PoolBalance("pool:" + chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"balance_micro": int64(balance),
	})
}

// HandleReconcile runs a reconciliation pass on demand and returns its
// report. The pass only reads; alarms go to logs and metrics as usual.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconcile.RunOnce(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
