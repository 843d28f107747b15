// Package domain contains pure billing types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import "time"

// ─── Accounts ───────────────────────────────────────────────────────────────

// KYCLevel classifies how much identity verification an account has passed.
type KYCLevel int

const (
	KYCNone     KYCLevel = iota // No verification
	KYCBasic                    // Email + Discord identity
	KYCVerified                 // Full verification, payout-eligible
)

// String returns a human-readable KYC level.
func (k KYCLevel) String() string {
	switch k {
	case KYCNone:
		return "none"
	case KYCBasic:
		return "basic"
	case KYCVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Account is a credit-holding identity: a community, an agent, or a user.
// Version implements optimistic concurrency — every mutation bumps it, and
// writers carrying a stale version fail with ErrAccountVersionConflict.
type Account struct {
	ID        string    `json:"id"`
	KYC       KYCLevel  `json:"kyc_level"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// ─── Credit Lots ────────────────────────────────────────────────────────────

// CreditLot is a discrete batch of minted credit with its own expiry.
// Conservation invariant, per lot, at all times:
//
//	available + reserved + consumed = original − expired
type CreditLot struct {
	LotID     string    `json:"lot_id"`
	AccountID string    `json:"account_id"`
	Original  MicroUSD  `json:"original_micro"`
	Available MicroUSD  `json:"available_micro"`
	Reserved  MicroUSD  `json:"reserved_micro"`
	Consumed  MicroUSD  `json:"consumed_micro"`
	Expired   MicroUSD  `json:"expired_micro"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero = never expires
}

// Conserved reports whether the lot-level conservation invariant holds.
func (l CreditLot) Conserved() bool {
	return l.Available+l.Reserved+l.Consumed == l.Original-l.Expired
}

// ─── Ledger Entries ─────────────────────────────────────────────────────────

// EntryType classifies the business reason for a ledger entry.
type EntryType string

const (
	EntryMint       EntryType = "MINT"
	EntryReserve    EntryType = "RESERVE"
	EntryFinalize   EntryType = "FINALIZE"
	EntryRelease    EntryType = "RELEASE"
	EntryDebit      EntryType = "DEBIT"
	EntryExpire     EntryType = "EXPIRE"
	EntryDistribute EntryType = "DISTRIBUTE"
	EntryClawback   EntryType = "CLAWBACK"
	EntryDrip       EntryType = "DRIP"
	EntryPayout     EntryType = "PAYOUT"
)

// LedgerEntry is one append-only double-entry row. Rows are inserted once
// and never updated or deleted; a database trigger enforces this.
type LedgerEntry struct {
	ID          int64     `json:"id"`
	AccountID   string    `json:"account_id"`
	PoolID      string    `json:"pool_id,omitempty"`
	Amount      MicroUSD  `json:"amount_micro"` // signed
	EntryType   EntryType `json:"entry_type"`
	CausationID string    `json:"causation_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// ─── Reservations ───────────────────────────────────────────────────────────

// ReservationStatus is the lifecycle state of a hold.
type ReservationStatus string

const (
	ReservationOpen      ReservationStatus = "open"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is a temporary hold against a single lot pending an outcome.
// One logical reserve call may span several lots; each span is its own row,
// all sharing the reservation ID and status.
type Reservation struct {
	ReservationID string            `json:"reservation_id"`
	LotID         string            `json:"lot_id"`
	AccountID     string            `json:"account_id"`
	Amount        MicroUSD          `json:"amount_micro"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ─── Earnings ───────────────────────────────────────────────────────────────

// EarningKind distinguishes who the payable is owed to.
type EarningKind string

const (
	EarningReferrer EarningKind = "referrer"
	EarningCreator  EarningKind = "creator"
)

// ReferrerEarning is a pending or settled payable to a referrer or creator.
// SettleAfter is computed ONCE at creation (created_at + hold window) and
// stored, never derived lazily from the wall clock at settlement time.
type ReferrerEarning struct {
	EarningID      string      `json:"earning_id"`
	AccountID      string      `json:"account_id"`
	Kind           EarningKind `json:"kind"`
	Amount         MicroUSD    `json:"amount_micro"`
	CreatedAt      time.Time   `json:"created_at"`
	SettleAfter    time.Time   `json:"settle_after"`
	SettledAt      time.Time   `json:"settled_at,omitempty"`
	ClawbackReason string      `json:"clawback_reason,omitempty"`
}

// Settled reports whether the earning has become withdrawable.
func (e ReferrerEarning) Settled() bool { return !e.SettledAt.IsZero() }

// ─── Receivables ────────────────────────────────────────────────────────────

// ClawbackReceivable is an off-ledger IOU created when an account's balance
// could not cover a clawback. It is reduced by drip from future earnings and
// closed at zero. Invariant: applied + receivable = original clawback amount.
type ClawbackReceivable struct {
	ReceivableID string    `json:"receivable_id"`
	AccountID    string    `json:"account_id"`
	Balance      MicroUSD  `json:"balance_micro"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ─── Budget ─────────────────────────────────────────────────────────────────

// BudgetFinalization records capacity consumed within a daily window.
// Rows are immutable; the window ID is the UTC date ("2006-01-02").
type BudgetFinalization struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	WindowID  string    `json:"window_id"`
	Amount    MicroUSD  `json:"amount_micro"`
	CreatedAt time.Time `json:"created_at"`
}

// ─── Payouts ────────────────────────────────────────────────────────────────

// PayoutStatus is a state in the payout lifecycle.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutApproved   PayoutStatus = "approved"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutCompleted || s == PayoutFailed
}

// ValidPayoutTransition reports whether from → to is a legal lifecycle step.
// failed is reachable from any non-terminal state; completed and failed are
// terminal.
func ValidPayoutTransition(from, to PayoutStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case PayoutApproved:
		return from == PayoutPending
	case PayoutProcessing:
		return from == PayoutApproved
	case PayoutCompleted:
		return from == PayoutProcessing
	case PayoutFailed:
		return true
	default:
		return false
	}
}

// PayoutRequest is a withdrawal in flight. The requested amount is escrowed
// (withdrawable → in-flight) on the transition into processing, released on
// failed, and permanently deducted on completed.
type PayoutRequest struct {
	ID         string       `json:"id"`
	AccountID  string       `json:"account_id"`
	Amount     MicroUSD     `json:"amount_micro"`
	Status     PayoutStatus `json:"status"`
	ProviderID string       `json:"provider_id,omitempty"` // external provider's reference
	FailReason string       `json:"fail_reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ─── Billing Events ─────────────────────────────────────────────────────────

// EventType classifies a billing event.
type EventType string

const (
	EventCreditMinted       EventType = "CreditMinted"
	EventCreditReserved     EventType = "CreditReserved"
	EventCreditFinalized    EventType = "CreditFinalized"
	EventCreditReleased     EventType = "CreditReleased"
	EventCreditExpired      EventType = "CreditExpired"
	EventRevenueDistributed EventType = "RevenueDistributed"
	EventEarningSettled     EventType = "EarningSettled"
	EventEarningClawedBack  EventType = "EarningClawedBack"
	EventReceivableDripped  EventType = "ReceivableDripped"
	EventPayoutRequested    EventType = "PayoutRequested"
	EventPayoutTransition   EventType = "PayoutTransition"
	EventRuleActivated      EventType = "RuleActivated"
)

// BillingEvent is a derived, causally-linked audit record. It is appended in
// the SAME transaction as its primary write — if the transaction rolls back,
// the event never existed.
type BillingEvent struct {
	EventID     string    `json:"event_id"`
	AggregateID string    `json:"aggregate_id"`
	Type        EventType `json:"type"`
	CausationID string    `json:"causation_id"`
	Payload     string    `json:"payload"` // JSON document
	Timestamp   time.Time `json:"timestamp"`
}

// ─── Distribution Rules ─────────────────────────────────────────────────────

// DistributionRule is a versioned basis-point split configuration.
// Exactly one rule is active at a time; activating a new rule supersedes the
// previous one in the same transaction.
type DistributionRule struct {
	RuleID       string    `json:"rule_id"`
	Name         string    `json:"name"`
	ReferrerBps  Bps       `json:"referrer_bps"`
	CommonsBps   Bps       `json:"commons_bps"`
	CommunityBps Bps       `json:"community_bps"`
	TreasuryBps  Bps       `json:"treasury_bps"`
	ActivatedAt  time.Time `json:"activated_at"`
	SupersededAt time.Time `json:"superseded_at,omitempty"`
}

// Active reports whether the rule is the one currently in force.
func (r DistributionRule) Active() bool { return r.SupersededAt.IsZero() }
