package sqlite

// Migrations returns the billing schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Credit-holding identities. version implements optimistic concurrency.
		`CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			kyc_level  INTEGER NOT NULL DEFAULT 0,
			version    INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		// Discrete batches of minted credit, each with its own expiry.
		// available + reserved + consumed = original - expired, always.
		`CREATE TABLE IF NOT EXISTS credit_lots (
			lot_id          TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL REFERENCES accounts(id),
			original_micro  INTEGER NOT NULL,
			available_micro INTEGER NOT NULL,
			reserved_micro  INTEGER NOT NULL DEFAULT 0,
			consumed_micro  INTEGER NOT NULL DEFAULT 0,
			expired_micro   INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL DEFAULT (datetime('now')),
			expires_at      TEXT,
			CHECK (available_micro >= 0),
			CHECK (reserved_micro >= 0),
			CHECK (available_micro + reserved_micro + consumed_micro + expired_micro = original_micro)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lots_account_fifo ON credit_lots(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_lots_expiry ON credit_lots(expires_at) WHERE expires_at IS NOT NULL`,

		// Append-only double-entry ledger. Mutation is blocked by triggers.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id   TEXT NOT NULL,
			pool_id      TEXT NOT NULL DEFAULT '',
			amount_micro INTEGER NOT NULL,
			entry_type   TEXT NOT NULL,
			causation_id TEXT NOT NULL,
			created_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_causation ON ledger_entries(causation_id)`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
			BEFORE UPDATE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
			BEFORE DELETE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger_entries is append-only'); END`,

		// Holds against lots. One row per (reservation, lot) span; all rows of
		// a reservation share a status.
		`CREATE TABLE IF NOT EXISTS reservations (
			reservation_id TEXT NOT NULL,
			lot_id         TEXT NOT NULL REFERENCES credit_lots(lot_id),
			account_id     TEXT NOT NULL,
			amount_micro   INTEGER NOT NULL,
			status         TEXT NOT NULL DEFAULT 'open',
			created_at     TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (reservation_id, lot_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_account ON reservations(account_id, status)`,

		// Pending/settled payables to referrers and creators.
		// settle_after is fixed at creation; settlement never recomputes it.
		`CREATE TABLE IF NOT EXISTS referrer_earnings (
			earning_id      TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL,
			kind            TEXT NOT NULL DEFAULT 'referrer',
			amount_micro    INTEGER NOT NULL,
			created_at      TEXT NOT NULL DEFAULT (datetime('now')),
			settle_after    TEXT NOT NULL,
			settled_at      TEXT,
			clawback_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_earnings_eligible ON referrer_earnings(settle_after) WHERE settled_at IS NULL AND clawback_reason IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_earnings_account ON referrer_earnings(account_id)`,

		// Off-ledger IOUs from clawbacks the balance could not cover.
		// balance = original - recovered, closed at zero.
		`CREATE TABLE IF NOT EXISTS clawback_receivables (
			receivable_id   TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL UNIQUE,
			original_micro  INTEGER NOT NULL,
			recovered_micro INTEGER NOT NULL DEFAULT 0,
			balance_micro   INTEGER NOT NULL,
			created_at      TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
			CHECK (balance_micro = original_micro - recovered_micro),
			CHECK (balance_micro >= 0)
		)`,

		// Capacity consumed per agent per daily window. Immutable.
		`CREATE TABLE IF NOT EXISTS budget_finalizations (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id     TEXT NOT NULL,
			window_id    TEXT NOT NULL,
			amount_micro INTEGER NOT NULL,
			created_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_budget_window ON budget_finalizations(agent_id, window_id)`,

		// Withdrawals in flight.
		`CREATE TABLE IF NOT EXISTS payout_requests (
			id           TEXT PRIMARY KEY,
			account_id   TEXT NOT NULL,
			amount_micro INTEGER NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			provider_id  TEXT,
			fail_reason  TEXT,
			created_at   TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_account ON payout_requests(account_id, status)`,

		// Causally-linked audit trail, written in the same transaction as the
		// primary write. Append-only, trigger-enforced.
		`CREATE TABLE IF NOT EXISTS billing_events (
			event_id     TEXT PRIMARY KEY,
			aggregate_id TEXT NOT NULL,
			type         TEXT NOT NULL,
			causation_id TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '{}',
			timestamp    TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate ON billing_events(aggregate_id, timestamp)`,
		`CREATE TRIGGER IF NOT EXISTS billing_events_no_update
			BEFORE UPDATE ON billing_events
			BEGIN SELECT RAISE(ABORT, 'billing_events is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS billing_events_no_delete
			BEFORE DELETE ON billing_events
			BEGIN SELECT RAISE(ABORT, 'billing_events is append-only'); END`,

		// Versioned basis-point split configurations. Activation supersedes
		// the previous rule within the same transaction.
		`CREATE TABLE IF NOT EXISTS distribution_rules (
			rule_id       TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			referrer_bps  INTEGER NOT NULL,
			commons_bps   INTEGER NOT NULL,
			community_bps INTEGER NOT NULL,
			treasury_bps  INTEGER NOT NULL,
			activated_at  TEXT NOT NULL DEFAULT (datetime('now')),
			superseded_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_active ON distribution_rules(superseded_at) WHERE superseded_at IS NULL`,
	}
}
