package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/observability"
)

// ─── Billing Event Emission ─────────────────────────────────────────────────
// Every primary write appends its event through appendEvent INSIDE the same
// transaction. This is deliberately not a queue: if the transaction rolls
// back, the event never existed. Durability of the audit trail is
// non-negotiable.

// appendEvent inserts a billing event row within tx. payload is marshalled
// to JSON; nil payloads store "{}".
func appendEvent(tx *sql.Tx, now time.Time, aggregateID string, typ domain.EventType, causationID string, payload any) error {
	body := "{}"
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = string(b)
	}
	_, err := tx.Exec(`
		INSERT INTO billing_events (event_id, aggregate_id, type, causation_id, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), aggregateID, string(typ), causationID, body, formatTime(now))
	return err
}

// appendEntry inserts one signed double-entry ledger row within tx.
func appendEntry(tx *sql.Tx, now time.Time, accountID, poolID string, amount domain.MicroUSD, typ domain.EntryType, causationID string) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_entries (account_id, pool_id, amount_micro, entry_type, causation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, accountID, poolID, int64(amount), string(typ), causationID, formatTime(now))
	if err != nil {
		return err
	}
	volume := amount
	if volume < 0 {
		volume = -volume
	}
	observability.LedgerEntries.WithLabelValues(string(typ)).Inc()
	observability.LedgerVolume.WithLabelValues(string(typ)).Add(float64(volume))
	return nil
}

// ─── Event Queries ──────────────────────────────────────────────────────────

// EventsForAggregate returns the causally-linked events for one aggregate,
// oldest first.
func (db *DB) EventsForAggregate(aggregateID string, limit int) ([]domain.BillingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := db.reader.Query(`
		SELECT event_id, aggregate_id, type, causation_id, payload, timestamp
		FROM billing_events WHERE aggregate_id = ?
		ORDER BY timestamp, event_id LIMIT ?
	`, aggregateID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BillingEvent
	for rows.Next() {
		var ev domain.BillingEvent
		var typ, ts string
		if err := rows.Scan(&ev.EventID, &ev.AggregateID, &typ, &ev.CausationID, &ev.Payload, &ts); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(typ)
		ev.Timestamp = parseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventCount returns the total number of billing events.
func (db *DB) EventCount() (int64, error) {
	var n int64
	err := db.reader.QueryRow(`SELECT COUNT(*) FROM billing_events`).Scan(&n)
	return n, err
}
