// Package budget tracks authorized spending capacity per agent per day.
//
// The split of authority is deliberate: CheckBudget is ADVISORY — it answers
// from a fast in-process cache and never locks funds, because staleness there
// only risks a brief, bounded over-authorization. The BINDING operation is
// the finalizer, which consumes reserved credit lots and records the budget
// row in one transaction; that pair can never half-commit.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/observability"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

// DefaultCacheSize bounds the fast-cache footprint (one entry per agent per
// live window; old windows age out on their own).
const DefaultCacheSize = 4096

// ─── Advisory Budget Service ────────────────────────────────────────────────

// Service answers advisory capacity questions from an LRU cache backed by
// the durable budget_finalizations table.
type Service struct {
	db       *sqlite.DB
	logger   *slog.Logger
	dailyCap domain.MicroUSD
	cache    *lru.Cache[string, domain.MicroUSD]
	now      func() time.Time
}

// NewService creates the budget service. dailyCap is the per-agent spending
// cap per UTC day; cacheSize bounds the fast cache (<=0 uses
// DefaultCacheSize).
func NewService(db *sqlite.DB, dailyCap domain.MicroUSD, cacheSize int, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, domain.MicroUSD](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		db:       db,
		logger:   logger,
		dailyCap: dailyCap,
		cache:    cache,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// DailyCap returns the configured per-agent daily cap.
func (s *Service) DailyCap() domain.MicroUSD { return s.dailyCap }

func cacheKey(agentID, windowID string) string {
	return agentID + "|" + windowID
}

// CheckBudget reports whether amount fits the agent's remaining daily
// capacity. Advisory only: no funds are locked, and a stale cache can
// over-authorize at most one propagation window's worth of spend.
func (s *Service) CheckBudget(agentID string, amount domain.MicroUSD) (bool, domain.MicroUSD, error) {
	if amount < 0 {
		return false, 0, domain.ErrInvalidAmount
	}
	spent, err := s.spend(agentID, sqlite.WindowID(s.now()))
	if err != nil {
		return false, 0, err
	}
	remaining := s.dailyCap - spent
	if remaining < 0 {
		remaining = 0
	}
	return amount <= remaining, remaining, nil
}

// spend returns the agent's window spend, from cache when present.
func (s *Service) spend(agentID, windowID string) (domain.MicroUSD, error) {
	key := cacheKey(agentID, windowID)
	if v, ok := s.cache.Get(key); ok {
		observability.BudgetCacheLookups.WithLabelValues("hit").Inc()
		return v, nil
	}
	observability.BudgetCacheLookups.WithLabelValues("miss").Inc()
	v, err := s.db.WindowSpend(agentID, windowID)
	if err != nil {
		return 0, err
	}
	s.cache.Add(key, v)
	return v, nil
}

// recordSpend folds a finalized amount into the cached window spend. Runs
// after the finalize transaction commits, so on a cold key the durable sum
// already includes this finalization and seeds the entry directly.
func (s *Service) recordSpend(agentID, windowID string, amount domain.MicroUSD) {
	key := cacheKey(agentID, windowID)
	if v, ok := s.cache.Get(key); ok {
		s.cache.Add(key, v+amount)
		return
	}
	v, err := s.db.WindowSpend(agentID, windowID)
	if err != nil {
		s.logger.Warn("budget cache seed failed",
			"agent_id", agentID, "window_id", windowID, "err", err)
		return
	}
	s.cache.Add(key, v)
}

// CachedSpend exposes the raw cache entry for the reconciliation
// cross-check. ok=false means the fast store has no entry for the key.
func (s *Service) CachedSpend(agentID, windowID string) (domain.MicroUSD, bool) {
	return s.cache.Get(cacheKey(agentID, windowID))
}

// ─── Agent-Aware Finalizer ──────────────────────────────────────────────────

// Finalizer binds ledger consumption and budget recording together.
type Finalizer struct {
	db     *sqlite.DB
	budget *Service
	logger *slog.Logger
}

// NewFinalizer creates the agent-aware finalizer.
func NewFinalizer(db *sqlite.DB, budget *Service, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{db: db, budget: budget, logger: logger}
}

// Finalize atomically (a) consumes the reservation's held lots for actual
// and (b) records the budget finalization row. Both commit or both roll
// back. The cache is updated only after the transaction commits — a rolled
// back finalize must not pollute the advisory view.
func (f *Finalizer) Finalize(ctx context.Context, reservationID, agentID string, actual domain.MicroUSD) error {
	applied, err := f.db.FinalizeWithBudget(ctx, reservationID, agentID, actual)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", reservationID, err)
	}
	if !applied {
		return nil // retried finalize: ledger and budget already reflect it
	}
	f.budget.recordSpend(agentID, sqlite.WindowID(f.budget.now()), actual)
	f.logger.Info("charge finalized",
		"reservation_id", reservationID, "agent_id", agentID, "actual", actual.String())
	return nil
}
