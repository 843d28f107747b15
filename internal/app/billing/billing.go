// Package billing orchestrates the charge lifecycle — check budget, reserve,
// run the work, finalize at actual cost, distribute the revenue.
//
// A charge:
//  1. Passes the advisory budget check (fast refusal, never authoritative)
//  2. Reserves the estimated cost against the agent's credit lots
//  3. Executes the metered work through the registered Meter
//  4. Finalizes at actual cost (budget entry rides the same transaction)
//  5. Distributes the actual cost per the active revenue rule
//
// Failures before finalize release the hold in full; the ledger is the only
// authority on whether money moved.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/budget"
	"github.com/lantern-network/lantern/internal/infra/distribution"
	"github.com/lantern-network/lantern/internal/infra/observability"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

// Meter runs the metered work for a charge and reports its actual cost.
// Actual must never exceed the estimate the charge reserved.
type Meter interface {
	Execute(ctx context.Context, ch Charge) (actual domain.MicroUSD, err error)
}

// MeterFunc adapts a function to the Meter interface.
type MeterFunc func(ctx context.Context, ch Charge) (domain.MicroUSD, error)

func (f MeterFunc) Execute(ctx context.Context, ch Charge) (domain.MicroUSD, error) {
	return f(ctx, ch)
}

// Charge is one billable unit of work.
type Charge struct {
	ID         string
	AgentID    string // payer
	ReferrerID string // optional; empty when the payer has no referrer
	Kind       string // meter routing key
	Estimate   domain.MicroUSD
	Metadata   map[string]string
}

// Outcome reports what a completed charge did to the books.
type Outcome struct {
	ChargeID      string
	ReservationID string
	Actual        domain.MicroUSD
	Returned      domain.MicroUSD // estimate − actual, released back to lots
	Shares        distribution.Shares
	Remaining     domain.MicroUSD // advisory budget headroom after the charge
}

// Config controls pipeline behavior.
type Config struct {
	MaxConcurrent  int           // concurrent charges (default: 8)
	DefaultTimeout time.Duration // per-charge deadline (default: 2m)
}

// DefaultConfig returns safe pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  8,
		DefaultTimeout: 2 * time.Minute,
	}
}

// Pipeline runs charges end to end.
type Pipeline struct {
	mu        sync.RWMutex
	config    Config
	db        *sqlite.DB
	budget    *budget.Service
	finalizer *budget.Finalizer
	dist      *distribution.Service
	tracer    *observability.Tracer
	logger    *slog.Logger
	meters    map[string]Meter
	sem       chan struct{}
}

// New creates a charge pipeline.
func New(cfg Config, db *sqlite.DB, bud *budget.Service, fin *budget.Finalizer, dist *distribution.Service, tracer *observability.Tracer, logger *slog.Logger) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		config:    cfg,
		db:        db,
		budget:    bud,
		finalizer: fin,
		dist:      dist,
		tracer:    tracer,
		logger:    logger,
		meters:    make(map[string]Meter),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// RegisterMeter registers the meter for a charge kind.
func (p *Pipeline) RegisterMeter(kind string, m Meter) {
	p.mu.Lock()
	p.meters[kind] = m
	p.mu.Unlock()
}

func (p *Pipeline) meter(kind string) (Meter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.meters[kind]
	return m, ok
}

// Run executes one charge synchronously through the full lifecycle.
func (p *Pipeline) Run(ctx context.Context, ch Charge) (Outcome, error) {
	if ch.Estimate <= 0 {
		return Outcome{}, domain.ErrInvalidAmount
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	m, ok := p.meter(ch.Kind)
	if !ok {
		return Outcome{}, fmt.Errorf("no meter registered for kind %q", ch.Kind)
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return Outcome{}, fmt.Errorf("pipeline at capacity (%d concurrent charges)", p.config.MaxConcurrent)
	}
	defer func() { <-p.sem }()

	ctx, cancel := context.WithTimeout(ctx, p.config.DefaultTimeout)
	defer cancel()

	span := p.tracer.StartSpan(ctx, "billing.charge", map[string]string{
		"charge_id": ch.ID, "agent_id": ch.AgentID, "kind": ch.Kind,
	})
	out, err := p.run(ctx, ch, m)
	p.tracer.EndSpan(span, err)
	return out, err
}

func (p *Pipeline) run(ctx context.Context, ch Charge, m Meter) (Outcome, error) {
	// Advisory gate. A stale cache can let a charge slip past the cap; the
	// reconciliation pass catches that, not this check.
	allowed, remaining, err := p.budget.CheckBudget(ch.AgentID, ch.Estimate)
	if err != nil {
		return Outcome{}, fmt.Errorf("budget check: %w", err)
	}
	if !allowed {
		observability.BudgetDenials.Inc()
		p.logger.Info("charge refused by budget",
			"charge_id", ch.ID, "agent_id", ch.AgentID,
			"estimate", ch.Estimate.String(), "remaining", remaining.String())
		return Outcome{}, domain.ErrBudgetExceeded
	}

	reservationID, err := p.db.Reserve(ctx, ch.AgentID, ch.Estimate)
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve: %w", err)
	}

	started := time.Now()
	actual, err := m.Execute(ctx, ch)
	observability.ChargeLatency.WithLabelValues("execute").
		Observe(float64(time.Since(started).Milliseconds()))
	if err != nil {
		// Work failed before money moved: return the hold in full.
		if rerr := p.db.Release(ctx, reservationID); rerr != nil {
			p.logger.Error("release after failed charge",
				"charge_id", ch.ID, "reservation_id", reservationID, "err", rerr)
		}
		return Outcome{}, fmt.Errorf("execute charge: %w", err)
	}
	if actual > ch.Estimate {
		// A meter must not bill past its reservation. Clamp and flag; the
		// overrun is the meter's bug, not the payer's debt.
		p.logger.Error("meter reported cost above estimate",
			"charge_id", ch.ID, "actual", actual.String(), "estimate", ch.Estimate.String())
		actual = ch.Estimate
	}

	if err := p.finalizer.Finalize(ctx, reservationID, ch.AgentID, actual); err != nil {
		return Outcome{}, fmt.Errorf("finalize: %w", err)
	}

	shares, err := p.dist.Distribute(ctx, ch.ID, ch.AgentID, ch.ReferrerID, actual)
	if err != nil {
		return Outcome{}, fmt.Errorf("distribute: %w", err)
	}

	_, remaining, err = p.budget.CheckBudget(ch.AgentID, 0)
	if err != nil {
		remaining = 0
	}

	p.logger.Info("charge completed",
		"charge_id", ch.ID, "agent_id", ch.AgentID,
		"actual", actual.String(), "returned", (ch.Estimate - actual).String())

	return Outcome{
		ChargeID:      ch.ID,
		ReservationID: reservationID,
		Actual:        actual,
		Returned:      ch.Estimate - actual,
		Shares:        shares,
		Remaining:     remaining,
	}, nil
}
