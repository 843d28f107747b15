// Package observability provides tracing and Prometheus metrics for the
// money-moving paths.
//
// This provides:
//   - Trace spans for the charge lifecycle (check → reserve → execute → finalize → distribute)
//   - Prometheus metrics for ledger, budget, settlement, payout and reconciliation
//   - Structured log correlation with trace IDs
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans — Lightweight span tracking without external OTel SDK dependency
// ═══════════════════════════════════════════════════════════════════════════

// SpanKind classifies a span.
type SpanKind int

const (
	SpanInternal SpanKind = iota
	SpanServer
	SpanClient
)

// Span represents a unit of work within a trace.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	Kind      SpanKind          `json:"kind"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer provides lightweight tracing. In production this would wrap the
// OpenTelemetry SDK; here spans are kept in a ring buffer for inspection and
// export, which is enough to reconstruct where a charge spent its time.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 10_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 10_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a new span with the given operation name.
// Returns the span (caller must call EndSpan when done).
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}

	span := &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		Kind:      SpanInternal,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}

	return span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}

	// Return most recent spans
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "lantern-trace-id"
	spanIDKey  contextKey = "lantern-span-id"
)

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context with the given span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return generateID()
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// generateID creates a short unique ID (not cryptographically secure — fine for tracing).
var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerEntries tracks entries appended to the primary ledger by type.
var LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Total ledger entries appended, by entry type.",
}, []string{"type"})

// LedgerVolume tracks micro-USD moved through the ledger by entry type.
var LedgerVolume = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "ledger",
	Name:      "volume_micro_usd_total",
	Help:      "Total absolute micro-USD moved, by entry type.",
}, []string{"type"})

// ChargeLatency tracks end-to-end charge pipeline latency.
var ChargeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "lantern",
	Subsystem: "ledger",
	Name:      "charge_latency_ms",
	Help:      "Charge pipeline latency in milliseconds, by stage.",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
}, []string{"stage"})

// WriteRetries tracks busy-retry attempts on the single-writer connection.
var WriteRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "ledger",
	Name:      "write_retries_total",
	Help:      "Total SQLITE_BUSY retries on immediate write transactions.",
})

// ─── Budget Metrics ─────────────────────────────────────────────────────────

// BudgetDenials tracks advisory budget check refusals.
var BudgetDenials = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "budget",
	Name:      "denials_total",
	Help:      "Total charges refused by the advisory budget check.",
})

// BudgetCacheLookups tracks fast-cache hit/miss outcomes.
var BudgetCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "budget",
	Name:      "cache_lookups_total",
	Help:      "Total budget fast-cache lookups by outcome.",
}, []string{"outcome"})

// ─── Settlement and Payout Metrics ──────────────────────────────────────────

// EarningsSettled tracks earnings moved past the settlement hold.
var EarningsSettled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "settlement",
	Name:      "earnings_settled_total",
	Help:      "Total earnings settled after the hold period.",
})

// ClawbacksApplied tracks clawbacks by coverage.
var ClawbacksApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "settlement",
	Name:      "clawbacks_total",
	Help:      "Total clawbacks applied, by coverage (full, partial).",
}, []string{"coverage"})

// PayoutTransitions tracks payout state machine transitions.
var PayoutTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "payout",
	Name:      "transitions_total",
	Help:      "Total payout state transitions, by target status.",
}, []string{"status"})

// ─── Reconciliation Metrics ─────────────────────────────────────────────────

// ReconcileAlarms tracks budget alarms raised by reconciliation.
var ReconcileAlarms = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "reconcile",
	Name:      "alarms_total",
	Help:      "Total budget alarms raised, by kind.",
}, []string{"kind"})

// ConservationViolations tracks conservation identity breaks found.
var ConservationViolations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "reconcile",
	Name:      "conservation_violations_total",
	Help:      "Total conservation violations found, by scope (lot, receivable, platform).",
}, []string{"scope"})

// DriftThreshold tracks the current adaptive drift threshold.
var DriftThreshold = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "lantern",
	Subsystem: "reconcile",
	Name:      "drift_threshold_micro_usd",
	Help:      "Current adaptive drift threshold in micro-USD.",
})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "lantern",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
