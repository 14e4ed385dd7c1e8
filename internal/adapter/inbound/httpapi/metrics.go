// Package httpapi exposes the gateway over HTTP: the tool-call
// envelope endpoint, the approval callback, the audit query surface,
// health, and Prometheus metrics.
package httpapi

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	PolicyDecisions  *prometheus.CounterVec
	PendingApprovals prometheus.GaugeFunc
	AuditFailures    prometheus.CounterFunc
	DecisionCache    prometheus.GaugeFunc
}

// PendingCounter reports the number of unresolved approval requests.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// FailureCounter reports the number of failed audit writes.
type FailureCounter interface {
	Failures() int64
}

// CacheStats reports decision-cache occupancy.
type CacheStats interface {
	CacheSize() int
}

// NewMetrics creates and registers all metrics with the given
// registry. Any of pending, audits, cache may be nil; the
// corresponding collector then reports zero.
func NewMetrics(reg prometheus.Registerer, pending PendingCounter, audits FailureCounter, cache CacheStats) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datagate",
				Name:      "requests_total",
				Help:      "Total gateway requests processed",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "datagate",
				Name:      "request_duration_seconds",
				Help:      "Gateway request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		PolicyDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "datagate",
				Name:      "policy_decisions_total",
				Help:      "Policy decisions by outcome",
			},
			[]string{"decision"},
		),
		PendingApprovals: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "datagate",
				Name:      "pending_approvals",
				Help:      "Approval requests awaiting a decision",
			},
			func() float64 {
				if pending == nil {
					return 0
				}
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				n, err := pending.CountPending(ctx)
				if err != nil {
					return 0
				}
				return float64(n)
			},
		),
		AuditFailures: promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "datagate",
				Name:      "audit_write_failures_total",
				Help:      "Audit entries that could not be written",
			},
			func() float64 {
				if audits == nil {
					return 0
				}
				return float64(audits.Failures())
			},
		),
		DecisionCache: promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "datagate",
				Name:      "decision_cache_entries",
				Help:      "Entries in the policy decision cache",
			},
			func() float64 {
				if cache == nil {
					return 0
				}
				return float64(cache.CacheSize())
			},
		),
	}
}
