package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
	"github.com/Sentinel-Gate/approvalgate/internal/service"
)

const namespace = "approvalgate"

// Metrics holds the Prometheus metrics of the approval gate.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	PolicyEvaluations *prometheus.CounterVec
	ApprovalOutcomes  *prometheus.CounterVec
	LedgerEvents      *prometheus.CounterVec
	ConfigReloads     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"surface", "method", "status"}, // surface=mcp/api/other
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				// Review requests block for minutes.
				Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 60, 300, 900},
			},
			[]string{"surface"},
		),
		PolicyEvaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Tool calls resolved by the approval rules",
			},
			[]string{"action"},
		),
		ApprovalOutcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_outcomes_total",
				Help:      "Verdicts returned to agents",
			},
			[]string{"behavior", "cause"},
		),
		LedgerEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_events_total",
				Help:      "Audit ledger events by type",
			},
			[]string{"type"},
		),
		ConfigReloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Approvals configuration reloads",
			},
			[]string{"result"}, // result=ok/error
		),
	}
}

// RegisterLedgerGauges exposes the ledger size and pending reviews as
// gauges read at scrape time.
func RegisterLedgerGauges(reg prometheus.Registerer, ledger approval.Ledger) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_entries",
			Help:      "Live entries in the audit ledger",
		},
		func() float64 { return float64(ledger.Stats().TotalEntries) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_reviews",
			Help:      "Entries waiting for a human decision",
		},
		func() float64 {
			return float64(ledger.Stats().EntriesByState[approval.StateNeedsReview])
		},
	)
}

// ObservePolicyDecision implements service.Recorder.
func (m *Metrics) ObservePolicyDecision(action policy.Action) {
	m.PolicyEvaluations.WithLabelValues(string(action)).Inc()
}

// ObserveOutcome implements service.Recorder.
func (m *Metrics) ObserveOutcome(behavior service.Behavior, cause string) {
	m.ApprovalOutcomes.WithLabelValues(string(behavior), cause).Inc()
}

// ObserveLedgerEvent counts ev. It is meant to be passed to Ledger.Subscribe.
func (m *Metrics) ObserveLedgerEvent(ev approval.Event) {
	m.LedgerEvents.WithLabelValues(string(ev.Type)).Inc()
}

// ObserveReload counts a configuration reload attempt.
func (m *Metrics) ObserveReload(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ConfigReloads.WithLabelValues(result).Inc()
}

var _ service.Recorder = (*Metrics)(nil)
