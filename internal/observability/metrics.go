package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "provider_router"

// Metrics holds all Prometheus metrics for the router.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RoutingRequestsTotal *prometheus.CounterVec
	RoutingAttemptsTotal *prometheus.CounterVec
	AttemptDuration      *prometheus.HistogramVec
	BudgetDenialsTotal   prometheus.Counter
	VaultOperationsTotal *prometheus.CounterVec
	BreakerState         *prometheus.GaugeVec
	AuditDroppedTotal    prometheus.Counter
	LedgerFailuresTotal  prometheus.Counter
}

var attemptBuckets = []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics creates and registers all metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RoutingRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "routing",
				Name:      "requests_total",
				Help:      "Routed requests by task type and terminal state",
			},
			[]string{"task_type", "terminal"},
		),
		RoutingAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "routing",
				Name:      "attempts_total",
				Help:      "Dispatch attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "routing",
				Name:      "attempt_duration_seconds",
				Help:      "Duration of provider invocations",
				Buckets:   attemptBuckets,
			},
			[]string{"provider"},
		),
		BudgetDenialsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "budget",
				Name:      "denials_total",
				Help:      "Attempts refused by the budget guard",
			},
		),
		VaultOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Vault operations by action and result",
			},
			[]string{"action", "result"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "breaker_state",
				Help:      "Secret store circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		AuditDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "dropped_events_total",
				Help:      "Audit events dropped because the buffer was full",
			},
		),
		LedgerFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "append_failures_total",
				Help:      "Usage records that could not be appended",
			},
		),
	}
}

// ObserveRequest counts a finished route call
func (m *Metrics) ObserveRequest(taskType, terminal string) {
	if m == nil {
		return
	}
	m.RoutingRequestsTotal.WithLabelValues(taskType, terminal).Inc()
}

// ObserveAttempt counts one attempt and, when it reached the provider, its duration
func (m *Metrics) ObserveAttempt(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RoutingAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	if d > 0 {
		m.AttemptDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

func (m *Metrics) IncBudgetDenial() {
	if m == nil {
		return
	}
	m.BudgetDenialsTotal.Inc()
}

func (m *Metrics) ObserveVault(action, result string) {
	if m == nil {
		return
	}
	m.VaultOperationsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.AuditDroppedTotal.Inc()
}

func (m *Metrics) IncLedgerFailure() {
	if m == nil {
		return
	}
	m.LedgerFailuresTotal.Inc()
}
