package pending

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks engine activity for Prometheus scraping.
type Metrics struct {
	// OperationsCreated counts accepted create calls.
	// Labels: type
	OperationsCreated *prometheus.CounterVec

	// Transitions counts terminal transitions.
	// Labels: outcome (confirmed|cancelled|executed), trigger (human|timeout)
	Transitions *prometheus.CounterVec

	// ExecutorResults counts executor invocations by result.
	// Labels: type, status (success|error)
	ExecutorResults *prometheus.CounterVec

	// ExecutorDuration measures executor latency in seconds.
	// Labels: type
	ExecutorDuration *prometheus.HistogramVec

	// TimerFires counts expiry timer callbacks that ran.
	TimerFires prometheus.Counter

	// RaceLossesAbsorbed counts already-terminal results swallowed
	// internally when a timer and a human action raced.
	RaceLossesAbsorbed prometheus.Counter

	// JanitorReaped counts records removed by janitor sweeps.
	JanitorReaped prometheus.Counter

	// PersistenceFailures counts durable writes that failed.
	PersistenceFailures prometheus.Counter

	// PendingOperations gauges currently pending operations.
	PendingOperations prometheus.Gauge
}

// NewMetrics creates and registers engine metrics. A nil registerer uses the
// default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		OperationsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finch_pending_operations_created_total",
				Help: "Total confirmable operations created, by type",
			},
			[]string{"type"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finch_pending_transitions_total",
				Help: "Terminal operation transitions by outcome and trigger",
			},
			[]string{"outcome", "trigger"},
		),
		ExecutorResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finch_pending_executor_results_total",
				Help: "Executor invocations by operation type and result",
			},
			[]string{"type", "status"},
		),
		ExecutorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finch_pending_executor_duration_seconds",
				Help:    "Executor latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"type"},
		),
		TimerFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "finch_pending_timer_fires_total",
			Help: "Expiry timer callbacks that ran",
		}),
		RaceLossesAbsorbed: factory.NewCounter(prometheus.CounterOpts{
			Name: "finch_pending_race_losses_total",
			Help: "Already-terminal results absorbed from timer/human races",
		}),
		JanitorReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "finch_pending_janitor_reaped_total",
			Help: "Operation records removed by janitor sweeps",
		}),
		PersistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "finch_pending_persistence_failures_total",
			Help: "Durable operation writes that failed",
		}),
		PendingOperations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "finch_pending_operations",
			Help: "Operations currently awaiting a decision",
		}),
	}
}
