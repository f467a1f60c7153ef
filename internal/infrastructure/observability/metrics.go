package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	LedgerTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transactions_total",
			Help: "Total number of applied ledger transactions",
		},
		[]string{"kind", "status"},
	)

	GenerationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_outcomes_total",
			Help: "Terminal outcomes of generation requests",
		},
		[]string{"outcome"},
	)

	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "End-to-end duration of generation requests in seconds",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 90, 120},
		},
	)

	RefundFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refund_failures_total",
			Help: "Refunds that could not be applied and need attention",
		},
		[]string{"stage"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(
		RepositoryCalls,
		RepositoryDuration,
		LedgerTransactions,
		GenerationOutcomes,
		GenerationDuration,
		RefundFailures,
	)
}
