package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replikanto",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerFloorsTotal counts debits that settled a balance at zero.
	LedgerFloorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "ledger_floors_total",
			Help:      "Debits that could not be covered and floored the balance.",
		},
	)

	creditsMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikanto",
			Name:      "ledger_credits_total",
			Help:      "Credits moved by direction (debit, credit).",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerFloorsTotal,
		creditsMoved,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
