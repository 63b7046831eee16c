package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stakehold",
			Name:      "ledger_operations_total",
			Help:      "Total reward ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stakehold",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Reward ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerClaimsTotal counts TryClaim outcomes: acquired, or the status of
	// the entry that blocked the claim.
	LedgerClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stakehold",
			Name:      "ledger_claims_total",
			Help:      "Reward ledger claim attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerClaimsTotal,
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

func recordClaim(c *Claim) {
	result := "acquired"
	if !c.Acquired {
		result = string(c.Entry.Status)
	}
	LedgerClaimsTotal.WithLabelValues(result).Inc()
}
