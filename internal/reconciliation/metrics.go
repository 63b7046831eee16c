package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileFindings = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stakehold",
		Subsystem: "reconciliation",
		Name:      "findings",
		Help:      "Inconsistencies found in the last reconciliation run, by kind.",
	}, []string{"kind"})

	reconcileChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stakehold",
		Subsystem: "reconciliation",
		Name:      "sessions_checked",
		Help:      "Resolved sessions checked in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stakehold",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stakehold",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileFindings,
		reconcileChecked,
		reconcileDuration,
		reconcileErrors,
	)
}

func observe(r *Report, elapsed time.Duration) {
	for _, kind := range []string{KindMissingLedgerRow, KindStuckPayout, KindResidualBalance} {
		reconcileFindings.WithLabelValues(kind).Set(float64(r.Count(kind)))
	}
	reconcileChecked.Set(float64(r.Checked))
	reconcileDuration.Observe(elapsed.Seconds())
}
