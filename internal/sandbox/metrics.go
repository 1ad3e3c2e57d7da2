package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts verification runs.
	// Labels: outcome (passed, assertion_failure, oracle_definition_error, execution_fault)
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total number of verification runs by outcome",
		},
		[]string{"outcome"},
	)

	// RunDuration tracks interpreter wall-clock time.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "arbiter",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Duration of verification runs in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// KillsTotal counts runs terminated by a resource bound.
	// Labels: reason (timeout, output_limit, canceled)
	KillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "sandbox",
			Name:      "kills_total",
			Help:      "Total number of verification runs killed by a resource bound",
		},
		[]string{"reason"},
	)
)

func observe(res Result) {
	if res.Kind == "" {
		return
	}
	RunsTotal.WithLabelValues(string(res.Kind)).Inc()
	RunDuration.Observe(res.Duration.Seconds())
	if res.Killed {
		KillsTotal.WithLabelValues(res.KillReason).Inc()
	}
}
