package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_tasks_running",
			Help: "Number of currently registered, unfinished tasks.",
		},
	)

	tasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_tasks_finished_total",
			Help: "Total number of watched tasks that finished, by outcome.",
		},
		[]string{"outcome"},
	)

	nestedWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_nested_waits_total",
			Help: "Total number of nested synchronous waits entered on the main loop.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksRunning)
	prometheus.MustRegister(tasksFinishedTotal)
	prometheus.MustRegister(nestedWaitsTotal)

	// Pre-initialize label combinations so they appear in /metrics at zero.
	for _, outcome := range []string{"success", "canceled", "error"} {
		tasksFinishedTotal.WithLabelValues(outcome)
	}
}
