package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_stage_evaluations_total",
			Help: "Total number of completed stage evaluations, by stage and result.",
		},
		[]string{"stage", "result"},
	)

	cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_stage_cache_hits_total",
			Help: "Total number of evaluations served from the stage state cache.",
		},
		[]string{"stage"},
	)

	cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_stage_cache_misses_total",
			Help: "Total number of evaluations not served from the stage state cache.",
		},
		[]string{"stage"},
	)

	staleResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_stage_stale_results_total",
			Help: "Total number of engine results discarded because their inputs changed during computation.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(evaluationsTotal)
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
	prometheus.MustRegister(staleResultsTotal)
}
