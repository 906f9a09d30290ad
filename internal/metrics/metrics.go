package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Submissions   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stillmind_pipeline_jobs_total",
			Help: "Pipeline job attempts by result (completed, retried, exhausted).",
		}, []string{"result"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stillmind_pipeline_stage_seconds",
			Help:    "Wall-clock duration of each pipeline stage.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stillmind_submissions_total",
			Help: "Generation submissions by outcome (created, invalid, insufficient_credits, error).",
		}, []string{"outcome"}),
	}
}
