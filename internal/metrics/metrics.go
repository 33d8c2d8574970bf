package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studentq_turns_total",
			Help: "Turns accepted at the entry stage, by route taken",
		},
		[]string{"route"},
	)

	ClassificationFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studentq_classification_fallbacks_total",
			Help: "Classifier and analyzer calls that fell back to their default result",
		},
		[]string{"stage", "reason"},
	)

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studentq_dispatches_total",
			Help: "Worker invocations issued by the dispatcher",
		},
		[]string{"source", "result"},
	)

	WorkerResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studentq_worker_responses_total",
			Help: "Worker responses received by the aggregator, by outcome",
		},
		[]string{"source", "outcome"},
	)

	AggregationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studentq_aggregations_total",
			Help: "Bundles forwarded by the aggregator, by terminal state",
		},
		[]string{"state"},
	)

	AnswerFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studentq_answer_fallbacks_total",
			Help: "Answers replaced by the apology text after a capability failure",
		},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studentq_persistence_failures_total",
			Help: "Best-effort writes that failed",
		},
		[]string{"store"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studentq_stage_duration_seconds",
			Help:    "Duration of pipeline stage executions",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)
