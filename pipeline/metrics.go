package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipe_pipeline_runs_total",
		Help: "Pipeline runs by final status.",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docpipe_stage_duration_seconds",
		Help:    "Wall-clock duration of each pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"stage", "status"})

	stageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipe_stage_retries_total",
		Help: "Retried provider calls per stage and error code.",
	}, []string{"stage", "code"})

	providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipe_provider_calls_total",
		Help: "LLM provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})
)
