// Package metrics exposes the Prometheus instrumentation for the runner.
// Counters and histograms are labeled by (operation, model_name,
// input_format) so endpoint behavior can be tracked per model and imagery
// type; an external autoscaler watches the throttle counter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation names used as metric label values.
const (
	OpImageProcessing      = "ImageProcessing"
	OpRegionProcessing     = "RegionProcessing"
	OpTileGeneration       = "TileGeneration"
	OpTileProcessing       = "TileProcessing"
	OpModelInvocation      = "ModelInvocation"
	OpFeatureSelection     = "FeatureSelection"
	OpFeatureDissemination = "FeatureDissemination"
)

var labels = []string{"operation", "model_name", "input_format"}

var (
	// Duration tracks how long each operation takes.
	Duration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrunner_operation_duration_seconds",
			Help:    "Operation duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		labels,
	)

	// Invocations counts operation executions.
	Invocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrunner_invocations_total",
			Help: "Total number of operation invocations",
		},
		labels,
	)

	// Errors counts terminal operation failures.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrunner_errors_total",
			Help: "Total number of operation errors",
		},
		labels,
	)

	// Throttles counts endpoint backpressure responses (HTTP 429).
	Throttles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrunner_throttles_total",
			Help: "Total number of throttled endpoint invocations",
		},
		labels,
	)

	// Retries counts endpoint invocation retries.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelrunner_retries_total",
			Help: "Total number of endpoint invocation retries",
		},
		labels,
	)

	// FeaturesEmitted tracks how many features each completed job produced.
	FeaturesEmitted = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelrunner_features_emitted",
			Help:    "Number of features emitted per job",
			Buckets: []float64{0, 1, 10, 100, 1000, 10000, 100000},
		},
		[]string{"model_name"},
	)
)

// Scope is a pre-bound label set so call sites don't repeat the tuple.
type Scope struct {
	Operation   string
	ModelName   string
	InputFormat string
}

func (s Scope) values() []string {
	return []string{s.Operation, s.ModelName, s.InputFormat}
}

// ObserveDuration records one operation duration in seconds.
func (s Scope) ObserveDuration(seconds float64) {
	Duration.WithLabelValues(s.values()...).Observe(seconds)
}

// IncInvocations counts one invocation.
func (s Scope) IncInvocations() {
	Invocations.WithLabelValues(s.values()...).Inc()
}

// IncErrors counts one terminal failure.
func (s Scope) IncErrors() {
	Errors.WithLabelValues(s.values()...).Inc()
}

// IncThrottles counts one throttle response.
func (s Scope) IncThrottles() {
	Throttles.WithLabelValues(s.values()...).Inc()
}

// IncRetries counts one retry attempt.
func (s Scope) IncRetries() {
	Retries.WithLabelValues(s.values()...).Inc()
}
