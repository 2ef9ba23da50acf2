// Package metrics exposes Prometheus instrumentation for the build
// pipeline. Collectors register on the default registry and are served
// by the API's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Name:      "builds_total",
		Help:      "Build tasks finished, by terminal status.",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "foundry",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of pipeline stage executions.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"stage", "status"})

	stageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Name:      "stage_retries_total",
		Help:      "Transient stage retries, by stage.",
	}, []string{"stage"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foundry",
		Name:      "tokens_total",
		Help:      "Sub-agent token usage, by direction.",
	}, []string{"direction"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "foundry",
		Name:      "queue_depth",
		Help:      "Tasks in the ready set at last poll.",
	})

	activeBuilds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "foundry",
		Name:      "active_builds",
		Help:      "Builds currently executing on this pod.",
	})
)

// RecordBuild counts one finished build task.
func RecordBuild(status string) {
	buildsTotal.WithLabelValues(status).Inc()
}

// RecordStage observes one stage execution.
func RecordStage(stage, status string, d time.Duration) {
	stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// RecordStageRetry counts one transient stage retry.
func RecordStageRetry(stage string) {
	stageRetries.WithLabelValues(stage).Inc()
}

// RecordTokens counts sub-agent token usage.
func RecordTokens(input, output int) {
	tokensTotal.WithLabelValues("input").Add(float64(input))
	tokensTotal.WithLabelValues("output").Add(float64(output))
}

// SetQueueDepth updates the ready-set gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// BuildStarted and BuildFinished track the active-build gauge.
func BuildStarted()  { activeBuilds.Inc() }
func BuildFinished() { activeBuilds.Dec() }
