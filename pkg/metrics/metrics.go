// Package metrics provides Prometheus instrumentation for the predictor.
//
// It exposes operational metrics about the forecast cycle: how long individual
// backend jobs and whole batches take, the processing margin the scheduler is
// reserving, the size of the active metric set, publish outcomes and retries, and
// error tracking. All metrics are exposed via the /metrics HTTP endpoint.
//
// Metrics exposed:
//   - forecastd_job_seconds: Histogram of backend job duration by metric
//   - forecastd_cycle_seconds: Histogram of one batch iteration (dispatch + publish)
//   - forecastd_batch_iterations_total: Counter of batch iterations by outcome
//   - forecastd_processing_margin_seconds: Gauge of the current processing margin
//   - forecastd_active_metrics: Gauge of the number of metrics being forecast
//   - forecastd_running: Gauge, 1 while the batch runner is live
//   - forecastd_publish_total: Counter of publish attempts by outcome
//   - forecastd_publish_retries_total: Counter of publish retries by metric
//   - forecastd_history_refresh_seconds: Histogram of dataset refresh duration
//   - forecastd_errors_total: Counter of errors by component and reason
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the predictor.
type Metrics struct {
	JobSeconds              *prometheus.HistogramVec
	CycleSeconds            prometheus.Histogram
	BatchIterations         *prometheus.CounterVec
	ProcessingMarginSeconds prometheus.Gauge
	ActiveMetrics           prometheus.Gauge
	Running                 prometheus.Gauge
	PublishTotal            *prometheus.CounterVec
	PublishRetries          *prometheus.CounterVec
	HistoryRefreshSeconds   prometheus.Histogram
	ErrorsTotal             *prometheus.CounterVec
}

// New creates and registers all metrics with reg.
// A nil reg registers with the default Prometheus registry.
func New(reg prometheus.Registerer, forecaster string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"forecaster": forecaster}

	return &Metrics{
		JobSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "forecastd_job_seconds",
			Help:        "Wall-clock duration of a forecast backend job",
			ConstLabels: labels,
			Buckets:     []float64{.1, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"metric"}),

		CycleSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "forecastd_cycle_seconds",
			Help:        "Duration of one batch iteration including publishing",
			ConstLabels: labels,
			Buckets:     []float64{.1, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}),

		BatchIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "forecastd_batch_iterations_total",
			Help:        "Batch iterations by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),

		ProcessingMarginSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "forecastd_processing_margin_seconds",
			Help:        "Processing time reserved by the scheduler before each target",
			ConstLabels: labels,
		}),

		ActiveMetrics: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "forecastd_active_metrics",
			Help:        "Number of metrics currently being forecast",
			ConstLabels: labels,
		}),

		Running: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "forecastd_running",
			Help:        "1 while the batch runner is live, 0 otherwise",
			ConstLabels: labels,
		}),

		PublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "forecastd_publish_total",
			Help:        "Published predictions by outcome",
			ConstLabels: labels,
		}, []string{"metric", "outcome"}),

		PublishRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "forecastd_publish_retries_total",
			Help:        "Publish attempts retried after a connectivity failure",
			ConstLabels: labels,
		}, []string{"metric"}),

		HistoryRefreshSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "forecastd_history_refresh_seconds",
			Help:        "Time spent refreshing historical datasets",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "forecastd_errors_total",
			Help:        "Total number of errors by component and reason",
			ConstLabels: labels,
		}, []string{"component", "reason"}),
	}
}

// RecordJob records the duration of one backend job.
func (m *Metrics) RecordJob(metric string, d time.Duration) {
	m.JobSeconds.WithLabelValues(metric).Observe(d.Seconds())
}

// RecordCycle records the duration of one batch iteration.
func (m *Metrics) RecordCycle(d time.Duration) {
	m.CycleSeconds.Observe(d.Seconds())
}

// RecordIteration counts a batch iteration outcome: published, invalid, failed, stopped.
func (m *Metrics) RecordIteration(outcome string) {
	m.BatchIterations.WithLabelValues(outcome).Inc()
}

// SetProcessingMargin sets the current processing margin.
func (m *Metrics) SetProcessingMargin(d time.Duration) {
	m.ProcessingMarginSeconds.Set(d.Seconds())
}

// SetActiveMetrics sets the size of the active metric set.
func (m *Metrics) SetActiveMetrics(n int) {
	m.ActiveMetrics.Set(float64(n))
}

// SetRunning flips the running gauge.
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.Running.Set(1)
		return
	}
	m.Running.Set(0)
}

// RecordPublish counts a publish outcome: delivered, unbound, failed.
func (m *Metrics) RecordPublish(metric, outcome string) {
	m.PublishTotal.WithLabelValues(metric, outcome).Inc()
}

// RecordPublishRetry counts one retried publish attempt.
func (m *Metrics) RecordPublishRetry(metric string) {
	m.PublishRetries.WithLabelValues(metric).Inc()
}

// RecordHistoryRefresh records the time spent refreshing datasets.
func (m *Metrics) RecordHistoryRefresh(d time.Duration) {
	m.HistoryRefreshSeconds.Observe(d.Seconds())
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
