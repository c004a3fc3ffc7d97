// Package metrics provides Prometheus metrics for Stagehand.
package metrics

import (
	"fmt"
	"time"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stagehand"

// PrometheusMetrics holds the registered Prometheus collectors. It implements
// the runner's and the dispatch queue's recorder interfaces.
type PrometheusMetrics struct {
	TickDuration      prometheus.Histogram
	TickErrors        prometheus.Counter
	EvaluationCounter *prometheus.CounterVec
	TransitionCounter *prometheus.CounterVec
	DispatchCounter   *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	DegradedSchedules prometheus.Gauge
	DispatchJobs      *prometheus.GaugeVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runner_tick_duration_seconds",
			Help:      "Duration of schedule runner ticks in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_tick_errors_total",
			Help:      "Total number of aborted schedule runner ticks",
		}),
		EvaluationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_evaluations_total",
			Help:      "Total number of schedule evaluations by outcome",
		}, []string{"outcome"}),
		TransitionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total number of committed phase transitions",
		}, []string{"from", "to"}),
		DispatchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Total number of assignment API attempts by action and outcome",
		}, []string{"action", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of assignment API calls in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"action"}),
		DegradedSchedules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded_schedules",
			Help:      "Number of schedules flagged degraded",
		}),
		DispatchJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_jobs",
			Help:      "Number of dispatch jobs by status",
		}, []string{"status"}),
	}

	collectors := []prometheus.Collector{
		m.TickDuration,
		m.TickErrors,
		m.EvaluationCounter,
		m.TransitionCounter,
		m.DispatchCounter,
		m.DispatchDuration,
		m.DegradedSchedules,
		m.DispatchJobs,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return m, nil
}

// RecordTick observes one runner tick.
func (m *PrometheusMetrics) RecordTick(duration time.Duration, evaluated int, err error) {
	m.TickDuration.Observe(duration.Seconds())
	if err != nil {
		m.TickErrors.Inc()
	}
}

// RecordEvaluation counts one schedule evaluation.
func (m *PrometheusMetrics) RecordEvaluation(outcome string) {
	m.EvaluationCounter.WithLabelValues(outcome).Inc()
}

// RecordTransition counts one committed phase transition.
func (m *PrometheusMetrics) RecordTransition(from, to models.PhaseState) {
	m.TransitionCounter.WithLabelValues(string(from), string(to)).Inc()
}

// RecordDispatch counts one dispatch attempt and observes its duration.
func (m *PrometheusMetrics) RecordDispatch(action models.DispatchAction, outcome string, d time.Duration) {
	m.DispatchCounter.WithLabelValues(string(action), outcome).Inc()
	m.DispatchDuration.WithLabelValues(string(action)).Observe(d.Seconds())
}

// SetDegradedSchedules sets the degraded schedule gauge.
func (m *PrometheusMetrics) SetDegradedSchedules(n int) {
	m.DegradedSchedules.Set(float64(n))
}

// SetDispatchSummary sets the dispatch job gauges from a status summary.
func (m *PrometheusMetrics) SetDispatchSummary(s *models.DispatchSummary) {
	m.DispatchJobs.WithLabelValues(string(models.DispatchPending)).Set(float64(s.Pending))
	m.DispatchJobs.WithLabelValues(string(models.DispatchRunning)).Set(float64(s.Running))
	m.DispatchJobs.WithLabelValues(string(models.DispatchCompleted)).Set(float64(s.Completed))
	m.DispatchJobs.WithLabelValues(string(models.DispatchFailed)).Set(float64(s.Failed))
	m.DispatchJobs.WithLabelValues(string(models.DispatchDeadLetter)).Set(float64(s.DeadLetter))
}
