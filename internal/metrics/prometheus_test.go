package metrics

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MacJediWizard/stagehand/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_EvaluationCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("increments advanced counter", func(t *testing.T) {
		m.RecordEvaluation("advanced")
		m.RecordEvaluation("advanced")
		m.RecordEvaluation("advanced")

		val := getCounterValue(t, m.EvaluationCounter, "advanced")
		if val != 3 {
			t.Errorf("expected 3, got %f", val)
		}
	})

	t.Run("tracks outcomes separately", func(t *testing.T) {
		m.RecordEvaluation("lease_held")

		if val := getCounterValue(t, m.EvaluationCounter, "lease_held"); val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
		if val := getCounterValue(t, m.EvaluationCounter, "advanced"); val != 3 {
			t.Errorf("advanced should be unchanged, got %f", val)
		}
	})
}

func TestPrometheus_Transitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordTransition(models.PhaseNotSet, models.PhaseInProgress)
	m.RecordTransition(models.PhaseInProgress, models.PhaseFinished)
	m.RecordTransition(models.PhaseNotSet, models.PhaseInProgress)

	var metric dto.Metric
	if err := m.TransitionCounter.WithLabelValues("not_set", "in_progress").Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Errorf("expected 2 starts, got %f", got)
	}

	metric.Reset()
	if err := m.TransitionCounter.WithLabelValues("in_progress", "finished").Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Errorf("expected 1 finish, got %f", got)
	}
}

func TestPrometheus_Tick(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordTick(1500*time.Millisecond, 4, nil)
	m.RecordTick(500*time.Millisecond, 0, errors.New("database unavailable"))

	var metric dto.Metric
	if err := m.TickDuration.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if got := metric.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("expected 2 ticks observed, got %d", got)
	}
	if got := metric.GetHistogram().GetSampleSum(); got != 2.0 {
		t.Errorf("expected sum 2.0, got %f", got)
	}

	metric.Reset()
	if err := m.TickErrors.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != 1 {
		t.Errorf("expected 1 tick error, got %f", got)
	}
}

func TestPrometheus_Dispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("counts by action and outcome", func(t *testing.T) {
		m.RecordDispatch(models.DispatchAssign, "success", 200*time.Millisecond)
		m.RecordDispatch(models.DispatchAssign, "retry", 2*time.Second)
		m.RecordDispatch(models.DispatchUnassign, "success", 100*time.Millisecond)

		var metric dto.Metric
		if err := m.DispatchCounter.WithLabelValues("assign", "success").Write(&metric); err != nil {
			t.Fatalf("failed to write metric: %v", err)
		}
		if got := metric.GetCounter().GetValue(); got != 1 {
			t.Errorf("expected 1, got %f", got)
		}
	})

	t.Run("observes duration per action", func(t *testing.T) {
		count, sum := getHistogramValues(t, m.DispatchDuration, "assign")
		if count != 2 {
			t.Errorf("expected count 2, got %d", count)
		}
		if math.Abs(sum-2.2) > 1e-9 {
			t.Errorf("expected sum 2.2, got %f", sum)
		}

		count, _ = getHistogramValues(t, m.DispatchDuration, "unassign")
		if count != 1 {
			t.Errorf("expected count 1 for unassign, got %d", count)
		}
	})
}

func TestPrometheus_Gauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("sets degraded schedules", func(t *testing.T) {
		m.SetDegradedSchedules(3)
		m.SetDegradedSchedules(1)

		var metric dto.Metric
		if err := m.DegradedSchedules.Write(&metric); err != nil {
			t.Fatalf("failed to write metric: %v", err)
		}
		if got := metric.GetGauge().GetValue(); got != 1 {
			t.Errorf("expected 1 after update, got %f", got)
		}
	})

	t.Run("sets dispatch job counts", func(t *testing.T) {
		m.SetDispatchSummary(&models.DispatchSummary{Pending: 4, Failed: 2, DeadLetter: 1})

		if val := getGaugeValue(t, m.DispatchJobs, "pending"); val != 4 {
			t.Errorf("expected 4 pending, got %f", val)
		}
		if val := getGaugeValue(t, m.DispatchJobs, "dead_letter"); val != 1 {
			t.Errorf("expected 1 dead letter, got %f", val)
		}
		if val := getGaugeValue(t, m.DispatchJobs, "completed"); val != 0 {
			t.Errorf("expected 0 completed, got %f", val)
		}
	})
}

func TestPrometheus_Registration(t *testing.T) {
	t.Run("creates metrics successfully", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("failed to create metrics: %v", err)
		}
		if m == nil {
			t.Fatal("expected non-nil metrics")
		}
		if m.EvaluationCounter == nil {
			t.Error("EvaluationCounter should not be nil")
		}
		if m.DispatchDuration == nil {
			t.Error("DispatchDuration should not be nil")
		}
		if m.DegradedSchedules == nil {
			t.Error("DegradedSchedules should not be nil")
		}
	})

	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("first registration failed: %v", err)
		}
		_, err = NewPrometheusMetrics(reg)
		if err == nil {
			t.Fatal("expected error on duplicate registration")
		}
	})
}

// Helper functions for extracting Prometheus metric values.

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	observer := hist.WithLabelValues(label)
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
