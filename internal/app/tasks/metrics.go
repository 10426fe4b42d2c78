package tasks

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics records task engine activity.
type Metrics interface {
	// ObservePoll records one pass of a stage (or of the scheduler).
	ObservePoll(ctx context.Context, stage string, tasks int, duration time.Duration)
	IncTasksPromoted(ctx context.Context)
	// IncAdmissionAbandoned counts promotions dropped because the target was busy.
	IncAdmissionAbandoned(ctx context.Context)
	// IncTasksFinished counts tasks removed by a stage, cleanly or not.
	IncTasksFinished(ctx context.Context, stage string, failed bool)
	IncScansReset(ctx context.Context, reason string)
	IncRecurrenceErrors(ctx context.Context)
}

type taskMetrics struct {
	pollDuration       metric.Float64Histogram
	tasksPolled        metric.Int64Counter
	tasksPromoted      metric.Int64Counter
	admissionAbandoned metric.Int64Counter
	tasksFinished      metric.Int64Counter
	scansReset         metric.Int64Counter
	recurrenceErrors   metric.Int64Counter
}

const namespace = "tasks"

// NewMetrics builds the task engine instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*taskMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(taskMetrics)
	var err error

	if m.pollDuration, err = meter.Float64Histogram(
		"stage_poll_duration_seconds",
		metric.WithDescription("Time spent in one polling pass of a stage"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.tasksPolled, err = meter.Int64Counter(
		"tasks_polled_total",
		metric.WithDescription("Total number of tasks visited by stage polls"),
	); err != nil {
		return nil, err
	}

	if m.tasksPromoted, err = meter.Int64Counter(
		"tasks_promoted_total",
		metric.WithDescription("Total number of scans promoted into pending tasks"),
	); err != nil {
		return nil, err
	}

	if m.admissionAbandoned, err = meter.Int64Counter(
		"admission_abandoned_total",
		metric.WithDescription("Total number of promotions abandoned because the target already had a live task"),
	); err != nil {
		return nil, err
	}

	if m.tasksFinished, err = meter.Int64Counter(
		"tasks_finished_total",
		metric.WithDescription("Total number of tasks finished, by stage and outcome"),
	); err != nil {
		return nil, err
	}

	if m.scansReset, err = meter.Int64Counter(
		"scans_reset_total",
		metric.WithDescription("Total number of due scans reset without a task"),
	); err != nil {
		return nil, err
	}

	if m.recurrenceErrors, err = meter.Int64Counter(
		"recurrence_errors_total",
		metric.WithDescription("Total number of recurrence rules that could not be evaluated"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// NoOpMetrics returns Metrics that record nothing.
func NoOpMetrics() Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

func (m *taskMetrics) ObservePoll(ctx context.Context, stage string, tasks int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	m.pollDuration.Record(ctx, duration.Seconds(), attrs)
	m.tasksPolled.Add(ctx, int64(tasks), attrs)
}

func (m *taskMetrics) IncTasksPromoted(ctx context.Context) { m.tasksPromoted.Add(ctx, 1) }

func (m *taskMetrics) IncAdmissionAbandoned(ctx context.Context) { m.admissionAbandoned.Add(ctx, 1) }

func (m *taskMetrics) IncTasksFinished(ctx context.Context, stage string, failed bool) {
	outcome := "clean"
	if failed {
		outcome = "failed"
	}
	m.tasksFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

func (m *taskMetrics) IncScansReset(ctx context.Context, reason string) {
	m.scansReset.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *taskMetrics) IncRecurrenceErrors(ctx context.Context) { m.recurrenceErrors.Add(ctx, 1) }
