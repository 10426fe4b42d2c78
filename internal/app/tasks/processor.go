// Package tasks implements the scan task engine: a scheduler that promotes
// due scans into tasks and three polling stages (pending, running, stopped)
// that move each task through its detector's lifecycle.
package tasks

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/timeutil"
)

// TargetValidator validates and normalizes a target for a target type.
type TargetValidator interface {
	Target(ctx context.Context, tt scanning.TargetType, target string) (string, error)
}

// Deps are the collaborators shared by the scheduler and every stage.
type Deps struct {
	Store     scanning.Store
	Detectors scanning.DetectorLoader
	Notifier  scanning.Notifier
	Validator TargetValidator
	Clock     timeutil.Provider
	Logger    *logger.Logger
	Tracer    trace.Tracer
	Metrics   Metrics
}

type processFunc func(ctx context.Context, now time.Time, task *scanning.Task) error

// QueueProcessor polls the tasks of one stage. Cancellation and cleanup
// are handled here; the stage only supplies its forward-progress step.
type QueueProcessor struct {
	progress  scanning.Progress
	store     scanning.Store
	detectors scanning.DetectorLoader
	notifier  scanning.Notifier
	clock     timeutil.Provider
	logger    *logger.Logger
	tracer    trace.Tracer
	metrics   Metrics

	process processFunc
}

func newQueueProcessor(progress scanning.Progress, deps Deps, process processFunc) *QueueProcessor {
	return &QueueProcessor{
		progress:  progress,
		store:     deps.Store,
		detectors: deps.Detectors,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "tasks."+stageName(progress)),
		tracer:    deps.Tracer,
		metrics:   deps.Metrics,
		process:   process,
	}
}

func stageName(p scanning.Progress) string {
	switch p {
	case scanning.ProgressPending:
		return "pending"
	case scanning.ProgressRunning:
		return "running"
	case scanning.ProgressStopped:
		return "stopped"
	}
	return string(p)
}

// Progress is the stage this processor polls.
func (q *QueueProcessor) Progress() scanning.Progress { return q.progress }

// Poll makes one pass over every task in the stage, oldest update first.
// A failing task is finished with the failure as its reason; it never stops
// the pass. Only a failure to list the stage is returned.
func (q *QueueProcessor) Poll(ctx context.Context) error {
	stage := stageName(q.progress)
	ctx, span := q.tracer.Start(ctx, "tasks."+stage+".poll")
	defer span.End()

	start := time.Now()
	now := q.clock.Now()

	queued, err := q.store.ListQueuedTasks(ctx, q.progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list tasks")
		return fmt.Errorf("listing %s tasks: %w", stage, err)
	}
	span.SetAttributes(attribute.Int("task_count", len(queued)))

	for _, qt := range queued {
		if err := q.handle(ctx, now, qt); err != nil {
			q.logger.Warn(ctx, "Task failed, finishing",
				"task_id", qt.Task.ID.String(),
				"scan_id", qt.Task.ScanID.String(),
				"target", qt.Task.Target,
				"reason", err.Error(),
			)
			if ferr := q.Finish(ctx, qt.Task, err.Error()); ferr != nil {
				q.logger.Error(ctx, "Failed to finish task", "task_id", qt.Task.ID.String(), "error", ferr)
			}
		}
	}

	q.metrics.ObservePoll(ctx, stage, len(queued), time.Since(start))
	span.SetStatus(codes.Ok, "poll completed")
	return nil
}

func (q *QueueProcessor) handle(ctx context.Context, now time.Time, qt scanning.QueuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing task: %v", r)
		}
	}()

	switch {
	case !qt.ScanExists:
		return scanning.ErrScanCancelled
	case qt.Task.WindowElapsed(now):
		return scanning.ErrScheduleElapsed
	}
	return q.process(ctx, now, qt.Task)
}

// Finish ends a task. The worker is torn down, then the task row is deleted
// and its scan unlinked in one transaction. A non-empty reason is recorded
// on the scan and announced with an ERROR notification. Teardown and
// notification problems are logged only.
func (q *QueueProcessor) Finish(ctx context.Context, task *scanning.Task, reason string) error {
	ctx, span := q.tracer.Start(ctx, "tasks.finish", trace.WithAttributes(
		attribute.String("task_id", task.ID.String()),
		attribute.String("scan_id", task.ScanID.String()),
		attribute.String("stage", stageName(q.progress)),
		attribute.String("reason", reason),
	))
	defer span.End()

	if !task.Session.IsZero() {
		teardown(ctx, q.detectors, q.logger, task)
	}

	err := q.store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		if err := repo.DeleteTask(ctx, task.ID); err != nil {
			return fmt.Errorf("deleting task: %w", err)
		}
		if err := repo.ResetScanByTask(ctx, task.ID, reason); err != nil {
			return fmt.Errorf("resetting scan: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finish task")
		return fmt.Errorf("finishing task %s: %w", task.ID, err)
	}

	failed := reason != ""
	q.metrics.IncTasksFinished(ctx, stageName(q.progress), failed)
	if !failed {
		return nil
	}

	// Load after the reset so the notification carries the recorded reason.
	scan, err := q.store.GetScan(ctx, task.ScanID)
	if err != nil {
		q.logger.Debug(ctx, "Scan unavailable for error notification", "scan_id", task.ScanID.String(), "error", err)
		scan = nil
	}
	q.notifier.Notify(ctx, scanning.Notification{Kind: scanning.NotifyError, Scan: scan, Task: task})
	return nil
}

// teardown loads task's detector from its session and deletes the worker.
func teardown(ctx context.Context, detectors scanning.DetectorLoader, log *logger.Logger, task *scanning.Task) {
	det, err := detectors.Load(task.Module, task.Session)
	if err != nil {
		log.Error(ctx, "Failed to load detector for teardown",
			"task_id", task.ID.String(),
			"module", task.Module,
			"error", err,
		)
		return
	}
	det.Delete(ctx)
}

func (q *QueueProcessor) loadDetector(task *scanning.Task) (scanning.Detector, error) {
	det, err := q.detectors.Load(task.Module, task.Session)
	if err != nil {
		return nil, fmt.Errorf("loading detector: %w", err)
	}
	return det, nil
}
