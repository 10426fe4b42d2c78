package tasks

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// RunningHandler starts scans on ready workers and watches for completion.
type RunningHandler struct {
	*QueueProcessor

	stopped    *StoppedHandler
	maxRunning time.Duration
}

// NewRunningHandler returns the running stage. Finished tasks are handed to stopped.
func NewRunningHandler(deps Deps, stopped *StoppedHandler, maxRunning time.Duration) *RunningHandler {
	h := &RunningHandler{stopped: stopped, maxRunning: maxRunning}
	h.QueueProcessor = newQueueProcessor(scanning.ProgressRunning, deps, h.process)
	return h
}

// Add starts the scan on task's worker and moves the task to RUNNING,
// stamping the scan's start time in the same transaction.
func (h *RunningHandler) Add(ctx context.Context, task *scanning.Task) error {
	ctx, span := h.tracer.Start(ctx, "tasks.running.add", trace.WithAttributes(
		attribute.String("task_id", task.ID.String()),
		attribute.String("target", task.Target),
	))
	defer span.End()

	det, err := h.loadDetector(task)
	if err != nil {
		span.RecordError(err)
		return err
	}
	session, err := det.Run(ctx, task.Target, task.Mode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to run detector")
		return fmt.Errorf("running detector: %w", err)
	}

	now := h.clock.Now()
	task.MarkRunning(session, now)

	err = h.store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		if err := repo.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("updating task: %w", err)
		}
		if err := repo.MarkScanStartedByTask(ctx, task.ID, now); err != nil {
			return fmt.Errorf("marking scan started: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist running task")
		return err
	}

	h.logger.Info(ctx, "Scan started", "task_id", task.ID.String(), "target", task.Target, "module", task.Module)

	scan, err := h.store.GetScan(ctx, task.ScanID)
	if err != nil {
		h.logger.Debug(ctx, "Scan unavailable for start notification", "scan_id", task.ScanID.String(), "error", err)
		scan = nil
	}
	h.notifier.Notify(ctx, scanning.Notification{Kind: scanning.NotifyStart, Scan: scan, Task: task})

	span.SetStatus(codes.Ok, "scan started")
	return nil
}

func (h *RunningHandler) process(ctx context.Context, now time.Time, task *scanning.Task) error {
	if now.After(task.StartedAt.Add(h.maxRunning)) {
		return scanning.ErrRunningTooLong
	}

	det, err := h.loadDetector(task)
	if err != nil {
		return err
	}
	running, err := det.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("checking detector status: %w", err)
	}
	if running {
		return nil
	}
	return h.stopped.Add(ctx, task)
}
