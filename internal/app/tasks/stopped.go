package tasks

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// StoppedHandler collects results from finished workers.
type StoppedHandler struct {
	*QueueProcessor
}

// NewStoppedHandler returns the stopped stage.
func NewStoppedHandler(deps Deps) *StoppedHandler {
	h := new(StoppedHandler)
	h.QueueProcessor = newQueueProcessor(scanning.ProgressStopped, deps, h.process)
	return h
}

// Add moves task to STOPPED.
func (h *StoppedHandler) Add(ctx context.Context, task *scanning.Task) error {
	task.MarkStopped(h.clock.Now())
	if err := h.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	h.logger.Info(ctx, "Scan stopped", "task_id", task.ID.String(), "target", task.Target)
	return nil
}

func (h *StoppedHandler) process(ctx context.Context, now time.Time, task *scanning.Task) error {
	ctx, span := h.tracer.Start(ctx, "tasks.stopped.collect", trace.WithAttributes(
		attribute.String("task_id", task.ID.String()),
		attribute.String("scan_id", task.ScanID.String()),
	))
	defer span.End()

	det, err := h.loadDetector(task)
	if err != nil {
		return err
	}
	findings, err := det.Results(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("collecting results: %w", err)
	}
	results := scanning.ResultsForScan(task.ScanID, findings)
	span.SetAttributes(attribute.Int("result_count", len(results)))

	err = h.store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		if err := repo.ReplaceResults(ctx, task.ScanID, results); err != nil {
			return fmt.Errorf("replacing results: %w", err)
		}
		if err := repo.MarkScanEnded(ctx, task.ScanID, now); err != nil {
			return fmt.Errorf("marking scan ended: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	scan, err := h.store.GetScan(ctx, task.ScanID)
	if err != nil {
		h.logger.Debug(ctx, "Scan unavailable for result notification", "scan_id", task.ScanID.String(), "error", err)
		scan = nil
	}
	h.notifier.Notify(ctx, scanning.Notification{
		Kind:    scanning.NotifyResult,
		Scan:    scan,
		Task:    task,
		Results: results,
	})

	h.logger.Info(ctx, "Results collected", "task_id", task.ID.String(), "result_count", len(results))
	return h.Finish(ctx, task, "")
}
