package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// PendingHandler admits scans as tasks and waits for their workers to come up.
type PendingHandler struct {
	*QueueProcessor

	validator  TargetValidator
	running    *RunningHandler
	maxPending time.Duration
}

// NewPendingHandler returns the pending stage. Ready tasks are handed to running.
func NewPendingHandler(deps Deps, running *RunningHandler, maxPending time.Duration) *PendingHandler {
	h := &PendingHandler{validator: deps.Validator, running: running, maxPending: maxPending}
	h.QueueProcessor = newQueueProcessor(scanning.ProgressPending, deps, h.process)
	return h
}

// Add admits scan as a new PENDING task within repo's unit of work. It
// returns a nil task, and no error, when a task already exists for the
// target; the scan then stays due.
func (h *PendingHandler) Add(ctx context.Context, repo scanning.Repository, scan *scanning.Scan) (*scanning.Task, error) {
	ctx, span := h.tracer.Start(ctx, "tasks.pending.add", trace.WithAttributes(
		attribute.String("scan_id", scan.ID.String()),
		attribute.String("module", scan.Module),
		attribute.String("target", scan.Target),
	))
	defer span.End()

	logger := h.logger.With("operation", "add", "scan_id", scan.ID.String(), "module", scan.Module)

	meta, err := h.detectors.Metadata(scan.Module)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	target, err := h.validator.Target(ctx, meta.TargetType, scan.Target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "target rejected")
		return nil, err
	}

	busy, err := repo.TaskExistsForTarget(ctx, target)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("checking live tasks for target: %w", err)
	}
	if busy {
		h.abandon(ctx, span, target)
		return nil, nil
	}

	det, err := h.detectors.Load(scan.Module, scanning.Session{})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	session, err := det.Create(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create detector")
		return nil, fmt.Errorf("creating detector: %w", err)
	}

	task := scanning.NewPendingTask(scan, target, session, h.clock.Now())
	if err := repo.CreateTask(ctx, task); err != nil {
		teardown(ctx, h.detectors, logger, task)
		if errors.Is(err, scanning.ErrTargetBusy) {
			h.abandon(ctx, span, target)
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist task")
		return nil, fmt.Errorf("persisting task: %w", err)
	}

	logger.Info(ctx, "Task admitted", "task_id", task.ID.String(), "target", target)
	span.SetStatus(codes.Ok, "task admitted")
	return task, nil
}

func (h *PendingHandler) abandon(ctx context.Context, span trace.Span, target string) {
	span.AddEvent("target_busy")
	h.metrics.IncAdmissionAbandoned(ctx)
	h.logger.Info(ctx, "Target already has a live task, abandoning admission", "target", target)
}

func (h *PendingHandler) process(ctx context.Context, now time.Time, task *scanning.Task) error {
	if now.After(task.CreatedAt.Add(h.maxPending)) {
		return scanning.ErrPendingTooLong
	}

	det, err := h.loadDetector(task)
	if err != nil {
		return err
	}
	ready, err := det.IsReady(ctx)
	if err != nil {
		return fmt.Errorf("checking detector readiness: %w", err)
	}
	if !ready {
		return nil
	}
	return h.running.Add(ctx, task)
}
