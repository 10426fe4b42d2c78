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
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/timeutil"
)

// Scheduler arms recurring scans and promotes due scans into pending tasks.
type Scheduler struct {
	store     scanning.Store
	detectors scanning.DetectorLoader
	pending   *PendingHandler
	clock     timeutil.Provider
	logger    *logger.Logger
	tracer    trace.Tracer
	metrics   Metrics
}

// NewScheduler returns a Scheduler admitting scans through pending.
func NewScheduler(deps Deps, pending *PendingHandler) *Scheduler {
	return &Scheduler{
		store:     deps.Store,
		detectors: deps.Detectors,
		pending:   pending,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "tasks.scheduler"),
		tracer:    deps.Tracer,
		metrics:   deps.Metrics,
	}
}

// Poll runs the recurrence pass then the promotion pass. Per-scan problems
// are handled in place; only listing failures are returned.
func (s *Scheduler) Poll(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "tasks.scheduler.poll")
	defer span.End()

	start := time.Now()
	now := s.clock.Now()

	armed, errArm := s.advanceRecurrences(ctx, now)
	due, errPromote := s.promoteDue(ctx, now)

	s.metrics.ObservePoll(ctx, "schedule", armed+due, time.Since(start))

	if err := errors.Join(errArm, errPromote); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scheduler poll failed")
		return err
	}
	span.SetStatus(codes.Ok, "scheduler poll completed")
	return nil
}

func (s *Scheduler) advanceRecurrences(ctx context.Context, now time.Time) (int, error) {
	scans, err := s.store.ListRecurringUnscheduledScans(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing recurring scans: %w", err)
	}

	for _, scan := range scans {
		next, err := NextOccurrence(scan.RRule, now)
		if err != nil {
			s.metrics.IncRecurrenceErrors(ctx)
			s.logger.Warn(ctx, "Skipping scan with unusable recurrence rule",
				"scan_id", scan.ID.String(),
				"rrule", scan.RRule,
				"error", err,
			)
			continue
		}
		if err := s.store.SetScanSchedule(ctx, scan.ID, next); err != nil {
			s.logger.Error(ctx, "Failed to schedule next occurrence", "scan_id", scan.ID.String(), "error", err)
			continue
		}
		s.logger.Debug(ctx, "Next occurrence scheduled", "scan_id", scan.ID.String(), "scheduled_at", next)
	}
	return len(scans), nil
}

func (s *Scheduler) promoteDue(ctx context.Context, now time.Time) (int, error) {
	scans, err := s.store.ListDueScans(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing due scans: %w", err)
	}

	for _, scan := range scans {
		s.promote(ctx, now, scan)
	}
	return len(scans), nil
}

func (s *Scheduler) promote(ctx context.Context, now time.Time, scan *scanning.Scan) {
	ctx, span := s.tracer.Start(ctx, "tasks.scheduler.promote", trace.WithAttributes(
		attribute.String("scan_id", scan.ID.String()),
		attribute.String("target", scan.Target),
	))
	defer span.End()

	logger := s.logger.With("operation", "promote", "scan_id", scan.ID.String(), "target", scan.Target)

	if now.After(scan.WindowEnd()) {
		s.reset(ctx, logger, scan, scanning.ErrScheduleElapsed.Error())
		return
	}

	var created *scanning.Task
	err := s.store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		task, err := s.pending.Add(ctx, repo, scan)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		created = task
		return repo.LinkScanTask(ctx, scan.ID, task.ID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "promotion failed")
		// The task row was rolled back with the transaction; its worker was not.
		if created != nil && !created.Session.IsZero() {
			teardown(ctx, s.detectors, logger, created)
		}
		s.reset(ctx, logger, scan, err.Error())
		return
	}

	if created == nil {
		span.AddEvent("admission_abandoned")
		return
	}
	s.metrics.IncTasksPromoted(ctx)
	logger.Info(ctx, "Scan promoted", "task_id", created.ID.String())
}

func (s *Scheduler) reset(ctx context.Context, logger *logger.Logger, scan *scanning.Scan, reason string) {
	s.metrics.IncScansReset(ctx, reason)
	logger.Warn(ctx, "Resetting scan", "reason", reason)
	if err := s.store.ResetScan(ctx, scan.ID, reason); err != nil {
		logger.Error(ctx, "Failed to reset scan", "error", err)
	}
}
