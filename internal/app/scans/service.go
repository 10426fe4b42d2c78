// Package scans implements the operator-facing use cases: managing audits
// and their integrations, defining and deleting scans, scheduling and
// promoting them, and reading their results.
package scans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/app/tasks"
	"github.com/ahrav/scan-armada/internal/app/validation"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/timeutil"
)

// Limits bounds what operators may request.
type Limits struct {
	MaxScansPerAudit int `yaml:"max_scans_per_audit" mapstructure:"max_scans_per_audit"`
	SchedulableDays  int `yaml:"schedulable_days" mapstructure:"schedulable_days"`
	MaxDurationHours int `yaml:"max_duration_hours" mapstructure:"max_duration_hours"`
}

// DefaultLimits allow 50 scans per audit, scheduled up to 7 days ahead with
// windows of at most 48 hours.
func DefaultLimits() Limits {
	return Limits{MaxScansPerAudit: 50, SchedulableDays: 7, MaxDurationHours: 48}
}

// Promoter admits a scan into the task engine out of band.
type Promoter interface {
	Promote(ctx context.Context, store scanning.Store, scan *scanning.Scan) (*scanning.Task, error)
}

// IntegrationChecker validates an integration before it is stored and
// returns it with its URL normalized.
type IntegrationChecker interface {
	CheckIntegration(ctx context.Context, in scanning.Integration) (scanning.Integration, error)
}

// Service implements the scan use cases on top of the store and the engine.
type Service struct {
	store     scanning.Store
	detectors scanning.DetectorLoader
	validator tasks.TargetValidator
	promoter  Promoter
	checker   IntegrationChecker
	clock     timeutil.Provider
	limits    Limits

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService returns a Service.
func NewService(
	store scanning.Store,
	detectors scanning.DetectorLoader,
	validator tasks.TargetValidator,
	promoter Promoter,
	checker IntegrationChecker,
	clock timeutil.Provider,
	limits Limits,
	log *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		store:     store,
		detectors: detectors,
		validator: validator,
		promoter:  promoter,
		checker:   checker,
		clock:     clock,
		limits:    limits,
		logger:    log.With("component", "scans.service"),
		tracer:    tracer,
	}
}

// CreateScanRequest describes a new scan definition.
type CreateScanRequest struct {
	AuditID     uuid.UUID
	Name        string
	Description string
	Target      string
	Module      string
	Mode        scanning.Mode
	Actor       string
}

// CreateScan validates and stores a new, unscheduled scan. The stored
// target is the normalized form returned by validation.
func (s *Service) CreateScan(ctx context.Context, req CreateScanRequest) (*scanning.Scan, error) {
	ctx, span := s.tracer.Start(ctx, "scans.create", trace.WithAttributes(
		attribute.String("audit_id", req.AuditID.String()),
		attribute.String("module", req.Module),
	))
	defer span.End()

	meta, err := s.detectors.Metadata(req.Module)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("loading detector %q: %w", req.Module, err)
	}
	if !meta.Supports(req.Mode) {
		return nil, fmt.Errorf("%w: %s does not support %q", scanning.ErrUnsupportedMode, meta.Module, req.Mode)
	}
	target, err := s.validator.Target(ctx, meta.TargetType, req.Target)
	if err != nil {
		return nil, err
	}

	id, err := scanning.NewScanID(req.AuditID)
	if err != nil {
		return nil, err
	}
	scan := &scanning.Scan{
		ID:          id,
		AuditID:     req.AuditID,
		Name:        req.Name,
		Description: req.Description,
		Target:      target,
		Module:      req.Module,
		Mode:        req.Mode,
		CreatedBy:   req.Actor,
		UpdatedBy:   req.Actor,
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		count, err := repo.CountScans(ctx, req.AuditID)
		if err != nil {
			return fmt.Errorf("counting scans: %w", err)
		}
		if count >= s.limits.MaxScansPerAudit {
			return scanning.ErrMaxScansExceeded
		}
		return repo.CreateScan(ctx, scan)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create scan")
		return nil, err
	}

	s.logger.Info(ctx, "Scan created", "scan_id", id.String(), "target", target, "module", req.Module)
	span.SetStatus(codes.Ok, "scan created")
	return s.store.GetScan(ctx, id)
}

// GetScan returns the scan with scanID.
func (s *Service) GetScan(ctx context.Context, scanID uuid.UUID) (*scanning.Scan, error) {
	return s.store.GetScan(ctx, scanID)
}

// ScheduleRequest schedules one attempt of a scan, optionally recurring
// weekly at the same weekday and hour.
type ScheduleRequest struct {
	ScanID      uuid.UUID
	ScheduledAt time.Time
	MaxDuration int
	Recurring   bool
	Actor       string
}

// ScheduleScan schedules an unscheduled scan. Any previous attempt's task
// link and timestamps are cleared.
func (s *Service) ScheduleScan(ctx context.Context, req ScheduleRequest) (*scanning.Scan, error) {
	ctx, span := s.tracer.Start(ctx, "scans.schedule", trace.WithAttributes(
		attribute.String("scan_id", req.ScanID.String()),
		attribute.Bool("recurring", req.Recurring),
	))
	defer span.End()

	now := s.clock.Now()
	err := s.store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		scan, err := repo.GetScan(ctx, req.ScanID)
		if err != nil {
			return err
		}
		if scan.IsScheduled() {
			return scanning.ErrScanAlreadyScheduled
		}
		if err := validation.Schedule(req.ScheduledAt, now, s.limits.SchedulableDays); err != nil {
			return err
		}
		if err := validation.MaxDuration(req.MaxDuration, s.limits.MaxDurationHours); err != nil {
			return err
		}

		at := req.ScheduledAt.UTC()
		scan.ScheduledAt = at
		scan.MaxDuration = req.MaxDuration
		scan.RRule = ""
		if req.Recurring {
			scan.RRule = tasks.WeeklyRule(at)
		}
		scan.TaskID = uuid.Nil
		scan.StartedAt = time.Time{}
		scan.EndedAt = time.Time{}
		scan.UpdatedBy = req.Actor
		return repo.UpdateScan(ctx, scan)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info(ctx, "Scan scheduled",
		"scan_id", req.ScanID.String(),
		"scheduled_at", req.ScheduledAt.UTC(),
		"max_duration", req.MaxDuration,
		"recurring", req.Recurring,
	)
	return s.store.GetScan(ctx, req.ScanID)
}

// CancelSchedule drops a scan's schedule and recurrence. A task already in
// flight for the scan is orphaned and cancelled by its stage's next poll.
func (s *Service) CancelSchedule(ctx context.Context, scanID uuid.UUID, actor string) (*scanning.Scan, error) {
	ctx, span := s.tracer.Start(ctx, "scans.cancel_schedule", trace.WithAttributes(
		attribute.String("scan_id", scanID.String()),
	))
	defer span.End()

	err := s.store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		scan, err := repo.GetScan(ctx, scanID)
		if err != nil {
			return err
		}
		if !scan.IsScheduled() {
			return scanning.ErrScanNotScheduled
		}
		scan.ClearSchedule()
		scan.UpdatedBy = actor
		return repo.UpdateScan(ctx, scan)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info(ctx, "Scan schedule cancelled", "scan_id", scanID.String())
	return s.store.GetScan(ctx, scanID)
}

// PromoteNow schedules scan for now with a window of maxDuration hours and
// admits it immediately instead of waiting for the scheduler. When the
// target is busy the schedule stays in place for the scheduler to retry
// and ErrTargetBusy is returned. Any other failure resets the scan with the
// failure as its reason.
func (s *Service) PromoteNow(ctx context.Context, scanID uuid.UUID, maxDuration int, actor string) (*scanning.Task, error) {
	ctx, span := s.tracer.Start(ctx, "scans.promote_now", trace.WithAttributes(
		attribute.String("scan_id", scanID.String()),
	))
	defer span.End()

	if err := validation.MaxDuration(maxDuration, s.limits.MaxDurationHours); err != nil {
		return nil, err
	}

	var scan *scanning.Scan
	err := s.store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		var err error
		if scan, err = repo.GetScan(ctx, scanID); err != nil {
			return err
		}
		if scan.IsScheduled() || scan.HasTask() {
			return scanning.ErrScanAlreadyScheduled
		}
		scan.ScheduledAt = s.clock.Now().UTC()
		scan.MaxDuration = maxDuration
		scan.TaskID = uuid.Nil
		scan.StartedAt = time.Time{}
		scan.EndedAt = time.Time{}
		scan.UpdatedBy = actor
		return repo.UpdateScan(ctx, scan)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	task, err := s.promoter.Promote(ctx, s.store, scan)
	switch {
	case err == nil:
	case errors.Is(err, scanning.ErrTargetBusy):
		s.logger.Info(ctx, "Target busy, leaving scan to the scheduler", "scan_id", scanID.String(), "target", scan.Target)
		return nil, err
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "promotion failed")
		if rerr := s.store.ResetScan(ctx, scanID, err.Error()); rerr != nil {
			s.logger.Error(ctx, "Failed to reset scan after promotion failure", "scan_id", scanID.String(), "error", rerr)
		}
		return nil, err
	}

	s.logger.Info(ctx, "Scan promoted", "scan_id", scanID.String(), "task_id", task.ID.String())
	span.SetStatus(codes.Ok, "scan promoted")
	return task, nil
}

// Results returns the findings recorded for a scan's latest completed attempt.
func (s *Service) Results(ctx context.Context, scanID uuid.UUID) ([]scanning.Result, error) {
	if _, err := s.store.GetScan(ctx, scanID); err != nil {
		return nil, err
	}
	return s.store.ListResults(ctx, scanID)
}

