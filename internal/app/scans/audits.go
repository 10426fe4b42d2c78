package scans

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// CreateAuditRequest describes a new audit.
type CreateAuditRequest struct {
	Name        string
	Description string
	Owner       string
}

// CreateAudit stores a new audit with no scans or integrations.
func (s *Service) CreateAudit(ctx context.Context, req CreateAuditRequest) (*scanning.Audit, error) {
	audit := &scanning.Audit{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		Owner:       req.Owner,
	}
	ctx, span := s.tracer.Start(ctx, "scans.create_audit", trace.WithAttributes(
		attribute.String("audit_id", audit.ID.String()),
	))
	defer span.End()

	if err := s.store.CreateAudit(ctx, audit); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create audit")
		return nil, fmt.Errorf("creating audit: %w", err)
	}

	s.logger.Info(ctx, "Audit created", "audit_id", audit.ID.String(), "owner", req.Owner)
	return s.store.GetAudit(ctx, audit.ID)
}

// AuditView is an audit together with its integrations.
type AuditView struct {
	Audit        *scanning.Audit
	Integrations []scanning.Integration
}

// GetAudit returns the audit with auditID and its integrations.
func (s *Service) GetAudit(ctx context.Context, auditID uuid.UUID) (*AuditView, error) {
	audit, err := s.store.GetAudit(ctx, auditID)
	if err != nil {
		return nil, err
	}
	integrations, err := s.store.ListIntegrations(ctx, auditID)
	if err != nil {
		return nil, fmt.Errorf("listing integrations: %w", err)
	}
	return &AuditView{Audit: audit, Integrations: integrations}, nil
}

// UpsertIntegration subscribes an audit to notifications through
// in.Service, replacing any existing subscription for that service. The
// URL is validated and stored in normalized form.
func (s *Service) UpsertIntegration(ctx context.Context, in scanning.Integration) (*scanning.Integration, error) {
	ctx, span := s.tracer.Start(ctx, "scans.upsert_integration", trace.WithAttributes(
		attribute.String("audit_id", in.AuditID.String()),
		attribute.String("service", in.Service),
	))
	defer span.End()

	if _, err := s.store.GetAudit(ctx, in.AuditID); err != nil {
		return nil, err
	}
	checked, err := s.checker.CheckIntegration(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertIntegration(ctx, checked); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store integration")
		return nil, err
	}

	s.logger.Info(ctx, "Integration saved", "audit_id", in.AuditID.String(), "service", in.Service)
	return &checked, nil
}

// DeleteIntegration removes an audit's subscription through service.
func (s *Service) DeleteIntegration(ctx context.Context, auditID uuid.UUID, service string) error {
	if _, err := s.store.GetAudit(ctx, auditID); err != nil {
		return err
	}
	if err := s.store.DeleteIntegration(ctx, auditID, service); err != nil {
		return err
	}
	s.logger.Info(ctx, "Integration deleted", "audit_id", auditID.String(), "service", service)
	return nil
}

// DeleteScan removes a scan and its results. A task in flight for the scan
// is orphaned and cancelled by its stage's next poll.
func (s *Service) DeleteScan(ctx context.Context, scanID uuid.UUID, actor string) error {
	ctx, span := s.tracer.Start(ctx, "scans.delete", trace.WithAttributes(
		attribute.String("scan_id", scanID.String()),
	))
	defer span.End()

	if err := s.store.DeleteScan(ctx, scanID); err != nil {
		span.RecordError(err)
		return err
	}
	s.logger.Info(ctx, "Scan deleted", "scan_id", scanID.String(), "actor", actor)
	return nil
}
