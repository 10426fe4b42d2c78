package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage"
)

func (r *repo) CreateAudit(ctx context.Context, audit *scanning.Audit) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_audit",
		attrs(attribute.String("audit_id", audit.ID.String())),
		func(ctx context.Context) error {
			now := pgTime(r.clock.Now())
			_, err := r.q.Exec(ctx, `
				INSERT INTO audit (id, name, description, owner, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $5)`,
				pgUUID(audit.ID), audit.Name, audit.Description, audit.Owner, now,
			)
			if err != nil {
				return wrap("inserting audit", err)
			}
			return nil
		})
}

func (r *repo) GetAudit(ctx context.Context, auditID uuid.UUID) (*scanning.Audit, error) {
	var audit *scanning.Audit
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_audit",
		attrs(attribute.String("audit_id", auditID.String())),
		func(ctx context.Context) error {
			var (
				a                    scanning.Audit
				id                   pgtype.UUID
				createdAt, updatedAt pgtype.Timestamptz
			)
			err := r.q.QueryRow(ctx, `
				SELECT id, name, description, owner, created_at, updated_at
				FROM audit WHERE id = $1`, pgUUID(auditID),
			).Scan(&id, &a.Name, &a.Description, &a.Owner, &createdAt, &updatedAt)
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrAuditNotFound
			}
			if err != nil {
				return wrap("loading audit", err)
			}
			a.ID = fromUUID(id)
			a.CreatedAt = fromTime(createdAt)
			a.UpdatedAt = fromTime(updatedAt)
			audit = &a
			return nil
		})
	return audit, err
}

func (r *repo) UpsertIntegration(ctx context.Context, in scanning.Integration) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.upsert_integration",
		attrs(
			attribute.String("audit_id", in.AuditID.String()),
			attribute.String("service", in.Service),
		),
		func(ctx context.Context) error {
			_, err := r.q.Exec(ctx, `
				INSERT INTO integration (audit_id, service, url, verbose)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (audit_id, service) DO UPDATE SET url = EXCLUDED.url, verbose = EXCLUDED.verbose`,
				pgUUID(in.AuditID), in.Service, in.URL, in.Verbose,
			)
			if isForeignKeyViolation(err) {
				return scanning.ErrAuditNotFound
			}
			if err != nil {
				return wrap("upserting integration", err)
			}
			return nil
		})
}

func (r *repo) ListIntegrations(ctx context.Context, auditID uuid.UUID) ([]scanning.Integration, error) {
	var out []scanning.Integration
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_integrations",
		attrs(attribute.String("audit_id", auditID.String())),
		func(ctx context.Context) error {
			rows, err := r.q.Query(ctx, `
				SELECT service, url, verbose FROM integration
				WHERE audit_id = $1 ORDER BY service`, pgUUID(auditID))
			if err != nil {
				return wrap("listing integrations", err)
			}
			defer rows.Close()
			for rows.Next() {
				in := scanning.Integration{AuditID: auditID}
				if err := rows.Scan(&in.Service, &in.URL, &in.Verbose); err != nil {
					return wrap("scanning integration row", err)
				}
				out = append(out, in)
			}
			return rows.Err()
		})
	return out, err
}

func (r *repo) DeleteIntegration(ctx context.Context, auditID uuid.UUID, service string) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_integration",
		attrs(
			attribute.String("audit_id", auditID.String()),
			attribute.String("service", service),
		),
		func(ctx context.Context) error {
			tag, err := r.q.Exec(ctx, `DELETE FROM integration WHERE audit_id = $1 AND service = $2`,
				pgUUID(auditID), service)
			if err != nil {
				return wrap("deleting integration", err)
			}
			return mustAffect(tag, scanning.ErrIntegrationNotFound)
		})
}
