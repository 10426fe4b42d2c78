package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage"
)

const scanColumns = `id, audit_id, name, description, target, module, mode,
	scheduled_at, max_duration, rrule, task_id, started_at, ended_at, error_reason,
	created_by, updated_by, created_at, updated_at`

func scanScan(row pgx.Row) (*scanning.Scan, error) {
	var (
		s                               scanning.Scan
		id, auditID, taskID             pgtype.UUID
		mode                            string
		maxDuration                     int32
		scheduledAt, startedAt, endedAt pgtype.Timestamptz
		createdAt, updatedAt            pgtype.Timestamptz
	)
	err := row.Scan(
		&id, &auditID, &s.Name, &s.Description, &s.Target, &s.Module, &mode,
		&scheduledAt, &maxDuration, &s.RRule, &taskID, &startedAt, &endedAt, &s.ErrorReason,
		&s.CreatedBy, &s.UpdatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.ID = fromUUID(id)
	s.AuditID = fromUUID(auditID)
	s.Mode = scanning.Mode(mode)
	s.ScheduledAt = fromTime(scheduledAt)
	s.MaxDuration = int(maxDuration)
	s.TaskID = fromUUID(taskID)
	s.StartedAt = fromTime(startedAt)
	s.EndedAt = fromTime(endedAt)
	s.CreatedAt = fromTime(createdAt)
	s.UpdatedAt = fromTime(updatedAt)
	return &s, nil
}

func (r *repo) CreateScan(ctx context.Context, scan *scanning.Scan) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_scan",
		attrs(
			attribute.String("scan_id", scan.ID.String()),
			attribute.String("audit_id", scan.AuditID.String()),
		),
		func(ctx context.Context) error {
			now := pgTime(r.clock.Now())
			_, err := r.q.Exec(ctx, `
				INSERT INTO scan (id, audit_id, name, description, target, module, mode,
					scheduled_at, max_duration, rrule, task_id, started_at, ended_at, error_reason,
					created_by, updated_by, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)`,
				pgUUID(scan.ID), pgUUID(scan.AuditID), scan.Name, scan.Description, scan.Target,
				scan.Module, string(scan.Mode), pgTime(scan.ScheduledAt), int32(scan.MaxDuration),
				scan.RRule, pgUUID(scan.TaskID), pgTime(scan.StartedAt), pgTime(scan.EndedAt),
				scan.ErrorReason, scan.CreatedBy, scan.UpdatedBy, now,
			)
			if isForeignKeyViolation(err) {
				return scanning.ErrAuditNotFound
			}
			if err != nil {
				return wrap("inserting scan", err)
			}
			return nil
		})
}

func (r *repo) GetScan(ctx context.Context, scanID uuid.UUID) (*scanning.Scan, error) {
	var scan *scanning.Scan
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_scan",
		attrs(attribute.String("scan_id", scanID.String())),
		func(ctx context.Context) error {
			var err error
			scan, err = scanScan(r.q.QueryRow(ctx, `SELECT `+scanColumns+` FROM scan WHERE id = $1`, pgUUID(scanID)))
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrScanNotFound
			}
			if err != nil {
				return wrap("loading scan", err)
			}
			return nil
		})
	return scan, err
}

func (r *repo) CountScans(ctx context.Context, auditID uuid.UUID) (int, error) {
	var n int64
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.count_scans",
		attrs(attribute.String("audit_id", auditID.String())),
		func(ctx context.Context) error {
			if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM scan WHERE audit_id = $1`, pgUUID(auditID)).Scan(&n); err != nil {
				return wrap("counting scans", err)
			}
			return nil
		})
	return int(n), err
}

func (r *repo) DeleteScan(ctx context.Context, scanID uuid.UUID) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_scan",
		attrs(attribute.String("scan_id", scanID.String())),
		func(ctx context.Context) error {
			tag, err := r.q.Exec(ctx, `DELETE FROM scan WHERE id = $1`, pgUUID(scanID))
			if err != nil {
				return wrap("deleting scan", err)
			}
			return mustAffect(tag, scanning.ErrScanNotFound)
		})
}

func (r *repo) UpdateScan(ctx context.Context, scan *scanning.Scan) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_scan",
		attrs(attribute.String("scan_id", scan.ID.String())),
		func(ctx context.Context) error {
			tag, err := r.q.Exec(ctx, `
				UPDATE scan
				SET scheduled_at = $2, max_duration = $3, rrule = $4, task_id = $5,
					started_at = $6, ended_at = $7, error_reason = $8, updated_by = $9, updated_at = $10
				WHERE id = $1`,
				pgUUID(scan.ID), pgTime(scan.ScheduledAt), int32(scan.MaxDuration), scan.RRule,
				pgUUID(scan.TaskID), pgTime(scan.StartedAt), pgTime(scan.EndedAt), scan.ErrorReason,
				scan.UpdatedBy, pgTime(r.clock.Now()),
			)
			if err != nil {
				return wrap("updating scan", err)
			}
			return mustAffect(tag, scanning.ErrScanNotFound)
		})
}

func (r *repo) listScans(ctx context.Context, span, where string, args ...any) ([]*scanning.Scan, error) {
	var out []*scanning.Scan
	err := storage.ExecuteAndTrace(ctx, r.tracer, span, defaultDBAttributes, func(ctx context.Context) error {
		rows, err := r.q.Query(ctx, `SELECT `+scanColumns+` FROM scan WHERE `+where+` ORDER BY scheduled_at, id`, args...)
		if err != nil {
			return wrap("listing scans", err)
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanScan(rows)
			if err != nil {
				return wrap("scanning scan row", err)
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	return out, err
}

func (r *repo) ListRecurringUnscheduledScans(ctx context.Context) ([]*scanning.Scan, error) {
	return r.listScans(ctx, "postgres.list_recurring_scans", `scheduled_at IS NULL AND rrule <> ''`)
}

func (r *repo) ListDueScans(ctx context.Context, now time.Time) ([]*scanning.Scan, error) {
	return r.listScans(ctx, "postgres.list_due_scans",
		`scheduled_at IS NOT NULL AND scheduled_at <= $1 AND task_id IS NULL`, pgTime(now))
}

// execScan runs a single-row UPDATE against scan and maps a miss to ErrScanNotFound.
func (r *repo) execScan(ctx context.Context, span string, scanID uuid.UUID, sql string, args ...any) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, span,
		attrs(attribute.String("scan_id", scanID.String())),
		func(ctx context.Context) error {
			tag, err := r.q.Exec(ctx, sql, append([]any{pgUUID(scanID), pgTime(r.clock.Now())}, args...)...)
			if err != nil {
				return wrap(span, err)
			}
			return mustAffect(tag, scanning.ErrScanNotFound)
		})
}

// execScanByTask updates whichever scan links to taskID; none is not an error.
func (r *repo) execScanByTask(ctx context.Context, span string, taskID uuid.UUID, sql string, args ...any) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, span,
		attrs(attribute.String("task_id", taskID.String())),
		func(ctx context.Context) error {
			if _, err := r.q.Exec(ctx, sql, append([]any{pgUUID(taskID), pgTime(r.clock.Now())}, args...)...); err != nil {
				return wrap(span, err)
			}
			return nil
		})
}

func (r *repo) SetScanSchedule(ctx context.Context, scanID uuid.UUID, scheduledAt time.Time) error {
	return r.execScan(ctx, "postgres.set_scan_schedule", scanID,
		`UPDATE scan SET scheduled_at = $3, updated_at = $2 WHERE id = $1`, pgTime(scheduledAt))
}

func (r *repo) LinkScanTask(ctx context.Context, scanID, taskID uuid.UUID) error {
	return r.execScan(ctx, "postgres.link_scan_task", scanID,
		`UPDATE scan SET task_id = $3, updated_at = $2 WHERE id = $1`, pgUUID(taskID))
}

func (r *repo) ResetScan(ctx context.Context, scanID uuid.UUID, reason string) error {
	return r.execScan(ctx, "postgres.reset_scan", scanID,
		`UPDATE scan SET scheduled_at = NULL, task_id = NULL, error_reason = $3, updated_at = $2 WHERE id = $1`, reason)
}

func (r *repo) ResetScanByTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	return r.execScanByTask(ctx, "postgres.reset_scan_by_task", taskID,
		`UPDATE scan SET scheduled_at = NULL, task_id = NULL, error_reason = $3, updated_at = $2 WHERE task_id = $1`, reason)
}

func (r *repo) MarkScanStartedByTask(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	return r.execScanByTask(ctx, "postgres.mark_scan_started", taskID,
		`UPDATE scan SET started_at = $3, updated_at = $2 WHERE task_id = $1`, pgTime(at))
}

func (r *repo) MarkScanEnded(ctx context.Context, scanID uuid.UUID, at time.Time) error {
	return r.execScan(ctx, "postgres.mark_scan_ended", scanID,
		`UPDATE scan SET ended_at = $3, updated_at = $2 WHERE id = $1`, pgTime(at))
}
