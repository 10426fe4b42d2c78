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

const taskColumns = `t.id, t.scan_id, t.audit_id, t.target, t.scheduled_at, t.max_duration,
	t.module, t.mode, t.progress::text, t.session, t.started_at, t.ended_at,
	t.created_at, t.updated_at`

func scanTask(row pgx.Row, extra ...any) (*scanning.Task, error) {
	var (
		id, scanID, auditID           pgtype.UUID
		target, module, mode          string
		progress, session             string
		maxDuration                   int32
		scheduledAt, startedAt, ended pgtype.Timestamptz
		createdAt, updatedAt          pgtype.Timestamptz
	)
	dest := []any{
		&id, &scanID, &auditID, &target, &scheduledAt, &maxDuration,
		&module, &mode, &progress, &session, &startedAt, &ended,
		&createdAt, &updatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	p, err := scanning.ParseProgress(progress)
	if err != nil {
		return nil, err
	}
	sess, err := scanning.DecodeSession(session)
	if err != nil {
		return nil, err
	}

	return &scanning.Task{
		ID:          fromUUID(id),
		ScanID:      fromUUID(scanID),
		AuditID:     fromUUID(auditID),
		Target:      target,
		ScheduledAt: fromTime(scheduledAt),
		MaxDuration: int(maxDuration),
		Module:      module,
		Mode:        scanning.Mode(mode),
		Progress:    p,
		Session:     sess,
		StartedAt:   fromTime(startedAt),
		EndedAt:     fromTime(ended),
		CreatedAt:   fromTime(createdAt),
		UpdatedAt:   fromTime(updatedAt),
	}, nil
}

// ListQueuedTasks left-joins each task in progress against the scan that
// still links to it.
func (r *repo) ListQueuedTasks(ctx context.Context, progress scanning.Progress) ([]scanning.QueuedTask, error) {
	var out []scanning.QueuedTask
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_queued_tasks",
		attrs(attribute.String("progress", string(progress))),
		func(ctx context.Context) error {
			rows, err := r.q.Query(ctx, `
				SELECT `+taskColumns+`, s.id IS NOT NULL
				FROM task t
				LEFT JOIN scan s ON s.task_id = t.id
				WHERE t.progress = $1::task_progress
				ORDER BY t.updated_at, t.created_at, t.id`, string(progress))
			if err != nil {
				return wrap("listing queued tasks", err)
			}
			defer rows.Close()

			for rows.Next() {
				var exists bool
				task, err := scanTask(rows, &exists)
				if err != nil {
					return wrap("scanning task row", err)
				}
				out = append(out, scanning.QueuedTask{Task: task, ScanExists: exists})
			}
			return rows.Err()
		})
	return out, err
}

func (r *repo) TaskExistsForTarget(ctx context.Context, target string) (bool, error) {
	var exists bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.task_exists_for_target",
		attrs(attribute.String("target", target)),
		func(ctx context.Context) error {
			err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM task WHERE target = $1)`, target).Scan(&exists)
			if err != nil {
				return wrap("checking task target", err)
			}
			return nil
		})
	return exists, err
}

// CreateTask inserts task. A conflicting target leaves the transaction
// usable and reports ErrTargetBusy.
func (r *repo) CreateTask(ctx context.Context, task *scanning.Task) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_task",
		attrs(
			attribute.String("task_id", task.ID.String()),
			attribute.String("scan_id", task.ScanID.String()),
			attribute.String("target", task.Target),
		),
		func(ctx context.Context) error {
			session, err := task.Session.Encode()
			if err != nil {
				return err
			}
			tag, err := r.q.Exec(ctx, `
				INSERT INTO task (id, scan_id, audit_id, target, scheduled_at, max_duration,
					module, mode, progress, session, started_at, ended_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::task_progress, $10, $11, $12, $13, $14)
				ON CONFLICT (target) DO NOTHING`,
				pgUUID(task.ID), pgUUID(task.ScanID), pgUUID(task.AuditID), task.Target,
				pgTime(task.ScheduledAt), int32(task.MaxDuration),
				task.Module, string(task.Mode), string(task.Progress), session,
				pgTime(task.StartedAt), pgTime(task.EndedAt), pgTime(task.CreatedAt), pgTime(task.UpdatedAt),
			)
			if err != nil {
				return wrap("inserting task", err)
			}
			return mustAffect(tag, scanning.ErrTargetBusy)
		})
}

// UpdateTask persists the task's progress, session and timestamps and
// refreshes updated_at, moving the task to the back of its queue.
func (r *repo) UpdateTask(ctx context.Context, task *scanning.Task) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_task",
		attrs(
			attribute.String("task_id", task.ID.String()),
			attribute.String("progress", string(task.Progress)),
		),
		func(ctx context.Context) error {
			session, err := task.Session.Encode()
			if err != nil {
				return err
			}
			tag, err := r.q.Exec(ctx, `
				UPDATE task
				SET progress = $2::task_progress, session = $3, started_at = $4, ended_at = $5, updated_at = $6
				WHERE id = $1`,
				pgUUID(task.ID), string(task.Progress), session,
				pgTime(task.StartedAt), pgTime(task.EndedAt), pgTime(r.clock.Now()),
			)
			if err != nil {
				return wrap("updating task", err)
			}
			return mustAffect(tag, scanning.ErrTaskNotFound)
		})
}

func (r *repo) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_task",
		attrs(attribute.String("task_id", taskID.String())),
		func(ctx context.Context) error {
			if _, err := r.q.Exec(ctx, `DELETE FROM task WHERE id = $1`, pgUUID(taskID)); err != nil {
				return wrap("deleting task", err)
			}
			return nil
		})
}

// GetTask loads a single task.
func (r *repo) GetTask(ctx context.Context, taskID uuid.UUID) (*scanning.Task, error) {
	var task *scanning.Task
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_task",
		attrs(attribute.String("task_id", taskID.String())),
		func(ctx context.Context) error {
			var err error
			task, err = scanTask(r.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM task t WHERE t.id = $1`, pgUUID(taskID)))
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrTaskNotFound
			}
			return err
		})
	return task, err
}
