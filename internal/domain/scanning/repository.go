package scanning

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueuedTask is a task paired with whether its scan still points at it.
// ScanExists is false once the user cancelled or rescheduled the scan.
type QueuedTask struct {
	Task       *Task
	ScanExists bool
}

// Repository lists the persistence operations the orchestration core needs.
type Repository interface {
	// ListQueuedTasks returns the tasks in progress, oldest update first,
	// left-joined against the scans linking to them.
	ListQueuedTasks(ctx context.Context, progress Progress) ([]QueuedTask, error)
	// TaskExistsForTarget reports whether any live task targets target.
	TaskExistsForTarget(ctx context.Context, target string) (bool, error)
	// CreateTask inserts task. A live task on the same target yields ErrTargetBusy.
	CreateTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, taskID uuid.UUID) error

	CreateScan(ctx context.Context, scan *Scan) error
	GetScan(ctx context.Context, scanID uuid.UUID) (*Scan, error)
	CountScans(ctx context.Context, auditID uuid.UUID) (int, error)
	// DeleteScan removes a scan and its results. A task still linked to it
	// is left in place as an orphan.
	DeleteScan(ctx context.Context, scanID uuid.UUID) error
	// UpdateScan persists a scan's schedule and outcome fields.
	UpdateScan(ctx context.Context, scan *Scan) error
	// ListRecurringUnscheduledScans returns scans with a rule and no scheduled time.
	ListRecurringUnscheduledScans(ctx context.Context) ([]*Scan, error)
	// ListDueScans returns scans scheduled at or before now with no task.
	ListDueScans(ctx context.Context, now time.Time) ([]*Scan, error)
	SetScanSchedule(ctx context.Context, scanID uuid.UUID, scheduledAt time.Time) error
	LinkScanTask(ctx context.Context, scanID, taskID uuid.UUID) error
	// ResetScan clears scheduled_at and task_uuid and records reason.
	ResetScan(ctx context.Context, scanID uuid.UUID, reason string) error
	// ResetScanByTask is ResetScan addressed through the scan's task link.
	ResetScanByTask(ctx context.Context, taskID uuid.UUID, reason string) error
	MarkScanStartedByTask(ctx context.Context, taskID uuid.UUID, at time.Time) error
	MarkScanEnded(ctx context.Context, scanID uuid.UUID, at time.Time) error

	// ReplaceResults deletes every result of scanID and inserts results.
	ReplaceResults(ctx context.Context, scanID uuid.UUID, results []Result) error
	ListResults(ctx context.Context, scanID uuid.UUID) ([]Result, error)

	CreateAudit(ctx context.Context, audit *Audit) error
	GetAudit(ctx context.Context, auditID uuid.UUID) (*Audit, error)
	UpsertIntegration(ctx context.Context, integration Integration) error
	ListIntegrations(ctx context.Context, auditID uuid.UUID) ([]Integration, error)
	DeleteIntegration(ctx context.Context, auditID uuid.UUID, service string) error
}

// Store is a Repository that can run a unit of work atomically.
type Store interface {
	Repository
	// RunInTx runs fn against a transactional view of the store. fn's
	// changes are committed when it returns nil and discarded otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
