package scanning

import (
	"time"

	"github.com/google/uuid"
)

// Task is the execution record of one in-flight scan attempt. A Task row
// exists only while the attempt is live; it is deleted when the attempt
// finishes, successfully or not.
type Task struct {
	ID      uuid.UUID
	ScanID  uuid.UUID
	AuditID uuid.UUID
	Target  string

	ScheduledAt time.Time
	MaxDuration int

	Module   string
	Mode     Mode
	Progress Progress
	Session  Session

	StartedAt time.Time
	EndedAt   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPendingTask snapshots the scan's schedule and detection settings into a
// new PENDING task owning session.
func NewPendingTask(scan *Scan, target string, session Session, now time.Time) *Task {
	return &Task{
		ID:          uuid.New(),
		ScanID:      scan.ID,
		AuditID:     scan.AuditID,
		Target:      target,
		ScheduledAt: scan.ScheduledAt,
		MaxDuration: scan.MaxDuration,
		Module:      scan.Module,
		Mode:        scan.Mode,
		Progress:    ProgressPending,
		Session:     session,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// WindowElapsed reports whether now lies past the task's scheduling window.
// Tasks without a schedule snapshot have no window.
func (t *Task) WindowElapsed(now time.Time) bool {
	if t.ScheduledAt.IsZero() {
		return false
	}
	return now.After(windowEnd(t.ScheduledAt, t.MaxDuration))
}

// MarkRunning records that the detector has begun scanning.
func (t *Task) MarkRunning(session Session, now time.Time) {
	t.Session = session
	t.Progress = ProgressRunning
	t.StartedAt = now
	t.UpdatedAt = now
}

// MarkStopped records that the detector finished scanning.
func (t *Task) MarkStopped(now time.Time) {
	t.Progress = ProgressStopped
	t.EndedAt = now
	t.UpdatedAt = now
}
