package scanning

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scan is a scan definition together with the outcome of its latest
// attempt. TaskID is uuid.Nil unless an attempt is in flight.
type Scan struct {
	ID          uuid.UUID
	AuditID     uuid.UUID
	Name        string
	Description string
	Target      string
	Module      string
	Mode        Mode

	ScheduledAt time.Time
	// MaxDuration is the size of the scheduling window in hours.
	MaxDuration int
	RRule       string

	TaskID      uuid.UUID
	StartedAt   time.Time
	EndedAt     time.Time
	ErrorReason string

	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewScanID derives a scan id whose upper 96 bits are the audit id and whose
// lower 32 bits are random, so a scan id alone identifies its audit.
func NewScanID(auditID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	copy(id[:12], auditID[:12])
	if _, err := rand.Read(id[12:]); err != nil {
		return uuid.Nil, fmt.Errorf("generating scan id: %w", err)
	}
	return id, nil
}

// AuditPrefixMatches reports whether the scan id was derived from auditID.
func (s *Scan) AuditPrefixMatches(auditID uuid.UUID) bool {
	return [12]byte(s.ID[:12]) == [12]byte(auditID[:12])
}

// IsScheduled reports whether the scan has a pending schedule.
func (s *Scan) IsScheduled() bool { return !s.ScheduledAt.IsZero() }

// HasTask reports whether an attempt is in flight.
func (s *Scan) HasTask() bool { return s.TaskID != uuid.Nil }

// WindowEnd is the last instant at which the scheduled attempt may still run.
func (s *Scan) WindowEnd() time.Time {
	return windowEnd(s.ScheduledAt, s.MaxDuration)
}

// ClearSchedule drops the schedule and any attempt state, leaving the
// definition untouched.
func (s *Scan) ClearSchedule() {
	s.ScheduledAt = time.Time{}
	s.MaxDuration = 0
	s.RRule = ""
	s.TaskID = uuid.Nil
	s.StartedAt = time.Time{}
	s.EndedAt = time.Time{}
}

func windowEnd(scheduledAt time.Time, maxDurationHours int) time.Time {
	return scheduledAt.Add(time.Duration(maxDurationHours) * time.Hour)
}
