package scanning

import (
	"time"

	"github.com/google/uuid"
)

// Audit groups related scans and the notification integrations that
// subscribe to them.
type Audit struct {
	ID          uuid.UUID
	Name        string
	Description string
	Owner       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Integration subscribes an audit to lifecycle notifications delivered by
// the integrator registered under Service. URL is service specific: a
// webhook for chat services, a topic for brokers.
type Integration struct {
	AuditID uuid.UUID
	Service string
	URL     string
	Verbose bool
}
