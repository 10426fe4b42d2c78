package scanning

import "context"

// NotificationKind classifies lifecycle notifications.
type NotificationKind string

const (
	NotifyStart  NotificationKind = "START"
	NotifyError  NotificationKind = "ERROR"
	NotifyResult NotificationKind = "RESULT"
)

// Notification carries the context integrators render. Scan may be nil when
// the scan row no longer exists.
type Notification struct {
	Kind    NotificationKind
	Scan    *Scan
	Task    *Task
	Results []Result
}

// Notifier dispatches lifecycle notifications. Delivery is best effort:
// implementations log failures instead of returning them.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}
