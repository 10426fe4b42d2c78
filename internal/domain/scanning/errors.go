package scanning

import "errors"

// Task cancellation reasons. Their messages are persisted verbatim as a
// Scan's error_reason.
var (
	ErrScanCancelled   = errors.New("scan has been cancelled/rescheduled by user")
	ErrScheduleElapsed = errors.New("scheduled period has elapsed")
	ErrPendingTooLong  = errors.New("detector stayed pending for a long time")
	ErrRunningTooLong  = errors.New("detector was running for a long time")
)

var (
	// ErrDetectorNotLoadable is returned when a module name has no registered detector.
	ErrDetectorNotLoadable = errors.New("detector could not be loaded")
	// ErrUnsupportedMode is returned when a detector does not support the requested mode.
	ErrUnsupportedMode = errors.New("detection mode is not supported by the detector")
	// ErrTargetBusy signals that a live task already exists for the target.
	ErrTargetBusy = errors.New("a task is already in flight for the target")
	// ErrProgressUnknown is returned when a stored progress value is not recognized.
	ErrProgressUnknown = errors.New("task progress unknown")
	// ErrInvalidSession is returned when a stored session cannot be decoded.
	ErrInvalidSession = errors.New("invalid detector session")

	ErrScanNotFound         = errors.New("scan not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrAuditNotFound        = errors.New("audit not found")
	ErrMaxScansExceeded     = errors.New("Max scan count exceeded")
	ErrScanAlreadyScheduled = errors.New("Scan is already scheduled")
	ErrScanNotScheduled     = errors.New("Scan is not scheduled")

	ErrIntegrationNotFound = errors.New("integration not found")
	// ErrIntegrationUnsupported is returned for a service with no integrator.
	ErrIntegrationUnsupported = errors.New("Integration service is not supported")
	// ErrIntegrationAddress is returned when an integration's URL is not
	// valid for its service.
	ErrIntegrationAddress = errors.New("Integration address is not valid")
)
