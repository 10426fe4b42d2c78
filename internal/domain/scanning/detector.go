package scanning

import (
	"context"
	"slices"
)

// Detector drives the lifecycle of one external worker for one scan tool.
// An instance is bound to the session it was loaded with.
type Detector interface {
	// Create provisions a new worker and returns the session that addresses it.
	Create(ctx context.Context) (Session, error)
	// Run instructs the worker to start scanning target.
	Run(ctx context.Context, target string, mode Mode) (Session, error)
	// IsReady reports whether the worker can accept Run.
	IsReady(ctx context.Context) (bool, error)
	// IsRunning reports whether the scan is still executing.
	IsRunning(ctx context.Context) (bool, error)
	// Results parses the worker's report. A malformed, empty or aborted report
	// is an error.
	Results(ctx context.Context) ([]Finding, error)
	// Delete tears the worker down. It never fails; problems are logged.
	Delete(ctx context.Context)
}

// Metadata describes a detector variant.
type Metadata struct {
	Module         string       `json:"module"`
	Name           string       `json:"name"`
	Version        string       `json:"version"`
	SupportedModes []Mode       `json:"supported_mode"`
	TargetType     TargetType   `json:"target_type"`
	Stage          ReleaseStage `json:"stage"`
	Description    string       `json:"description"`
}

// Supports reports whether the variant can run in mode.
func (m Metadata) Supports(mode Mode) bool { return slices.Contains(m.SupportedModes, mode) }

// Label renders "<name> <version> (<stage>)".
func (m Metadata) Label() string { return m.Name + " " + m.Version + " (" + string(m.Stage) + ")" }

// DetectorLoader resolves module names to detector instances.
type DetectorLoader interface {
	// Load returns a detector for module bound to session. Unknown modules
	// yield ErrDetectorNotLoadable.
	Load(module string, session Session) (Detector, error)
	// Metadata returns the static description of module.
	Metadata(module string) (Metadata, error)
}
