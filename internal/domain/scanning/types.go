package scanning

import "fmt"

// Progress is the stage a Task currently occupies. Each stage's queue
// processor polls only Tasks carrying its own value.
type Progress string

const (
	ProgressPending Progress = "PENDING"
	ProgressRunning Progress = "RUNNING"
	ProgressStopped Progress = "STOPPED"
)

// ParseProgress converts a stored value back into a Progress.
func ParseProgress(s string) (Progress, error) {
	switch p := Progress(s); p {
	case ProgressPending, ProgressRunning, ProgressStopped:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrProgressUnknown, s)
}

// Mode controls how intrusive a detector is allowed to be.
type Mode string

const (
	ModeSafe   Mode = "Safe"
	ModeUnsafe Mode = "Unsafe"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityHigh   Severity = "High"
	SeverityMedium Severity = "Medium"
	SeverityLow    Severity = "Low"
	SeverityInfo   Severity = "Info"
)

// Severities lists every severity from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// TargetType is the kind of target a detector accepts.
type TargetType string

const (
	TargetHost TargetType = "HOST"
	TargetURL  TargetType = "URL"
)

// ReleaseStage communicates a detector's maturity to operators.
type ReleaseStage string

const (
	StageAlpha      ReleaseStage = "Alpha"
	StageBeta       ReleaseStage = "Beta"
	StageStable     ReleaseStage = "Stable"
	StageDeprecated ReleaseStage = "Deprecated"
)
