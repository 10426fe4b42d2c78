package scanning

import "github.com/google/uuid"

// Finding is one normalized record parsed from a detector's report.
type Finding struct {
	Host        string
	Port        string
	Name        string
	Description string
	Severity    Severity
}

// Result is a Finding attributed to the scan that produced it.
type Result struct {
	ScanID uuid.UUID
	Finding
}

// ResultsForScan tags each finding with scanID.
func ResultsForScan(scanID uuid.UUID, findings []Finding) []Result {
	results := make([]Result, 0, len(findings))
	for _, f := range findings {
		results = append(results, Result{ScanID: scanID, Finding: f})
	}
	return results
}

// CountBySeverity tallies results per severity.
func CountBySeverity(results []Result) map[Severity]int {
	counts := make(map[Severity]int, 4)
	for _, r := range results {
		counts[r.Severity]++
	}
	return counts
}
