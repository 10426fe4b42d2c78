package detectors

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/detectors/pod"
)

// WPScanSpec is the latest WPScan enumerating plugins, themes, timthumbs,
// config backups and database exports.
func WPScanSpec() pod.Spec {
	return pod.Spec{
		Meta: scanning.Metadata{
			Module:         "wpscan",
			Name:           "WPScan",
			Version:        "latest",
			SupportedModes: []scanning.Mode{scanning.ModeSafe},
			TargetType:     scanning.TargetURL,
			Stage:          scanning.StageBeta,
			Description:    "WordPress security scanner",
		},
		Image:  "docker.io/wpscanteam/wpscan:latest",
		Prefix: "wpscan",
		RunCommand: func(target string) string {
			return fmt.Sprintf("nohup wpscan --url %s --update --disable-tls-checks --rua -t 200 -e ap,at,tt,cb,dbe -f json -o /wpscan/out.json > /dev/null 2>&1 &", shellQuote(target))
		},
		StatusCommand:  "ps x | grep wpscan | grep -v grep | wc -c",
		ResultsCommand: "cat /wpscan/out.json",
		Parse:          ParseWPScan,
	}
}

type wpComponent struct {
	Slug          string `json:"slug"`
	Location      string `json:"location"`
	LatestVersion string `json:"latest_version"`
	LastUpdated   string `json:"last_updated"`
	Outdated      bool   `json:"outdated"`
	Version       *struct {
		Number string `json:"number"`
	} `json:"version"`
}

type wpReport struct {
	ScanAborted         string `json:"scan_aborted"`
	EffectiveURL        string `json:"effective_url"`
	InterestingFindings []struct {
		URL                string          `json:"url"`
		Type               string          `json:"type"`
		ToS                string          `json:"to_s"`
		References         json.RawMessage `json:"references"`
		InterestingEntries []string        `json:"interesting_entries"`
	} `json:"interesting_findings"`
	Version *struct {
		Number      string `json:"number"`
		Status      string `json:"status"`
		ReleaseDate string `json:"release_date"`
	} `json:"version"`
	Plugins       map[string]wpComponent `json:"plugins"`
	Themes        map[string]wpComponent `json:"themes"`
	ConfigBackups json.RawMessage        `json:"config_backups"`
	DBExports     json.RawMessage        `json:"db_exports"`
}

// ParseWPScan converts a WPScan JSON report into findings.
func ParseWPScan(report []byte, _ time.Time) ([]scanning.Finding, error) {
	var r wpReport
	if err := json.Unmarshal(report, &r); err != nil {
		return nil, fmt.Errorf("parsing wpscan report: %w", err)
	}
	if r.ScanAborted != "" {
		return nil, errors.New(r.ScanAborted)
	}

	var findings []scanning.Finding
	for _, f := range r.InterestingFindings {
		severity := scanning.SeverityInfo
		if len(entries(f.References)) > 0 {
			severity = scanning.SeverityMedium
		}
		desc := f.ToS
		if len(f.InterestingEntries) > 0 {
			desc += ", " + strings.Join(f.InterestingEntries, ", ")
		}
		findings = append(findings, scanning.Finding{Host: f.URL, Name: f.Type, Description: desc, Severity: severity})
	}

	if v := r.Version; v != nil && (v.Number != "" || v.Status != "") {
		severity := scanning.SeverityInfo
		if v.Status == "insecure" {
			severity = scanning.SeverityMedium
		}
		findings = append(findings, scanning.Finding{
			Host:        r.EffectiveURL,
			Name:        fmt.Sprintf("WordPress version (%s)", v.Status),
			Description: fmt.Sprintf("%s (Released at %s)", v.Number, v.ReleaseDate),
			Severity:    severity,
		})
	}

	findings = append(findings, wpComponents("plugin", r.Plugins)...)
	findings = append(findings, wpComponents("theme", r.Themes)...)

	for _, u := range entries(r.ConfigBackups) {
		findings = append(findings, scanning.Finding{Host: u, Name: "Config backups", Description: u, Severity: scanning.SeverityMedium})
	}
	for _, u := range entries(r.DBExports) {
		findings = append(findings, scanning.Finding{Host: u, Name: "Database exports", Description: u, Severity: scanning.SeverityHigh})
	}
	return findings, nil
}

func wpComponents(kind string, components map[string]wpComponent) []scanning.Finding {
	keys := make([]string, 0, len(components))
	for k := range components {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]scanning.Finding, 0, len(keys))
	for _, k := range keys {
		c := components[k]
		var number string
		if c.Version != nil {
			number = c.Version.Number
		}

		name := strings.ToUpper(kind[:1]) + kind[1:]
		severity := scanning.SeverityInfo
		desc := strings.TrimSpace(c.Slug + " " + number)
		if c.Outdated {
			name = "Outdated " + kind
			severity = scanning.SeverityLow
			desc += fmt.Sprintf(" (Latest version is %s, released at %s)", c.LatestVersion, c.LastUpdated)
		}
		out = append(out, scanning.Finding{Host: c.Location, Name: name, Description: desc, Severity: severity})
	}
	return out
}

// entries lists the keys of a JSON object, in order, or the string items
// of a JSON array. Anything else is empty.
func entries(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		var s string
		if json.Unmarshal(item, &s) == nil {
			out = append(out, s)
		} else {
			out = append(out, string(item))
		}
	}
	return out
}
