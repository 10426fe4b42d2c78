package detectors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/detectors/pod"
)

// NiktoSpec is the Nikto web server scanner built from master.
func NiktoSpec() pod.Spec {
	return pod.Spec{
		Meta: scanning.Metadata{
			Module:         "nikto",
			Name:           "Nikto",
			Version:        "master",
			SupportedModes: []scanning.Mode{scanning.ModeSafe},
			TargetType:     scanning.TargetURL,
			Stage:          scanning.StageAlpha,
			Description:    "Web server scanner",
		},
		Image:  "docker.io/securecodebox/nikto:master",
		Prefix: "nikto",
		RunCommand: func(target string) string {
			return fmt.Sprintf("nohup nikto-master/program/nikto.pl -h %s -o /tmp/result.json > /dev/null 2> /tmp/error.txt &", shellQuote(target))
		},
		StatusCommand:  "ps x | grep nikto | grep -v grep | wc -c",
		ResultsCommand: "cat /tmp/result.json",
		ErrorCommand:   "cat /tmp/error.txt",
		Parse:          ParseNikto,
	}
}

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = looseString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

type niktoReport struct {
	Host            string      `json:"host"`
	IP              string      `json:"ip"`
	Port            looseString `json:"port"`
	Vulnerabilities []struct {
		ID     looseString `json:"id"`
		Method string      `json:"method"`
		URL    string      `json:"url"`
		Msg    string      `json:"msg"`
	} `json:"vulnerabilities"`
}

// ParseNikto converts each reported vulnerability into an informational finding.
func ParseNikto(report []byte, _ time.Time) ([]scanning.Finding, error) {
	var r niktoReport
	if err := json.Unmarshal(report, &r); err != nil {
		return nil, fmt.Errorf("parsing nikto report: %w", err)
	}

	host := fmt.Sprintf("%s (%s)", r.Host, r.IP)
	findings := make([]scanning.Finding, 0, len(r.Vulnerabilities))
	for _, v := range r.Vulnerabilities {
		findings = append(findings, scanning.Finding{
			Host:        host,
			Port:        string(r.Port),
			Name:        fmt.Sprintf("%s (%s %s)", v.ID, v.Method, v.URL),
			Description: strings.TrimSpace(v.Msg),
			Severity:    scanning.SeverityInfo,
		})
	}
	return findings, nil
}
