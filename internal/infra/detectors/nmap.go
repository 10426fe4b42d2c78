package detectors

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/detectors/pod"
)

// Ports whose exposure alone does not raise the open-ports finding.
var nmapSafePorts = map[uint16]bool{80: true, 443: true}

// nmapScriptSeverity rates NSE script findings by script id. Unlisted
// scripts are informational; ssl-cert is rated from its output.
var nmapScriptSeverity = map[string]scanning.Severity{
	"dns-recursion":      scanning.SeverityLow,
	"ftp-anon":           scanning.SeverityLow,
	"ftp-bounce":         scanning.SeverityLow,
	"http-git":           scanning.SeverityMedium,
	"http-methods":       scanning.SeverityLow,
	"http-open-proxy":    scanning.SeverityLow,
	"http-webdav-scan":   scanning.SeverityHigh,
	"sip-methods":        scanning.SeverityLow,
	"smb-os-discovery":   scanning.SeverityMedium,
	"smb2-security-mode": scanning.SeverityMedium,
	"socks-open-proxy":   scanning.SeverityMedium,
	"sshv1":              scanning.SeverityLow,
	"ssl-known-key":      scanning.SeverityMedium,
	"sslv2":              scanning.SeverityLow,
	"upnp-info":          scanning.SeverityLow,
	"vnc-info":           scanning.SeverityMedium,
	"x11-access":         scanning.SeverityMedium,
	"xmpp-info":          scanning.SeverityMedium,
}

// NmapSpec is Nmap 7.80 running safe NSE scripts with service and OS detection.
func NmapSpec() pod.Spec {
	return pod.Spec{
		Meta: scanning.Metadata{
			Module:         "nmap",
			Name:           "Nmap",
			Version:        "7.80",
			SupportedModes: []scanning.Mode{scanning.ModeSafe},
			TargetType:     scanning.TargetHost,
			Stage:          scanning.StageBeta,
			Description:    "Network security scanner",
		},
		Image:  "docker.io/instrumentisto/nmap:7.80",
		Prefix: "nmap",
		RunCommand: func(target string) string {
			return fmt.Sprintf("nohup nmap -Pn -sC -sV -O -oX out.xml %s > /dev/null 2>&1 &", shellQuote(target))
		},
		StatusCommand:  "ps x | grep nmap | grep -v grep | wc -c",
		ResultsCommand: "cat out.xml",
		Parse:          ParseNmap,
	}
}

// ParseNmap converts the first host of an nmap XML report into findings:
// hostnames, OS guesses, open ports, then one finding per script result.
func ParseNmap(report []byte, now time.Time) ([]scanning.Finding, error) {
	run := &nmap.Run{}
	if err := nmap.Parse(report, run); err != nil {
		return nil, fmt.Errorf("parsing nmap report: %w", err)
	}
	if len(run.Hosts) == 0 {
		return nil, fmt.Errorf("nmap report contains no hosts")
	}

	host := run.Hosts[0]
	var address string
	if len(host.Addresses) > 0 {
		address = host.Addresses[0].Addr
	}
	if host.Status.State != "up" {
		return nil, fmt.Errorf("Host '%s' is not running, status=%s", address, host.Status.State)
	}

	var hostnames []string
	for _, h := range host.Hostnames {
		hostnames = append(hostnames, fmt.Sprintf("%s (%s)", h.Name, h.Type))
	}

	var oses []string
	for _, m := range host.OS.Matches {
		oses = append(oses, fmt.Sprintf("%s (%v%%)", m.Name, m.Accuracy))
	}

	findings := []scanning.Finding{
		{Host: address, Name: "Hostnames", Description: strings.Join(hostnames, "\n"), Severity: scanning.SeverityInfo},
		{Host: address, Name: "OS Detection", Description: strings.Join(oses, "\n"), Severity: scanning.SeverityInfo},
	}

	var (
		openPorts    []string
		portSeverity = scanning.SeverityInfo
		scripts      []scanning.Finding
	)
	for _, p := range host.Ports {
		if !strings.Contains(p.State.State, "open") {
			continue
		}
		if !nmapSafePorts[p.ID] {
			portSeverity = scanning.SeverityMedium
		}

		port := p.Protocol + ":" + strconv.Itoa(int(p.ID))
		line := port
		if svc := nmapService(p.Service); svc != "" {
			line += " (" + svc + ")"
		}
		openPorts = append(openPorts, line)

		for _, s := range p.Scripts {
			scripts = append(scripts, scanning.Finding{
				Host:        address,
				Port:        port,
				Name:        fmt.Sprintf("%s (%s)", s.ID, port),
				Description: s.Output,
				Severity:    nmapSeverity(s.ID, s.Output, now),
			})
		}
	}

	findings = append(findings, scanning.Finding{
		Host:        address,
		Name:        "Open Ports",
		Description: strings.Join(openPorts, "\n"),
		Severity:    portSeverity,
	})
	return append(findings, scripts...), nil
}

func nmapService(s nmap.Service) string {
	if s.Product != "" {
		return strings.TrimSpace(s.Product + " " + s.Version)
	}
	return s.Name
}

var sslNotValidAfter = regexp.MustCompile(`Not valid after: *([0-9-T:]+)`)

func nmapSeverity(scriptID, output string, now time.Time) scanning.Severity {
	if scriptID == "ssl-cert" {
		return sslCertSeverity(output, now)
	}
	if sev, ok := nmapScriptSeverity[scriptID]; ok {
		return sev
	}
	return scanning.SeverityInfo
}

// sslCertSeverity is Medium for certificates that expired more than 30 days
// before now.
func sslCertSeverity(output string, now time.Time) scanning.Severity {
	m := sslNotValidAfter.FindStringSubmatch(output)
	if m == nil {
		return scanning.SeverityInfo
	}
	expiredAt, err := time.Parse("2006-01-02T15:04:05", m[1])
	if err != nil {
		return scanning.SeverityInfo
	}
	if now.After(expiredAt.Add(30 * 24 * time.Hour)) {
		return scanning.SeverityMedium
	}
	return scanning.SeverityInfo
}
