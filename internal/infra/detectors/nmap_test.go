package detectors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

var collectedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const nmapReport = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" args="nmap -Pn -sC -sV -O -oX out.xml example.com" version="7.80" xmloutputversion="1.04">
<host>
<status state="up" reason="user-set" reason_ttl="0"/>
<address addr="93.184.216.34" addrtype="ipv4"/>
<hostnames>
<hostname name="example.com" type="user"/>
<hostname name="example.com" type="PTR"/>
</hostnames>
<ports>
<port protocol="tcp" portid="22"><state state="open" reason="syn-ack" reason_ttl="0"/><service name="ssh" product="OpenSSH" version="8.2p1" method="probed" conf="10"/><script id="ssh-hostkey" output="2048 aa:bb:cc (RSA)"/></port>
<port protocol="tcp" portid="25"><state state="closed" reason="reset" reason_ttl="0"/><service name="smtp" method="table" conf="3"/></port>
<port protocol="tcp" portid="443"><state state="open" reason="syn-ack" reason_ttl="0"/><service name="https" method="table" conf="3"/><script id="ssl-cert" output="Subject: commonName=example.com&#xa;Not valid before: 2023-01-01T00:00:00&#xa;Not valid after:  2024-03-01T23:59:59"/><script id="http-methods" output="Supported Methods: GET HEAD POST OPTIONS"/></port>
</ports>
<os>
<osmatch name="Linux 5.4" accuracy="95" line="1"/>
<osmatch name="Linux 4.15" accuracy="90" line="2"/>
</os>
</host>
</nmaprun>`

func TestParseNmap(t *testing.T) {
	findings, err := ParseNmap([]byte(nmapReport), collectedAt)
	require.NoError(t, err)

	want := []scanning.Finding{
		{Host: "93.184.216.34", Name: "Hostnames", Description: "example.com (user)\nexample.com (PTR)", Severity: scanning.SeverityInfo},
		{Host: "93.184.216.34", Name: "OS Detection", Description: "Linux 5.4 (95%)\nLinux 4.15 (90%)", Severity: scanning.SeverityInfo},
		{Host: "93.184.216.34", Name: "Open Ports", Description: "tcp:22 (OpenSSH 8.2p1)\ntcp:443 (https)", Severity: scanning.SeverityMedium},
		{Host: "93.184.216.34", Port: "tcp:22", Name: "ssh-hostkey (tcp:22)", Description: "2048 aa:bb:cc (RSA)", Severity: scanning.SeverityInfo},
		{
			Host:        "93.184.216.34",
			Port:        "tcp:443",
			Name:        "ssl-cert (tcp:443)",
			Description: "Subject: commonName=example.com\nNot valid before: 2023-01-01T00:00:00\nNot valid after:  2024-03-01T23:59:59",
			Severity:    scanning.SeverityMedium,
		},
		{Host: "93.184.216.34", Port: "tcp:443", Name: "http-methods (tcp:443)", Description: "Supported Methods: GET HEAD POST OPTIONS", Severity: scanning.SeverityLow},
	}
	assert.Equal(t, want, findings)
}

func TestParseNmap_SafePortsOnly(t *testing.T) {
	report := `<nmaprun><host><status state="up"/><address addr="93.184.216.34" addrtype="ipv4"/>
<ports>
<port protocol="tcp" portid="80"><state state="open"/><service name="http" product="nginx"/></port>
<port protocol="tcp" portid="443"><state state="open|filtered"/></port>
</ports></host></nmaprun>`

	findings, err := ParseNmap([]byte(report), collectedAt)
	require.NoError(t, err)
	require.Len(t, findings, 3)
	assert.Equal(t, "Open Ports", findings[2].Name)
	assert.Equal(t, "tcp:80 (nginx)\ntcp:443", findings[2].Description)
	assert.Equal(t, scanning.SeverityInfo, findings[2].Severity)
	assert.Empty(t, findings[0].Description)
}

func TestParseNmap_Failures(t *testing.T) {
	tests := []struct {
		name    string
		report  string
		wantErr string
	}{
		{
			name:    "host down",
			report:  `<nmaprun><host><status state="down" reason="no-response"/><address addr="10.0.0.1" addrtype="ipv4"/></host></nmaprun>`,
			wantErr: "Host '10.0.0.1' is not running, status=down",
		},
		{
			name:    "no hosts",
			report:  `<nmaprun></nmaprun>`,
			wantErr: "nmap report contains no hosts",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNmap([]byte(tt.report), collectedAt)
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}

	_, err := ParseNmap([]byte("not xml"), collectedAt)
	assert.Error(t, err)
}

func TestSSLCertSeverity(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   scanning.Severity
	}{
		{name: "valid", output: "Not valid after:  2025-01-01T00:00:00", want: scanning.SeverityInfo},
		{name: "expired within grace", output: "Not valid after: 2024-04-15T00:00:00", want: scanning.SeverityInfo},
		{name: "expired beyond grace", output: "Not valid after: 2024-03-01T00:00:00", want: scanning.SeverityMedium},
		{name: "no expiry line", output: "Subject: commonName=example.com", want: scanning.SeverityInfo},
		{name: "unparsable date", output: "Not valid after: 2024-13-45T00:00:00", want: scanning.SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sslCertSeverity(tt.output, collectedAt))
		})
	}
}

func TestNmapSeverity(t *testing.T) {
	assert.Equal(t, scanning.SeverityHigh, nmapSeverity("http-webdav-scan", "", collectedAt))
	assert.Equal(t, scanning.SeverityMedium, nmapSeverity("vnc-info", "", collectedAt))
	assert.Equal(t, scanning.SeverityInfo, nmapSeverity("banner", "", collectedAt))
}
