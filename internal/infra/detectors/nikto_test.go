package detectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

func TestParseNikto(t *testing.T) {
	report := `{"host":"example.com","ip":"93.184.216.34","port":"80","banner":"ECS",
	"vulnerabilities":[
		{"id":"999986","OSVDB":"0","method":"GET","url":"/","msg":"Retrieved via header: 1.1 varnish"},
		{"id":999100,"OSVDB":"0","method":"GET","url":"/admin/","msg":"Admin login page found. "}
	]}`

	findings, err := ParseNikto([]byte(report), collectedAt)
	require.NoError(t, err)
	assert.Equal(t, []scanning.Finding{
		{Host: "example.com (93.184.216.34)", Port: "80", Name: "999986 (GET /)", Description: "Retrieved via header: 1.1 varnish", Severity: scanning.SeverityInfo},
		{Host: "example.com (93.184.216.34)", Port: "80", Name: "999100 (GET /admin/)", Description: "Admin login page found.", Severity: scanning.SeverityInfo},
	}, findings)
}

func TestParseNikto_NumericPortAndNoFindings(t *testing.T) {
	findings, err := ParseNikto([]byte(`{"host":"example.com","ip":"93.184.216.34","port":443,"vulnerabilities":[]}`), collectedAt)
	require.NoError(t, err)
	assert.Empty(t, findings)

	_, err = ParseNikto([]byte(`{"host":`), collectedAt)
	assert.Error(t, err)
}
