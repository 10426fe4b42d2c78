package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/internal/app/scans"
	"github.com/ahrav/scan-armada/internal/app/tasks"
	"github.com/ahrav/scan-armada/internal/app/validation"
	"github.com/ahrav/scan-armada/internal/config"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/logger"
)

type MockScanService struct{ mock.Mock }

func (m *MockScanService) CreateAudit(ctx context.Context, req scans.CreateAuditRequest) (*scanning.Audit, error) {
	args := m.Called(ctx, req)
	if a := args.Get(0); a != nil {
		return a.(*scanning.Audit), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScanService) GetAudit(ctx context.Context, auditID uuid.UUID) (*scans.AuditView, error) {
	args := m.Called(ctx, auditID)
	if v := args.Get(0); v != nil {
		return v.(*scans.AuditView), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScanService) UpsertIntegration(ctx context.Context, in scanning.Integration) (*scanning.Integration, error) {
	args := m.Called(ctx, in)
	if v := args.Get(0); v != nil {
		return v.(*scanning.Integration), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScanService) DeleteIntegration(ctx context.Context, auditID uuid.UUID, service string) error {
	return m.Called(ctx, auditID, service).Error(0)
}

func (m *MockScanService) CreateScan(ctx context.Context, req scans.CreateScanRequest) (*scanning.Scan, error) {
	args := m.Called(ctx, req)
	if sc := args.Get(0); sc != nil {
		return sc.(*scanning.Scan), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScanService) GetScan(ctx context.Context, scanID uuid.UUID) (*scanning.Scan, error) {
	args := m.Called(ctx, scanID)
	if sc := args.Get(0); sc != nil {
		return sc.(*scanning.Scan), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScanService) DeleteScan(ctx context.Context, scanID uuid.UUID, actor string) error {
	return m.Called(ctx, scanID, actor).Error(0)
}

func (m *MockScanService) ScheduleScan(ctx context.Context, req scans.ScheduleRequest) (*scanning.Scan, error) {
	args := m.Called(ctx, req)
	if sc := args.Get(0); sc != nil {
		return sc.(*scanning.Scan), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScanService) CancelSchedule(ctx context.Context, scanID uuid.UUID, actor string) (*scanning.Scan, error) {
	args := m.Called(ctx, scanID, actor)
	if sc := args.Get(0); sc != nil {
		return sc.(*scanning.Scan), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScanService) PromoteNow(ctx context.Context, scanID uuid.UUID, maxDuration int, actor string) (*scanning.Task, error) {
	args := m.Called(ctx, scanID, maxDuration, actor)
	if task := args.Get(0); task != nil {
		return task.(*scanning.Task), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockScanService) Results(ctx context.Context, scanID uuid.UUID) ([]scanning.Result, error) {
	args := m.Called(ctx, scanID)
	if res := args.Get(0); res != nil {
		return res.([]scanning.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

type stubDetectors []scanning.Metadata

func (d stubDetectors) List() []scanning.Metadata { return d }

type triggerMap map[string]*tasks.Trigger

func (m triggerMap) Trigger(name string) *tasks.Trigger { return m[name] }

var (
	auditID = uuid.MustParse("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0")
	scanID  = uuid.MustParse("0f1e2d3c-4b5a-6978-8796-a5b400000001")
)

func newTestServer(t *testing.T, svc *MockScanService, triggers triggerMap, ready func(context.Context) error) http.Handler {
	t.Helper()
	metrics, err := NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	return NewServer(config.Default().API, Deps{
		Scans: svc,
		Detectors: stubDetectors{{
			Module: "nmap", Name: "Nmap", Version: "7.80", TargetType: scanning.TargetHost,
			SupportedModes: []scanning.Mode{scanning.ModeSafe}, Stage: scanning.StageBeta,
			Description: "Network security scanner",
		}},
		Triggers:       triggers,
		Ready:          ready,
		Logger:         logger.Noop(),
		TracerProvider: noop.NewTracerProvider(),
		Metrics:        metrics,
	}).Handler()
}

func do(h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Probes(t *testing.T) {
	h := newTestServer(t, new(MockScanService), nil, nil)
	w := do(h, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(h, http.MethodGet, "/v1/readiness", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	h = newTestServer(t, new(MockScanService), nil, func(context.Context) error { return errors.New("db down") })
	w = do(h, http.MethodGet, "/v1/readiness", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"not ready"}`, w.Body.String())
}

func TestServer_ListDetectors(t *testing.T) {
	w := do(newTestServer(t, new(MockScanService), nil, nil), http.MethodGet, "/v1/detectors", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"module":"nmap","name":"Nmap","version":"7.80","description":"Network security scanner",
		"target_type":"HOST","supported_modes":["Safe"],"release_stage":"Beta"}]`, w.Body.String())
}

func TestServer_Trigger(t *testing.T) {
	var ran int
	block := make(chan struct{})
	started := make(chan struct{})

	triggers := triggerMap{
		tasks.TriggerPending: tasks.NewTrigger(tasks.TriggerPending, func(context.Context) error { ran++; return nil }),
		tasks.TriggerRunning: tasks.NewTrigger(tasks.TriggerRunning, func(context.Context) error { return errors.New("boom") }),
		tasks.TriggerStopped: tasks.NewTrigger(tasks.TriggerStopped, func(context.Context) error {
			close(started)
			<-block
			return nil
		}),
	}
	h := newTestServer(t, new(MockScanService), triggers, nil)

	assert.Equal(t, http.StatusNoContent, do(h, http.MethodPost, "/v1/tasks/pending", "", nil).Code)
	assert.Equal(t, 1, ran)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/v1/tasks/bogus", "", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodPost, "/v1/tasks/running", "", nil).Code)

	done := make(chan int)
	go func() { done <- do(h, http.MethodPost, "/v1/tasks/stopped", "", nil).Code }()
	<-started
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/v1/tasks/stopped", "", nil).Code)
	close(block)
	assert.Equal(t, http.StatusNoContent, <-done)
}

func TestServer_CreateScan(t *testing.T) {
	svc := new(MockScanService)
	svc.On("CreateScan", mock.Anything, scans.CreateScanRequest{
		AuditID: auditID, Name: "edge", Target: "Example.com", Module: "nmap", Mode: scanning.ModeSafe, Actor: "alice",
	}).Return(&scanning.Scan{
		ID: scanID, AuditID: auditID, Name: "edge", Target: "example.com", Module: "nmap", Mode: scanning.ModeSafe,
	}, nil)
	h := newTestServer(t, svc, nil, nil)

	body := `{"name":"edge","target":"Example.com","detection_module":"nmap","detection_mode":"Safe"}`
	w := do(h, http.MethodPost, "/v1/audits/"+auditID.String()+"/scans", body, http.Header{ActorHeader: {"alice"}})
	require.Equal(t, http.StatusCreated, w.Code)
	svc.AssertExpectations(t)

	var resp scanResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, scanID.String(), resp.ID)
	assert.Nil(t, resp.ScheduledAt)
	assert.Empty(t, resp.TaskID)
}

func TestServer_RequestRejections(t *testing.T) {
	h := newTestServer(t, new(MockScanService), nil, nil)
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "bad audit id", path: "/v1/audits/not-a-uuid/scans", body: `{}`},
		{name: "malformed json", path: "/v1/audits/" + auditID.String() + "/scans", body: `{`},
		{name: "missing target", path: "/v1/audits/" + auditID.String() + "/scans",
			body: `{"name":"edge","detection_module":"nmap","detection_mode":"Safe"}`},
		{name: "unknown mode", path: "/v1/audits/" + auditID.String() + "/scans",
			body: `{"name":"edge","target":"example.com","detection_module":"nmap","detection_mode":"Aggressive"}`},
		{name: "missing schedule time", path: "/v1/scans/" + scanID.String() + "/schedule", body: `{"max_duration":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, tt.path, tt.body, nil).Code)
		})
	}
}

func TestServer_ServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    int
		message string
	}{
		{name: "validation", err: &validation.Error{Message: "Private IP address is not allowed"}, want: http.StatusBadRequest,
			message: "Private IP address is not allowed"},
		{name: "already scheduled", err: scanning.ErrScanAlreadyScheduled, want: http.StatusBadRequest, message: "Scan is already scheduled"},
		{name: "not found", err: scanning.ErrScanNotFound, want: http.StatusNotFound, message: "scan not found"},
		{name: "integration missing", err: scanning.ErrIntegrationNotFound, want: http.StatusNotFound, message: "integration not found"},
		{name: "integration unsupported", err: fmt.Errorf("%w: %q", scanning.ErrIntegrationUnsupported, "pagerduty"),
			want: http.StatusBadRequest, message: `Integration service is not supported: "pagerduty"`},
		{name: "busy", err: scanning.ErrTargetBusy, want: http.StatusConflict, message: scanning.ErrTargetBusy.Error()},
		{name: "unexpected", err: errors.New("connection reset"), want: http.StatusInternalServerError, message: "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockScanService)
			svc.On("PromoteNow", mock.Anything, scanID, 2, "api").Return(nil, tt.err)
			h := newTestServer(t, svc, nil, nil)
			w := do(h, http.MethodPost, "/v1/scans/"+scanID.String()+"/promote", `{"max_duration":2}`, nil)
			assert.Equal(t, tt.want, w.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.message, resp.Error)
		})
	}
}

func TestServer_ScheduleAndCancel(t *testing.T) {
	at := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	scheduled := &scanning.Scan{
		ID: scanID, AuditID: auditID, ScheduledAt: at, MaxDuration: 2,
		RRule: "RRULE:FREQ=WEEKLY;BYDAY=FR;BYHOUR=12;BYMINUTE=0;BYSECOND=0",
	}
	svc := new(MockScanService)
	svc.On("ScheduleScan", mock.Anything, mock.MatchedBy(func(req scans.ScheduleRequest) bool {
		return req.ScanID == scanID && req.ScheduledAt.Equal(at) && req.MaxDuration == 2 && req.Recurring && req.Actor == "api"
	})).Return(scheduled, nil)
	svc.On("CancelSchedule", mock.Anything, scanID, "bob").Return(&scanning.Scan{ID: scanID, AuditID: auditID}, nil)
	h := newTestServer(t, svc, nil, nil)

	hexID := strings.ReplaceAll(scanID.String(), "-", "")
	w := do(h, http.MethodPost, "/v1/scans/"+hexID+"/schedule",
		`{"scheduled_at":"2024-05-03T21:00:00+09:00","max_duration":2,"rrule":true}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp scanResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.ScheduledAt)
	assert.True(t, resp.ScheduledAt.Equal(at))

	w = do(h, http.MethodDelete, "/v1/scans/"+scanID.String()+"/schedule", "", http.Header{ActorHeader: {"bob"}})
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestServer_PromoteAndResults(t *testing.T) {
	taskID := uuid.New()
	svc := new(MockScanService)
	svc.On("PromoteNow", mock.Anything, scanID, 1, "api").
		Return(&scanning.Task{ID: taskID, ScanID: scanID, Target: "example.com", Progress: scanning.ProgressPending}, nil)
	svc.On("Results", mock.Anything, scanID).Return([]scanning.Result{{ScanID: scanID, Finding: scanning.Finding{
		Host: "example.com", Port: "443", Name: "ssl-cert", Description: "expired", Severity: scanning.SeverityMedium,
	}}}, nil)
	h := newTestServer(t, svc, nil, nil)

	w := do(h, http.MethodPost, "/v1/scans/"+scanID.String()+"/promote", `{"max_duration":1}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"id":"`+taskID.String()+`","scan_id":"`+scanID.String()+`","target":"example.com","progress":"PENDING"}`, w.Body.String())

	w = do(h, http.MethodGet, "/v1/scans/"+scanID.String()+"/results", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"host":"example.com","port":"443","name":"ssl-cert","description":"expired","severity":"Medium"}]`, w.Body.String())
}
