package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-armada/internal/app/detection"
	"github.com/ahrav/scan-armada/internal/app/validation"
	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage/scanning/memory"
	"github.com/ahrav/scan-armada/pkg/common/logger"
	"github.com/ahrav/scan-armada/pkg/common/timeutil"
)

// fakeDetector is shared by every detector instance the registry hands out,
// so tests can program behavior and inspect calls in one place.
type fakeDetector struct {
	mu sync.Mutex

	createErr   error
	runErr      error
	ready       bool
	running     bool
	findings    []scanning.Finding
	resultsErr  error
	panicOnce   bool
	nextSession int

	creates, runs, readyCalls, runningCalls, deletes int
	deletedSessions                                  []scanning.Session
}

type boundDetector struct {
	fake    *fakeDetector
	session scanning.Session
}

func (f *fakeDetector) factory(session scanning.Session) (scanning.Detector, error) {
	return &boundDetector{fake: f, session: session}, nil
}

func (b *boundDetector) Create(context.Context) (scanning.Session, error) {
	f := b.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return scanning.Session{}, f.createErr
	}
	f.nextSession++
	data, _ := json.Marshal(map[string]int{"worker": f.nextSession})
	b.session = scanning.Session{Kind: "fake", Data: data}
	return b.session, nil
}

func (b *boundDetector) Run(context.Context, string, scanning.Mode) (scanning.Session, error) {
	f := b.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return b.session, f.runErr
}

func (b *boundDetector) IsReady(context.Context) (bool, error) {
	f := b.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls++
	if f.panicOnce {
		f.panicOnce = false
		panic("worker handle corrupted")
	}
	return f.ready, nil
}

func (b *boundDetector) IsRunning(context.Context) (bool, error) {
	f := b.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runningCalls++
	return f.running, nil
}

func (b *boundDetector) Results(context.Context) ([]scanning.Finding, error) {
	f := b.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findings, f.resultsErr
}

func (b *boundDetector) Delete(context.Context) {
	f := b.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	f.deletedSessions = append(f.deletedSessions, b.session)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []scanning.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n scanning.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) kinds() []scanning.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scanning.NotificationKind, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

func (r *recordingNotifier) last() scanning.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

type staticResolver map[string][]string

func (s staticResolver) LookupIP(_ context.Context, _ string, host string) ([]net.IP, error) {
	addrs, ok := s[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, net.ParseIP(a))
	}
	return ips, nil
}

type harness struct {
	ctx      context.Context
	clock    *timeutil.Fixed
	store    *memory.Store
	det      *fakeDetector
	notifier *recordingNotifier
	engine   *Engine
	audit    *scanning.Audit
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := timeutil.NewFixed(baseTime)
	store := memory.NewStore(clock)
	det := &fakeDetector{ready: true, running: true}
	notifier := new(recordingNotifier)

	reg := detection.NewRegistry()
	require.NoError(t, reg.Register(scanning.Metadata{
		Module:         "fakehost",
		Name:           "Fake",
		Version:        "1.0",
		SupportedModes: []scanning.Mode{scanning.ModeSafe},
		TargetType:     scanning.TargetHost,
		Stage:          scanning.StageBeta,
	}, det.factory))

	deps := Deps{
		Store:     store,
		Detectors: reg,
		Notifier:  notifier,
		Validator: validation.New(staticResolver{"example.com": {"93.184.216.34"}}),
		Clock:     clock,
		Logger:    logger.Noop(),
		Tracer:    noop.NewTracerProvider().Tracer("test"),
		Metrics:   NoOpMetrics(),
	}

	ctx := context.Background()
	audit := &scanning.Audit{ID: uuid.New(), Name: "audit"}
	require.NoError(t, store.CreateAudit(ctx, audit))

	return &harness{
		ctx:      ctx,
		clock:    clock,
		store:    store,
		det:      det,
		notifier: notifier,
		engine:   NewEngine(deps, DefaultLimits()),
		audit:    audit,
	}
}

func (h *harness) addScan(t *testing.T, target string, scheduledAt time.Time, maxDuration int) *scanning.Scan {
	t.Helper()
	id, err := scanning.NewScanID(h.audit.ID)
	require.NoError(t, err)
	scan := &scanning.Scan{
		ID:          id,
		AuditID:     h.audit.ID,
		Name:        "scan-" + target,
		Target:      target,
		Module:      "fakehost",
		Mode:        scanning.ModeSafe,
		ScheduledAt: scheduledAt,
		MaxDuration: maxDuration,
	}
	require.NoError(t, h.store.CreateScan(h.ctx, scan))
	return scan
}

func (h *harness) scan(t *testing.T, id uuid.UUID) *scanning.Scan {
	t.Helper()
	s, err := h.store.GetScan(h.ctx, id)
	require.NoError(t, err)
	return s
}

// promote runs the scheduler and returns the task linked to scan.
func (h *harness) promote(t *testing.T, scan *scanning.Scan) *scanning.Task {
	t.Helper()
	require.NoError(t, h.engine.Scheduler.Poll(h.ctx))
	linked := h.scan(t, scan.ID)
	require.NotEqual(t, uuid.Nil, linked.TaskID, "scan was not promoted")
	task, ok := h.store.GetTask(linked.TaskID)
	require.True(t, ok)
	return task
}
