package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/internal/infra/storage"
	"github.com/ahrav/scan-armada/pkg/common/timeutil"
)

func setupStoreTest(t *testing.T) (context.Context, *Store, *timeutil.Fixed, *scanning.Audit, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	clock := timeutil.NewFixed(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := NewStore(pool, storage.NoOpTracer(), clock)
	ctx := context.Background()

	audit := &scanning.Audit{ID: uuid.New(), Name: "perimeter", Owner: "secops"}
	require.NoError(t, store.CreateAudit(ctx, audit))

	return ctx, store, clock, audit, cleanup
}

func createTestScan(t *testing.T, ctx context.Context, store *Store, auditID uuid.UUID, target string) *scanning.Scan {
	t.Helper()
	id, err := scanning.NewScanID(auditID)
	require.NoError(t, err)
	scan := &scanning.Scan{
		ID:          id,
		AuditID:     auditID,
		Name:        "scan " + target,
		Target:      target,
		Module:      "nmap",
		Mode:        scanning.ModeSafe,
		MaxDuration: 2,
		CreatedBy:   "alice",
	}
	require.NoError(t, store.CreateScan(ctx, scan))
	return scan
}

func testSession(t *testing.T) scanning.Session {
	t.Helper()
	s, err := scanning.NewSession("pod", map[string]string{"pod_name": "nmap-abc"})
	require.NoError(t, err)
	return s
}

func TestStore_AuditAndIntegrations(t *testing.T) {
	t.Parallel()
	ctx, store, _, audit, cleanup := setupStoreTest(t)
	defer cleanup()

	loaded, err := store.GetAudit(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, "perimeter", loaded.Name)
	assert.Equal(t, "secops", loaded.Owner)

	_, err = store.GetAudit(ctx, uuid.New())
	assert.ErrorIs(t, err, scanning.ErrAuditNotFound)

	require.NoError(t, store.UpsertIntegration(ctx, scanning.Integration{AuditID: audit.ID, Service: "slack", URL: "https://hooks/1"}))
	require.NoError(t, store.UpsertIntegration(ctx, scanning.Integration{AuditID: audit.ID, Service: "slack", URL: "https://hooks/2", Verbose: true}))
	require.NoError(t, store.UpsertIntegration(ctx, scanning.Integration{AuditID: audit.ID, Service: "kafka", URL: "scan-events"}))

	got, err := store.ListIntegrations(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "kafka", got[0].Service)
	assert.Equal(t, scanning.Integration{AuditID: audit.ID, Service: "slack", URL: "https://hooks/2", Verbose: true}, got[1])

	err = store.UpsertIntegration(ctx, scanning.Integration{AuditID: uuid.New(), Service: "slack"})
	assert.ErrorIs(t, err, scanning.ErrAuditNotFound)

	require.NoError(t, store.DeleteIntegration(ctx, audit.ID, "kafka"))
	assert.ErrorIs(t, store.DeleteIntegration(ctx, audit.ID, "kafka"), scanning.ErrIntegrationNotFound)
	got, err = store.ListIntegrations(ctx, audit.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "slack", got[0].Service)
}

func TestStore_ScanRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, store, clock, audit, cleanup := setupStoreTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, audit.ID, "example.com")

	loaded, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, scan.ID, loaded.ID)
	assert.Equal(t, "example.com", loaded.Target)
	assert.Equal(t, scanning.ModeSafe, loaded.Mode)
	assert.Equal(t, uuid.Nil, loaded.TaskID)
	assert.True(t, loaded.ScheduledAt.IsZero())
	assert.Equal(t, clock.Now(), loaded.CreatedAt)

	n, err := store.CountScans(ctx, audit.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetScan(ctx, uuid.New())
	assert.ErrorIs(t, err, scanning.ErrScanNotFound)

	orphan := &scanning.Scan{ID: uuid.New(), AuditID: uuid.New(), Name: "x", Target: "x", Module: "nmap", Mode: scanning.ModeSafe}
	assert.ErrorIs(t, store.CreateScan(ctx, orphan), scanning.ErrAuditNotFound)
}

func TestStore_DueAndRecurringScans(t *testing.T) {
	t.Parallel()
	ctx, store, clock, audit, cleanup := setupStoreTest(t)
	defer cleanup()
	now := clock.Now()

	due := createTestScan(t, ctx, store, audit.ID, "a.example.com")
	require.NoError(t, store.SetScanSchedule(ctx, due.ID, now.Add(-time.Minute)))

	future := createTestScan(t, ctx, store, audit.ID, "b.example.com")
	require.NoError(t, store.SetScanSchedule(ctx, future.ID, now.Add(time.Hour)))

	linked := createTestScan(t, ctx, store, audit.ID, "c.example.com")
	require.NoError(t, store.SetScanSchedule(ctx, linked.ID, now.Add(-time.Hour)))
	require.NoError(t, store.LinkScanTask(ctx, linked.ID, uuid.New()))

	recurring := createTestScan(t, ctx, store, audit.ID, "d.example.com")
	recurring.RRule = "RRULE:FREQ=WEEKLY;BYDAY=MO;BYHOUR=3;BYMINUTE=0;BYSECOND=0"
	require.NoError(t, store.UpdateScan(ctx, recurring))

	dueScans, err := store.ListDueScans(ctx, now)
	require.NoError(t, err)
	require.Len(t, dueScans, 1)
	assert.Equal(t, due.ID, dueScans[0].ID)

	rec, err := store.ListRecurringUnscheduledScans(ctx)
	require.NoError(t, err)
	require.Len(t, rec, 1)
	assert.Equal(t, recurring.ID, rec[0].ID)
}

func TestStore_DeleteScanOrphansTask(t *testing.T) {
	t.Parallel()
	ctx, store, clock, audit, cleanup := setupStoreTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, audit.ID, "example.com")
	task := scanning.NewPendingTask(scan, "example.com", scanning.Session{}, clock.Now())
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.LinkScanTask(ctx, scan.ID, task.ID))
	require.NoError(t, store.ReplaceResults(ctx, scan.ID, []scanning.Result{
		{ScanID: scan.ID, Finding: scanning.Finding{Name: "Open Ports", Severity: scanning.SeverityInfo}},
	}))

	require.NoError(t, store.DeleteScan(ctx, scan.ID))
	assert.ErrorIs(t, store.DeleteScan(ctx, scan.ID), scanning.ErrScanNotFound)

	_, err := store.GetScan(ctx, scan.ID)
	assert.ErrorIs(t, err, scanning.ErrScanNotFound)
	results, err := store.ListResults(ctx, scan.ID)
	require.NoError(t, err)
	assert.Empty(t, results)

	queued, err := store.ListQueuedTasks(ctx, scanning.ProgressPending)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, task.ID, queued[0].Task.ID)
	assert.False(t, queued[0].ScanExists)
}

func TestStore_TaskQueueAndDedup(t *testing.T) {
	t.Parallel()
	ctx, store, clock, audit, cleanup := setupStoreTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, audit.ID, "example.com")
	first := scanning.NewPendingTask(scan, "example.com", testSession(t), clock.Now())
	require.NoError(t, store.CreateTask(ctx, first))
	require.NoError(t, store.LinkScanTask(ctx, scan.ID, first.ID))

	clash := scanning.NewPendingTask(scan, "example.com", testSession(t), clock.Now())
	assert.ErrorIs(t, store.CreateTask(ctx, clash), scanning.ErrTargetBusy)

	busy, err := store.TaskExistsForTarget(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, busy)

	orphan := scanning.NewPendingTask(&scanning.Scan{ID: uuid.New(), AuditID: audit.ID}, "other.example.com", scanning.Session{}, clock.Now())
	require.NoError(t, store.CreateTask(ctx, orphan))

	queued, err := store.ListQueuedTasks(ctx, scanning.ProgressPending)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	byID := map[uuid.UUID]scanning.QueuedTask{}
	for _, q := range queued {
		byID[q.Task.ID] = q
	}
	assert.True(t, byID[first.ID].ScanExists)
	assert.False(t, byID[orphan.ID].ScanExists)
	assert.Equal(t, first.Session, byID[first.ID].Task.Session)
	assert.True(t, byID[orphan.ID].Task.Session.IsZero())

	clock.Advance(time.Minute)
	first.MarkRunning(first.Session, clock.Now())
	require.NoError(t, store.UpdateTask(ctx, first))
	require.NoError(t, store.MarkScanStartedByTask(ctx, first.ID, clock.Now()))

	running, err := store.ListQueuedTasks(ctx, scanning.ProgressRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, clock.Now(), running[0].Task.StartedAt)

	started, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), started.StartedAt)

	missing := scanning.NewPendingTask(scan, "nowhere.example.com", scanning.Session{}, clock.Now())
	assert.ErrorIs(t, store.UpdateTask(ctx, missing), scanning.ErrTaskNotFound)
}

func TestStore_RunInTxKeepsTransactionUsableAfterConflict(t *testing.T) {
	t.Parallel()
	ctx, store, clock, audit, cleanup := setupStoreTest(t)
	defer cleanup()

	held := createTestScan(t, ctx, store, audit.ID, "example.com")
	require.NoError(t, store.CreateTask(ctx, scanning.NewPendingTask(held, "example.com", scanning.Session{}, clock.Now())))

	waiting := createTestScan(t, ctx, store, audit.ID, "example.com")
	err := store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		dup := scanning.NewPendingTask(waiting, "example.com", scanning.Session{}, clock.Now())
		if err := repo.CreateTask(ctx, dup); !errors.Is(err, scanning.ErrTargetBusy) {
			return err
		}
		return repo.SetScanSchedule(ctx, waiting.ID, clock.Now())
	})
	require.NoError(t, err)

	got, err := store.GetScan(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.ScheduledAt)
}

func TestStore_RunInTxRollsBack(t *testing.T) {
	t.Parallel()
	ctx, store, clock, audit, cleanup := setupStoreTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, audit.ID, "example.com")
	task := scanning.NewPendingTask(scan, "example.com", scanning.Session{}, clock.Now())

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		require.NoError(t, repo.CreateTask(ctx, task))
		require.NoError(t, repo.LinkScanTask(ctx, scan.ID, task.ID))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	busy, err := store.TaskExistsForTarget(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, busy)

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got.TaskID)
}

func TestStore_FinishSequence(t *testing.T) {
	t.Parallel()
	ctx, store, clock, audit, cleanup := setupStoreTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, audit.ID, "example.com")
	require.NoError(t, store.SetScanSchedule(ctx, scan.ID, clock.Now()))
	task := scanning.NewPendingTask(scan, "example.com", scanning.Session{}, clock.Now())
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.LinkScanTask(ctx, scan.ID, task.ID))

	err := store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		if err := repo.DeleteTask(ctx, task.ID); err != nil {
			return err
		}
		return repo.ResetScanByTask(ctx, task.ID, "detector stayed pending for a long time")
	})
	require.NoError(t, err)

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got.TaskID)
	assert.True(t, got.ScheduledAt.IsZero())
	assert.Equal(t, "detector stayed pending for a long time", got.ErrorReason)

	// Resetting through a task nobody links to is a no-op.
	require.NoError(t, store.ResetScanByTask(ctx, uuid.New(), "ignored"))
	assert.ErrorIs(t, store.ResetScan(ctx, uuid.New(), "x"), scanning.ErrScanNotFound)
}

func TestStore_ReplaceResults(t *testing.T) {
	t.Parallel()
	ctx, store, clock, audit, cleanup := setupStoreTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, audit.ID, "example.com")
	require.NoError(t, store.ReplaceResults(ctx, scan.ID, []scanning.Result{
		{ScanID: scan.ID, Finding: scanning.Finding{Name: "stale", Severity: scanning.SeverityLow}},
	}))

	fresh := []scanning.Result{
		{ScanID: scan.ID, Finding: scanning.Finding{Host: "example.com", Port: "tcp:22", Name: "ssh-hostkey (tcp:22)", Severity: scanning.SeverityInfo}},
		{ScanID: scan.ID, Finding: scanning.Finding{Host: "example.com", Name: "Open Ports", Description: "tcp:22 (ssh)", Severity: scanning.SeverityMedium}},
	}
	err := store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		if err := repo.ReplaceResults(ctx, scan.ID, fresh); err != nil {
			return err
		}
		return repo.MarkScanEnded(ctx, scan.ID, clock.Now())
	})
	require.NoError(t, err)

	got, err := store.ListResults(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)

	loaded, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), loaded.EndedAt)

	require.NoError(t, store.ReplaceResults(ctx, scan.ID, nil))
	got, err = store.ListResults(ctx, scan.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
