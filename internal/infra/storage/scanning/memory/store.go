// Package memory provides an in-memory scanning.Store for tests and local
// development.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
	"github.com/ahrav/scan-armada/pkg/common/timeutil"
)

var _ scanning.Store = (*Store)(nil)

type taskRow struct {
	task scanning.Task
	seq  int64
}

type state struct {
	audits       map[uuid.UUID]scanning.Audit
	integrations map[uuid.UUID][]scanning.Integration
	scans        map[uuid.UUID]scanning.Scan
	tasks        map[uuid.UUID]taskRow
	results      map[uuid.UUID][]scanning.Result
	seq          int64
}

func (st *state) clone() *state {
	c := &state{
		audits:       maps.Clone(st.audits),
		integrations: make(map[uuid.UUID][]scanning.Integration, len(st.integrations)),
		scans:        maps.Clone(st.scans),
		tasks:        maps.Clone(st.tasks),
		results:      make(map[uuid.UUID][]scanning.Result, len(st.results)),
		seq:          st.seq,
	}
	for k, v := range st.integrations {
		c.integrations[k] = slices.Clone(v)
	}
	for k, v := range st.results {
		c.results[k] = slices.Clone(v)
	}
	return c
}

// Store keeps every row in maps guarded by a mutex. RunInTx serializes
// units of work and restores a snapshot when one fails. Calls made outside
// a unit of work wait for the running one to finish, so a rollback never
// discards them.
type Store struct {
	txMu  sync.Mutex
	mu    sync.Mutex
	clock timeutil.Provider
	st    *state
}

// NewStore returns an empty store stamping rows with clock.
func NewStore(clock timeutil.Provider) *Store {
	return &Store{
		clock: clock,
		st: &state{
			audits:       make(map[uuid.UUID]scanning.Audit),
			integrations: make(map[uuid.UUID][]scanning.Integration),
			scans:        make(map[uuid.UUID]scanning.Scan),
			tasks:        make(map[uuid.UUID]taskRow),
			results:      make(map[uuid.UUID][]scanning.Result),
		},
	}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	return ctx.Value(txKey{}) == s
}

// acquire locks the state for one call. Outside a unit of work it also
// holds txMu so the call cannot interleave with one.
func (s *Store) acquire(ctx context.Context) (release func()) {
	if s.inTx(ctx) {
		s.mu.Lock()
		return s.mu.Unlock
	}
	s.txMu.Lock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.Unlock()
	}
}

// RunInTx runs fn and rolls every change back if it fails. A nested call
// joins the enclosing unit of work.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repo scanning.Repository) error) error {
	if s.inTx(ctx) {
		return fn(ctx, s)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()
	ctx = context.WithValue(ctx, txKey{}, s)

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(ctx, s); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) nextSeq() int64 {
	s.st.seq++
	return s.st.seq
}

// ListQueuedTasks returns tasks in progress ordered by last update.
func (s *Store) ListQueuedTasks(ctx context.Context, progress scanning.Progress) ([]scanning.QueuedTask, error) {
	defer s.acquire(ctx)()

	linked := make(map[uuid.UUID]bool, len(s.st.scans))
	for _, sc := range s.st.scans {
		if sc.TaskID != uuid.Nil {
			linked[sc.TaskID] = true
		}
	}

	rows := make([]taskRow, 0, len(s.st.tasks))
	for _, r := range s.st.tasks {
		if r.task.Progress == progress {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].task.UpdatedAt.Equal(rows[j].task.UpdatedAt) {
			return rows[i].task.UpdatedAt.Before(rows[j].task.UpdatedAt)
		}
		return rows[i].seq < rows[j].seq
	})

	out := make([]scanning.QueuedTask, 0, len(rows))
	for _, r := range rows {
		t := r.task
		out = append(out, scanning.QueuedTask{Task: &t, ScanExists: linked[t.ID]})
	}
	return out, nil
}

func (s *Store) TaskExistsForTarget(ctx context.Context, target string) (bool, error) {
	defer s.acquire(ctx)()
	for _, r := range s.st.tasks {
		if r.task.Target == target {
			return true, nil
		}
	}
	return false, nil
}

// CreateTask enforces one live task per target.
func (s *Store) CreateTask(ctx context.Context, task *scanning.Task) error {
	defer s.acquire(ctx)()
	for _, r := range s.st.tasks {
		if r.task.Target == task.Target {
			return scanning.ErrTargetBusy
		}
	}
	s.st.tasks[task.ID] = taskRow{task: *task, seq: s.nextSeq()}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *scanning.Task) error {
	defer s.acquire(ctx)()
	if _, ok := s.st.tasks[task.ID]; !ok {
		return scanning.ErrTaskNotFound
	}
	t := *task
	t.UpdatedAt = s.clock.Now()
	s.st.tasks[task.ID] = taskRow{task: t, seq: s.nextSeq()}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	defer s.acquire(ctx)()
	delete(s.st.tasks, taskID)
	return nil
}

// GetTask is a test helper returning a copy of a task row.
func (s *Store) GetTask(taskID uuid.UUID) (*scanning.Task, bool) {
	defer s.acquire(context.Background())()
	r, ok := s.st.tasks[taskID]
	if !ok {
		return nil, false
	}
	t := r.task
	return &t, true
}

// TaskCount is a test helper.
func (s *Store) TaskCount() int {
	defer s.acquire(context.Background())()
	return len(s.st.tasks)
}

func (s *Store) CreateScan(ctx context.Context, scan *scanning.Scan) error {
	defer s.acquire(ctx)()
	if _, ok := s.st.audits[scan.AuditID]; !ok {
		return scanning.ErrAuditNotFound
	}
	if _, ok := s.st.scans[scan.ID]; ok {
		return fmt.Errorf("scan %s already exists", scan.ID)
	}
	now := s.clock.Now()
	sc := *scan
	sc.CreatedAt, sc.UpdatedAt = now, now
	s.st.scans[scan.ID] = sc
	return nil
}

func (s *Store) GetScan(ctx context.Context, scanID uuid.UUID) (*scanning.Scan, error) {
	defer s.acquire(ctx)()
	sc, ok := s.st.scans[scanID]
	if !ok {
		return nil, scanning.ErrScanNotFound
	}
	return &sc, nil
}

func (s *Store) CountScans(ctx context.Context, auditID uuid.UUID) (int, error) {
	defer s.acquire(ctx)()
	n := 0
	for _, sc := range s.st.scans {
		if sc.AuditID == auditID {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteScan(ctx context.Context, scanID uuid.UUID) error {
	defer s.acquire(ctx)()
	if _, ok := s.st.scans[scanID]; !ok {
		return scanning.ErrScanNotFound
	}
	delete(s.st.scans, scanID)
	delete(s.st.results, scanID)
	return nil
}

func (s *Store) UpdateScan(ctx context.Context, scan *scanning.Scan) error {
	return s.mutateScan(ctx, scan.ID, func(sc *scanning.Scan) {
		sc.ScheduledAt = scan.ScheduledAt
		sc.MaxDuration = scan.MaxDuration
		sc.RRule = scan.RRule
		sc.TaskID = scan.TaskID
		sc.StartedAt = scan.StartedAt
		sc.EndedAt = scan.EndedAt
		sc.ErrorReason = scan.ErrorReason
		sc.UpdatedBy = scan.UpdatedBy
	})
}

func (s *Store) ListRecurringUnscheduledScans(ctx context.Context) ([]*scanning.Scan, error) {
	return s.selectScans(ctx, func(sc scanning.Scan) bool {
		return sc.ScheduledAt.IsZero() && sc.RRule != ""
	}), nil
}

func (s *Store) ListDueScans(ctx context.Context, now time.Time) ([]*scanning.Scan, error) {
	return s.selectScans(ctx, func(sc scanning.Scan) bool {
		return !sc.ScheduledAt.IsZero() && !sc.ScheduledAt.After(now) && sc.TaskID == uuid.Nil
	}), nil
}

func (s *Store) SetScanSchedule(ctx context.Context, scanID uuid.UUID, scheduledAt time.Time) error {
	return s.mutateScan(ctx, scanID, func(sc *scanning.Scan) { sc.ScheduledAt = scheduledAt })
}

func (s *Store) LinkScanTask(ctx context.Context, scanID, taskID uuid.UUID) error {
	return s.mutateScan(ctx, scanID, func(sc *scanning.Scan) { sc.TaskID = taskID })
}

func (s *Store) ResetScan(ctx context.Context, scanID uuid.UUID, reason string) error {
	return s.mutateScan(ctx, scanID, func(sc *scanning.Scan) { resetScan(sc, reason) })
}

func (s *Store) ResetScanByTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	s.mutateScansByTask(ctx, taskID, func(sc *scanning.Scan) { resetScan(sc, reason) })
	return nil
}

func (s *Store) MarkScanStartedByTask(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	s.mutateScansByTask(ctx, taskID, func(sc *scanning.Scan) { sc.StartedAt = at })
	return nil
}

func (s *Store) MarkScanEnded(ctx context.Context, scanID uuid.UUID, at time.Time) error {
	return s.mutateScan(ctx, scanID, func(sc *scanning.Scan) { sc.EndedAt = at })
}

func resetScan(sc *scanning.Scan, reason string) {
	sc.ScheduledAt = time.Time{}
	sc.TaskID = uuid.Nil
	sc.ErrorReason = reason
}

func (s *Store) mutateScan(ctx context.Context, scanID uuid.UUID, fn func(sc *scanning.Scan)) error {
	defer s.acquire(ctx)()
	sc, ok := s.st.scans[scanID]
	if !ok {
		return scanning.ErrScanNotFound
	}
	fn(&sc)
	sc.UpdatedAt = s.clock.Now()
	s.st.scans[scanID] = sc
	return nil
}

func (s *Store) mutateScansByTask(ctx context.Context, taskID uuid.UUID, fn func(sc *scanning.Scan)) {
	defer s.acquire(ctx)()
	for id, sc := range s.st.scans {
		if sc.TaskID != taskID {
			continue
		}
		fn(&sc)
		sc.UpdatedAt = s.clock.Now()
		s.st.scans[id] = sc
	}
}

func (s *Store) selectScans(ctx context.Context, match func(sc scanning.Scan) bool) []*scanning.Scan {
	defer s.acquire(ctx)()
	var out []*scanning.Scan
	for _, sc := range s.st.scans {
		if match(sc) {
			c := sc
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *Store) ReplaceResults(ctx context.Context, scanID uuid.UUID, results []scanning.Result) error {
	defer s.acquire(ctx)()
	s.st.results[scanID] = slices.Clone(results)
	return nil
}

func (s *Store) ListResults(ctx context.Context, scanID uuid.UUID) ([]scanning.Result, error) {
	defer s.acquire(ctx)()
	return slices.Clone(s.st.results[scanID]), nil
}

func (s *Store) CreateAudit(ctx context.Context, audit *scanning.Audit) error {
	defer s.acquire(ctx)()
	a := *audit
	now := s.clock.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.st.audits[audit.ID] = a
	return nil
}

func (s *Store) GetAudit(ctx context.Context, auditID uuid.UUID) (*scanning.Audit, error) {
	defer s.acquire(ctx)()
	a, ok := s.st.audits[auditID]
	if !ok {
		return nil, scanning.ErrAuditNotFound
	}
	return &a, nil
}

func (s *Store) UpsertIntegration(ctx context.Context, in scanning.Integration) error {
	defer s.acquire(ctx)()
	if _, ok := s.st.audits[in.AuditID]; !ok {
		return scanning.ErrAuditNotFound
	}
	list := s.st.integrations[in.AuditID]
	for i := range list {
		if list[i].Service == in.Service {
			list[i] = in
			return nil
		}
	}
	s.st.integrations[in.AuditID] = append(list, in)
	return nil
}

func (s *Store) ListIntegrations(ctx context.Context, auditID uuid.UUID) ([]scanning.Integration, error) {
	defer s.acquire(ctx)()
	return slices.Clone(s.st.integrations[auditID]), nil
}

func (s *Store) DeleteIntegration(ctx context.Context, auditID uuid.UUID, service string) error {
	defer s.acquire(ctx)()
	list := s.st.integrations[auditID]
	for i := range list {
		if list[i].Service == service {
			s.st.integrations[auditID] = slices.Delete(list, i, i+1)
			return nil
		}
	}
	return scanning.ErrIntegrationNotFound
}
