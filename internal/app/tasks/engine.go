package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ahrav/scan-armada/internal/domain/scanning"
)

// Limits bounds how long a task may stay in the pending and running stages.
type Limits struct {
	MaxPending time.Duration
	MaxRunning time.Duration
}

// DefaultLimits are four hours pending and six hours running.
func DefaultLimits() Limits {
	return Limits{MaxPending: 4 * time.Hour, MaxRunning: 6 * time.Hour}
}

// Engine bundles the scheduler and the three stages wired to each other.
type Engine struct {
	Scheduler *Scheduler
	Pending   *PendingHandler
	Running   *RunningHandler
	Stopped   *StoppedHandler

	triggers map[string]*Trigger
}

// Trigger names, in pass order.
const (
	TriggerSchedule = "schedule"
	TriggerPending  = "pending"
	TriggerRunning  = "running"
	TriggerStopped  = "stopped"
)

// NewEngine wires the stages from stopped back to the scheduler.
func NewEngine(deps Deps, limits Limits) *Engine {
	stopped := NewStoppedHandler(deps)
	running := NewRunningHandler(deps, stopped, limits.MaxRunning)
	pending := NewPendingHandler(deps, running, limits.MaxPending)
	scheduler := NewScheduler(deps, pending)

	e := &Engine{Scheduler: scheduler, Pending: pending, Running: running, Stopped: stopped}
	e.triggers = map[string]*Trigger{
		TriggerSchedule: NewTrigger(TriggerSchedule, scheduler.Poll),
		TriggerPending:  NewTrigger(TriggerPending, pending.Poll),
		TriggerRunning:  NewTrigger(TriggerRunning, running.Poll),
		TriggerStopped:  NewTrigger(TriggerStopped, stopped.Poll),
	}
	return e
}

// Trigger returns the non-reentrant runner for a pass, or nil if name is unknown.
func (e *Engine) Trigger(name string) *Trigger { return e.triggers[name] }

// Triggers returns every runner in pass order.
func (e *Engine) Triggers() []*Trigger {
	return []*Trigger{
		e.triggers[TriggerSchedule],
		e.triggers[TriggerPending],
		e.triggers[TriggerRunning],
		e.triggers[TriggerStopped],
	}
}

// PollAll runs the scheduler and then each stage once, in order.
func (e *Engine) PollAll(ctx context.Context) error {
	var errs []error
	for _, t := range e.Triggers() {
		if err := t.TryRun(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Promote admits scan out of band, linking the new task to it in the same
// transaction. ErrTargetBusy is returned when a task for the target is live.
func (e *Engine) Promote(ctx context.Context, store scanning.Store, scan *scanning.Scan) (*scanning.Task, error) {
	var created *scanning.Task
	err := store.RunInTx(ctx, func(ctx context.Context, repo scanning.Repository) error {
		task, err := e.Pending.Add(ctx, repo, scan)
		if err != nil {
			return err
		}
		if task == nil {
			return scanning.ErrTargetBusy
		}
		created = task
		return repo.LinkScanTask(ctx, scan.ID, task.ID)
	})
	if err != nil {
		if created != nil && !created.Session.IsZero() {
			teardown(ctx, e.Pending.detectors, e.Pending.logger, created)
		}
		return nil, err
	}
	e.Pending.metrics.IncTasksPromoted(ctx)
	return created, nil
}

// ErrPollInProgress is returned when a pass is already running.
var ErrPollInProgress = errors.New("poll already in progress")

// Trigger runs one pass at a time; overlapping invocations are refused.
type Trigger struct {
	name string
	mu   sync.Mutex
	poll func(ctx context.Context) error
}

// NewTrigger wraps poll.
func NewTrigger(name string, poll func(ctx context.Context) error) *Trigger {
	return &Trigger{name: name, poll: poll}
}

// Name identifies the pass.
func (t *Trigger) Name() string { return t.name }

// TryRun runs the pass unless one is in flight, in which case it returns
// ErrPollInProgress without waiting.
func (t *Trigger) TryRun(ctx context.Context) error {
	if !t.mu.TryLock() {
		return ErrPollInProgress
	}
	defer t.mu.Unlock()
	return t.poll(ctx)
}
