package tasks

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scan-armada/pkg/common/logger"
)

// Driver ticks every trigger on its own interval until the context ends.
// Each trigger's loop is independent, so a slow stage never delays another.
type Driver struct {
	triggers  []*Trigger
	intervals map[string]time.Duration
	fallback  time.Duration
	logger    *logger.Logger
}

// NewDriver returns a driver using intervals[name] for each trigger and
// fallback for triggers without an entry.
func NewDriver(log *logger.Logger, fallback time.Duration, intervals map[string]time.Duration, triggers ...*Trigger) *Driver {
	return &Driver{
		triggers:  triggers,
		intervals: intervals,
		fallback:  fallback,
		logger:    log.With("component", "tasks.driver"),
	}
}

// Run blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range d.triggers {
		g.Go(func() error {
			d.loop(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (d *Driver) loop(ctx context.Context, t *Trigger) {
	interval := d.fallback
	if iv, ok := d.intervals[t.Name()]; ok && iv > 0 {
		interval = iv
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info(ctx, "Stage loop started", "stage", t.Name(), "interval", interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info(ctx, "Stage loop stopped", "stage", t.Name())
			return
		case <-ticker.C:
			err := t.TryRun(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrPollInProgress):
				d.logger.Debug(ctx, "Skipping tick, previous pass still running", "stage", t.Name())
			default:
				d.logger.Error(ctx, "Stage poll failed", "stage", t.Name(), "error", err)
			}
		}
	}
}
