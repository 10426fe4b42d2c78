package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-armada/pkg/common/logger"
)

func TestTrigger_RefusesOverlappingRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	trig := NewTrigger("pending", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- trig.TryRun(context.Background()) }()
	<-started

	assert.ErrorIs(t, trig.TryRun(context.Background()), ErrPollInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestEngine_TriggersInPassOrder(t *testing.T) {
	h := newHarness(t)

	var names []string
	for _, trig := range h.engine.Triggers() {
		names = append(names, trig.Name())
	}
	assert.Equal(t, []string{TriggerSchedule, TriggerPending, TriggerRunning, TriggerStopped}, names)
	assert.NotNil(t, h.engine.Trigger(TriggerRunning))
	assert.Nil(t, h.engine.Trigger("archive"))
}

func TestDriver_TicksEachTriggerUntilCancelled(t *testing.T) {
	var fast, slow atomic.Int32
	fastTrig := NewTrigger("fast", func(context.Context) error { fast.Add(1); return nil })
	slowTrig := NewTrigger("slow", func(context.Context) error { slow.Add(1); return nil })

	d := NewDriver(logger.Noop(), time.Hour, map[string]time.Duration{"fast": 5 * time.Millisecond}, fastTrig, slowTrig)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool { return fast.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not stop after cancellation")
	}
	assert.Zero(t, slow.Load(), "trigger without an interval uses the fallback")
}
