package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sinkforge/sinkgate/internal/resilience"
)

func TestReporterDefaultsIntervalWhenNonPositive(t *testing.T) {
	c := resilience.NewController(resilience.ControllerConfig{MinLimit: 1, MaxLimit: 4}, nil)
	r := NewReporter(c, 0)
	if r.interval != 500*time.Millisecond {
		t.Fatalf("interval = %v, want 500ms default", r.interval)
	}
}

func TestReporterEmitSkipsEmptyDistributions(t *testing.T) {
	c := resilience.NewController(resilience.ControllerConfig{MinLimit: 1, MaxLimit: 4}, nil)
	r := NewReporter(c, time.Second)

	r.emitOnce()

	if n := testutil.CollectAndCount(autoConcurrencyObservedRTT); n != 0 {
		t.Errorf("autoConcurrencyObservedRTT has %d series before any sample, want 0", n)
	}
}

func TestReporterEmitPublishesAllFourStats(t *testing.T) {
	c := resilience.NewController(resilience.ControllerConfig{MinLimit: 1, MaxLimit: 4}, nil)
	ctx := context.Background()

	p, err := c.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, cErr := c.Update(p, resilience.OutcomeSuccess); cErr != nil {
		t.Fatalf("Update() error = %v", cErr)
	}
	c.Release()

	r := NewReporter(c, time.Second)
	r.emitOnce()

	if n := testutil.CollectAndCount(autoConcurrencyObservedRTT); n == 0 {
		t.Error("autoConcurrencyObservedRTT has no series after a recorded sample")
	}
	if n := testutil.CollectAndCount(autoConcurrencyAveragedRTT); n == 0 {
		t.Error("autoConcurrencyAveragedRTT has no series after a recorded sample")
	}
	if n := testutil.CollectAndCount(autoConcurrencyLimit); n == 0 {
		t.Error("autoConcurrencyLimit has no series after a recorded sample")
	}
	if n := testutil.CollectAndCount(autoConcurrencyInFlight); n == 0 {
		t.Error("autoConcurrencyInFlight has no series after a recorded sample")
	}
}

func TestReporterRunStopsOnContextCancel(t *testing.T) {
	c := resilience.NewController(resilience.ControllerConfig{MinLimit: 1, MaxLimit: 4}, nil)
	r := NewReporter(c, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
