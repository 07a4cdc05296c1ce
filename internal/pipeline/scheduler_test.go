package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	pool := NewPool(workers)

	var inFlight, maxInFlight, ran atomic.Int32
	tasks := make([]func(), 0, 20)
	for i := 0; i < 20; i++ {
		tasks = append(tasks, func() {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				peak := maxInFlight.Load()
				if cur <= peak || maxInFlight.CompareAndSwap(peak, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		})
	}

	if err := pool.Dispatch(context.Background(), tasks); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if got := ran.Load(); got != 20 {
		t.Errorf("ran %d tasks, want 20", got)
	}
	if got := maxInFlight.Load(); got > workers {
		t.Errorf("observed %d concurrent tasks, budget is %d", got, workers)
	}
}

func TestPoolDispatchWaitsForCompletion(t *testing.T) {
	pool := NewPool(2)

	var done atomic.Int32
	tasks := []func(){
		func() { time.Sleep(20 * time.Millisecond); done.Add(1) },
		func() { time.Sleep(10 * time.Millisecond); done.Add(1) },
		func() { done.Add(1) },
	}

	pool.Dispatch(context.Background(), tasks)
	if got := done.Load(); got != 3 {
		t.Errorf("Dispatch returned before all tasks finished: %d/3", got)
	}
}

func TestPoolDispatchCancellation(t *testing.T) {
	pool := NewPool(1)

	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int32
	release := make(chan struct{})
	tasks := []func(){
		func() { started.Add(1); <-release },
		func() { started.Add(1) },
		func() { started.Add(1) },
	}

	go func() {
		// Let the first task occupy the only slot, then cancel.
		time.Sleep(10 * time.Millisecond)
		cancel()
		close(release)
	}()

	err := pool.Dispatch(ctx, tasks)
	if err == nil {
		t.Error("expected the context error after cancellation")
	}
	if got := started.Load(); got > 2 {
		t.Errorf("admission should stop after cancel, started %d", got)
	}
}

func TestNewPoolClampsWidth(t *testing.T) {
	if got := NewPool(0).Workers(); got != 1 {
		t.Errorf("Workers() = %d, want 1", got)
	}
	if got := NewPool(-5).Workers(); got != 1 {
		t.Errorf("Workers() = %d, want 1", got)
	}
	if got := NewPool(8).Workers(); got != 8 {
		t.Errorf("Workers() = %d, want 8", got)
	}
}
