package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingObserver struct {
	mu    sync.Mutex
	runs  int
	skips int
	errs  int
}

func (o *recordingObserver) ObserveRun(task string, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs++
	if err != nil {
		o.errs++
	}
}

func (o *recordingObserver) ObserveSkip(task string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skips++
}

func TestTriggerSkipsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	obs := &recordingObserver{}

	task := New(&Config{
		Name:     "slow",
		Interval: time.Hour,
		Observer: obs,
		Fn: func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		},
	})

	done := make(chan bool)
	go func() { done <- task.Trigger() }()
	<-entered

	if task.Trigger() {
		t.Fatal("second trigger should be skipped while the first is running")
	}
	close(release)
	if !<-done {
		t.Fatal("first trigger should have run")
	}

	stats := task.Stats()
	if stats.Runs != 1 || stats.Skips != 1 {
		t.Errorf("expected 1 run and 1 skip, got %+v", stats)
	}
	if obs.runs != 1 || obs.skips != 1 {
		t.Errorf("observer saw runs=%d skips=%d", obs.runs, obs.skips)
	}
}

func TestTaskCountsFailures(t *testing.T) {
	task := New(&Config{
		Name: "failing",
		Fn:   func(ctx context.Context) error { return errors.New("chain down") },
	})
	task.Trigger()
	task.Trigger()
	if got := task.Stats().Fails; got != 2 {
		t.Errorf("expected 2 failures, got %d", got)
	}
}

func TestStartStop(t *testing.T) {
	var count atomic.Int32
	task := New(&Config{
		Name:           "ticker",
		Interval:       10 * time.Millisecond,
		RunImmediately: true,
		Fn: func(ctx context.Context) error {
			count.Add(1)
			return nil
		},
	})
	task.Start()

	deadline := time.Now().Add(2 * time.Second)
	for count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	task.Stop()

	if count.Load() < 3 {
		t.Fatalf("expected at least 3 runs, got %d", count.Load())
	}
	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	if count.Load() != after {
		t.Error("task kept running after Stop")
	}
	if task.Trigger() {
		t.Error("trigger after Stop should not run")
	}
}

func TestStopWaitsForInflight(t *testing.T) {
	var finished atomic.Bool
	var runErr atomic.Value
	entered := make(chan struct{}, 1)
	task := New(&Config{
		Name:           "inflight",
		Interval:       time.Hour,
		RunImmediately: true,
		Fn: func(ctx context.Context) error {
			entered <- struct{}{}
			select {
			case <-ctx.Done():
				runErr.Store(ctx.Err())
			case <-time.After(50 * time.Millisecond):
			}
			finished.Store(true)
			return nil
		},
	})
	task.Start()
	<-entered

	start := time.Now()
	task.Stop()
	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight run finished")
	}
	if err, _ := runErr.Load().(error); err != nil {
		t.Errorf("Stop cancelled the in-flight run: %v", err)
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Errorf("Stop returned after %v, expected it to wait for the run", waited)
	}
}

func TestStopWaitsForExternalTrigger(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	task := New(&Config{
		Name:     "nudged",
		Interval: time.Hour,
		Fn: func(ctx context.Context) error {
			close(entered)
			time.Sleep(40 * time.Millisecond)
			finished.Store(ctx.Err() == nil)
			return nil
		},
	})
	task.Start()
	go task.Trigger()
	<-entered
	task.Stop()
	if !finished.Load() {
		t.Error("Stop did not wait for a run started by Trigger")
	}
}

func TestRunTimeout(t *testing.T) {
	var deadline atomic.Bool
	task := New(&Config{
		Name:    "bounded",
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			deadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
			return ctx.Err()
		},
	})
	if !task.Trigger() {
		t.Fatal("trigger should run")
	}
	if !deadline.Load() {
		t.Error("run context should expire after Timeout")
	}
}

func TestGroup(t *testing.T) {
	var g Group
	var a, b atomic.Int32
	g.Add(New(&Config{Name: "a", Interval: time.Hour, RunImmediately: true, Fn: func(ctx context.Context) error { a.Add(1); return nil }}))
	g.Add(New(&Config{Name: "b", Interval: time.Hour, RunImmediately: true, Fn: func(ctx context.Context) error { b.Add(1); return nil }}))
	g.Start()

	deadline := time.Now().Add(time.Second)
	for (a.Load() == 0 || b.Load() == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	g.Stop()

	stats := g.Stats()
	if len(stats) != 2 || stats[0].Name != "a" || stats[1].Runs != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
