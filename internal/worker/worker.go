// Package worker runs named periodic tasks with a skip-if-running guard.
//
// A tick that fires while the previous run of the same task is still in
// progress is skipped and counted, never queued. Stop ends the ticker loop
// and waits for the in-flight run to return; the run's context is not
// cancelled by Stop, so chain calls in flight finish or hit their own
// deadlines.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// TaskFunc is one run of a periodic task.
type TaskFunc func(ctx context.Context) error

// Observer receives run outcomes, typically a metrics recorder.
type Observer interface {
	ObserveRun(task string, d time.Duration, err error)
	ObserveSkip(task string)
}

// Task is a periodic job.
type Task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	observer Observer
	log      *logging.Logger

	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	fails   atomic.Uint64

	timeout   time.Duration
	immediate bool

	mu       sync.Mutex
	stopped  bool
	quit     chan struct{}
	loop     sync.WaitGroup
	inflight sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// Config holds configuration for a Task.
type Config struct {
	Name     string
	Interval time.Duration // default 30s
	Fn       TaskFunc
	Observer Observer

	// Timeout bounds a single run. Zero leaves the run to the deadlines of
	// the calls it makes.
	Timeout time.Duration

	// RunImmediately runs the task once on Start instead of waiting a full interval.
	RunImmediately bool
}

// New creates a new periodic task.
func New(cfg *Config) *Task {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Task{
		name:      cfg.Name,
		interval:  interval,
		fn:        cfg.Fn,
		observer:  cfg.Observer,
		log:       logging.GetDefault().Component("worker"),
		timeout:   cfg.Timeout,
		immediate: cfg.RunImmediately,
		quit:      make(chan struct{}),
	}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Start starts the ticker loop.
func (t *Task) Start() {
	t.startOnce.Do(func() {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.loop.Add(1)
		t.mu.Unlock()
		go t.run()
		t.log.Debug("Periodic task started", "task", t.name, "interval", t.interval)
	})
}

// Stop stops the ticker, refuses further triggers and waits for an
// in-flight run to finish.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		close(t.quit)
		t.loop.Wait()
		t.inflight.Wait()
		t.log.Debug("Periodic task stopped", "task", t.name)
	})
}

func (t *Task) run() {
	defer t.loop.Done()

	if t.immediate {
		t.Trigger()
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			t.Trigger()
		}
	}
}

// Trigger runs the task now unless a run is already in progress.
// It reports whether the run happened.
func (t *Task) Trigger() bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	if !t.running.CompareAndSwap(false, true) {
		t.mu.Unlock()
		t.skips.Add(1)
		if t.observer != nil {
			t.observer.ObserveSkip(t.name)
		}
		t.log.Debug("Previous run still in progress, skipping tick", "task", t.name)
		return false
	}
	t.inflight.Add(1)
	t.mu.Unlock()
	defer t.inflight.Done()
	defer t.running.Store(false)

	ctx, cancel := t.runContext()
	defer cancel()

	start := time.Now()
	err := t.fn(ctx)
	t.runs.Add(1)
	if err != nil {
		t.fails.Add(1)
		t.log.Warn("Periodic task failed", "task", t.name, "error", err)
	}
	if t.observer != nil {
		t.observer.ObserveRun(t.name, time.Since(start), err)
	}
	return true
}

func (t *Task) runContext() (context.Context, context.CancelFunc) {
	if t.timeout > 0 {
		return context.WithTimeout(context.Background(), t.timeout)
	}
	return context.WithCancel(context.Background())
}

// Stats is a snapshot of task counters.
type Stats struct {
	Name    string `json:"name"`
	Runs    uint64 `json:"runs"`
	Skips   uint64 `json:"skips"`
	Fails   uint64 `json:"fails"`
	Running bool   `json:"running"`
}

// Stats returns the task counters.
func (t *Task) Stats() Stats {
	return Stats{
		Name:    t.name,
		Runs:    t.runs.Load(),
		Skips:   t.skips.Load(),
		Fails:   t.fails.Load(),
		Running: t.running.Load(),
	}
}
