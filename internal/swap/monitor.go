package swap

import (
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/worker"
)

// Default monitor intervals.
const (
	DefaultLockInterval     = 5 * time.Second
	DefaultClaimInterval    = 10 * time.Second
	DefaultWatchdogInterval = 30 * time.Second
)

// MonitorConfig holds the intervals for Monitors.
type MonitorConfig struct {
	LockInterval     time.Duration
	ClaimInterval    time.Duration
	WatchdogInterval time.Duration
	Observer         worker.Observer
}

// Monitors runs the lock monitor, claim monitor and timeout watchdog of a
// coordinator as periodic tasks. Each task skips a tick while its previous
// run is still going.
type Monitors struct {
	Locks    *worker.Task
	Claims   *worker.Task
	Watchdog *worker.Task

	group worker.Group
}

// NewMonitors wires the periodic passes of c.
func NewMonitors(c *Coordinator, cfg *MonitorConfig) *Monitors {
	if cfg == nil {
		cfg = &MonitorConfig{}
	}
	pick := func(d, def time.Duration) time.Duration {
		if d <= 0 {
			return def
		}
		return d
	}
	m := &Monitors{}
	m.Locks = m.group.Add(worker.New(&worker.Config{
		Name:     "swap_lock_monitor",
		Interval: pick(cfg.LockInterval, DefaultLockInterval),
		Fn:       c.DetectLocks,
		Observer: cfg.Observer,
	}))
	m.Claims = m.group.Add(worker.New(&worker.Config{
		Name:     "swap_claim_monitor",
		Interval: pick(cfg.ClaimInterval, DefaultClaimInterval),
		Fn:       c.DetectClaims,
		Observer: cfg.Observer,
	}))
	m.Watchdog = m.group.Add(worker.New(&worker.Config{
		Name:           "swap_watchdog",
		Interval:       pick(cfg.WatchdogInterval, DefaultWatchdogInterval),
		Fn:             c.CheckTimeouts,
		Observer:       cfg.Observer,
		RunImmediately: true,
	}))
	return m
}

// Start starts all three tasks.
func (m *Monitors) Start() { m.group.Start() }

// Stop stops the tasks and waits for in-flight passes.
func (m *Monitors) Stop() { m.group.Stop() }

// Stats returns per-task counters.
func (m *Monitors) Stats() []worker.Stats { return m.group.Stats() }

// Nudge runs the lock monitor now, used after a source lock is attached.
// It returns at once if a pass is already running.
func (m *Monitors) Nudge() {
	go m.Locks.Trigger()
}
