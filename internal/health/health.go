// Package health aggregates dependency checks into one relay status.
//
// Each registered check reports healthy, degraded or unhealthy. The relay
// is unhealthy when any check is, degraded when any check is degraded or
// unknown, and healthy otherwise.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// Status is the health of one check or of the whole relay.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded, StatusUnknown:
		return 1
	default:
		return 2
	}
}

// Result is what a check reports. An empty Status means healthy.
type Result struct {
	Status  Status
	Details map[string]interface{}
}

// CheckFunc inspects one dependency. A returned error marks it unhealthy.
type CheckFunc func(ctx context.Context) (Result, error)

// Check is the outcome of one check run.
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	LatencyMs int64                  `json:"latencyMs"`
	CheckedAt int64                  `json:"checkedAt"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Report is the aggregated relay health.
type Report struct {
	Status    Status  `json:"status"`
	Uptime    string  `json:"uptime"`
	Timestamp int64   `json:"timestamp"`
	Checks    []Check `json:"checks"`
}

// Config holds configuration for the Service.
type Config struct {
	// Timeout bounds each check. Default 5s.
	Timeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service runs registered checks.
type Service struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   *Report

	timeout time.Duration
	now     func() time.Time
	started time.Time
	log     *logging.Logger
}

// New creates a health service.
func New(cfg *Config) *Service {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Service{
		checks:  make(map[string]CheckFunc),
		timeout: cfg.Timeout,
		now:     cfg.Now,
		log:     logging.GetDefault().Component("health"),
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.started = s.now()
	return s
}

// Register adds or replaces a named check.
func (s *Service) Register(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// Check runs every registered check concurrently and returns the report.
func (s *Service) Check(ctx context.Context) *Report {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	fns := make([]CheckFunc, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fns = append(fns, s.checks[name])
	}
	s.mu.RUnlock()

	out := make([]Check, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = s.run(ctx, names[i], fns[i])
		}(i)
	}
	wg.Wait()

	now := s.now()
	rep := &Report{
		Status:    Aggregate(out),
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
		Timestamp: now.UnixMilli(),
		Checks:    out,
	}

	s.mu.Lock()
	prev := s.last
	s.last = rep
	s.mu.Unlock()

	if prev != nil && prev.Status != rep.Status {
		s.log.Warn("Relay health changed", "from", prev.Status, "to", rep.Status)
	}
	for _, c := range rep.Checks {
		if c.Status == StatusUnhealthy {
			s.log.Debug("Check failed", "check", c.Name, "error", c.Error)
		}
	}
	return rep
}

func (s *Service) run(ctx context.Context, name string, fn CheckFunc) (c Check) {
	c.Name = name
	start := s.now()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.Status = StatusUnhealthy
			c.Error = fmt.Sprintf("check panicked: %v", r)
		}
		c.LatencyMs = s.now().Sub(start).Milliseconds()
		c.CheckedAt = s.now().UnixMilli()
	}()

	res, err := fn(cctx)
	c.Details = res.Details
	switch {
	case err != nil:
		c.Status = StatusUnhealthy
		c.Error = err.Error()
	case res.Status == "":
		c.Status = StatusHealthy
	default:
		c.Status = res.Status
	}
	return c
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run is a worker function refreshing the cached report.
func (s *Service) Run(ctx context.Context) error {
	s.Check(ctx)
	return nil
}

// Aggregate folds check outcomes into one status.
func Aggregate(checks []Check) Status {
	worst := StatusHealthy
	for _, c := range checks {
		if c.Status.rank() > worst.rank() {
			worst = c.Status
		}
	}
	if worst == StatusUnknown {
		return StatusDegraded
	}
	return worst
}

// Handler serves a fresh report as JSON. Unhealthy answers 503.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := s.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(rep)
	})
}
