// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/internal/worker"
)

const namespace = "relay"

// Metrics holds the relay collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	taskRuns        *prometheus.CounterVec
	taskSkips       *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	chainCalls      *prometheus.CounterVec
	chainLatency    *prometheus.HistogramVec

	mu     sync.Mutex
	gauges map[string]bool
}

var (
	_ worker.Observer = (*Metrics)(nil)
	_ events.Recorder = (*Metrics)(nil)
)

// New creates the collectors and registers them.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]bool),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the bus by type.",
		}, []string{"type"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Periodic task runs by task and result.",
		}, []string{"task", "result"}),
		taskSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_skips_total",
			Help:      "Ticks skipped because the previous run was still in progress.",
		}, []string{"task"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Periodic task run duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		chainCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_calls_total",
			Help:      "Chain adapter calls by chain, operation and error kind.",
		}, []string{"chain", "op", "kind"}),
		chainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_call_seconds",
			Help:      "Chain adapter call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"chain", "op"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsPublished,
		m.taskRuns,
		m.taskSkips,
		m.taskDuration,
		m.chainCalls,
		m.chainLatency,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Record implements events.Recorder.
func (m *Metrics) Record(ev events.Event) {
	m.eventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

// ObserveRun implements worker.Observer.
func (m *Metrics) ObserveRun(task string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.taskRuns.WithLabelValues(task, result).Inc()
	m.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// ObserveSkip implements worker.Observer.
func (m *Metrics) ObserveSkip(task string) {
	m.taskSkips.WithLabelValues(task).Inc()
}

// ObserveChainCall records one adapter call.
func (m *Metrics) ObserveChainCall(id chain.ID, op string, d time.Duration, err error) {
	kind := "ok"
	if err != nil {
		kind = string(apperr.KindOf(err))
		if kind == "" {
			kind = "unknown"
		}
	}
	m.chainCalls.WithLabelValues(string(id), op, kind).Inc()
	m.chainLatency.WithLabelValues(string(id), op).Observe(d.Seconds())
}

// GaugeFunc registers a gauge read from fn at scrape time. Registering the
// same name twice is a no-op.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] {
		return
	}
	m.gauges[name] = true
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// LabeledGaugeFunc registers a gauge family whose label values and readings
// come from fn at scrape time.
func (m *Metrics) LabeledGaugeFunc(name, help, label string, fn func() map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] {
		return
	}
	m.gauges[name] = true
	m.registry.MustRegister(&mapCollector{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{label}, nil),
		fn:   fn,
	})
}

type mapCollector struct {
	desc *prometheus.Desc
	fn   func() map[string]float64
}

func (c *mapCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *mapCollector) Collect(ch chan<- prometheus.Metric) {
	for label, v := range c.fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, v, label)
	}
}

// Instrument wraps an adapter so every call is counted and timed.
func (m *Metrics) Instrument(ad chain.Adapter) chain.Adapter {
	return &instrumented{Adapter: ad, m: m}
}

type instrumented struct {
	chain.Adapter
	m *Metrics
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	if chain.IsSettled(err) {
		err = nil
	}
	i.m.ObserveChainCall(i.Chain(), op, time.Since(start), err)
}

func (i *instrumented) Lock(ctx context.Context, p chain.LockParams) (chain.LockRef, error) {
	start := time.Now()
	ref, err := i.Adapter.Lock(ctx, p)
	i.observe("lock", start, err)
	return ref, err
}

func (i *instrumented) Claim(ctx context.Context, ref chain.LockRef, p chain.Preimage) (chain.TxRef, error) {
	start := time.Now()
	tx, err := i.Adapter.Claim(ctx, ref, p)
	i.observe("claim", start, err)
	return tx, err
}

func (i *instrumented) Refund(ctx context.Context, ref chain.LockRef) (chain.TxRef, error) {
	start := time.Now()
	tx, err := i.Adapter.Refund(ctx, ref)
	i.observe("refund", start, err)
	return tx, err
}

func (i *instrumented) Status(ctx context.Context, ref chain.LockRef) (*chain.LockStatus, error) {
	start := time.Now()
	st, err := i.Adapter.Status(ctx, ref)
	i.observe("status", start, err)
	return st, err
}

// FindLock forwards to the wrapped adapter when it can locate locks.
func (i *instrumented) FindLock(ctx context.Context, p chain.LockParams) (*chain.LockStatus, error) {
	start := time.Now()
	st, err := chain.FindLock(ctx, i.Adapter, p)
	i.observe("find", start, err)
	return st, err
}

// Head forwards to the wrapped adapter when it reports a tip.
func (i *instrumented) Head(ctx context.Context) (*chain.Head, error) {
	start := time.Now()
	h, err := chain.ReadHead(ctx, i.Adapter)
	if errors.Is(err, chain.ErrNoHead) {
		return nil, err
	}
	i.observe("head", start, err)
	return h, err
}
