package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// DefaultRingSize is the number of events the bus retains.
const DefaultRingSize = 500

// Recorder is appended to synchronously inside Publish, in sequence order.
// Implementations must not publish.
type Recorder interface {
	Record(ev Event)
}

// Sink forwards events to an external system. Each sink gets its own
// subscription, so a slow sink only delays itself.
type Sink interface {
	Name() string
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Config holds configuration for the Bus.
type Config struct {
	RingSize int
	Now      func() time.Time
}

// Bus is a bounded, ordered, in-memory append log with channel fan-out.
type Bus struct {
	mu sync.RWMutex

	ring  []Event
	head  int // index of the oldest event
	count int
	seq   uint64

	recorders []Recorder
	subs      map[string]*Subscription

	wake      chan struct{}
	published atomic.Uint64
	now       func() time.Time
	log       *logging.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sinkWG   sync.WaitGroup
	sinks    []Sink
	closeOne sync.Once
}

// NewBus creates a bus and starts its dispatcher.
func NewBus(cfg *Config) *Bus {
	if cfg == nil {
		cfg = &Config{}
	}
	size := cfg.RingSize
	if size <= 0 {
		size = DefaultRingSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		ring:   make([]Event, size),
		subs:   make(map[string]*Subscription),
		wake:   make(chan struct{}, 1),
		now:    now,
		log:    logging.GetDefault().Component("events"),
		ctx:    ctx,
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// AddRecorder registers a synchronous recorder such as History.
func (b *Bus) AddRecorder(r Recorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorders = append(b.recorders, r)
}

// Publish appends an event and returns it once it is in the ring.
func (b *Bus) Publish(t Type, data interface{}, meta Metadata) (Event, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = append(json.RawMessage(nil), v...)
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			return Event{}, fmt.Errorf("failed to encode %s event: %w", t, err)
		}
		raw = enc
	}

	b.mu.Lock()
	b.seq++
	ev := Event{
		ID:        uuid.New().String(),
		Seq:       b.seq,
		Type:      t,
		Timestamp: b.now().UTC(),
		Data:      raw,
		Metadata:  meta,
	}
	idx := (b.head + b.count) % len(b.ring)
	if b.count == len(b.ring) {
		b.head = (b.head + 1) % len(b.ring)
	} else {
		b.count++
	}
	b.ring[idx] = ev
	for _, r := range b.recorders {
		r.Record(ev)
	}
	b.mu.Unlock()

	b.published.Add(1)
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return ev, nil
}

// Since returns retained events with Seq > after, oldest first. skipped is
// the number of events after `after` that already fell out of the ring.
func (b *Bus) Since(after uint64) (evs []Event, skipped uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sinceLocked(after)
}

func (b *Bus) sinceLocked(after uint64) ([]Event, uint64) {
	if b.count == 0 || after >= b.seq {
		return nil, 0
	}
	oldest := b.ring[b.head].Seq
	var skipped uint64
	if after+1 < oldest {
		skipped = oldest - after - 1
		after = oldest - 1
	}
	n := int(b.seq - after)
	out := make([]Event, 0, n)
	start := b.count - n
	for i := start; i < b.count; i++ {
		out = append(out, b.ring[(b.head+i)%len(b.ring)])
	}
	return out, skipped
}

// Recent returns up to n of the newest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]Event, 0, n)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.ring[(b.head+i)%len(b.ring)])
	}
	return out
}

// LastSeq returns the sequence number of the newest event.
func (b *Bus) LastSeq() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Subscription is a consumer's view of the bus.
type Subscription struct {
	id   string
	name string

	sendMu sync.Mutex
	ch     chan Event
	closed bool

	cursor    uint64 // owned by the dispatcher
	delivered atomic.Uint64
	dropped   atomic.Uint64
	bus       *Bus
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// C returns the event channel. It is closed on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns the number of events that fell out of the ring before
// this subscriber could take them.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes.
func (s *Subscription) Close() { s.bus.Unsubscribe(s.id) }

// try sends without blocking. It reports false if the channel is full or closed.
func (s *Subscription) try(ev Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		s.delivered.Add(1)
		return true
	default:
		return false
	}
}

func (s *Subscription) shut() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribe returns a subscription receiving events published from now on.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	return b.SubscribeFrom(name, buffer, b.LastSeq())
}

// SubscribeFrom returns a subscription receiving events with Seq > after,
// backfilled from the ring.
func (b *Bus) SubscribeFrom(name string, buffer int, after uint64) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{
		id:     uuid.New().String(),
		name:   name,
		ch:     make(chan Event, buffer),
		cursor: after,
		bus:    b,
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		s.shut()
		return s
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return s
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		s.shut()
	}
}

// AttachSink forwards every future event to sink from its own goroutine.
func (b *Bus) AttachSink(sink Sink, buffer int) {
	sub := b.Subscribe("sink:"+sink.Name(), buffer)
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()

	b.sinkWG.Add(1)
	go func() {
		defer b.sinkWG.Done()
		for ev := range sub.C() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Emit(ctx, ev); err != nil {
				b.log.Warn("Sink emit failed", "sink", sink.Name(), "event", ev.Type, "error", err)
			}
			cancel()
		}
	}()
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()

	var retry *time.Timer
	var retryC <-chan time.Time
	for {
		select {
		case <-b.ctx.Done():
			if retry != nil {
				retry.Stop()
			}
			return
		case <-b.wake:
		case <-retryC:
		}

		lagging := b.dispatch()
		if lagging {
			if retry == nil {
				retry = time.NewTimer(20 * time.Millisecond)
			} else {
				retry.Reset(20 * time.Millisecond)
			}
			retryC = retry.C
		} else {
			retryC = nil
		}
	}
}

// dispatch moves retained events into subscriber channels. It reports
// whether any subscriber still has undelivered events.
func (b *Bus) dispatch() bool {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	lagging := false
	for _, s := range subs {
		evs, skipped := b.Since(s.cursor)
		if skipped > 0 {
			s.dropped.Add(skipped)
			s.cursor += skipped
			b.log.Warn("Subscriber fell behind the ring", "subscriber", s.name, "dropped", skipped)
		}
		for _, ev := range evs {
			if !s.try(ev) {
				lagging = true
				break
			}
			s.cursor = ev.Seq
		}
	}
	return lagging
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Retained    int    `json:"retained"`
	Capacity    int    `json:"capacity"`
	LastSeq     uint64 `json:"lastSeq"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`

	// Pending counts events sitting in subscriber channels.
	Pending int `json:"pending"`
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Published:   b.published.Load(),
		Retained:    b.count,
		Capacity:    len(b.ring),
		LastSeq:     b.seq,
		Subscribers: len(b.subs),
	}
	for _, s := range b.subs {
		st.Dropped += s.dropped.Load()
		st.Pending += len(s.ch)
	}
	return st
}

// Close stops the dispatcher, closes every subscription and flushes sinks.
func (b *Bus) Close() error {
	b.closeOne.Do(func() {
		b.cancel()
		b.wg.Wait()

		b.mu.Lock()
		subs := b.subs
		b.subs = make(map[string]*Subscription)
		sinks := b.sinks
		b.mu.Unlock()

		for _, s := range subs {
			s.shut()
		}
		b.sinkWG.Wait()
		for _, sink := range sinks {
			if err := sink.Close(); err != nil {
				b.log.Warn("Sink close failed", "sink", sink.Name(), "error", err)
			}
		}
	})
	return nil
}
