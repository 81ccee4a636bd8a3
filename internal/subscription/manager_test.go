package subscription

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/events"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// sink is a Transport that records batches and fails while failures > 0.
type sink struct {
	mu       sync.Mutex
	batches  [][]Delivery
	failures int
}

func (s *sink) Deliver(ctx context.Context, clientID string, batch []Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		s.batches = append(s.batches, nil)
		return errors.New("connection reset")
	}
	cp := make([]Delivery, len(batch))
	copy(cp, batch)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *sink) delivered() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Delivery
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *sink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func newTestManager(t *testing.T, cfg *Config) (*Manager, *sink, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	tr := &sink{}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Transport = tr
	cfg.Now = clk.now
	return NewManager(cfg), tr, clk
}

func subscribe(t *testing.T, m *Manager, req *Request) *View {
	t.Helper()
	if _, err := m.RegisterClient(ClientInfo{ID: req.ClientID, ConnectionType: "websocket"}); err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	v, err := m.CreateSubscription(req)
	if err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	return v
}

func event(seq uint64, typ events.Type, meta events.Metadata, at time.Time) events.Event {
	return events.Event{ID: fmt.Sprintf("ev-%d", seq), Seq: seq, Type: typ, Timestamp: at, Metadata: meta}
}

func drain(m *Manager) {
	for m.Flush(context.Background()) > 0 {
	}
}

func TestFilteredDeliveryTenThousandEvents(t *testing.T) {
	m, tr, clk := newTestManager(t, &Config{QuotaEvents: 100000, MaxBuffer: 20000})
	subscribe(t, m, &Request{
		ClientID:   "watcher",
		EventTypes: events.AllTypes(),
		Filters:    &Filters{OrderHashes: []string{"0xaaa"}},
	})

	hashes := []string{"0xaaa", "0xbbb", "0xccc", ""}
	types := events.AllTypes()
	rng := rand.New(rand.NewSource(42))
	want := 0
	for i := 0; i < 10000; i++ {
		h := hashes[rng.Intn(len(hashes))]
		if h == "0xaaa" {
			want++
		}
		m.Route(event(uint64(i+1), types[rng.Intn(len(types))], events.Metadata{OrderHash: h}, clk.now()))
		if i%500 == 0 {
			drain(m)
		}
	}
	drain(m)

	got := tr.delivered()
	if len(got) != want {
		t.Fatalf("delivered %d events, want %d", len(got), want)
	}
	for _, d := range got {
		if d.Event.Metadata.OrderHash != "0xaaa" {
			t.Fatalf("delivered event %s with orderHash %q", d.Event.ID, d.Event.Metadata.OrderHash)
		}
	}
	for _, b := range tr.batches {
		if len(b) > DefaultBatchSize {
			t.Fatalf("batch of %d exceeds batch size", len(b))
		}
	}
}

func TestFilters(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	ev := event(1, events.SwapLocked, events.Metadata{OrderHash: "0xAbC", SwapID: "s1", ChainID: "ethereum"}, at)
	tests := []struct {
		name string
		f    *Filters
		want bool
	}{
		{"nil", nil, true},
		{"empty", &Filters{}, true},
		{"hash case-insensitive", &Filters{OrderHashes: []string{"0xabc"}}, true},
		{"hash mismatch", &Filters{OrderHashes: []string{"0xdef"}}, false},
		{"resolver missing on event", &Filters{Resolvers: []string{"r1"}}, false},
		{"chain", &Filters{ChainIDs: []string{"stellar", "ethereum"}}, true},
		{"swap", &Filters{SwapIDs: []string{"s2"}}, false},
		{"in range", &Filters{TimeRange: &events.TimeRange{Start: at.Add(-time.Minute), End: at}}, true},
		{"before range", &Filters{TimeRange: &events.TimeRange{Start: at.Add(time.Second)}}, false},
		{"urgent only", &Filters{UrgentOnly: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Match(&ev); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	m, tr, clk := newTestManager(t, nil)
	subscribe(t, m, &Request{ClientID: "c1", EventTypes: events.AllTypes()})

	now := clk.now()
	m.Route(event(1, events.SwapLocked, events.Metadata{}, now))
	m.Route(event(2, events.GasUpdate, events.Metadata{}, now))
	m.Route(event(3, events.OrderCreated, events.Metadata{}, now))
	m.Route(event(4, events.OrderFilled, events.Metadata{Urgent: true}, now))
	m.Route(event(5, events.SwapCompleted, events.Metadata{}, now))
	drain(m)

	got := tr.delivered()
	wantOrder := []string{"ev-4", "ev-3", "ev-2", "ev-1", "ev-5"}
	if len(got) != len(wantOrder) {
		t.Fatalf("delivered %d, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].Event.ID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].Event.ID, id)
		}
	}
	if got[0].Priority != 50+20+50 {
		t.Errorf("urgent fill priority = %d, want 120", got[0].Priority)
	}
}

func TestPriorityWeights(t *testing.T) {
	ev := event(1, events.GasUpdate, events.Metadata{Urgent: true}, time.Time{})
	tests := []struct {
		p    Priority
		want int
	}{
		{PriorityLow, 25 + 5 + 50},
		{PriorityMedium, 50 + 5 + 50},
		{PriorityHigh, 75 + 5 + 50},
		{PriorityUrgent, 100 + 5 + 50},
	}
	for _, tt := range tests {
		if got := priorityOf(&ev, tt.p); got != tt.want {
			t.Errorf("priorityOf(%s) = %d, want %d", tt.p, got, tt.want)
		}
	}
	if _, err := ParsePriority("critical"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("ParsePriority(critical) err = %v", err)
	}
}

func TestBatchSizeHonoured(t *testing.T) {
	m, tr, clk := newTestManager(t, nil)
	subscribe(t, m, &Request{ClientID: "c1", Delivery: &DeliveryPatch{BatchSize: 4}})
	for i := 0; i < 10; i++ {
		m.Route(event(uint64(i+1), events.OrderCreated, events.Metadata{}, clk.now()))
	}
	if n := m.Flush(context.Background()); n != 4 {
		t.Fatalf("first flush sent %d, want 4", n)
	}
	drain(m)
	sizes := []int{}
	for _, b := range tr.batches {
		sizes = append(sizes, len(b))
	}
	if fmt.Sprint(sizes) != "[4 4 2]" {
		t.Errorf("batch sizes = %v, want [4 4 2]", sizes)
	}
}

func TestRetryUntilDropped(t *testing.T) {
	m, tr, clk := newTestManager(t, &Config{RetryDelay: time.Second})
	subscribe(t, m, &Request{ClientID: "c1"})
	tr.failures = 100

	m.Route(event(1, events.OrderCreated, events.Metadata{}, clk.now()))
	for i := 0; i < 10; i++ {
		m.Flush(context.Background())
		// Not ready again until the retry delay has passed.
		if m.Flush(context.Background()) != 0 {
			t.Fatal("retry delivered before its delay")
		}
		clk.advance(2 * time.Second)
	}

	if got := tr.calls(); got != DefaultMaxRetries+1 {
		t.Errorf("deliver calls = %d, want %d", got, DefaultMaxRetries+1)
	}
	v, _ := m.GetSubscription("c1")
	if v.Stats.DeliveryFailures != 1 || v.Stats.Retries != DefaultMaxRetries {
		t.Errorf("stats = %+v", v.Stats)
	}
	if st := m.Stats(); st.QueueDepth != 0 || st.Failed != 1 {
		t.Errorf("manager stats = %+v", st)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	m, tr, clk := newTestManager(t, &Config{RetryDelay: time.Second})
	subscribe(t, m, &Request{ClientID: "c1"})
	tr.failures = 1

	m.Route(event(1, events.OrderCreated, events.Metadata{}, clk.now()))
	m.Flush(context.Background())
	clk.advance(time.Second + time.Millisecond)
	m.Flush(context.Background())

	got := tr.delivered()
	if len(got) != 1 || got[0].Attempt != 2 {
		t.Fatalf("deliveries = %+v", got)
	}
	v, _ := m.GetSubscription("c1")
	if v.Stats.DeliverySuccess != 1 || v.Stats.Retries != 1 || v.Stats.DeliveryFailures != 0 {
		t.Errorf("stats = %+v", v.Stats)
	}
	if v.Stats.AverageLatencyMs != 1001 {
		t.Errorf("latency = %dms, want 1001", v.Stats.AverageLatencyMs)
	}
}

func TestAckRequired(t *testing.T) {
	m, tr, clk := newTestManager(t, &Config{AckTimeout: 5 * time.Second, RetryDelay: time.Millisecond})
	ack := true
	subscribe(t, m, &Request{ClientID: "c1", Delivery: &DeliveryPatch{AckRequired: &ack}})

	m.Route(event(1, events.OrderCreated, events.Metadata{}, clk.now()))
	m.Route(event(2, events.OrderCreated, events.Metadata{}, clk.now()))
	drain(m)
	first := tr.delivered()
	if len(first) != 2 || m.Stats().PendingAcks != 2 {
		t.Fatalf("delivered %d, pending %d", len(first), m.Stats().PendingAcks)
	}

	n, err := m.Acknowledge("c1", []string{first[0].ID, "unknown"})
	if err != nil || n != 1 {
		t.Fatalf("Acknowledge = %d, %v", n, err)
	}

	// The second delivery times out and is sent again.
	clk.advance(6 * time.Second)
	m.expireAcks()
	clk.advance(2 * time.Millisecond)
	drain(m)
	all := tr.delivered()
	if len(all) != 3 || all[2].Event.ID != first[1].Event.ID || all[2].Attempt != 2 {
		t.Fatalf("redelivery = %+v", all)
	}
	v, _ := m.GetSubscription("c1")
	if v.Stats.DeliverySuccess != 1 || v.Stats.Retries != 1 {
		t.Errorf("stats = %+v", v.Stats)
	}
	if _, err := m.Acknowledge("ghost", nil); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("ack from unknown client err = %v", err)
	}
}

func TestQuotaRefusesUntilReset(t *testing.T) {
	m, _, clk := newTestManager(t, &Config{QuotaEvents: 3})
	subscribe(t, m, &Request{ClientID: "c1"})

	for i := 0; i < 5; i++ {
		m.Route(event(uint64(i+1), events.OrderCreated, events.Metadata{}, clk.now()))
	}
	st := m.Stats()
	if st.QueueDepth != 3 || st.Refused != 2 {
		t.Fatalf("queue %d refused %d, want 3 and 2", st.QueueDepth, st.Refused)
	}
	c, _ := m.Client("c1")
	if !c.Quota.Exceeded {
		t.Error("quota should be marked exceeded")
	}

	_ = m.ResetQuotas(context.Background())
	m.Route(event(6, events.OrderCreated, events.Metadata{}, clk.now()))
	if m.Stats().QueueDepth != 4 {
		t.Errorf("queue after reset = %d, want 4", m.Stats().QueueDepth)
	}
}

func TestBufferLimit(t *testing.T) {
	m, _, clk := newTestManager(t, nil)
	subscribe(t, m, &Request{ClientID: "c1", Delivery: &DeliveryPatch{MaxBuffer: 2}})
	for i := 0; i < 4; i++ {
		m.Route(event(uint64(i+1), events.OrderCreated, events.Metadata{}, clk.now()))
	}
	v, _ := m.GetSubscription("c1")
	if v.Stats.MessagesQueued != 2 || v.Stats.Refused != 2 {
		t.Errorf("stats = %+v", v.Stats)
	}
}

func TestIdleSubscriptionExcluded(t *testing.T) {
	m, tr, clk := newTestManager(t, &Config{IdleTimeout: 5 * time.Minute})
	subscribe(t, m, &Request{ClientID: "c1"})

	m.Route(event(1, events.OrderCreated, events.Metadata{}, clk.now()))
	clk.advance(6 * time.Minute)
	_ = m.Cleanup(context.Background())

	v, _ := m.GetSubscription("c1")
	if v.Active {
		t.Fatal("idle subscription should be inactive")
	}
	m.Route(event(2, events.OrderCreated, events.Metadata{}, clk.now()))
	drain(m)
	if n := len(tr.delivered()); n != 0 {
		t.Errorf("inactive subscription received %d events", n)
	}
	if st := m.Stats(); st.QueueDepth != 0 || st.ActiveSubscriptions != 0 {
		t.Errorf("stats = %+v", st)
	}

	if _, err := m.UpdateSubscription(&Request{ClientID: "c1", Priority: "high"}); err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}
	m.Route(event(3, events.OrderCreated, events.Metadata{}, clk.now()))
	drain(m)
	if got := tr.delivered(); len(got) != 1 || got[0].Event.ID != "ev-3" {
		t.Errorf("after reactivation delivered %+v", got)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	m, _, clk := newTestManager(t, nil)

	if _, err := m.CreateSubscription(&Request{ClientID: "nobody"}); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("unknown client err = %v", err)
	}
	if _, err := m.RegisterClient(ClientInfo{ID: "c1"}); err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if _, err := m.RegisterClient(ClientInfo{ID: "c1"}); !errors.Is(err, ErrClientExists) {
		t.Errorf("duplicate client err = %v", err)
	}
	if _, err := m.CreateSubscription(&Request{ClientID: "c1", EventTypes: []events.Type{"bogus"}}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("bogus type err = %v", err)
	}

	v, err := m.CreateSubscription(&Request{ClientID: "c1"})
	if err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if len(v.EventTypes) != 1 || v.EventTypes[0] != events.OrderCreated || v.Priority != PriorityMedium {
		t.Errorf("defaults = %+v", v)
	}
	if v.Delivery.BatchSize != DefaultBatchSize || v.Delivery.MaxRetries != DefaultMaxRetries {
		t.Errorf("delivery defaults = %+v", v.Delivery)
	}

	up, err := m.UpdateSubscription(&Request{
		ClientID:   "c1",
		EventTypes: []events.Type{events.SwapLocked, events.SwapCompleted},
		Filters:    &Filters{ChainIDs: []string{"stellar"}},
	})
	if err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}
	if len(up.EventTypes) != 2 || len(up.Filters.ChainIDs) != 1 || up.ID != v.ID {
		t.Errorf("updated = %+v", up)
	}

	m.Route(event(1, events.SwapLocked, events.Metadata{ChainID: "stellar"}, clk.now()))
	if m.Stats().QueueDepth != 1 {
		t.Fatalf("queue = %d, want 1", m.Stats().QueueDepth)
	}
	if !m.UnregisterClient("c1") {
		t.Fatal("UnregisterClient returned false")
	}
	if st := m.Stats(); st.QueueDepth != 0 || st.TotalClients != 0 || st.TotalSubscriptions != 0 {
		t.Errorf("stats after unregister = %+v", st)
	}
	if m.CancelSubscription("c1") {
		t.Error("cancel after unregister should report false")
	}
	if _, err := m.GetSubscription("c1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("GetSubscription err = %v", err)
	}
}

func TestBusDelivery(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	tr := &sink{}
	m := NewManager(&Config{Bus: bus, Transport: tr, BatchTimeout: 10 * time.Millisecond})
	if _, err := m.RegisterClient(ClientInfo{ID: "c1"}); err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	if _, err := m.CreateSubscription(&Request{ClientID: "c1", EventTypes: []events.Type{events.SwapCreated}}); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	m.Start()
	defer m.Stop()

	if _, err := bus.Publish(events.OrderCreated, nil, events.Metadata{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := bus.Publish(events.SwapCreated, map[string]string{"swapId": "s1"}, events.Metadata{SwapID: "s1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.delivered()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := tr.delivered()
	if len(got) != 1 || got[0].Event.Type != events.SwapCreated {
		t.Fatalf("delivered = %+v", got)
	}
}

func TestUpdateRefiltersQueued(t *testing.T) {
	m, tr, clk := newTestManager(t, nil)
	subscribe(t, m, &Request{ClientID: "c1", EventTypes: []events.Type{events.SwapLocked}})

	m.Route(event(1, events.SwapLocked, events.Metadata{ChainID: "ethereum"}, clk.now()))
	m.Route(event(2, events.SwapLocked, events.Metadata{ChainID: "stellar"}, clk.now()))
	if m.Stats().QueueDepth != 2 {
		t.Fatalf("queue = %d, want 2", m.Stats().QueueDepth)
	}

	if _, err := m.UpdateSubscription(&Request{ClientID: "c1", Filters: &Filters{ChainIDs: []string{"stellar"}}}); err != nil {
		t.Fatalf("UpdateSubscription failed: %v", err)
	}
	drain(m)

	got := tr.delivered()
	if len(got) != 1 || got[0].Event.Seq != 2 {
		t.Fatalf("delivered %+v, want only the stellar event", got)
	}
	if m.Stats().QueueDepth != 0 {
		t.Errorf("queue = %d after flush, want 0", m.Stats().QueueDepth)
	}
}
