package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishOrderAndRing(t *testing.T) {
	b := NewBus(&Config{RingSize: 5})
	defer b.Close()

	for i := 0; i < 8; i++ {
		if _, err := b.Publish(OrderCreated, map[string]int{"i": i}, Metadata{OrderHash: "0xa"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	recent := b.Recent(0)
	if len(recent) != 5 {
		t.Fatalf("expected ring to hold 5 events, got %d", len(recent))
	}
	for i, ev := range recent {
		if ev.Seq != uint64(4+i) {
			t.Errorf("recent[%d].Seq = %d, want %d", i, ev.Seq, 4+i)
		}
	}

	evs, skipped := b.Since(1)
	if skipped != 2 || len(evs) != 5 || evs[0].Seq != 4 {
		t.Errorf("Since(1) = %d events, skipped %d", len(evs), skipped)
	}
	if evs, _ := b.Since(8); len(evs) != 0 {
		t.Errorf("Since(last) should be empty, got %d", len(evs))
	}
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	sub := b.Subscribe("test", 16)
	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			b.Publish(SwapLocked, nil, Metadata{SwapID: "s"})
		}
	}()

	var last uint64
	timeout := time.After(5 * time.Second)
	for got := 0; got < n; got++ {
		select {
		case ev := <-sub.C():
			if ev.Seq <= last {
				t.Fatalf("out of order: %d after %d", ev.Seq, last)
			}
			last = ev.Seq
		case <-timeout:
			t.Fatalf("timed out after %d events", got)
		}
	}
	if sub.Dropped() != 0 {
		t.Errorf("expected no drops with a buffered ring, got %d", sub.Dropped())
	}
}

func TestSubscribeFromBackfills(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	b.Publish(OrderCreated, nil, Metadata{})
	b.Publish(OrderFilled, nil, Metadata{})

	sub := b.SubscribeFrom("late", 4, 0)
	for _, want := range []Type{OrderCreated, OrderFilled} {
		select {
		case ev := <-sub.C():
			if ev.Type != want {
				t.Errorf("got %s, want %s", ev.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatal("backfill not delivered")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	sub := b.Subscribe("x", 1)
	sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed")
	}
	if b.Stats().Subscribers != 0 {
		t.Error("subscription not removed")
	}
}

func TestEventDataIsImmutable(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	payload := map[string]string{"k": "v"}
	ev, _ := b.Publish(OrderCreated, payload, Metadata{})
	payload["k"] = "changed"

	got := b.Recent(1)[0]
	var decoded map[string]string
	if err := got.Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["k"] != "v" || string(ev.Data) != string(got.Data) {
		t.Errorf("event data mutated: %s", got.Data)
	}
}

type memSink struct {
	mu     sync.Mutex
	got    []Event
	closed bool
}

func (s *memSink) Name() string { return "mem" }
func (s *memSink) Emit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return nil
}
func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestSinkFlushedOnClose(t *testing.T) {
	b := NewBus(nil)
	sink := &memSink{}
	b.AttachSink(sink, 64)

	for i := 0; i < 10; i++ {
		b.Publish(GasUpdate, nil, Metadata{})
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.got)
		sink.mu.Unlock()
		if n == 10 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 10 || !sink.closed {
		t.Errorf("sink got %d events, closed=%v", len(sink.got), sink.closed)
	}
}

func TestRecorderSeesEveryEvent(t *testing.T) {
	b := NewBus(&Config{RingSize: 2})
	defer b.Close()
	h := NewHistory(100)
	b.AddRecorder(h)

	for i := 0; i < 10; i++ {
		b.Publish(OrderCreated, nil, Metadata{})
	}
	if h.Len() != 10 {
		t.Errorf("history should see all events regardless of ring size, got %d", h.Len())
	}
}
