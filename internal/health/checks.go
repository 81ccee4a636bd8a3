package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/events"
)

// ChainCheck reads the adapter's chain tip. A node error is unhealthy, a
// tip older than maxLag is degraded, and an adapter that cannot report a
// tip is unknown.
func ChainCheck(ad chain.Adapter, maxLag time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (Result, error) {
		details := map[string]interface{}{
			"chain":   string(ad.Chain()),
			"account": ad.Account(),
		}
		head, err := chain.ReadHead(ctx, ad)
		if errors.Is(err, chain.ErrNoHead) {
			return Result{Status: StatusUnknown, Details: details}, nil
		}
		if err != nil {
			return Result{Details: details}, err
		}
		lag := now().Sub(head.Time)
		if lag < 0 {
			lag = 0
		}
		details["height"] = head.Height
		details["lagSeconds"] = int64(lag / time.Second)
		if maxLag > 0 && lag > maxLag {
			return Result{Status: StatusDegraded, Details: details}, nil
		}
		return Result{Details: details}, nil
	}
}

// Pinger is a store that can report whether it still answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck pings the store.
func StoreCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) (Result, error) {
		return Result{}, p.Ping(ctx)
	}
}

// BusStats is the part of *events.Bus the bus check reads.
type BusStats interface {
	Stats() events.Stats
}

// BusCheck watches the event bus backlog. It is degraded while maxPending
// or more events wait in subscriber channels, and for one run after any
// subscriber dropped events.
func BusCheck(bus BusStats, maxPending int) CheckFunc {
	var (
		mu      sync.Mutex
		dropped uint64
		seen    bool
	)
	return func(ctx context.Context) (Result, error) {
		st := bus.Stats()
		details := map[string]interface{}{
			"published":   st.Published,
			"retained":    st.Retained,
			"pending":     st.Pending,
			"dropped":     st.Dropped,
			"subscribers": st.Subscribers,
		}

		mu.Lock()
		newDrops := seen && st.Dropped > dropped
		dropped, seen = st.Dropped, true
		mu.Unlock()

		if newDrops || (maxPending > 0 && st.Pending >= maxPending) {
			return Result{Status: StatusDegraded, Details: details}, nil
		}
		return Result{Details: details}, nil
	}
}
