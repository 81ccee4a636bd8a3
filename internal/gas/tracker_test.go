package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/events"
)

type fakeBackend struct {
	price  *big.Int
	tip    *big.Int
	header *types.Header
	err    error
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.price, nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return f.tip, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return f.header, nil
}

type seqSource struct {
	prices []int64
	i      int
}

func (s *seqSource) Sample(ctx context.Context) (*Sample, error) {
	p := big.NewInt(s.prices[s.i%len(s.prices)])
	s.i++
	return &Sample{GasPrice: p, UtilizationBps: 2000, BlockNumber: uint64(s.i)}, nil
}

type countingPublisher struct{ n map[events.Type]int }

func (c *countingPublisher) Publish(t events.Type, data interface{}, meta events.Metadata) (events.Event, error) {
	if c.n == nil {
		c.n = make(map[events.Type]int)
	}
	c.n[t]++
	return events.Event{Type: t}, nil
}

func TestDefaults(t *testing.T) {
	tr := NewTracker(&Config{})
	p := tr.Current()
	if p.Standard.Cmp(big.NewInt(20*gwei)) != 0 || p.Slow.Cmp(big.NewInt(15*gwei)) != 0 {
		t.Errorf("unexpected defaults %+v", p.View())
	}
	if c := tr.Congestion(); c.Level != LevelMedium {
		t.Errorf("default congestion = %s", c.Level)
	}
	if err := tr.Refresh(context.Background()); err != nil {
		t.Errorf("refresh without source should be a no-op: %v", err)
	}
}

func TestLevels(t *testing.T) {
	tests := []struct {
		util int64
		want Level
		mult int64
	}{
		{0, LevelLow, 100},
		{3999, LevelLow, 100},
		{4000, LevelMedium, 120},
		{6500, LevelHigh, 150},
		{9500, LevelExtreme, 200},
	}
	for _, tt := range tests {
		l := LevelFor(tt.util)
		if l != tt.want || l.Multiplier() != tt.mult {
			t.Errorf("LevelFor(%d) = %s (%d), want %s (%d)", tt.util, l, l.Multiplier(), tt.want, tt.mult)
		}
	}
}

func TestRefreshTiers(t *testing.T) {
	pub := &countingPublisher{}
	tr := NewTracker(&Config{Source: NewStaticSource(big.NewInt(100), 9000), Events: pub})
	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	p := tr.Current()
	want := map[Tier]int64{TierSlow: 80, TierStandard: 100, TierFast: 120, TierInstant: 150}
	for tier, v := range want {
		if p.ForTier(tier).Int64() != v {
			t.Errorf("%s = %s, want %d", tier, p.ForTier(tier), v)
		}
	}
	if p.BaseFee.Int64() != 70 || p.PriorityFee.Int64() != 30 {
		t.Errorf("fee split %s/%s", p.BaseFee, p.PriorityFee)
	}
	if tr.Congestion().Level != LevelExtreme {
		t.Errorf("congestion = %s", tr.Congestion().Level)
	}
	if got := tr.OptimalGasPrice(TierFast).Int64(); got != 240 {
		t.Errorf("optimal fast = %d, want 240", got)
	}
	if pub.n[events.GasUpdate] != 1 {
		t.Error("expected a gas_update event")
	}
}

func TestEVMSource(t *testing.T) {
	b := &fakeBackend{
		price:  big.NewInt(30 * gwei),
		tip:    big.NewInt(2 * gwei),
		header: &types.Header{Number: big.NewInt(42), GasUsed: 15_000_000, GasLimit: 30_000_000, BaseFee: big.NewInt(28 * gwei)},
	}
	s, err := NewEVMSource(b).Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if s.UtilizationBps != 5000 || s.BlockNumber != 42 {
		t.Errorf("utilization %d block %d", s.UtilizationBps, s.BlockNumber)
	}
	if s.BaseFee.Cmp(big.NewInt(28*gwei)) != 0 || s.TipCap.Cmp(big.NewInt(2*gwei)) != 0 {
		t.Errorf("fees %s/%s", s.BaseFee, s.TipCap)
	}

	b.header.BaseFee = nil
	s, _ = NewEVMSource(b).Sample(context.Background())
	if s.BaseFee.Cmp(big.NewInt(21*gwei)) != 0 {
		t.Errorf("legacy base fee = %s", s.BaseFee)
	}

	b.err = errors.New("connection refused")
	tr := NewTracker(&Config{Source: NewEVMSource(b)})
	before := tr.Standard()
	if err := tr.Refresh(context.Background()); !apperr.Is(err, apperr.KindChain) {
		t.Errorf("expected chain error, got %v", err)
	}
	if tr.Standard().Cmp(before) != 0 {
		t.Error("failed refresh changed the price")
	}
}

func TestTrendAndAuction(t *testing.T) {
	tests := []struct {
		name   string
		prices []int64
		want   Trend
		start  string
		end    string
	}{
		{"increasing", []int64{100, 110, 120}, TrendIncreasing, "120", "144"},
		{"decreasing", []int64{120, 110, 100}, TrendDecreasing, "120", "100"},
		{"flat", []int64{100, 120, 110}, TrendStable, "110", "110"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(&Config{Source: &seqSource{prices: tt.prices}})
			if tr.Trend() != TrendStable {
				t.Fatal("empty history should be stable")
			}
			for range tt.prices {
				tr.Refresh(context.Background())
			}
			if got := tr.Trend(); got != tt.want {
				t.Errorf("Trend = %s, want %s", got, tt.want)
			}
			a := tr.AuctionRecommendation()
			if a.Start != tt.start || a.End != tt.end {
				t.Errorf("auction = %+v", a)
			}
		})
	}
}

func TestHistoryBoundAndStatistics(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	tr := NewTracker(&Config{
		Source:      &seqSource{prices: []int64{10, 20, 30, 40}},
		HistorySize: 4,
		Now:         func() time.Time { return clock },
	})
	if s := tr.Statistics(); s.Samples != 0 || s.Average != "0" {
		t.Errorf("empty stats %+v", s)
	}
	for i := 0; i < 10; i++ {
		tr.Refresh(context.Background())
	}
	if n := len(tr.History(0)); n != 4 {
		t.Fatalf("history length = %d, want 4", n)
	}
	if n := len(tr.History(2)); n != 2 {
		t.Errorf("limited history length = %d", n)
	}

	s := tr.Statistics()
	// Last four samples are 30, 40, 10, 20.
	if s.Average != "25" || s.Min != "10" || s.Max != "40" || s.Median != "30" {
		t.Errorf("unexpected stats %+v", s)
	}
	// sqrt(125) = 11 in integer arithmetic, 11/25 = 4400 bps.
	if s.VolatilityBps != 4400 {
		t.Errorf("volatility = %d", s.VolatilityBps)
	}
}

func TestParseTierAndAcceptable(t *testing.T) {
	if tier, err := ParseTier(""); err != nil || tier != TierStandard {
		t.Errorf("empty tier: %s %v", tier, err)
	}
	if _, err := ParseTier("ludicrous"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
	if !IsAcceptable(big.NewInt(10), big.NewInt(10)) || IsAcceptable(big.NewInt(11), big.NewInt(10)) {
		t.Error("IsAcceptable boundary wrong")
	}
}
