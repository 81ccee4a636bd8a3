// Package gas tracks the EVM fee market and derives tiered gas prices for
// fills and relayer transactions.
package gas

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// Tier percentages relative to the standard price.
const (
	slowPercent    = 80
	fastPercent    = 120
	instantPercent = 150

	baseFeeShare     = 70
	priorityFeeShare = 30

	// auctionPremium is applied to the leading edge of an auction when the
	// market is trending.
	auctionPremium = 120
)

// DefaultHistorySize is the number of samples kept for trend and statistics.
const DefaultHistorySize = 100

const gwei = 1_000_000_000

// ErrUnknownTier is returned for an unrecognised tier name.
var ErrUnknownTier = apperr.New(apperr.KindValidation, "unknown gas tier")

// Tier selects a speed/price trade-off.
type Tier string

const (
	TierSlow     Tier = "slow"
	TierStandard Tier = "standard"
	TierFast     Tier = "fast"
	TierInstant  Tier = "instant"
)

// ParseTier parses a tier name. Empty means standard.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "":
		return TierStandard, nil
	case TierSlow, TierStandard, TierFast, TierInstant:
		return Tier(s), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTier, s)
}

// Level is a network congestion level.
type Level string

const (
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
	LevelExtreme Level = "extreme"
)

// Multiplier returns the congestion multiplier in percent.
func (l Level) Multiplier() int64 {
	switch l {
	case LevelMedium:
		return 120
	case LevelHigh:
		return 150
	case LevelExtreme:
		return 200
	default:
		return 100
	}
}

// LevelFor maps block utilisation in basis points to a congestion level.
func LevelFor(utilizationBps int64) Level {
	switch {
	case utilizationBps < 4000:
		return LevelLow
	case utilizationBps < 6000:
		return LevelMedium
	case utilizationBps < 8000:
		return LevelHigh
	default:
		return LevelExtreme
	}
}

// Congestion describes current network load.
type Congestion struct {
	Level          Level `json:"level"`
	UtilizationBps int64 `json:"utilizationBps"`
	Multiplier     int64 `json:"multiplierPercent"`
}

// Price is a tiered gas price in wei.
type Price struct {
	Slow        *big.Int
	Standard    *big.Int
	Fast        *big.Int
	Instant     *big.Int
	BaseFee     *big.Int
	PriorityFee *big.Int
	BlockNumber uint64
	Timestamp   time.Time
}

// ForTier returns the price of a tier.
func (p Price) ForTier(t Tier) *big.Int {
	switch t {
	case TierSlow:
		return new(big.Int).Set(p.Slow)
	case TierFast:
		return new(big.Int).Set(p.Fast)
	case TierInstant:
		return new(big.Int).Set(p.Instant)
	default:
		return new(big.Int).Set(p.Standard)
	}
}

// PriceView is the wire form of Price.
type PriceView struct {
	Slow        string `json:"slow"`
	Standard    string `json:"standard"`
	Fast        string `json:"fast"`
	Instant     string `json:"instant"`
	BaseFee     string `json:"baseFee"`
	PriorityFee string `json:"priorityFee"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
}

// View returns the wire form.
func (p Price) View() PriceView {
	return PriceView{
		Slow:        p.Slow.String(),
		Standard:    p.Standard.String(),
		Fast:        p.Fast.String(),
		Instant:     p.Instant.String(),
		BaseFee:     p.BaseFee.String(),
		PriorityFee: p.PriorityFee.String(),
		BlockNumber: p.BlockNumber,
		Timestamp:   p.Timestamp.UnixMilli(),
	}
}

// Point is one history entry.
type Point struct {
	Timestamp   time.Time
	Price       *big.Int
	BaseFee     *big.Int
	PriorityFee *big.Int
	BlockNumber uint64
}

// Trend is the short-term direction of the standard price.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Statistics summarises the price history.
type Statistics struct {
	Samples       int    `json:"samples"`
	Average       string `json:"average"`
	Median        string `json:"median"`
	Min           string `json:"min"`
	Max           string `json:"max"`
	VolatilityBps int64  `json:"volatilityBps"`
}

// Auction is a start/end gas price pair for a Dutch auction.
type Auction struct {
	Start   string `json:"startGasPrice"`
	End     string `json:"endGasPrice"`
	Average string `json:"averageGasPrice"`
	Trend   Trend  `json:"trend"`
}

// Config holds configuration for the Tracker.
type Config struct {
	Source      Source
	Events      events.Publisher
	HistorySize int
	Now         func() time.Time
}

// Tracker keeps the current gas price, congestion and a bounded history.
type Tracker struct {
	mu         sync.RWMutex
	current    Price
	congestion Congestion
	history    []Point

	source      Source
	events      events.Publisher
	historySize int
	now         func() time.Time
	log         *logging.Logger
}

// NewTracker creates a tracker seeded with default prices.
func NewTracker(cfg *Config) *Tracker {
	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		source:      cfg.Source,
		events:      cfg.Events,
		historySize: size,
		now:         now,
		log:         logging.GetDefault().Component("gas"),
	}
	t.current = defaultPrice(now())
	t.congestion = Congestion{Level: LevelMedium, UtilizationBps: 5000, Multiplier: LevelMedium.Multiplier()}
	return t
}

// DefaultGasPrice is the standard price assumed before any sample, 20 gwei.
func DefaultGasPrice() *big.Int {
	return new(big.Int).Mul(big.NewInt(20), big.NewInt(gwei))
}

func defaultPrice(now time.Time) Price {
	g := func(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(gwei)) }
	return Price{
		Slow:        g(15),
		Standard:    DefaultGasPrice(),
		Fast:        g(25),
		Instant:     g(30),
		BaseFee:     g(15),
		PriorityFee: g(5),
		Timestamp:   now,
	}
}

func percent(v *big.Int, p int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(p))
	return out.Quo(out, big.NewInt(100))
}

// Refresh samples the source, updates the tiers and history and emits
// gas_update. Source errors leave the previous price in place.
func (t *Tracker) Refresh(ctx context.Context) error {
	if t.source == nil {
		return nil
	}
	s, err := t.source.Sample(ctx)
	if err != nil {
		return apperr.Chain("gas.Refresh", err)
	}

	now := t.now()
	p := Price{
		Slow:        percent(s.GasPrice, slowPercent),
		Standard:    new(big.Int).Set(s.GasPrice),
		Fast:        percent(s.GasPrice, fastPercent),
		Instant:     percent(s.GasPrice, instantPercent),
		BaseFee:     orPercent(s.BaseFee, s.GasPrice, baseFeeShare),
		PriorityFee: orPercent(s.TipCap, s.GasPrice, priorityFeeShare),
		BlockNumber: s.BlockNumber,
		Timestamp:   now,
	}
	level := LevelFor(s.UtilizationBps)
	c := Congestion{Level: level, UtilizationBps: s.UtilizationBps, Multiplier: level.Multiplier()}

	t.mu.Lock()
	t.current = p
	t.congestion = c
	t.history = append(t.history, Point{
		Timestamp:   now,
		Price:       new(big.Int).Set(p.Standard),
		BaseFee:     new(big.Int).Set(p.BaseFee),
		PriorityFee: new(big.Int).Set(p.PriorityFee),
		BlockNumber: p.BlockNumber,
	})
	if len(t.history) > t.historySize {
		t.history = append(t.history[:0:0], t.history[len(t.history)-t.historySize:]...)
	}
	t.mu.Unlock()

	t.log.Debug("Gas price updated", "standard", p.Standard, "congestion", level, "block", p.BlockNumber)
	if t.events != nil {
		t.events.Publish(events.GasUpdate, map[string]interface{}{
			"price":      p.View(),
			"congestion": c,
		}, events.Metadata{ChainID: "ethereum"})
	}
	return nil
}

func orPercent(v, fallback *big.Int, p int64) *big.Int {
	if v != nil {
		return new(big.Int).Set(v)
	}
	return percent(fallback, p)
}

// Current returns a copy of the current price.
func (t *Tracker) Current() Price {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.current
	c.Slow = new(big.Int).Set(c.Slow)
	c.Standard = new(big.Int).Set(c.Standard)
	c.Fast = new(big.Int).Set(c.Fast)
	c.Instant = new(big.Int).Set(c.Instant)
	c.BaseFee = new(big.Int).Set(c.BaseFee)
	c.PriorityFee = new(big.Int).Set(c.PriorityFee)
	return c
}

// Standard returns the current standard price.
func (t *Tracker) Standard() *big.Int {
	return t.Current().Standard
}

// Congestion returns the current congestion.
func (t *Tracker) Congestion() Congestion {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.congestion
}

// History returns up to limit of the most recent points, oldest first.
// limit <= 0 returns everything.
func (t *Tracker) History(limit int) []Point {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Point(nil), h...)
}

// OptimalGasPrice scales the tier price by the congestion multiplier.
func (t *Tracker) OptimalGasPrice(tier Tier) *big.Int {
	t.mu.RLock()
	p := t.current.ForTier(tier)
	m := t.congestion.Multiplier
	t.mu.RUnlock()
	return percent(p, m)
}

// Trend compares the last three samples. Fewer than three is stable.
func (t *Tracker) Trend() Trend {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.history)
	if n < 3 {
		return TrendStable
	}
	a, b, c := t.history[n-3].Price, t.history[n-2].Price, t.history[n-1].Price
	switch {
	case c.Cmp(b) > 0 && b.Cmp(a) > 0:
		return TrendIncreasing
	case c.Cmp(b) < 0 && b.Cmp(a) < 0:
		return TrendDecreasing
	}
	return TrendStable
}

// AuctionRecommendation suggests start and end gas prices for an auction
// window given the current trend.
func (t *Tracker) AuctionRecommendation() Auction {
	trend := t.Trend()
	cur := t.Standard()
	start, end := cur, cur
	switch trend {
	case TrendIncreasing:
		end = percent(cur, auctionPremium)
	case TrendDecreasing:
		start = percent(cur, auctionPremium)
	}
	avg := new(big.Int).Add(start, end)
	avg.Quo(avg, big.NewInt(2))
	return Auction{Start: start.String(), End: end.String(), Average: avg.String(), Trend: trend}
}

// IsAcceptable reports whether price does not exceed max.
func IsAcceptable(price, max *big.Int) bool {
	return price.Cmp(max) <= 0
}

// Statistics summarises the history. Volatility is the standard deviation
// over the mean in basis points.
func (t *Tracker) Statistics() Statistics {
	t.mu.RLock()
	prices := make([]*big.Int, len(t.history))
	for i, p := range t.history {
		prices[i] = p.Price
	}
	t.mu.RUnlock()

	if len(prices) == 0 {
		return Statistics{Average: "0", Median: "0", Min: "0", Max: "0"}
	}

	n := big.NewInt(int64(len(prices)))
	sum := new(big.Int)
	for _, p := range prices {
		sum.Add(sum, p)
	}
	avg := new(big.Int).Quo(sum, n)

	sorted := append([]*big.Int(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	variance := new(big.Int)
	for _, p := range prices {
		d := new(big.Int).Sub(p, avg)
		variance.Add(variance, d.Mul(d, d))
	}
	variance.Quo(variance, n)

	var vol int64
	if avg.Sign() > 0 {
		sd := new(big.Int).Sqrt(variance)
		sd.Mul(sd, big.NewInt(10000))
		vol = sd.Quo(sd, avg).Int64()
	}

	return Statistics{
		Samples:       len(prices),
		Average:       avg.String(),
		Median:        sorted[len(sorted)/2].String(),
		Min:           sorted[0].String(),
		Max:           sorted[len(sorted)-1].String(),
		VolatilityBps: vol,
	}
}
