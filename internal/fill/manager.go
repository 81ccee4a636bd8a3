package fill

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/internal/orders"
	"github.com/klingon-exchange/bridge-relay/pkg/helpers"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

const (
	// fillGasUnits is the gas budget of one escrow fill.
	fillGasUnits = 150_000

	priceImpactBps    = 10
	expectedProfitPct = 5

	confidenceStepBps  = 1000
	confidenceFloorBps = 1000
)

// OrderBook is the subset of the order registry fills need.
type OrderBook interface {
	GetOrder(orderHash string) (*orders.Order, error)
	CheckFill(orderHash string, amount *big.Int) error
	ApplyFill(fc orders.FillCheck) (*orders.Order, error)
	AnnounceFilled(o *orders.Order)
}

// GasOracle supplies the current standard gas price in wei.
type GasOracle interface {
	Standard() *big.Int
}

// Store persists fill executions.
type Store interface {
	SaveExecution(e *Execution) error

	// CommitFill stores the updated order and the executed fill in one
	// transaction.
	CommitFill(o *orders.Order, e *Execution) error

	LoadExecutions() ([]*Execution, error)
}

// Config holds configuration for the Manager.
type Config struct {
	Orders    OrderBook
	Gas       GasOracle
	Store     Store
	Events    events.Publisher
	Fragments int
	Now       func() time.Time
}

// Manager records fragment fills and tracks per-order progress.
type Manager struct {
	mu         sync.Mutex
	executions map[string][]*Execution
	consumed   map[string]map[int]bool

	orders    OrderBook
	gas       GasOracle
	store     Store
	events    events.Publisher
	fragments int
	now       func() time.Time
	log       *logging.Logger
}

// NewManager creates a progressive fill manager.
func NewManager(cfg *Config) *Manager {
	n := cfg.Fragments
	if n <= 0 {
		n = DefaultFragments
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		executions: make(map[string][]*Execution),
		consumed:   make(map[string]map[int]bool),
		orders:     cfg.Orders,
		gas:        cfg.Gas,
		store:      cfg.Store,
		events:     cfg.Events,
		fragments:  n,
		now:        now,
		log:        logging.GetDefault().Component("fill"),
	}
}

// Load restores executions from the store. A pending execution never had
// its order update committed, so it is closed as failed.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	list, err := m.store.LoadExecutions()
	if err != nil {
		return fmt.Errorf("failed to load fill executions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	interrupted := 0
	for _, e := range list {
		if e.Status == ExecPending {
			e.Status = ExecFailed
			e.Error = "interrupted before commit"
			if err := m.store.SaveExecution(e); err != nil {
				return fmt.Errorf("failed to close interrupted fill %s: %w", e.FillID, err)
			}
			interrupted++
		}
		m.record(e)
	}
	m.log.Info("Loaded fill executions", "count", len(list), "interrupted", interrupted)
	return nil
}

func (m *Manager) record(e *Execution) {
	m.executions[e.OrderHash] = append(m.executions[e.OrderHash], e)
	if e.Status == ExecExecuted {
		if m.consumed[e.OrderHash] == nil {
			m.consumed[e.OrderHash] = make(map[int]bool)
		}
		m.consumed[e.OrderHash][e.FragmentIndex] = true
	}
}

// Fragments returns the configured fragment count.
func (m *Manager) Fragments() int { return m.fragments }

func (m *Manager) gasPrice() *big.Int {
	if m.gas == nil {
		return new(big.Int)
	}
	return m.gas.Standard()
}

func (m *Manager) gasCost() *big.Int {
	return new(big.Int).Mul(m.gasPrice(), big.NewInt(fillGasUnits))
}

// validateLocked runs every check in order and returns the first failure.
func (m *Manager) validateLocked(req *Request) (*orders.Order, error) {
	hash := orders.NormalizeHash(req.OrderHash)
	o, err := m.orders.GetOrder(hash)
	if err != nil {
		return nil, err
	}
	if o.Status != orders.StatusActive {
		return nil, fmt.Errorf("%w: %s", orders.ErrOrderNotActive, o.Status)
	}
	if req.FragmentIndex < 0 || req.FragmentIndex >= m.fragments {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrFragmentRange, req.FragmentIndex, m.fragments)
	}
	if m.consumed[hash][req.FragmentIndex] {
		return nil, fmt.Errorf("%w: %d", ErrFragmentConsumed, req.FragmentIndex)
	}
	if err := m.orders.CheckFill(hash, req.FillAmount); err != nil {
		return nil, err
	}
	if req.Resolver == "" {
		return nil, ErrMissingResolver
	}
	if req.SecretHash.IsZero() {
		return nil, ErrMissingSecret
	}
	if !o.MerkleRoot.IsZero() {
		leaf := FragmentLeaf(req.FragmentIndex, req.SecretHash)
		if !VerifyProof(leaf, req.MerkleProof, o.MerkleRoot) {
			return nil, fmt.Errorf("%w: fragment %d", ErrInvalidProof, req.FragmentIndex)
		}
	}
	return o, nil
}

// ValidateFill reports whether req would be accepted. It never errors:
// rejections are described in the result.
func (m *Manager) ValidateFill(req *Request) Validation {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.validateLocked(req)
	if err != nil {
		return Validation{
			Valid:                 false,
			Error:                 err.Error(),
			Code:                  string(apperr.KindOf(err)),
			NextAvailableFragment: m.nextFreeLocked(orders.NormalizeHash(req.OrderHash), -1),
		}
	}

	var warnings []string
	hash := o.OrderHash
	if next := m.nextFreeLocked(hash, -1); next != req.FragmentIndex {
		warnings = append(warnings, fmt.Sprintf("fragment %d filled out of order, next free is %d", req.FragmentIndex, next))
	}
	if even := m.evenSplitLocked(o); even.Sign() > 0 && req.FillAmount.Cmp(even) != 0 {
		warnings = append(warnings, fmt.Sprintf("fill amount differs from even split %s", even))
	}

	return Validation{
		Valid:                 true,
		Warnings:              warnings,
		EstimatedGas:          m.gasCost().String(),
		PriceImpactBps:        priceImpactBps,
		NextAvailableFragment: m.nextFreeLocked(hash, req.FragmentIndex),
	}
}

// ExecutePartialFill validates and records one fragment fill. The order's
// filled amount and the execution record are committed together or not at
// all.
func (m *Manager) ExecutePartialFill(req *Request) (*Result, error) {
	m.mu.Lock()
	o, err := m.validateLocked(req)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := m.now()
	e := &Execution{
		FillID:        uuid.New().String(),
		OrderHash:     o.OrderHash,
		FragmentIndex: req.FragmentIndex,
		Resolver:      req.Resolver,
		FillAmount:    new(big.Int).Set(req.FillAmount),
		GasCost:       m.gasCost(),
		SecretHash:    req.SecretHash,
		MerkleProof:   append([]chain.Hash(nil), req.MerkleProof...),
		Status:        ExecPending,
		SrcTxHash:     req.SrcTxHash,
		DstTxHash:     req.DstTxHash,
		CreatedAt:     now,
	}
	if m.store != nil {
		if err := m.store.SaveExecution(e); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to save fill execution: %w", err)
		}
	}

	// The executed record and the order's new filled amount go to the store
	// in one transaction inside ApplyFill.
	e.Status = ExecExecuted
	e.ExecutedAt = now
	fc := orders.FillCheck{
		OrderHash:         o.OrderHash,
		Amount:            e.FillAmount,
		ExpectedFillCount: o.FillCount,
		DeferEvents:       true,
	}
	if m.store != nil {
		fc.Persist = func(next *orders.Order) error { return m.store.CommitFill(next, e) }
	}
	updated, err := m.orders.ApplyFill(fc)
	if err != nil {
		e.Status = ExecFailed
		e.ExecutedAt = time.Time{}
		e.Error = err.Error()
		if m.store != nil {
			if serr := m.store.SaveExecution(e); serr != nil {
				m.log.Error("Failed to mark fill failed", "fill", e.FillID, "error", serr)
			}
		}
		m.record(e)
		m.mu.Unlock()
		return nil, err
	}
	m.record(e)

	progress := m.progressLocked(updated)
	rec := m.recommendLocked(updated)
	view := e.View()
	m.mu.Unlock()

	m.log.Info("Partial fill executed", "order", o.OrderHash, "fragment", e.FragmentIndex,
		"amount", e.FillAmount, "resolver", e.Resolver, "filled", progress.FillPercentage)

	m.emit(events.OrderFilledPartially, map[string]interface{}{
		"execution": view,
		"progress":  progress,
	}, updated, e.Resolver)
	m.orders.AnnounceFilled(updated)
	if rec != nil {
		m.emit(events.RecommendationGenerated, rec, updated, "")
	}

	return &Result{Execution: view, Progress: progress, NextRecommendation: rec}, nil
}

func (m *Manager) emit(t events.Type, data interface{}, o *orders.Order, resolver string) {
	if m.events == nil {
		return
	}
	meta := events.Metadata{OrderHash: o.OrderHash, Resolver: resolver, ChainID: string(o.SrcChain)}
	if _, err := m.events.Publish(t, data, meta); err != nil {
		m.log.Warn("Failed to publish fill event", "type", t, "order", o.OrderHash, "error", err)
	}
}

// Progress returns the cumulative fill state of an order.
func (m *Manager) Progress(orderHash string) (*Progress, error) {
	o, err := m.orders.GetOrder(orderHash)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.progressLocked(o)
	return &p, nil
}

func (m *Manager) progressLocked(o *orders.Order) Progress {
	executed := m.executedLocked(o.OrderHash)
	total := new(big.Int)
	for _, e := range executed {
		total.Add(total, e.GasCost)
	}
	avg := new(big.Int)
	if len(executed) > 0 {
		avg.Quo(total, big.NewInt(int64(len(executed))))
	}
	bps := o.FillBps()
	return Progress{
		OrderHash:         o.OrderHash,
		TotalAmount:       o.MakingAmount.String(),
		FilledAmount:      o.FilledAmount.String(),
		RemainingAmount:   o.RemainingAmount.String(),
		FillPercentageBps: bps,
		FillPercentage:    helpers.FormatBasisPoints(bps),
		FragmentsFilled:   len(executed),
		TotalFragments:    m.fragments,
		NextFragmentIndex: m.nextFreeLocked(o.OrderHash, -1),
		CurrentGasPrice:   m.gasPrice().String(),
		AverageGasCost:    avg.String(),
		TotalGasCost:      total.String(),
		ExpiresAt:         o.ExpiresAt.Unix(),
	}
}

func (m *Manager) executedLocked(hash string) []*Execution {
	var out []*Execution
	for _, e := range m.executions[hash] {
		if e.Status == ExecExecuted {
			out = append(out, e)
		}
	}
	return out
}

// nextFreeLocked returns the lowest unconsumed fragment other than skip,
// or -1 when none remain.
func (m *Manager) nextFreeLocked(hash string, skip int) int {
	for i := 0; i < m.fragments; i++ {
		if i != skip && !m.consumed[hash][i] {
			return i
		}
	}
	return -1
}

func (m *Manager) slotsLeftLocked(hash string) int {
	return m.fragments - len(m.consumed[hash])
}

func (m *Manager) evenSplitLocked(o *orders.Order) *big.Int {
	slots := m.slotsLeftLocked(o.OrderHash)
	if slots <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(o.RemainingAmount, big.NewInt(int64(slots)))
}

func confidenceBps(filled int) int64 {
	c := int64(10000 - confidenceStepBps*filled)
	if c < confidenceFloorBps {
		c = confidenceFloorBps
	}
	return c
}

func (m *Manager) recommendationFor(o *orders.Order, idx, filled int, amount *big.Int) *Recommendation {
	return &Recommendation{
		OrderHash:             o.OrderHash,
		FragmentIndex:         idx,
		RecommendedFillAmount: amount.String(),
		ExpectedProfit:        helpers.MulPercent(amount, expectedProfitPct).String(),
		GasEstimate:           m.gasCost().String(),
		PriceImpactBps:        priceImpactBps,
		ConfidenceBps:         confidenceBps(filled),
		TimeToExpiryMs:        o.ExpiresAt.Sub(m.now()).Milliseconds(),
	}
}

// recommendLocked suggests the next fill, or nil when the order cannot take
// another one.
func (m *Manager) recommendLocked(o *orders.Order) *Recommendation {
	list := m.recommendationsLocked(o)
	if len(list) == 0 {
		return nil
	}
	return &list[0]
}

// recommendationsLocked splits the remaining amount evenly across the free
// slots; the last slot takes the rounding remainder.
func (m *Manager) recommendationsLocked(o *orders.Order) []Recommendation {
	if o.Status != orders.StatusActive || o.RemainingAmount.Sign() == 0 {
		return nil
	}
	filled := len(m.consumed[o.OrderHash])
	var free []int
	for i := 0; i < m.fragments; i++ {
		if !m.consumed[o.OrderHash][i] {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return nil
	}

	share := new(big.Int).Quo(o.RemainingAmount, big.NewInt(int64(len(free))))
	out := make([]Recommendation, 0, len(free))
	left := new(big.Int).Set(o.RemainingAmount)
	for i, idx := range free {
		amount := share
		if i == len(free)-1 {
			amount = left
		}
		if amount.Sign() == 0 {
			continue
		}
		out = append(out, *m.recommendationFor(o, idx, filled+i, amount))
		left = new(big.Int).Sub(left, amount)
	}
	return out
}

// Recommendations lists a suggested fill for every free fragment.
func (m *Manager) Recommendations(orderHash string) ([]Recommendation, error) {
	o, err := m.orders.GetOrder(orderHash)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.recommendationsLocked(o)
	if out == nil {
		out = []Recommendation{}
	}
	return out, nil
}

// GetAvailableFragments lists the free fragments. The count is always
// totalFragments minus executed fills.
func (m *Manager) GetAvailableFragments(orderHash string) (*Fragments, error) {
	o, err := m.orders.GetOrder(orderHash)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	executed := len(m.executedLocked(o.OrderHash))
	est := new(big.Int).Quo(o.MakingAmount, big.NewInt(int64(m.fragments)))
	out := &Fragments{
		OrderHash:    o.OrderHash,
		Available:    m.fragments - executed,
		Fragments:    []Fragment{},
		CurrentPrice: m.gasPrice().String(),
		GasEstimate:  m.gasCost().String(),
	}
	for i := 0; i < m.fragments; i++ {
		if m.consumed[o.OrderHash][i] {
			continue
		}
		out.Fragments = append(out.Fragments, Fragment{Index: i, Available: true, EstimatedFillAmount: est.String()})
	}
	return out, nil
}

// Executions returns every execution of an order, oldest first.
func (m *Manager) Executions(orderHash string) []ExecutionView {
	hash := orders.NormalizeHash(orderHash)
	m.mu.Lock()
	list := make([]*Execution, 0, len(m.executions[hash]))
	for _, e := range m.executions[hash] {
		list = append(list, e.clone())
	}
	m.mu.Unlock()

	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	out := make([]ExecutionView, 0, len(list))
	for _, e := range list {
		out = append(out, e.View())
	}
	return out
}

// ExecutedCount returns the number of executed fills across all orders.
func (m *Manager) ExecutedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.consumed {
		n += len(c)
	}
	return n
}
