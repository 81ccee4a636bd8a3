package swap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/pkg/helpers"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// Defaults for CoordinatorConfig.
const (
	DefaultChainTimeout    = 30 * time.Second
	DefaultConcurrency     = 8
	DefaultMaxLockAttempts = 3
	DefaultTimelock        = time.Hour
)

// Store persists swap records. The preimage field is only populated on
// completed swaps.
type Store interface {
	SaveSwap(s *Swap) error
	LoadSwaps() ([]*Swap, error)
}

// CoordinatorConfig holds configuration for the Coordinator.
type CoordinatorConfig struct {
	Adapters        *chain.Adapters
	Store           Store
	Events          events.Publisher
	ChainTimeout    time.Duration
	Concurrency     int
	MaxLockAttempts int
	DefaultTimelock time.Duration
	Now             func() time.Time
}

// entry pairs a swap with its processing slot. Holding the slot is
// required to run chain calls for the swap; the record itself is only
// replaced under Coordinator.mu.
type entry struct {
	swap *Swap
	slot chan struct{}
}

func (e *entry) tryAcquire() bool {
	select {
	case e.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() { <-e.slot }

// Coordinator owns the swap table and runs each swap's state machine.
type Coordinator struct {
	mu    sync.RWMutex
	swaps map[string]*entry

	// preimages holds revealed secrets of swaps not yet completed.
	preimages map[string]chain.Preimage

	// creating reserves hashlocks of swaps being created.
	creating map[chain.Hash]string

	adapters        *chain.Adapters
	store           Store
	events          events.Publisher
	chainTimeout    time.Duration
	concurrency     int
	maxLockAttempts int
	defaultTimelock time.Duration
	now             func() time.Time
	log             *logging.Logger
}

// NewCoordinator creates a new swap coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		swaps:           make(map[string]*entry),
		preimages:       make(map[string]chain.Preimage),
		creating:        make(map[chain.Hash]string),
		adapters:        cfg.Adapters,
		store:           cfg.Store,
		events:          cfg.Events,
		chainTimeout:    cfg.ChainTimeout,
		concurrency:     cfg.Concurrency,
		maxLockAttempts: cfg.MaxLockAttempts,
		defaultTimelock: cfg.DefaultTimelock,
		now:             cfg.Now,
		log:             logging.GetDefault().Component("swap"),
	}
	if c.adapters == nil {
		c.adapters = chain.NewAdapters()
	}
	if c.chainTimeout <= 0 {
		c.chainTimeout = DefaultChainTimeout
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	if c.maxLockAttempts <= 0 {
		c.maxLockAttempts = DefaultMaxLockAttempts
	}
	if c.defaultTimelock <= 0 {
		c.defaultTimelock = DefaultTimelock
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Load restores swaps from the store.
func (c *Coordinator) Load() error {
	if c.store == nil {
		return nil
	}
	list, err := c.store.LoadSwaps()
	if err != nil {
		return fmt.Errorf("failed to load swaps: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	open := 0
	for _, s := range list {
		c.swaps[s.ID] = &entry{swap: s, slot: make(chan struct{}, 1)}
		if !s.Status.IsTerminal() {
			open++
		}
	}
	c.log.Info("Loaded swaps", "total", len(list), "open", open)
	return nil
}

// emit publishes one event for a committed transition.
func (c *Coordinator) emit(t events.Type, s *Swap, data map[string]interface{}) {
	if c.events == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["swapId"] = s.ID
	data["status"] = s.Status
	data["fromChain"] = s.FromChain
	data["toChain"] = s.ToChain
	data["hashlock"] = s.Hashlock
	meta := events.Metadata{
		SwapID:    s.ID,
		OrderHash: s.OrderHash,
		ChainID:   string(s.FromChain),
		Status:    string(s.Status),
		Error:     s.LastError,
	}
	if t == events.SwapExpired || t == events.RefundProcessed {
		meta.Urgent = true
	}
	if _, err := c.events.Publish(t, data, meta); err != nil {
		c.log.Warn("Failed to publish swap event", "type", t, "swap_id", s.ID, "error", err)
	}
}

// commit persists next and swaps it into the table. Nothing changes if the
// store write fails.
func (c *Coordinator) commit(next *Swap) error {
	next.UpdatedAt = c.now()
	if c.store != nil {
		if err := c.store.SaveSwap(next); err != nil {
			return fmt.Errorf("failed to save swap: %w", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.swaps[next.ID]; ok {
		e.swap = next
	} else {
		c.swaps[next.ID] = &entry{swap: next, slot: make(chan struct{}, 1)}
	}
	return nil
}

// snapshot returns a copy of the swap and its entry.
func (c *Coordinator) snapshot(id string) (*Swap, *entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.swaps[id]
	if !ok {
		return nil, nil, ErrSwapNotFound
	}
	return e.swap.Clone(), e, nil
}

// callCtx bounds one chain call.
func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.chainTimeout)
}

// CreateSwap validates and registers a new swap in pending state.
func (c *Coordinator) CreateSwap(req *CreateRequest) (*View, error) {
	s, err := c.parse(req)
	if err != nil {
		return nil, err
	}

	if err := c.reserveHashlock(s); err != nil {
		return nil, err
	}
	err = c.commit(s)
	c.mu.Lock()
	delete(c.creating, s.Hashlock)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.log.Info("Swap created", "swap_id", s.ID, "from", s.FromChain, "to", s.ToChain,
		"from_amount", helpers.FormatAmount(s.FromAmount, chain.Decimals(s.FromChain)),
		"timelock", s.Timelock.Unix())
	c.emit(events.SwapCreated, s, map[string]interface{}{
		"fromAmount": helpers.FormatAmount(s.FromAmount, chain.Decimals(s.FromChain)),
		"toAmount":   helpers.FormatAmount(s.ToAmount, chain.Decimals(s.ToChain)),
		"timelock":   s.Timelock.Unix(),
		"depositTo":  c.depositAccount(s.FromChain),
	})
	v := s.View(c.now())
	return &v, nil
}

// reserveHashlock claims s.Hashlock for s until it is committed. A hashlock
// belongs to at most one swap.
func (c *Coordinator) reserveHashlock(s *Swap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.creating[s.Hashlock]; ok {
		return fmt.Errorf("%w: %s", ErrSwapExists, id)
	}
	for _, e := range c.swaps {
		if e.swap.Hashlock == s.Hashlock {
			return fmt.Errorf("%w: %s", ErrSwapExists, e.swap.ID)
		}
	}
	c.creating[s.Hashlock] = s.ID
	return nil
}

// depositAccount is where the sender must lock the source funds.
func (c *Coordinator) depositAccount(id chain.ID) string {
	ad, err := c.adapters.Get(id)
	if err != nil {
		return ""
	}
	return ad.Account()
}

func (c *Coordinator) parse(req *CreateRequest) (*Swap, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrInvalidSwap)
	}
	from, err := chain.ParseID(string(req.FromChain))
	if err != nil {
		return nil, err
	}
	to, err := chain.ParseID(string(req.ToChain))
	if err != nil {
		return nil, err
	}
	if from == to {
		return nil, fmt.Errorf("%w: fromChain and toChain must differ", ErrInvalidSwap)
	}
	if _, err := c.adapters.Get(from); err != nil {
		return nil, err
	}
	if _, err := c.adapters.Get(to); err != nil {
		return nil, err
	}

	fromAmount, err := helpers.ParseAmount(req.FromAmount, chain.Decimals(from))
	if err != nil || fromAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: fromAmount must be a positive decimal with at most %d places", ErrInvalidSwap, chain.Decimals(from))
	}
	toAmount, err := helpers.ParseAmount(req.ToAmount, chain.Decimals(to))
	if err != nil || toAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: toAmount must be a positive decimal with at most %d places", ErrInvalidSwap, chain.Decimals(to))
	}
	if strings.TrimSpace(req.Sender) == "" || strings.TrimSpace(req.Receiver) == "" {
		return nil, fmt.Errorf("%w: sender and receiver required", ErrInvalidSwap)
	}
	hashlock, err := chain.ParseHash(req.Hashlock)
	if err != nil || hashlock.IsZero() {
		return nil, fmt.Errorf("%w: hashlock must be 32 bytes of hex", ErrInvalidSwap)
	}

	now := c.now()
	timelock := now.Add(c.defaultTimelock).Truncate(time.Second)
	if req.Timelock != 0 {
		timelock = time.Unix(req.Timelock, 0)
		if !timelock.After(now) {
			return nil, fmt.Errorf("%w: timelock must be in the future", ErrInvalidSwap)
		}
	}

	return &Swap{
		ID:         uuid.New().String(),
		OrderHash:  req.OrderHash,
		FromChain:  from,
		ToChain:    to,
		FromToken:  req.FromToken,
		ToToken:    req.ToToken,
		FromAmount: fromAmount,
		ToAmount:   toAmount,
		Sender:     req.Sender,
		Receiver:   req.Receiver,
		Hashlock:   hashlock,
		Timelock:   timelock,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  timelock,
	}, nil
}

// AttachSourceLock records the sender's lock reference on the source chain.
// The lock is verified by the next lock detection pass.
func (c *Coordinator) AttachSourceLock(id string, ref chain.LockRef) (*View, error) {
	if strings.TrimSpace(string(ref)) == "" {
		return nil, fmt.Errorf("%w: lockRef required", ErrInvalidSwap)
	}
	s, e, err := c.snapshot(id)
	if err != nil {
		return nil, err
	}
	if !e.tryAcquire() {
		return nil, fmt.Errorf("%w: swap is being processed", ErrInvalidState)
	}
	defer e.release()

	s, _, err = c.snapshot(id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, s.Status)
	}
	if s.Source != nil {
		if s.Source.Ref == ref {
			v := s.View(c.now())
			return &v, nil
		}
		if s.Source.active() {
			return nil, ErrSourceAttached
		}
	}
	if s.IsExpired(c.now()) {
		return nil, ErrSwapExpired
	}

	s.Source = &Lock{Side: SideSource, Chain: s.FromChain, Ref: ref, Amount: s.FromAmount, State: chain.LockNotFound}
	s.LastError = ""
	if err := c.commit(s); err != nil {
		return nil, err
	}
	c.log.Info("Source lock attached", "swap_id", id, "chain", s.FromChain, "lock", ref)
	v := s.View(c.now())
	return &v, nil
}

// GetSwap returns the best-known state of a swap.
func (c *Coordinator) GetSwap(id string) (*View, error) {
	s, _, err := c.snapshot(id)
	if err != nil {
		return nil, err
	}
	v := s.View(c.now())
	return &v, nil
}

// Swap returns a copy of the internal record.
func (c *Coordinator) Swap(id string) (*Swap, error) {
	s, _, err := c.snapshot(id)
	return s, err
}

// GetSwapStatuses returns one entry per id, in order.
func (c *Coordinator) GetSwapStatuses(ids []string) []StatusEntry {
	out := make([]StatusEntry, 0, len(ids))
	for _, id := range ids {
		v, err := c.GetSwap(id)
		if err != nil {
			out = append(out, StatusEntry{ID: id, Error: err.Error()})
			continue
		}
		out = append(out, StatusEntry{ID: id, Status: v.Status, Swap: v})
	}
	return out
}

// ListSwaps returns swaps newest first.
func (c *Coordinator) ListSwaps(f ListFilter) ([]View, int) {
	now := c.now()
	c.mu.RLock()
	list := make([]*Swap, 0, len(c.swaps))
	for _, e := range c.swaps {
		s := e.swap
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.Chain != "" && s.FromChain != f.Chain && s.ToChain != f.Chain {
			continue
		}
		list = append(list, s.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	total := len(list)
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	out := make([]View, 0, end-start)
	for _, s := range list[start:end] {
		out = append(out, s.View(now))
	}
	return out, total
}

// CountByStatus returns swap counts keyed by status.
func (c *Coordinator) CountByStatus() map[Status]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Status]int)
	for _, e := range c.swaps {
		out[e.swap.Status]++
	}
	return out
}

// selectIDs returns the ids of swaps matching keep.
func (c *Coordinator) selectIDs(keep func(*Swap) bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, e := range c.swaps {
		if keep(e.swap) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// sweep runs fn for every id with bounded parallelism. A swap whose slot
// is held elsewhere is skipped. Per-swap errors are logged and never stop
// the sweep.
func (c *Coordinator) sweep(ctx context.Context, name string, ids []string, fn func(ctx context.Context, id string) error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, id := range ids {
		id := id
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			c.mu.RLock()
			e, ok := c.swaps[id]
			c.mu.RUnlock()
			if !ok || !e.tryAcquire() {
				return nil
			}
			defer e.release()
			if err := fn(gctx, id); err != nil {
				c.log.Warn("Swap processing failed", "pass", name, "swap_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fail records a non-advancing error on the swap.
func (c *Coordinator) fail(s *Swap, err error) error {
	if s.LastError == err.Error() {
		return err
	}
	s.LastError = err.Error()
	if cerr := c.commit(s); cerr != nil {
		c.log.Error("Failed to record swap error", "swap_id", s.ID, "error", cerr)
	}
	return err
}
