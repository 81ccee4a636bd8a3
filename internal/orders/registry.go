package orders

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/pkg/helpers"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// DefaultTTL is the lifetime of an order submitted without an expiry.
const DefaultTTL = 24 * time.Hour

// Store persists orders and secrets. A nil store keeps the registry in memory.
type Store interface {
	SaveOrder(o *Order) error
	LoadOrders() ([]*Order, error)
	SaveSecret(s *Secret) error
	LoadSecrets() ([]*Secret, error)
}

// Config holds configuration for the Registry.
type Config struct {
	Store  Store
	Events events.Publisher
	TTL    time.Duration
	Now    func() time.Time
}

// Registry holds the order index and accepted secrets per order.
// All reads return copies.
type Registry struct {
	mu sync.RWMutex

	orders  map[string]*Order
	secrets map[string][]*Secret

	store  Store
	events events.Publisher
	ttl    time.Duration
	now    func() time.Time
	log    *logging.Logger
}

// NewRegistry creates a new order registry.
func NewRegistry(cfg *Config) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		orders:  make(map[string]*Order),
		secrets: make(map[string][]*Secret),
		store:   cfg.Store,
		events:  cfg.Events,
		ttl:     ttl,
		now:     now,
		log:     logging.GetDefault().Component("orders"),
	}
}

// Load restores orders and secrets from the store.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	orders, err := r.store.LoadOrders()
	if err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	secrets, err := r.store.LoadSecrets()
	if err != nil {
		return fmt.Errorf("failed to load order secrets: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range orders {
		r.orders[o.OrderHash] = o
	}
	for _, s := range secrets {
		r.secrets[s.OrderHash] = append(r.secrets[s.OrderHash], s)
	}
	for h := range r.secrets {
		list := r.secrets[h]
		sort.Slice(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	}
	r.log.Info("Loaded orders", "orders", len(orders), "secrets", len(secrets))
	return nil
}

func (r *Registry) emit(t events.Type, data interface{}, o *Order, meta events.Metadata) {
	if r.events == nil {
		return
	}
	meta.OrderHash = o.OrderHash
	if meta.ChainID == "" {
		meta.ChainID = string(o.SrcChain)
	}
	if _, err := r.events.Publish(t, data, meta); err != nil {
		r.log.Warn("Failed to publish order event", "type", t, "order", o.OrderHash, "error", err)
	}
}

// parse validates the shape of a signed order. Signatures are checked by
// the front door, not here.
func (r *Registry) parse(in *SignedOrder) (*Order, error) {
	hash := NormalizeHash(in.OrderHash)
	if hash == "" {
		return nil, fmt.Errorf("%w: orderHash required", ErrInvalidOrder)
	}
	if in.Maker == "" {
		return nil, fmt.Errorf("%w: maker required", ErrInvalidOrder)
	}
	if in.Signature == "" {
		return nil, fmt.Errorf("%w: signature required", ErrInvalidOrder)
	}
	making, err := helpers.ParseBaseUnits(in.MakingAmount)
	if err != nil || making.Sign() <= 0 {
		return nil, fmt.Errorf("%w: makingAmount must be a positive integer", ErrInvalidOrder)
	}
	taking, err := helpers.ParseBaseUnits(in.TakingAmount)
	if err != nil || taking.Sign() <= 0 {
		return nil, fmt.Errorf("%w: takingAmount must be a positive integer", ErrInvalidOrder)
	}
	src, err := chain.ParseID(string(in.SrcChainID))
	if err != nil {
		return nil, fmt.Errorf("%w: srcChainId: %v", ErrInvalidOrder, err)
	}
	dst, err := chain.ParseID(string(in.DstChainID))
	if err != nil {
		return nil, fmt.Errorf("%w: dstChainId: %v", ErrInvalidOrder, err)
	}
	if src == dst {
		return nil, fmt.Errorf("%w: source and destination chain must differ", ErrInvalidOrder)
	}

	var root chain.Hash
	if in.MerkleRoot != "" {
		if root, err = chain.ParseHash(in.MerkleRoot); err != nil {
			return nil, fmt.Errorf("%w: merkleRoot: %v", ErrInvalidOrder, err)
		}
	}

	now := r.now()
	expires := now.Add(r.ttl)
	if in.ExpiresAt != 0 {
		expires = time.Unix(in.ExpiresAt, 0)
		if !expires.After(now) {
			return nil, fmt.Errorf("%w: expiresAt in the past", ErrInvalidOrder)
		}
	}

	receiver := in.Receiver
	if receiver == "" {
		receiver = in.Maker
	}

	return &Order{
		OrderHash:          hash,
		Maker:              in.Maker,
		Receiver:           receiver,
		MakerAsset:         in.MakerAsset,
		TakerAsset:         in.TakerAsset,
		MakingAmount:       making,
		TakingAmount:       taking,
		FilledAmount:       new(big.Int),
		RemainingAmount:    new(big.Int).Set(making),
		SrcChain:           src,
		DstChain:           dst,
		Signature:          in.Signature,
		MerkleRoot:         root,
		AllowPartialFills:  in.AllowPartialFills,
		AllowMultipleFills: in.AllowMultipleFills,
		Status:             StatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          expires,
	}, nil
}

// AddOrder registers a signed order and returns its hash.
func (r *Registry) AddOrder(in *SignedOrder) (string, error) {
	o, err := r.parse(in)
	if err != nil {
		if r.events != nil {
			r.events.Publish(events.OrderInvalid, map[string]string{"orderHash": in.OrderHash, "error": err.Error()},
				events.Metadata{OrderHash: NormalizeHash(in.OrderHash), Error: err.Error()})
		}
		return "", err
	}

	r.mu.Lock()
	if _, exists := r.orders[o.OrderHash]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrOrderExists, o.OrderHash)
	}
	if r.store != nil {
		if err := r.store.SaveOrder(o); err != nil {
			r.mu.Unlock()
			return "", fmt.Errorf("failed to save order: %w", err)
		}
	}
	r.orders[o.OrderHash] = o
	view := o.View()
	r.mu.Unlock()

	r.log.Info("Order added", "order", o.OrderHash, "maker", o.Maker, "making", o.MakingAmount, "src", o.SrcChain, "dst", o.DstChain)
	r.emit(events.OrderCreated, view, o, events.Metadata{})
	return o.OrderHash, nil
}

// GetOrder returns a copy of an order.
func (r *Registry) GetOrder(orderHash string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[NormalizeHash(orderHash)]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

// GetOrderStatus returns the best-known state of an order. Unknown hashes
// yield a not_found entry.
func (r *Registry) GetOrderStatus(orderHash string) OrderStatus {
	hash := NormalizeHash(orderHash)
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[hash]
	if !ok {
		return OrderStatus{OrderHash: orderHash, Status: StatusNotFound, Error: ErrOrderNotFound.Error()}
	}
	view := o.View()
	return OrderStatus{
		OrderHash:    o.OrderHash,
		Status:       o.Status,
		Order:        &view,
		SecretsCount: len(r.secrets[hash]),
		IsExpired:    o.IsExpired(r.now()),
	}
}

// GetOrderStatuses returns one entry per hash, in order.
func (r *Registry) GetOrderStatuses(hashes []string) []OrderStatus {
	out := make([]OrderStatus, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, r.GetOrderStatus(h))
	}
	return out
}

// snapshot returns copies of the orders matching keep, newest first.
func (r *Registry) snapshot(keep func(*Order) bool) []*Order {
	r.mu.RLock()
	out := make([]*Order, 0, len(r.orders))
	for _, o := range r.orders {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderHash < out[j].OrderHash
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func paginate(list []*Order, page, limit int) OrderPage {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	total := len(list)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	end := start + limit
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	data := make([]OrderView, 0, end-start)
	for _, o := range list[start:end] {
		data = append(data, o.View())
	}
	return OrderPage{
		Data: data,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
			HasPrev:    page > 1,
		},
	}
}

// GetActiveOrders lists active, unexpired orders, optionally by chain.
func (r *Registry) GetActiveOrders(page, limit int, srcChain, dstChain chain.ID) OrderPage {
	now := r.now()
	list := r.snapshot(func(o *Order) bool {
		if o.Status != StatusActive || o.IsExpired(now) {
			return false
		}
		if srcChain != "" && o.SrcChain != srcChain {
			return false
		}
		if dstChain != "" && o.DstChain != dstChain {
			return false
		}
		return true
	})
	return paginate(list, page, limit)
}

// GetOrdersByMaker lists every order of a maker, case-insensitively.
func (r *Registry) GetOrdersByMaker(maker string, page, limit int) OrderPage {
	list := r.snapshot(func(o *Order) bool {
		return strings.EqualFold(o.Maker, maker)
	})
	return paginate(list, page, limit)
}

// SubmitSecret records a resolver's secret for an order. It moves no funds.
// Submitting a secret already on file returns the existing record.
func (r *Registry) SubmitSecret(orderHash string, secret chain.Preimage, resolver string) (*Secret, error) {
	hash := NormalizeHash(orderHash)
	if resolver == "" {
		return nil, fmt.Errorf("%w: resolver required", ErrInvalidSecret)
	}

	r.mu.Lock()
	o, ok := r.orders[hash]
	if !ok {
		r.mu.Unlock()
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusActive {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrOrderNotActive, o.Status)
	}
	if o.IsExpired(r.now()) {
		r.mu.Unlock()
		return nil, ErrOrderExpired
	}
	for _, s := range r.secrets[hash] {
		if s.Secret == secret {
			c := *s
			r.mu.Unlock()
			return &c, nil
		}
	}

	s := &Secret{
		OrderHash:   hash,
		Index:       len(r.secrets[hash]),
		Secret:      secret,
		SecretHash:  chain.HashPreimage(secret),
		Resolver:    resolver,
		SubmittedAt: r.now(),
	}
	if r.store != nil {
		if err := r.store.SaveSecret(s); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to save secret: %w", err)
		}
	}
	r.secrets[hash] = append(r.secrets[hash], s)
	ord := o.Clone()
	r.mu.Unlock()

	r.log.Info("Secret submitted", "order", hash, "idx", s.Index, "resolver", resolver, "secret_hash", logging.Redact(s.SecretHash.String()))
	r.emit(events.SecretShared, map[string]interface{}{
		"orderHash":  hash,
		"idx":        s.Index,
		"secretHash": s.SecretHash,
		"resolver":   resolver,
	}, ord, events.Metadata{Resolver: resolver})
	c := *s
	return &c, nil
}

// GetPublishedSecrets returns the secrets of an order. Unknown orders yield
// an empty list.
func (r *Registry) GetPublishedSecrets(orderHash string) PublishedSecrets {
	hash := NormalizeHash(orderHash)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := PublishedSecrets{OrderHash: hash, Secrets: []Secret{}}
	for _, s := range r.secrets[hash] {
		out.Secrets = append(out.Secrets, *s)
	}
	return out
}

// GetReadyToAcceptSecretFills lists, for active unexpired orders with at
// least one secret, the fills a chain-side executor can submit. An empty
// orderHash scans every order.
func (r *Registry) GetReadyToAcceptSecretFills(orderHash string) []ReadyOrder {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Order
	if orderHash != "" {
		if o, ok := r.orders[NormalizeHash(orderHash)]; ok {
			candidates = append(candidates, o)
		}
	} else {
		for _, o := range r.orders {
			candidates = append(candidates, o)
		}
	}

	out := []ReadyOrder{}
	for _, o := range candidates {
		if o.Status != StatusActive || o.IsExpired(now) {
			continue
		}
		secrets := r.secrets[o.OrderHash]
		if len(secrets) == 0 {
			continue
		}
		ready := ReadyOrder{OrderHash: o.OrderHash, MakerAddress: o.Maker}
		for _, s := range secrets {
			f := ReadyFill{Idx: s.Index, SecretHash: s.SecretHash}
			if e, ok := escrowFor(o, s.Index); ok {
				f.SrcEscrow, f.DstEscrow = e.SrcLock, e.DstLock
			}
			ready.Fills = append(ready.Fills, f)
		}
		out = append(out, ready)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderHash < out[j].OrderHash })
	return out
}

// GetReadyToExecutePublicActions lists withdraw actions for orders whose
// latest secret is public.
func (r *Registry) GetReadyToExecutePublicActions() []PublicAction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []PublicAction{}
	for hash, secrets := range r.secrets {
		o, ok := r.orders[hash]
		if !ok || len(secrets) == 0 || o.Status == StatusCancelled {
			continue
		}
		latest := secrets[len(secrets)-1]
		a := PublicAction{
			Action:     "withdraw",
			OrderHash:  hash,
			Maker:      o.Maker,
			Receiver:   o.Receiver,
			ChainID:    o.SrcChain,
			Secret:     latest.Secret,
			SecretHash: latest.SecretHash,
		}
		if e, ok := escrowFor(o, latest.Index); ok {
			a.Escrow = e.SrcLock
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderHash < out[j].OrderHash })
	return out
}

func escrowFor(o *Order, idx int) (Escrow, bool) {
	for _, e := range o.Escrows {
		if e.FillIndex == idx {
			return e, true
		}
	}
	return Escrow{}, false
}

// FillCheck describes a fill to apply atomically.
type FillCheck struct {
	OrderHash string
	Amount    *big.Int

	// ExpectedFillCount guards against a concurrent fill slipping in between
	// validation and application. Negative disables the check.
	ExpectedFillCount int

	// Persist, when set, stores the updated order instead of the registry's
	// store so the caller can write its own records in the same
	// transaction. Nothing changes if it fails.
	Persist func(next *Order) error

	// DeferEvents holds back order_filled; the caller announces it with
	// AnnounceFilled after its own events.
	DeferEvents bool
}

// CheckFill validates a fill against the order without applying it.
func (r *Registry) CheckFill(orderHash string, amount *big.Int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[NormalizeHash(orderHash)]
	if !ok {
		return ErrOrderNotFound
	}
	return r.checkFillLocked(o, amount)
}

func (r *Registry) checkFillLocked(o *Order, amount *big.Int) error {
	if o.Status != StatusActive {
		return fmt.Errorf("%w: %s", ErrOrderNotActive, o.Status)
	}
	if o.IsExpired(r.now()) {
		return ErrOrderExpired
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if amount.Cmp(o.RemainingAmount) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrExceedsRemain, amount, o.RemainingAmount)
	}
	if !o.AllowPartialFills && amount.Cmp(o.RemainingAmount) != 0 {
		return ErrPartialDisabled
	}
	if !o.AllowMultipleFills && o.FillCount > 0 {
		return ErrMultipleFills
	}
	return nil
}

// ApplyFill atomically adds amount to the order's filled total. Either the
// whole fill is committed (memory and store) or nothing changes.
func (r *Registry) ApplyFill(fc FillCheck) (*Order, error) {
	hash := NormalizeHash(fc.OrderHash)
	r.mu.Lock()
	o, ok := r.orders[hash]
	if !ok {
		r.mu.Unlock()
		return nil, ErrOrderNotFound
	}
	if err := r.checkFillLocked(o, fc.Amount); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if fc.ExpectedFillCount >= 0 && o.FillCount != fc.ExpectedFillCount {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: fill count changed (%d != %d)", ErrOrderNotActive, o.FillCount, fc.ExpectedFillCount)
	}

	next := o.Clone()
	next.FilledAmount.Add(next.FilledAmount, fc.Amount)
	next.RemainingAmount.Sub(next.RemainingAmount, fc.Amount)
	next.FillCount++
	next.UpdatedAt = r.now()
	if next.RemainingAmount.Sign() == 0 {
		next.Status = StatusFilled
	}

	persist := fc.Persist
	if persist == nil && r.store != nil {
		persist = r.store.SaveOrder
	}
	if persist != nil {
		if err := persist(next.Clone()); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to save order: %w", err)
		}
	}
	r.orders[hash] = next
	out := next.Clone()
	r.mu.Unlock()

	if !fc.DeferEvents {
		r.AnnounceFilled(out)
	}
	return out, nil
}

// AnnounceFilled publishes order_filled for an order that reached filled.
func (r *Registry) AnnounceFilled(o *Order) {
	if o == nil || o.Status != StatusFilled {
		return
	}
	r.log.Info("Order filled", "order", o.OrderHash, "fills", o.FillCount)
	r.emit(events.OrderFilled, o.View(), o, events.Metadata{Status: string(StatusFilled)})
}

// RecordEscrows attaches the lock references backing fill idx.
func (r *Registry) RecordEscrows(orderHash string, idx int, src, dst chain.LockRef) error {
	hash := NormalizeHash(orderHash)
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[hash]
	if !ok {
		return ErrOrderNotFound
	}
	next := o.Clone()
	replaced := false
	for i := range next.Escrows {
		if next.Escrows[i].FillIndex == idx {
			next.Escrows[i].SrcLock, next.Escrows[i].DstLock = src, dst
			replaced = true
		}
	}
	if !replaced {
		next.Escrows = append(next.Escrows, Escrow{FillIndex: idx, SrcLock: src, DstLock: dst})
	}
	if r.store != nil {
		if err := r.store.SaveOrder(next); err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
	}
	r.orders[hash] = next
	return nil
}

// CancelOrder cancels an active order.
func (r *Registry) CancelOrder(orderHash string) (*Order, error) {
	return r.transition(orderHash, StatusCancelled, events.OrderCancelled)
}

func (r *Registry) transition(orderHash string, to Status, evType events.Type) (*Order, error) {
	hash := NormalizeHash(orderHash)
	r.mu.Lock()
	o, ok := r.orders[hash]
	if !ok {
		r.mu.Unlock()
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusActive {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrOrderNotActive, o.Status)
	}
	next := o.Clone()
	next.Status = to
	next.UpdatedAt = r.now()
	if r.store != nil {
		if err := r.store.SaveOrder(next); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to save order: %w", err)
		}
	}
	r.orders[hash] = next
	out := next.Clone()
	r.mu.Unlock()

	r.log.Info("Order status changed", "order", hash, "status", to)
	r.emit(evType, out.View(), out, events.Metadata{Status: string(to)})
	return out, nil
}

// ClearExpiredOrders marks active orders past expiry as expired and returns
// how many were swept.
func (r *Registry) ClearExpiredOrders() int {
	now := r.now()
	r.mu.RLock()
	var expired []string
	for hash, o := range r.orders {
		if o.Status == StatusActive && o.IsExpired(now) {
			expired = append(expired, hash)
		}
	}
	r.mu.RUnlock()
	sort.Strings(expired)

	cleared := 0
	for _, hash := range expired {
		if _, err := r.transition(hash, StatusExpired, events.OrderExpired); err != nil {
			r.log.Debug("Skipping expiry", "order", hash, "error", err)
			continue
		}
		cleared++
	}
	return cleared
}

// Count returns the number of registered orders.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// CountByStatus returns order counts keyed by status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int)
	for _, o := range r.orders {
		out[o.Status]++
	}
	return out
}
