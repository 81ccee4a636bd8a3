package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
)

// Adapter errors. Claim and refund return these so the engine can tell a
// settled lock from a failed call.
var (
	ErrInvalidPreimage = apperr.New(apperr.KindProtocol, "preimage does not match hashlock")
	ErrLockNotFound    = apperr.New(apperr.KindNotFound, "lock not found")
	ErrAlreadyClaimed  = apperr.New(apperr.KindProtocol, "lock already claimed")
	ErrAlreadyRefunded = apperr.New(apperr.KindProtocol, "lock already refunded")
	ErrNotExpired      = apperr.New(apperr.KindProtocol, "timelock not expired")
	ErrLockExpired     = apperr.New(apperr.KindProtocol, "timelock expired")
	ErrInvalidLock     = apperr.New(apperr.KindValidation, "invalid lock parameters")
)

// LockRef is the chain-specific identifier of a lock: the HTLC contract id
// on EVM, the claimable balance id on Stellar.
type LockRef string

// TxRef is a transaction hash.
type TxRef string

// LockState is the observable state of a lock.
type LockState string

const (
	LockActive   LockState = "active"
	LockClaimed  LockState = "claimed"
	LockRefunded LockState = "refunded"
	LockNotFound LockState = "not_found"
)

// IsTerminal reports whether no further transition is possible.
func (s LockState) IsTerminal() bool {
	return s == LockClaimed || s == LockRefunded
}

// LockParams describes a lock to create.
type LockParams struct {
	Receiver string
	Token    string // empty for the native asset
	Amount   *big.Int
	Hashlock Hash
	Timelock time.Time
}

// Validate checks the parameters before anything is submitted.
func (p *LockParams) Validate() error {
	if p.Receiver == "" {
		return fmt.Errorf("%w: receiver required", ErrInvalidLock)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidLock)
	}
	if p.Hashlock.IsZero() {
		return fmt.Errorf("%w: hashlock required", ErrInvalidLock)
	}
	if p.Timelock.IsZero() {
		return fmt.Errorf("%w: timelock required", ErrInvalidLock)
	}
	return nil
}

// LockStatus is what an adapter reports about a lock.
type LockStatus struct {
	Ref      LockRef
	State    LockState
	Sender   string
	Receiver string
	Amount   *big.Int
	Hashlock Hash
	Timelock time.Time

	// Preimage is set once a claim is observable on chain.
	Preimage *Preimage

	ClaimTx  TxRef
	RefundTx TxRef
}

// Adapter drives HTLC-style locks on one ledger.
// Every method is a blocking I/O boundary and honours ctx.
type Adapter interface {
	// Chain returns the ledger this adapter speaks to.
	Chain() ID

	// Account returns the relayer's own address on this ledger.
	Account() string

	// Lock locks funds from the relayer's account under hashlock/timelock.
	Lock(ctx context.Context, params LockParams) (LockRef, error)

	// Claim withdraws a lock with its preimage. The preimage is verified
	// against the on-chain hashlock before anything is submitted.
	Claim(ctx context.Context, ref LockRef, preimage Preimage) (TxRef, error)

	// Refund returns an expired lock to its sender.
	Refund(ctx context.Context, ref LockRef) (TxRef, error)

	// Status reports the lock state. Unknown refs yield LockNotFound, not an error.
	Status(ctx context.Context, ref LockRef) (*LockStatus, error)
}

// LockLocator is implemented by adapters that can find a lock the relayer
// created from the lock parameters alone, for submissions whose outcome was
// never observed.
type LockLocator interface {
	FindLock(ctx context.Context, params LockParams) (*LockStatus, error)
}

// FindLock asks ad for a relayer-created lock matching params. Adapters
// that cannot locate locks report LockNotFound.
func FindLock(ctx context.Context, ad Adapter, params LockParams) (*LockStatus, error) {
	if loc, ok := ad.(LockLocator); ok {
		return loc.FindLock(ctx, params)
	}
	return &LockStatus{State: LockNotFound}, nil
}

// Head is the tip of a ledger as seen by an adapter.
type Head struct {
	Height uint64
	Time   time.Time
}

// HeadReader is implemented by adapters that can report their chain tip.
type HeadReader interface {
	Head(ctx context.Context) (*Head, error)
}

// ErrNoHead is returned by ReadHead for adapters that cannot report a tip.
var ErrNoHead = errors.New("adapter does not report a chain head")

// ReadHead returns the tip of ad's ledger, or ErrNoHead.
func ReadHead(ctx context.Context, ad Adapter) (*Head, error) {
	if hr, ok := ad.(HeadReader); ok {
		return hr.Head(ctx)
	}
	return nil, ErrNoHead
}

// IsSettled reports whether err from Claim or Refund means the lock already
// reached a terminal state, which callers treat as a no-op success.
func IsSettled(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrAlreadyRefunded)
}

// Adapters maps chain IDs to adapters.
type Adapters struct {
	mu       sync.RWMutex
	adapters map[ID]Adapter
}

// NewAdapters creates an adapter set.
func NewAdapters(list ...Adapter) *Adapters {
	a := &Adapters{adapters: make(map[ID]Adapter)}
	for _, ad := range list {
		a.adapters[ad.Chain()] = ad
	}
	return a
}

// Set sets or replaces the adapter for its chain.
func (a *Adapters) Set(ad Adapter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.adapters[ad.Chain()] = ad
}

// Get returns the adapter for a chain.
func (a *Adapters) Get(id ID) (Adapter, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ad, ok := a.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for %s", ErrUnsupportedChain, id)
	}
	return ad, nil
}
