// Package swap drives cross-chain HTLC swaps through lock, reveal, claim and
// refund. The user locks on the source chain to the relayer; the relayer
// locks the counter amount on the destination chain to the receiver under
// the same hashlock and timelock, and claims the source once the preimage
// is revealed.
package swap

import (
	"fmt"
	"math/big"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/pkg/helpers"
)

// Common errors
var (
	ErrSwapNotFound    = apperr.New(apperr.KindNotFound, "swap not found")
	ErrSwapExists      = apperr.New(apperr.KindValidation, "swap with this hashlock already exists")
	ErrInvalidSwap     = apperr.New(apperr.KindValidation, "invalid swap")
	ErrInvalidState    = apperr.New(apperr.KindProtocol, "invalid swap state")
	ErrNotLocked       = apperr.New(apperr.KindProtocol, "swap not locked")
	ErrSwapExpired     = apperr.New(apperr.KindProtocol, "swap timelock passed")
	ErrSourceAttached  = apperr.New(apperr.KindProtocol, "source lock already attached")
	ErrLockMismatch    = apperr.New(apperr.KindProtocol, "source lock does not match swap")
	ErrClaimIncomplete = apperr.New(apperr.KindChain, "claim not completed")
)

// Status is the swap lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusExpired   Status = "expired"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusExpired
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusLocked, StatusExpired},
	StatusLocked:    {StatusCompleted, StatusRefunded},
	StatusCompleted: {},
	StatusRefunded:  {},
	StatusExpired:   {},
}

// Side identifies one of the two locks of a swap.
type Side string

const (
	SideSource      Side = "source"
	SideDestination Side = "destination"
)

// Lock is one chain-side lock of a swap.
type Lock struct {
	Side     Side            `json:"side"`
	Chain    chain.ID        `json:"chain"`
	Ref      chain.LockRef   `json:"lockRef"`
	Amount   *big.Int        `json:"-"`
	State    chain.LockState `json:"state"`
	ClaimTx  chain.TxRef     `json:"claimTx,omitempty"`
	RefundTx chain.TxRef     `json:"refundTx,omitempty"`
}

func (l *Lock) clone() *Lock {
	if l == nil {
		return nil
	}
	c := *l
	if l.Amount != nil {
		c.Amount = new(big.Int).Set(l.Amount)
	}
	return &c
}

// active reports whether the lock is known to hold funds.
func (l *Lock) active() bool {
	return l != nil && l.State == chain.LockActive
}

// Swap is the coordinator's record of one cross-chain exchange.
type Swap struct {
	ID         string
	OrderHash  string
	FromChain  chain.ID
	ToChain    chain.ID
	FromToken  string
	ToToken    string
	FromAmount *big.Int
	ToAmount   *big.Int
	Sender     string
	Receiver   string
	Hashlock   chain.Hash
	Timelock   time.Time
	Status     Status

	Source      *Lock
	Destination *Lock

	// Preimage is only set on a completed swap.
	Preimage *chain.Preimage

	LockAttempts int
	LastError    string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time
}

// Clone returns a deep copy.
func (s *Swap) Clone() *Swap {
	c := *s
	c.FromAmount = new(big.Int).Set(s.FromAmount)
	c.ToAmount = new(big.Int).Set(s.ToAmount)
	c.Source = s.Source.clone()
	c.Destination = s.Destination.clone()
	if s.Preimage != nil {
		p := *s.Preimage
		c.Preimage = &p
	}
	return &c
}

// TransitionTo moves the swap to next if the state machine allows it.
func (s *Swap) TransitionTo(next Status) error {
	allowed, ok := transitions[s.Status]
	if !ok {
		return fmt.Errorf("%w: unknown current state %s", ErrInvalidState, s.Status)
	}
	for _, st := range allowed {
		if st == next {
			s.Status = next
			return nil
		}
	}
	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, s.Status, next)
}

// IsExpired reports whether the timelock has passed at now.
func (s *Swap) IsExpired(now time.Time) bool {
	return now.After(s.Timelock)
}

// hasActiveLock reports whether any recorded lock still holds funds.
func (s *Swap) hasActiveLock() bool {
	return s.Source.active() || s.Destination.active()
}

// LockView is the wire form of a Lock.
type LockView struct {
	Side     Side            `json:"side"`
	Chain    chain.ID        `json:"chain"`
	Ref      chain.LockRef   `json:"lockRef"`
	Amount   string          `json:"amount"`
	State    chain.LockState `json:"state"`
	ClaimTx  chain.TxRef     `json:"claimTx,omitempty"`
	RefundTx chain.TxRef     `json:"refundTx,omitempty"`
}

// View is the wire form of a Swap. Amounts are decimal strings at the
// chain's native precision.
type View struct {
	ID           string          `json:"id"`
	OrderHash    string          `json:"orderHash,omitempty"`
	FromChain    chain.ID        `json:"fromChain"`
	ToChain      chain.ID        `json:"toChain"`
	FromToken    string          `json:"fromToken"`
	ToToken      string          `json:"toToken"`
	FromAmount   string          `json:"fromAmount"`
	ToAmount     string          `json:"toAmount"`
	Sender       string          `json:"sender"`
	Receiver     string          `json:"receiver"`
	Hashlock     chain.Hash      `json:"hashlock"`
	Timelock     int64           `json:"timelock"`
	Status       Status          `json:"status"`
	IsExpired    bool            `json:"isExpired"`
	Locks        []LockView      `json:"locks"`
	Preimage     *chain.Preimage `json:"preimage,omitempty"`
	LockAttempts int             `json:"lockAttempts,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
	ExpiresAt    int64           `json:"expiresAt"`
	CompletedAt  int64           `json:"completedAt,omitempty"`
}

func lockView(l *Lock) LockView {
	v := LockView{Side: l.Side, Chain: l.Chain, Ref: l.Ref, State: l.State, ClaimTx: l.ClaimTx, RefundTx: l.RefundTx, Amount: "0"}
	if l.Amount != nil {
		v.Amount = helpers.FormatAmount(l.Amount, chain.Decimals(l.Chain))
	}
	return v
}

// View returns the wire form of the swap at now.
func (s *Swap) View(now time.Time) View {
	v := View{
		ID:           s.ID,
		OrderHash:    s.OrderHash,
		FromChain:    s.FromChain,
		ToChain:      s.ToChain,
		FromToken:    s.FromToken,
		ToToken:      s.ToToken,
		FromAmount:   helpers.FormatAmount(s.FromAmount, chain.Decimals(s.FromChain)),
		ToAmount:     helpers.FormatAmount(s.ToAmount, chain.Decimals(s.ToChain)),
		Sender:       s.Sender,
		Receiver:     s.Receiver,
		Hashlock:     s.Hashlock,
		Timelock:     s.Timelock.Unix(),
		Status:       s.Status,
		IsExpired:    s.IsExpired(now),
		Locks:        []LockView{},
		LockAttempts: s.LockAttempts,
		LastError:    s.LastError,
		CreatedAt:    s.CreatedAt.Unix(),
		ExpiresAt:    s.ExpiresAt.Unix(),
	}
	if s.Source != nil {
		v.Locks = append(v.Locks, lockView(s.Source))
	}
	if s.Destination != nil {
		v.Locks = append(v.Locks, lockView(s.Destination))
	}
	if s.Status == StatusCompleted && s.Preimage != nil {
		p := *s.Preimage
		v.Preimage = &p
	}
	if !s.CompletedAt.IsZero() {
		v.CompletedAt = s.CompletedAt.Unix()
	}
	return v
}

// CreateRequest asks the coordinator to start a swap.
type CreateRequest struct {
	OrderHash  string   `json:"orderHash,omitempty"`
	FromChain  chain.ID `json:"fromChain"`
	ToChain    chain.ID `json:"toChain"`
	FromToken  string   `json:"fromToken"`
	ToToken    string   `json:"toToken"`
	FromAmount string   `json:"fromAmount"`
	ToAmount   string   `json:"toAmount"`
	Sender     string   `json:"sender"`
	Receiver   string   `json:"receiver"`
	Hashlock   string   `json:"hashlock"`
	Timelock   int64    `json:"timelock,omitempty"` // unix seconds
}

// StatusEntry is one result of a bulk status query. Unknown ids produce an
// entry with Error set.
type StatusEntry struct {
	ID     string `json:"id"`
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Swap   *View  `json:"swap,omitempty"`
}

// ListFilter narrows ListSwaps.
type ListFilter struct {
	Status Status   `json:"status,omitempty"`
	Chain  chain.ID `json:"chain,omitempty"`
	Offset int      `json:"offset,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}
