// Package memchain is an in-process ledger implementing chain.Adapter.
//
// It backs dev mode and the protocol tests. Lock ids are derived from the
// lock parameters the way the EVM contract derives them, so locking twice
// with identical parameters returns the existing lock.
package memchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
)

// Operation names for FailNext.
const (
	OpLock   = "lock"
	OpClaim  = "claim"
	OpRefund = "refund"
	OpStatus = "status"
	OpHead   = "head"
)

type lock struct {
	status chain.LockStatus
}

// Ledger is an in-memory HTLC ledger.
type Ledger struct {
	mu sync.Mutex

	id      chain.ID
	account string
	now     func() time.Time
	delay   time.Duration

	locks    map[chain.LockRef]*lock
	balances map[string]*big.Int
	failures map[string][]error
	txSeq    uint64
	calls    map[string]int
}

// New creates a ledger for chain id where the relayer holds account.
func New(id chain.ID, account string) *Ledger {
	return &Ledger{
		id:       id,
		account:  account,
		now:      time.Now,
		locks:    make(map[chain.LockRef]*lock),
		balances: make(map[string]*big.Int),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// SetClock replaces the ledger clock.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetDelay makes every call block for d or until ctx is done.
func (l *Ledger) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// FailNext makes the next call to op return err.
func (l *Ledger) FailNext(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = append(l.failures[op], err)
}

// Calls returns how many times op was invoked.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Balance returns the credited balance of an address.
func (l *Ledger) Balance(addr string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Chain implements chain.Adapter.
func (l *Ledger) Chain() chain.ID { return l.id }

// Account implements chain.Adapter.
func (l *Ledger) Account() string { return l.account }

// begin applies delay and fault injection. It returns with l.mu held on success.
func (l *Ledger) begin(ctx context.Context, op string) error {
	l.mu.Lock()
	l.calls[op]++
	delay := l.delay
	var injected error
	if q := l.failures[op]; len(q) > 0 {
		injected, l.failures[op] = q[0], q[1:]
	}
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return apperr.Chain(op, ctx.Err())
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return apperr.Chain(op, err)
	}
	if injected != nil {
		return injected
	}
	l.mu.Lock()
	return nil
}

// Lock implements chain.Adapter.
func (l *Ledger) Lock(ctx context.Context, params chain.LockParams) (chain.LockRef, error) {
	return l.Deposit(ctx, l.account, params)
}

// Deposit creates a lock funded by sender, as a user would on their own chain.
func (l *Ledger) Deposit(ctx context.Context, sender string, params chain.LockParams) (chain.LockRef, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	if err := l.begin(ctx, OpLock); err != nil {
		return "", err
	}
	defer l.mu.Unlock()

	if !params.Timelock.After(l.now()) {
		return "", fmt.Errorf("%w: timelock in the past", chain.ErrInvalidLock)
	}

	ref := lockID(sender, params)
	if _, exists := l.locks[ref]; exists {
		return ref, nil
	}
	l.locks[ref] = &lock{status: chain.LockStatus{
		Ref:      ref,
		State:    chain.LockActive,
		Sender:   sender,
		Receiver: params.Receiver,
		Amount:   new(big.Int).Set(params.Amount),
		Hashlock: params.Hashlock,
		Timelock: params.Timelock,
	}}
	return ref, nil
}

// Claim implements chain.Adapter.
func (l *Ledger) Claim(ctx context.Context, ref chain.LockRef, preimage chain.Preimage) (chain.TxRef, error) {
	if err := l.begin(ctx, OpClaim); err != nil {
		return "", err
	}
	defer l.mu.Unlock()

	lk, ok := l.locks[ref]
	if !ok {
		return "", chain.ErrLockNotFound
	}
	switch lk.status.State {
	case chain.LockClaimed:
		return lk.status.ClaimTx, chain.ErrAlreadyClaimed
	case chain.LockRefunded:
		return lk.status.RefundTx, chain.ErrAlreadyRefunded
	}
	if err := chain.CheckPreimage(preimage, lk.status.Hashlock); err != nil {
		return "", err
	}
	if !l.now().Before(lk.status.Timelock) {
		return "", chain.ErrLockExpired
	}

	p := preimage
	lk.status.State = chain.LockClaimed
	lk.status.Preimage = &p
	lk.status.ClaimTx = l.nextTx()
	l.credit(lk.status.Receiver, lk.status.Amount)
	return lk.status.ClaimTx, nil
}

// ClaimAs reveals a preimage by claiming as the lock's receiver.
func (l *Ledger) ClaimAs(ctx context.Context, ref chain.LockRef, preimage chain.Preimage) (chain.TxRef, error) {
	return l.Claim(ctx, ref, preimage)
}

// Refund implements chain.Adapter.
func (l *Ledger) Refund(ctx context.Context, ref chain.LockRef) (chain.TxRef, error) {
	if err := l.begin(ctx, OpRefund); err != nil {
		return "", err
	}
	defer l.mu.Unlock()

	lk, ok := l.locks[ref]
	if !ok {
		return "", chain.ErrLockNotFound
	}
	switch lk.status.State {
	case chain.LockClaimed:
		return lk.status.ClaimTx, chain.ErrAlreadyClaimed
	case chain.LockRefunded:
		return lk.status.RefundTx, chain.ErrAlreadyRefunded
	}
	if l.now().Before(lk.status.Timelock) {
		return "", chain.ErrNotExpired
	}

	lk.status.State = chain.LockRefunded
	lk.status.RefundTx = l.nextTx()
	l.credit(lk.status.Sender, lk.status.Amount)
	return lk.status.RefundTx, nil
}

// Status implements chain.Adapter.
func (l *Ledger) Status(ctx context.Context, ref chain.LockRef) (*chain.LockStatus, error) {
	if err := l.begin(ctx, OpStatus); err != nil {
		return nil, err
	}
	defer l.mu.Unlock()

	lk, ok := l.locks[ref]
	if !ok {
		return &chain.LockStatus{Ref: ref, State: chain.LockNotFound}, nil
	}
	st := lk.status
	st.Amount = new(big.Int).Set(lk.status.Amount)
	if lk.status.Preimage != nil {
		p := *lk.status.Preimage
		st.Preimage = &p
	}
	return &st, nil
}

// FindLock implements chain.LockLocator for locks funded by the relayer.
func (l *Ledger) FindLock(ctx context.Context, params chain.LockParams) (*chain.LockStatus, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return l.Status(ctx, lockID(l.account, params))
}

// Head implements chain.HeadReader. The height counts transactions.
func (l *Ledger) Head(ctx context.Context) (*chain.Head, error) {
	if err := l.begin(ctx, OpHead); err != nil {
		return nil, err
	}
	defer l.mu.Unlock()
	return &chain.Head{Height: l.txSeq, Time: l.now()}, nil
}

// caller holds l.mu
func (l *Ledger) nextTx() chain.TxRef {
	l.txSeq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-tx-%d", l.id, l.txSeq)))
	return chain.TxRef("0x" + hex.EncodeToString(sum[:]))
}

// caller holds l.mu
func (l *Ledger) credit(addr string, amount *big.Int) {
	b, ok := l.balances[addr]
	if !ok {
		b = new(big.Int)
		l.balances[addr] = b
	}
	b.Add(b, amount)
}

func lockID(sender string, p chain.LockParams) chain.LockRef {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte(p.Receiver))
	h.Write([]byte(p.Token))
	h.Write(p.Amount.Bytes())
	h.Write(p.Hashlock[:])
	fmt.Fprintf(h, "%d", p.Timelock.Unix())
	return chain.LockRef("0x" + hex.EncodeToString(h.Sum(nil)))
}
