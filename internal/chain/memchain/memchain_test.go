package memchain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(chain.Ethereum, "relayer")
	l.SetClock(clk.Now)
	return l, clk
}

func lockParams(t *testing.T, clk *fakeClock) (chain.LockParams, chain.Preimage) {
	t.Helper()
	p, h, err := chain.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	return chain.LockParams{
		Receiver: "alice",
		Amount:   big.NewInt(1000),
		Hashlock: h,
		Timelock: clk.t.Add(time.Hour),
	}, p
}

func TestLockIsIdempotent(t *testing.T) {
	l, clk := newLedger(t)
	params, _ := lockParams(t, clk)
	ctx := context.Background()

	ref1, err := l.Lock(ctx, params)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	ref2, err := l.Lock(ctx, params)
	if err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	if ref1 != ref2 {
		t.Errorf("identical params produced different refs %s %s", ref1, ref2)
	}

	st, _ := l.Status(ctx, ref1)
	if st.State != chain.LockActive || st.Sender != "relayer" || st.Amount.Int64() != 1000 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestClaim(t *testing.T) {
	l, clk := newLedger(t)
	params, preimage := lockParams(t, clk)
	ctx := context.Background()
	ref, _ := l.Lock(ctx, params)

	var wrong chain.Preimage
	if _, err := l.Claim(ctx, ref, wrong); !errors.Is(err, chain.ErrInvalidPreimage) {
		t.Fatalf("expected ErrInvalidPreimage, got %v", err)
	}
	if _, err := l.Claim(ctx, "0xmissing", preimage); !errors.Is(err, chain.ErrLockNotFound) {
		t.Fatalf("expected ErrLockNotFound, got %v", err)
	}

	if _, err := l.ClaimAs(ctx, ref, preimage); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := l.Claim(ctx, ref, preimage); !errors.Is(err, chain.ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}

	st, _ := l.Status(ctx, ref)
	if st.State != chain.LockClaimed || st.Preimage == nil || *st.Preimage != preimage {
		t.Errorf("claimed status should expose preimage: %+v", st)
	}
	if l.Balance("alice").Int64() != 1000 {
		t.Errorf("receiver not credited: %s", l.Balance("alice"))
	}
}

func TestClaimAfterExpiry(t *testing.T) {
	l, clk := newLedger(t)
	params, preimage := lockParams(t, clk)
	ctx := context.Background()
	ref, _ := l.Lock(ctx, params)

	clk.t = clk.t.Add(2 * time.Hour)
	if _, err := l.Claim(ctx, ref, preimage); !errors.Is(err, chain.ErrLockExpired) {
		t.Errorf("expected ErrLockExpired, got %v", err)
	}
}

func TestRefundIdempotent(t *testing.T) {
	l, clk := newLedger(t)
	params, _ := lockParams(t, clk)
	ctx := context.Background()
	ref, _ := l.Lock(ctx, params)

	if _, err := l.Refund(ctx, ref); !errors.Is(err, chain.ErrNotExpired) {
		t.Fatalf("expected ErrNotExpired, got %v", err)
	}

	clk.t = params.Timelock
	if _, err := l.Refund(ctx, ref); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	_, err := l.Refund(ctx, ref)
	if !errors.Is(err, chain.ErrAlreadyRefunded) || !chain.IsSettled(err) {
		t.Fatalf("second refund should be a settled no-op, got %v", err)
	}

	st, _ := l.Status(ctx, ref)
	if st.State != chain.LockRefunded {
		t.Errorf("expected refunded, got %s", st.State)
	}
	if l.Balance("relayer").Int64() != 1000 {
		t.Errorf("sender not credited: %s", l.Balance("relayer"))
	}
}

func TestStatusUnknown(t *testing.T) {
	l, _ := newLedger(t)
	st, err := l.Status(context.Background(), "0xnope")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != chain.LockNotFound {
		t.Errorf("expected not_found, got %s", st.State)
	}
}

func TestFailNextAndDelay(t *testing.T) {
	l, clk := newLedger(t)
	params, _ := lockParams(t, clk)

	l.FailNext(OpLock, apperr.Chain("lock", errors.New("rpc down")))
	if _, err := l.Lock(context.Background(), params); !apperr.Is(err, apperr.KindChain) {
		t.Fatalf("expected chain error, got %v", err)
	}
	if _, err := l.Lock(context.Background(), params); err != nil {
		t.Fatalf("failure should only apply once: %v", err)
	}
	if l.Calls(OpLock) != 2 {
		t.Errorf("expected 2 lock calls, got %d", l.Calls(OpLock))
	}

	l.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Status(ctx, "0xnope"); !apperr.Is(err, apperr.KindChain) {
		t.Errorf("expected timeout as chain error, got %v", err)
	}
}

func TestDepositRejectsPastTimelock(t *testing.T) {
	l, clk := newLedger(t)
	params, _ := lockParams(t, clk)
	params.Timelock = clk.t.Add(-time.Second)
	if _, err := l.Deposit(context.Background(), "bob", params); !errors.Is(err, chain.ErrInvalidLock) {
		t.Errorf("expected ErrInvalidLock, got %v", err)
	}
}

func TestHead(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(chain.Stellar, "GRELAYER")
	l.SetClock(func() time.Time { return now })
	ctx := context.Background()

	h, err := chain.ReadHead(ctx, l)
	if err != nil {
		t.Fatalf("ReadHead: %v", err)
	}
	if h.Height != 0 || !h.Time.Equal(now) {
		t.Errorf("head = %+v", h)
	}

	l.FailNext(OpHead, errors.New("node down"))
	if _, err := l.Head(ctx); err == nil {
		t.Error("Head ignored the injected failure")
	}
}
