package swap

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/chain/memchain"
	"github.com/klingon-exchange/bridge-relay/internal/events"
)

const (
	relayerEth = "0xRelayer"
	relayerXLM = "GRELAYER"
	alice      = "0xAlice"
	bob        = "GBOB"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(t events.Type, data interface{}, meta events.Metadata) (events.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := events.Event{Type: t, Metadata: meta}
	r.events = append(r.events, ev)
	return ev, nil
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type memStore struct {
	mu    sync.Mutex
	swaps map[string]*Swap
	fail  error
}

func (m *memStore) SaveSwap(s *Swap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.swaps == nil {
		m.swaps = make(map[string]*Swap)
	}
	m.swaps[s.ID] = s.Clone()
	return nil
}

func (m *memStore) LoadSwaps() ([]*Swap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Swap
	for _, s := range m.swaps {
		out = append(out, s.Clone())
	}
	return out, nil
}

type fixture struct {
	c     *Coordinator
	eth   *memchain.Ledger
	xlm   *memchain.Ledger
	clk   *clock
	rec   *recorder
	store *memStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	eth := memchain.New(chain.Ethereum, relayerEth)
	xlm := memchain.New(chain.Stellar, relayerXLM)
	eth.SetClock(clk.now)
	xlm.SetClock(clk.now)
	rec := &recorder{}
	store := &memStore{}
	c := NewCoordinator(&CoordinatorConfig{
		Adapters:     chain.NewAdapters(eth, xlm),
		Store:        store,
		Events:       rec,
		ChainTimeout: time.Second,
		Now:          clk.now,
	})
	return &fixture{c: c, eth: eth, xlm: xlm, clk: clk, rec: rec, store: store}
}

func (f *fixture) create(t *testing.T, hashlock chain.Hash, timelock time.Duration) *View {
	t.Helper()
	v, err := f.c.CreateSwap(&CreateRequest{
		FromChain:  chain.Ethereum,
		ToChain:    chain.Stellar,
		FromAmount: "1.0",
		ToAmount:   "100",
		Sender:     alice,
		Receiver:   bob,
		Hashlock:   hashlock.String(),
		Timelock:   f.clk.now().Add(timelock).Unix(),
	})
	if err != nil {
		t.Fatalf("CreateSwap failed: %v", err)
	}
	return v
}

// deposit locks the sender's funds on ethereum as the user would.
func (f *fixture) deposit(t *testing.T, v *View, amount *big.Int) chain.LockRef {
	t.Helper()
	hash, _ := chain.ParseHash(v.Hashlock.String())
	ref, err := f.eth.Deposit(context.Background(), alice, chain.LockParams{
		Receiver: relayerEth,
		Amount:   amount,
		Hashlock: hash,
		Timelock: time.Unix(v.Timelock, 0),
	})
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	return ref
}

// lockBoth creates a swap and drives it to locked.
func (f *fixture) lockBoth(t *testing.T) (*View, chain.Preimage) {
	t.Helper()
	preimage, hash, err := chain.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	v := f.create(t, hash, time.Hour)
	ref := f.deposit(t, v, oneEther())
	if _, err := f.c.AttachSourceLock(v.ID, ref); err != nil {
		t.Fatalf("AttachSourceLock failed: %v", err)
	}
	if err := f.c.DetectLocks(context.Background()); err != nil {
		t.Fatalf("DetectLocks failed: %v", err)
	}
	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusLocked {
		t.Fatalf("status = %s, want locked (lastError %q)", got.Status, got.LastError)
	}
	return got, preimage
}

func oneEther() *big.Int { return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil) }

func xlmUnits(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(10_000_000)) }

func TestSwapHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, preimage := f.lockBoth(t)
	if len(v.Locks) != 2 {
		t.Fatalf("locks = %d, want 2", len(v.Locks))
	}
	dst := v.Locks[1]
	if dst.Chain != chain.Stellar || dst.State != chain.LockActive || dst.Amount != "100" {
		t.Errorf("destination lock = %+v", dst)
	}
	st, _ := f.xlm.Status(ctx, dst.Ref)
	if st.Receiver != bob || st.Hashlock != v.Hashlock || st.Timelock.Unix() != v.Timelock {
		t.Errorf("destination lock params = %+v", st)
	}

	// Receiver claims on stellar, revealing the preimage.
	if _, err := f.xlm.ClaimAs(ctx, dst.Ref, preimage); err != nil {
		t.Fatalf("ClaimAs failed: %v", err)
	}
	if err := f.c.DetectClaims(ctx); err != nil {
		t.Fatalf("DetectClaims failed: %v", err)
	}

	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (lastError %q)", got.Status, got.LastError)
	}
	if got.Preimage == nil || *got.Preimage != preimage {
		t.Error("completed swap should disclose the preimage")
	}
	for _, lk := range got.Locks {
		if lk.State != chain.LockClaimed || lk.ClaimTx == "" {
			t.Errorf("%s lock = %+v, want claimed", lk.Side, lk)
		}
	}
	if f.eth.Balance(relayerEth).Cmp(oneEther()) != 0 {
		t.Errorf("relayer eth balance = %s", f.eth.Balance(relayerEth))
	}
	if f.xlm.Balance(bob).Cmp(xlmUnits(100)) != 0 {
		t.Errorf("receiver xlm balance = %s", f.xlm.Balance(bob))
	}
	if n := f.rec.count(events.SwapCompleted); n != 1 {
		t.Errorf("SwapCompleted events = %d, want 1", n)
	}

	// A second pass finds nothing to do.
	claims := f.eth.Calls(memchain.OpClaim)
	_ = f.c.DetectClaims(ctx)
	if f.eth.Calls(memchain.OpClaim) != claims {
		t.Error("completed swap should not be claimed again")
	}
}

func TestRevealSecretClaimsBothSides(t *testing.T) {
	f := newFixture(t)
	v, preimage := f.lockBoth(t)

	got, err := f.c.RevealSecret(context.Background(), v.ID, preimage)
	if err != nil {
		t.Fatalf("RevealSecret failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if f.xlm.Balance(bob).Cmp(xlmUnits(100)) != 0 {
		t.Errorf("receiver was not paid: %s", f.xlm.Balance(bob))
	}

	// Revealing again is a no-op.
	again, err := f.c.RevealSecret(context.Background(), v.ID, preimage)
	if err != nil || again.Status != StatusCompleted {
		t.Errorf("second reveal = %v, %v", again, err)
	}
}

func TestRevealSecretRejectsWrongPreimage(t *testing.T) {
	f := newFixture(t)
	v, _ := f.lockBoth(t)

	var wrong chain.Preimage
	wrong[0] = 1
	_, err := f.c.RevealSecret(context.Background(), v.ID, wrong)
	if !errors.Is(err, chain.ErrInvalidPreimage) {
		t.Fatalf("err = %v, want ErrInvalidPreimage", err)
	}
	if n := f.eth.Calls(memchain.OpClaim) + f.xlm.Calls(memchain.OpClaim); n != 0 {
		t.Errorf("claim calls = %d, want 0", n)
	}
	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusLocked {
		t.Errorf("status = %s, want locked", got.Status)
	}
}

func TestRevealSecretStates(t *testing.T) {
	f := newFixture(t)
	preimage, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Hour)

	if _, err := f.c.RevealSecret(context.Background(), v.ID, preimage); !errors.Is(err, ErrNotLocked) {
		t.Errorf("pending reveal err = %v, want ErrNotLocked", err)
	}
	if _, err := f.c.RevealSecret(context.Background(), "missing", preimage); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("unknown swap err = %v, want not_found", err)
	}
}

func TestClaimFailureRetriedFromCache(t *testing.T) {
	f := newFixture(t)
	v, preimage := f.lockBoth(t)

	f.eth.FailNext(memchain.OpClaim, errors.New("rpc unavailable"))
	if _, err := f.c.RevealSecret(context.Background(), v.ID, preimage); err == nil {
		t.Fatal("expected source claim failure")
	}
	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusLocked {
		t.Fatalf("status = %s, want locked", got.Status)
	}
	if got.Locks[1].State != chain.LockClaimed {
		t.Errorf("destination should already be claimed, got %s", got.Locks[1].State)
	}
	if got.Preimage != nil {
		t.Error("preimage must not be exposed before completion")
	}

	if err := f.c.DetectClaims(context.Background()); err != nil {
		t.Fatalf("DetectClaims failed: %v", err)
	}
	got, _ = f.c.GetSwap(v.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if f.xlm.Calls(memchain.OpClaim) != 1 {
		t.Errorf("destination claim calls = %d, want 1", f.xlm.Calls(memchain.OpClaim))
	}
}

func TestTimeoutWithoutLocks(t *testing.T) {
	f := newFixture(t)
	_, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Second)

	// First watchdog pass happens before expiry.
	_ = f.c.CheckTimeouts(context.Background())
	if got, _ := f.c.GetSwap(v.ID); got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	f.clk.advance(2 * time.Second)
	_ = f.c.CheckTimeouts(context.Background())

	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusExpired || !got.IsExpired {
		t.Fatalf("status = %s, isExpired %v", got.Status, got.IsExpired)
	}
	if len(got.Locks) != 0 {
		t.Errorf("locks = %+v, want none", got.Locks)
	}
	if n := f.rec.count(events.SwapExpired); n != 1 {
		t.Errorf("SwapExpired events = %d, want 1", n)
	}

	_ = f.c.CheckTimeouts(context.Background())
	if n := f.rec.count(events.SwapExpired); n != 1 {
		t.Errorf("expired swap was processed again: %d events", n)
	}
}

func TestTimeoutRefundsBothLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.lockBoth(t)

	f.clk.advance(time.Hour + time.Second)
	_ = f.c.CheckTimeouts(ctx)

	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded (lastError %q)", got.Status, got.LastError)
	}
	for _, lk := range got.Locks {
		if lk.State != chain.LockRefunded || lk.RefundTx == "" {
			t.Errorf("%s lock = %+v, want refunded", lk.Side, lk)
		}
	}
	if f.eth.Balance(alice).Cmp(oneEther()) != 0 {
		t.Errorf("sender not refunded: %s", f.eth.Balance(alice))
	}
	if f.xlm.Balance(relayerXLM).Cmp(xlmUnits(100)) != 0 {
		t.Errorf("relayer not refunded: %s", f.xlm.Balance(relayerXLM))
	}
	if n := f.rec.count(events.RefundProcessed); n != 1 {
		t.Errorf("RefundProcessed events = %d, want 1", n)
	}

	// A second refund of the same lock reports settlement, and the
	// watchdog leaves the swap alone.
	if _, err := f.xlm.Refund(ctx, got.Locks[1].Ref); !chain.IsSettled(err) {
		t.Errorf("second refund err = %v, want settled", err)
	}
	_ = f.c.CheckTimeouts(ctx)
	if n := f.rec.count(events.RefundProcessed); n != 1 {
		t.Errorf("RefundProcessed events = %d after second sweep, want 1", n)
	}
}

func TestTimeoutToleratesSettledLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := f.lockBoth(t)

	f.clk.advance(2 * time.Hour)
	// Someone else already refunded the destination lock.
	if _, err := f.xlm.Refund(ctx, v.Locks[1].Ref); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	_ = f.c.CheckTimeouts(ctx)

	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded (lastError %q)", got.Status, got.LastError)
	}
	if got.Locks[0].State != chain.LockRefunded {
		t.Errorf("source lock = %s, want refunded", got.Locks[0].State)
	}
}

func TestTimeoutChainErrorLeavesState(t *testing.T) {
	f := newFixture(t)
	v, _ := f.lockBoth(t)

	f.clk.advance(2 * time.Hour)
	f.eth.FailNext(memchain.OpRefund, errors.New("node down"))
	_ = f.c.CheckTimeouts(context.Background())

	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusLocked {
		t.Fatalf("status = %s, want locked after failed refund", got.Status)
	}
	if got.Locks[1].State != chain.LockRefunded {
		t.Errorf("destination refund should not be held back, got %s", got.Locks[1].State)
	}
	if got.LastError == "" {
		t.Error("expected LastError to be recorded")
	}

	_ = f.c.CheckTimeouts(context.Background())
	if got, _ := f.c.GetSwap(v.ID); got.Status != StatusRefunded {
		t.Errorf("status = %s, want refunded on retry", got.Status)
	}
}

func TestWatchdogSkipsBusySwap(t *testing.T) {
	f := newFixture(t)
	v, _ := f.lockBoth(t)
	f.clk.advance(2 * time.Hour)

	e := f.c.swaps[v.ID]
	if !e.tryAcquire() {
		t.Fatal("slot should be free")
	}
	_ = f.c.CheckTimeouts(context.Background())
	e.release()

	if got, _ := f.c.GetSwap(v.ID); got.Status != StatusLocked {
		t.Errorf("busy swap was touched: %s", got.Status)
	}
	if f.eth.Calls(memchain.OpRefund) != 0 {
		t.Error("no refund expected while the swap is busy")
	}
}

func TestDestinationLockRetriesThenExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Hour)
	ref := f.deposit(t, v, oneEther())
	if _, err := f.c.AttachSourceLock(v.ID, ref); err != nil {
		t.Fatalf("AttachSourceLock failed: %v", err)
	}

	for i := 0; i < DefaultMaxLockAttempts; i++ {
		f.xlm.FailNext(memchain.OpLock, errors.New("horizon unavailable"))
	}
	for i := 1; i < DefaultMaxLockAttempts; i++ {
		_ = f.c.DetectLocks(ctx)
		got, _ := f.c.GetSwap(v.ID)
		if got.Status != StatusPending || got.LockAttempts != i {
			t.Fatalf("attempt %d: status %s attempts %d", i, got.Status, got.LockAttempts)
		}
	}
	_ = f.c.DetectLocks(ctx)
	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if f.rec.count(events.SwapExpired) != 1 {
		t.Errorf("SwapExpired events = %d, want 1", f.rec.count(events.SwapExpired))
	}

	// The source lock is refunded once its timelock passes.
	f.clk.advance(time.Hour + time.Second)
	_ = f.c.CheckTimeouts(ctx)
	got, _ = f.c.GetSwap(v.ID)
	if got.Status != StatusExpired || got.Locks[0].State != chain.LockRefunded {
		t.Fatalf("after watchdog: status %s, source %s", got.Status, got.Locks[0].State)
	}
	if f.rec.count(events.RefundProcessed) != 1 {
		t.Errorf("RefundProcessed events = %d, want 1", f.rec.count(events.RefundProcessed))
	}
	if f.eth.Balance(alice).Cmp(oneEther()) != 0 {
		t.Errorf("sender not refunded: %s", f.eth.Balance(alice))
	}
}

func TestSourceLockMismatch(t *testing.T) {
	f := newFixture(t)
	_, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Hour)
	half := new(big.Int).Div(oneEther(), big.NewInt(2))
	ref := f.deposit(t, v, half)
	if _, err := f.c.AttachSourceLock(v.ID, ref); err != nil {
		t.Fatalf("AttachSourceLock failed: %v", err)
	}
	_ = f.c.DetectLocks(context.Background())

	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if !strings.Contains(got.LastError, "amount") {
		t.Errorf("LastError = %q", got.LastError)
	}
	if f.xlm.Calls(memchain.OpLock) != 0 {
		t.Error("destination must not be locked against a short source lock")
	}
}

func TestSourceLockNotYetVisible(t *testing.T) {
	f := newFixture(t)
	_, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Hour)
	if _, err := f.c.AttachSourceLock(v.ID, "0xdeadbeef"); err != nil {
		t.Fatalf("AttachSourceLock failed: %v", err)
	}
	_ = f.c.DetectLocks(context.Background())
	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusPending || got.LastError != "" {
		t.Errorf("status %s lastError %q", got.Status, got.LastError)
	}

	// Attaching the same ref twice is idempotent.
	if _, err := f.c.AttachSourceLock(v.ID, "0xdeadbeef"); err != nil {
		t.Errorf("second attach failed: %v", err)
	}
}

func TestCreateSwapValidation(t *testing.T) {
	f := newFixture(t)
	_, hash, _ := chain.GenerateSecret()
	base := func() *CreateRequest {
		return &CreateRequest{
			FromChain:  chain.Ethereum,
			ToChain:    chain.Stellar,
			FromAmount: "1.0",
			ToAmount:   "100",
			Sender:     alice,
			Receiver:   bob,
			Hashlock:   hash.String(),
		}
	}
	tests := []struct {
		name   string
		modify func(r *CreateRequest)
	}{
		{"same chain", func(r *CreateRequest) { r.ToChain = chain.Ethereum }},
		{"unknown chain", func(r *CreateRequest) { r.FromChain = "solana" }},
		{"zero amount", func(r *CreateRequest) { r.FromAmount = "0" }},
		{"too precise", func(r *CreateRequest) { r.ToAmount = "1.12345678" }},
		{"no receiver", func(r *CreateRequest) { r.Receiver = "" }},
		{"bad hashlock", func(r *CreateRequest) { r.Hashlock = "0x1234" }},
		{"past timelock", func(r *CreateRequest) { r.Timelock = f.clk.now().Unix() - 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.modify(req)
			if _, err := f.c.CreateSwap(req); !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}

	v, err := f.c.CreateSwap(base())
	if err != nil {
		t.Fatalf("CreateSwap failed: %v", err)
	}
	if want := f.clk.now().Add(DefaultTimelock).Unix(); v.Timelock != want {
		t.Errorf("default timelock = %d, want %d", v.Timelock, want)
	}
	if _, err := f.c.CreateSwap(base()); !errors.Is(err, ErrSwapExists) {
		t.Errorf("duplicate hashlock err = %v, want ErrSwapExists", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	all := []Status{StatusPending, StatusLocked, StatusCompleted, StatusRefunded, StatusExpired}
	for _, from := range []Status{StatusCompleted, StatusRefunded, StatusExpired} {
		for _, to := range all {
			s := &Swap{Status: from}
			if err := s.TransitionTo(to); err == nil {
				t.Errorf("%s -> %s should be rejected", from, to)
			}
		}
	}
	s := &Swap{Status: StatusPending}
	if err := s.TransitionTo(StatusCompleted); !errors.Is(err, ErrInvalidState) {
		t.Errorf("pending -> completed err = %v", err)
	}
}

func TestStatusesAndList(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 3; i++ {
		_, hash, _ := chain.GenerateSecret()
		ids = append(ids, f.create(t, hash, time.Hour).ID)
		f.clk.advance(time.Second)
	}

	entries := f.c.GetSwapStatuses([]string{ids[0], "nope", ids[2]})
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[1].Error == "" || entries[1].Swap != nil {
		t.Errorf("unknown id entry = %+v", entries[1])
	}
	if entries[0].Status != StatusPending || entries[2].Swap == nil {
		t.Errorf("known entries = %+v %+v", entries[0], entries[2])
	}

	list, total := f.c.ListSwaps(ListFilter{Limit: 2})
	if total != 3 || len(list) != 2 || list[0].ID != ids[2] {
		t.Errorf("ListSwaps = %d/%d first %s", len(list), total, list[0].ID)
	}
	if _, total := f.c.ListSwaps(ListFilter{Status: StatusLocked}); total != 0 {
		t.Errorf("locked total = %d, want 0", total)
	}
}

func TestStoreFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	_, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Hour)

	f.store.fail = errors.New("disk full")
	if _, err := f.c.AttachSourceLock(v.ID, "0xabc"); err == nil {
		t.Fatal("expected store failure")
	}
	got, _ := f.c.GetSwap(v.ID)
	if len(got.Locks) != 0 {
		t.Errorf("lock recorded despite failed save: %+v", got.Locks)
	}
}

func TestLoadRestoresSwaps(t *testing.T) {
	f := newFixture(t)
	v, preimage := f.lockBoth(t)

	c2 := NewCoordinator(&CoordinatorConfig{
		Adapters: chain.NewAdapters(f.eth, f.xlm),
		Store:    f.store,
		Events:   f.rec,
		Now:      f.clk.now,
	})
	if err := c2.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, err := c2.GetSwap(v.ID)
	if err != nil || got.Status != StatusLocked {
		t.Fatalf("restored swap = %v, %v", got, err)
	}
	if _, err := c2.RevealSecret(context.Background(), v.ID, preimage); err != nil {
		t.Fatalf("RevealSecret after restart failed: %v", err)
	}
	if c2.CountByStatus()[StatusCompleted] != 1 {
		t.Errorf("counts = %v", c2.CountByStatus())
	}
}

func TestMonitorsDrivePasses(t *testing.T) {
	f := newFixture(t)
	_, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Hour)
	ref := f.deposit(t, v, oneEther())
	if _, err := f.c.AttachSourceLock(v.ID, ref); err != nil {
		t.Fatalf("AttachSourceLock failed: %v", err)
	}

	m := NewMonitors(f.c, &MonitorConfig{LockInterval: time.Hour, ClaimInterval: time.Hour, WatchdogInterval: time.Hour})
	if !m.Locks.Trigger() {
		t.Fatal("lock monitor did not run")
	}
	if got, _ := f.c.GetSwap(v.ID); got.Status != StatusLocked {
		t.Errorf("status = %s, want locked", got.Status)
	}

	m.Start()
	m.Stop()
	if m.Locks.Trigger() {
		t.Error("stopped task should not run")
	}
	stats := m.Stats()
	if len(stats) != 3 || stats[0].Runs != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStopLetsDestinationLockFinish(t *testing.T) {
	f := newFixture(t)
	_, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Hour)
	ref := f.deposit(t, v, oneEther())
	if _, err := f.c.AttachSourceLock(v.ID, ref); err != nil {
		t.Fatalf("AttachSourceLock failed: %v", err)
	}
	f.xlm.SetDelay(150 * time.Millisecond)

	m := NewMonitors(f.c, &MonitorConfig{LockInterval: 20 * time.Millisecond, ClaimInterval: time.Hour, WatchdogInterval: time.Hour})
	m.Start()
	deadline := time.Now().Add(2 * time.Second)
	for f.xlm.Calls(memchain.OpLock) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.xlm.Calls(memchain.OpLock) == 0 {
		t.Fatal("destination lock never started")
	}
	m.Stop()

	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusLocked {
		t.Fatalf("status = %s, want locked (lastError %q)", got.Status, got.LastError)
	}
	if got.LockAttempts != 0 {
		t.Errorf("LockAttempts = %d, want 0", got.LockAttempts)
	}
}

func TestInterruptedLockNotCounted(t *testing.T) {
	f := newFixture(t)
	_, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Hour)
	ref := f.deposit(t, v, oneEther())
	if _, err := f.c.AttachSourceLock(v.ID, ref); err != nil {
		t.Fatalf("AttachSourceLock failed: %v", err)
	}
	f.xlm.SetDelay(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_ = f.c.DetectLocks(ctx)

	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusPending || got.LockAttempts != 0 {
		t.Fatalf("status %s attempts %d, want pending with no attempts", got.Status, got.LockAttempts)
	}
	if !strings.Contains(got.LastError, "canceled") {
		t.Errorf("LastError = %q", got.LastError)
	}

	f.xlm.SetDelay(0)
	_ = f.c.DetectLocks(context.Background())
	if got, _ := f.c.GetSwap(v.ID); got.Status != StatusLocked {
		t.Errorf("status = %s after retry, want locked", got.Status)
	}
}

func TestLandedDestinationLockAdopted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, hash, _ := chain.GenerateSecret()
	v := f.create(t, hash, time.Hour)
	ref := f.deposit(t, v, oneEther())
	if _, err := f.c.AttachSourceLock(v.ID, ref); err != nil {
		t.Fatalf("AttachSourceLock failed: %v", err)
	}

	// The relayer's lock made it on chain but every submission reported a
	// failure, as with a receipt wait that timed out.
	landed, err := f.xlm.Deposit(ctx, relayerXLM, chain.LockParams{
		Receiver: bob,
		Amount:   xlmUnits(100),
		Hashlock: hash,
		Timelock: time.Unix(v.Timelock, 0),
	})
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	for i := 0; i < DefaultMaxLockAttempts; i++ {
		f.xlm.FailNext(memchain.OpLock, errors.New("receipt wait timed out"))
	}
	for i := 0; i < DefaultMaxLockAttempts; i++ {
		_ = f.c.DetectLocks(ctx)
	}

	got, _ := f.c.GetSwap(v.ID)
	if got.Status != StatusLocked {
		t.Fatalf("status = %s, want locked (lastError %q)", got.Status, got.LastError)
	}
	if len(got.Locks) != 2 || got.Locks[1].Ref != landed {
		t.Errorf("locks = %+v, want destination %s", got.Locks, landed)
	}
	if n := f.rec.count(events.SwapExpired); n != 0 {
		t.Errorf("SwapExpired events = %d, want 0", n)
	}
}

func TestConcurrentCreateSameHashlock(t *testing.T) {
	f := newFixture(t)
	_, hash, _ := chain.GenerateSecret()
	timelock := f.clk.now().Add(time.Hour).Unix()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dupes   int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.CreateSwap(&CreateRequest{
				FromChain:  chain.Ethereum,
				ToChain:    chain.Stellar,
				FromAmount: "1.0",
				ToAmount:   "100",
				Sender:     alice,
				Receiver:   bob,
				Hashlock:   hash.String(),
				Timelock:   timelock,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrSwapExists):
				dupes++
			default:
				t.Errorf("CreateSwap: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || dupes != 15 {
		t.Errorf("created %d, duplicates %d, want 1 and 15", created, dupes)
	}
	if _, total := f.c.ListSwaps(ListFilter{}); total != 1 {
		t.Errorf("swap table holds %d swaps, want 1", total)
	}
}
