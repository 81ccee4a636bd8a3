// Package stellar implements chain.Adapter with claimable balances. A lock
// is a balance claimable by the receiver before the timelock and by the
// sender after it; the creating transaction's hash memo carries the
// hashlock and the claiming transaction's memo carries the preimage.
package stellar

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// txTimeout bounds how long a submitted transaction stays valid.
const txTimeout = 300

// Config holds configuration for the Adapter.
type Config struct {
	Horizon Horizon

	// Keypair is the relayer account. It funds and reclaims every lock.
	Keypair *keypair.Full

	// Claimers are further accounts the relayer may claim or reclaim for.
	Claimers []*keypair.Full

	// Passphrase identifies the network transactions are signed for.
	Passphrase string

	// BaseFee is the per-operation fee in stroops. Default txnbuild.MinBaseFee.
	BaseFee int64
}

// Adapter drives claimable balances through Horizon.
type Adapter struct {
	horizon    Horizon
	kp         *keypair.Full
	claimers   map[string]*keypair.Full
	passphrase string
	baseFee    int64
	log        *logging.Logger

	// submitMu serializes sequence number use of the relayer account.
	submitMu sync.Mutex
}

var (
	_ chain.Adapter     = (*Adapter)(nil)
	_ chain.LockLocator = (*Adapter)(nil)
	_ chain.HeadReader  = (*Adapter)(nil)
)

// New creates a Stellar adapter.
func New(cfg *Config) (*Adapter, error) {
	if cfg.Horizon == nil {
		return nil, errors.New("stellar: horizon client required")
	}
	if cfg.Keypair == nil {
		return nil, errors.New("stellar: relayer keypair required")
	}
	if cfg.Passphrase == "" {
		return nil, errors.New("stellar: network passphrase required")
	}
	a := &Adapter{
		horizon:    cfg.Horizon,
		kp:         cfg.Keypair,
		claimers:   make(map[string]*keypair.Full),
		passphrase: cfg.Passphrase,
		baseFee:    cfg.BaseFee,
		log:        logging.GetDefault().Component("stellar"),
	}
	if a.baseFee < txnbuild.MinBaseFee {
		a.baseFee = txnbuild.MinBaseFee
	}
	a.claimers[cfg.Keypair.Address()] = cfg.Keypair
	for _, kp := range cfg.Claimers {
		a.claimers[kp.Address()] = kp
	}
	return a, nil
}

// Chain implements chain.Adapter.
func (a *Adapter) Chain() chain.ID { return chain.Stellar }

// Account implements chain.Adapter.
func (a *Adapter) Account() string { return a.kp.Address() }

// Lock implements chain.Adapter. Balance ids depend on the account sequence,
// so an existing balance with the same claimant, amount, timelock and
// hashlock memo is returned instead of creating a second one.
func (a *Adapter) Lock(ctx context.Context, params chain.LockParams) (chain.LockRef, error) {
	if err := validate(params); err != nil {
		return "", err
	}
	asset, err := assetOf(params.Token)
	if err != nil {
		return "", err
	}

	existing, err := a.find(ctx, params)
	if err != nil {
		return "", apperr.Chain("stellar.lock", err)
	}
	if existing != nil {
		a.log.Debug("Balance already exists", "ref", existing.Ref)
		return existing.Ref, nil
	}

	now, err := a.ledgerTime(ctx)
	if err != nil {
		return "", apperr.Chain("stellar.lock", err)
	}
	if !params.Timelock.After(now) {
		return "", fmt.Errorf("%w: timelock is not after ledger time", chain.ErrInvalidLock)
	}

	before := txnbuild.BeforeAbsoluteTimePredicate(params.Timelock.Unix())
	after := txnbuild.NotPredicate(before)
	op := &txnbuild.CreateClaimableBalance{
		Amount: amount.StringFromInt64(params.Amount.Int64()),
		Asset:  asset,
		Destinations: []txnbuild.Claimant{
			txnbuild.NewClaimant(params.Receiver, &before),
			txnbuild.NewClaimant(a.Account(), &after),
		},
	}
	tx, hash, err := a.submit(ctx, op, txnbuild.MemoHash(params.Hashlock))
	if err != nil {
		return "", apperr.Chain("stellar.lock", err)
	}
	id, err := tx.ClaimableBalanceID(0)
	if err != nil {
		return "", apperr.Protocolf("stellar.lock: balance id of %s: %v", hash, err)
	}

	a.log.Info("Locked on Stellar", "ref", id, "tx", hash, "amount", params.Amount.String())
	return chain.LockRef(id), nil
}

// Claim implements chain.Adapter. The claim is signed by the receiver, so
// only balances claimable by an account the relayer holds a key for can
// be claimed here.
func (a *Adapter) Claim(ctx context.Context, ref chain.LockRef, preimage chain.Preimage) (chain.TxRef, error) {
	st, err := a.status(ctx, ref)
	if err != nil {
		return "", apperr.Chain("stellar.claim", err)
	}
	switch st.State {
	case chain.LockNotFound:
		return "", chain.ErrLockNotFound
	case chain.LockClaimed:
		return st.ClaimTx, chain.ErrAlreadyClaimed
	case chain.LockRefunded:
		return st.RefundTx, chain.ErrAlreadyRefunded
	}
	if err := chain.CheckPreimage(preimage, st.Hashlock); err != nil {
		return "", err
	}
	claimer, ok := a.claimers[st.Receiver]
	if !ok {
		return "", fmt.Errorf("%w: no key for claimant %s", chain.ErrInvalidLock, st.Receiver)
	}
	now, err := a.ledgerTime(ctx)
	if err != nil {
		return "", apperr.Chain("stellar.claim", err)
	}
	if !now.Before(st.Timelock) {
		return "", chain.ErrLockExpired
	}

	op := &txnbuild.ClaimClaimableBalance{BalanceID: string(ref)}
	if claimer != a.kp {
		op.SourceAccount = claimer.Address()
	}
	_, hash, err := a.submit(ctx, op, txnbuild.MemoHash(preimage), claimer)
	if err != nil {
		return "", apperr.Chain("stellar.claim", err)
	}
	a.log.Info("Claimed on Stellar", "ref", ref, "tx", hash, "claimant", st.Receiver)
	return chain.TxRef(hash), nil
}

// Refund implements chain.Adapter. The sender reclaims through its own
// claimant entry, whose predicate opens at the timelock. Like Claim, it
// needs the sender's key.
func (a *Adapter) Refund(ctx context.Context, ref chain.LockRef) (chain.TxRef, error) {
	st, err := a.status(ctx, ref)
	if err != nil {
		return "", apperr.Chain("stellar.refund", err)
	}
	switch st.State {
	case chain.LockNotFound:
		return "", chain.ErrLockNotFound
	case chain.LockClaimed:
		return st.ClaimTx, chain.ErrAlreadyClaimed
	case chain.LockRefunded:
		return st.RefundTx, chain.ErrAlreadyRefunded
	}
	sender, ok := a.claimers[st.Sender]
	if !ok {
		return "", fmt.Errorf("%w: no key for sender %s", chain.ErrInvalidLock, st.Sender)
	}
	now, err := a.ledgerTime(ctx)
	if err != nil {
		return "", apperr.Chain("stellar.refund", err)
	}
	if now.Before(st.Timelock) {
		return "", chain.ErrNotExpired
	}

	op := &txnbuild.ClaimClaimableBalance{BalanceID: string(ref)}
	if sender != a.kp {
		op.SourceAccount = sender.Address()
	}
	_, hash, err := a.submit(ctx, op, nil, sender)
	if err != nil {
		return "", apperr.Chain("stellar.refund", err)
	}
	a.log.Info("Reclaimed on Stellar", "ref", ref, "tx", hash)
	return chain.TxRef(hash), nil
}

// Status implements chain.Adapter.
func (a *Adapter) Status(ctx context.Context, ref chain.LockRef) (*chain.LockStatus, error) {
	st, err := a.status(ctx, ref)
	if err != nil {
		return nil, apperr.Chain("stellar.status", err)
	}
	return st, nil
}

// FindLock implements chain.LockLocator. Only live balances are listed by
// Horizon, so a lock that was already closed is not found.
func (a *Adapter) FindLock(ctx context.Context, params chain.LockParams) (*chain.LockStatus, error) {
	if err := validate(params); err != nil {
		return nil, err
	}
	st, err := a.find(ctx, params)
	if err != nil {
		return nil, apperr.Chain("stellar.find", err)
	}
	if st == nil {
		return &chain.LockStatus{State: chain.LockNotFound}, nil
	}
	return st, nil
}

// Head implements chain.HeadReader.
func (a *Adapter) Head(ctx context.Context) (*chain.Head, error) {
	root, err := call(ctx, a.horizon.Root)
	if err != nil {
		return nil, apperr.Chain("stellar.head", err)
	}
	if root.HorizonLatestClosedAt.IsZero() {
		return nil, apperr.Chain("stellar.head", errors.New("horizon root has no ledger close time"))
	}
	return &chain.Head{Height: uint64(root.HorizonSequence), Time: root.HorizonLatestClosedAt}, nil
}

func (a *Adapter) ledgerTime(ctx context.Context) (time.Time, error) {
	root, err := call(ctx, a.horizon.Root)
	if err != nil {
		return time.Time{}, err
	}
	if root.HorizonLatestClosedAt.IsZero() {
		return time.Time{}, errors.New("horizon root has no ledger close time")
	}
	return root.HorizonLatestClosedAt, nil
}

// submit builds a one-operation transaction from the relayer account,
// signs it with the relayer key plus extra, and submits it.
func (a *Adapter) submit(ctx context.Context, op txnbuild.Operation, memo txnbuild.Memo, extra ...*keypair.Full) (*txnbuild.Transaction, string, error) {
	a.submitMu.Lock()
	defer a.submitMu.Unlock()

	acct, err := call(ctx, func() (horizon.Account, error) {
		return a.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: a.Account()})
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to load account %s: %w", a.Account(), err)
	}
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &acct,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              a.baseFee,
		Memo:                 memo,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(txTimeout)},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to build transaction: %w", err)
	}

	signers := []*keypair.Full{a.kp}
	for _, kp := range extra {
		if kp != a.kp {
			signers = append(signers, kp)
		}
	}
	tx, err = tx.Sign(a.passphrase, signers...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	res, err := call(ctx, func() (horizon.Transaction, error) { return a.horizon.SubmitTransaction(tx) })
	if err != nil {
		return nil, "", submitError(err)
	}
	return tx, res.Hash, nil
}

func (a *Adapter) status(ctx context.Context, ref chain.LockRef) (*chain.LockStatus, error) {
	if !validBalanceID(string(ref)) {
		return &chain.LockStatus{Ref: ref, State: chain.LockNotFound}, nil
	}
	page, err := call(ctx, func() (operations.OperationsPage, error) {
		return a.horizon.Operations(horizonclient.OperationRequest{
			ForClaimableBalance: string(ref),
			Order:               horizonclient.OrderAsc,
			Limit:               50,
		})
	})
	if isNotFound(err) {
		return &chain.LockStatus{Ref: ref, State: chain.LockNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		create  *operations.CreateClaimableBalance
		closing *operations.ClaimClaimableBalance
	)
	for _, rec := range page.Embedded.Records {
		switch op := rec.(type) {
		case operations.CreateClaimableBalance:
			if create == nil {
				create = &op
			}
		case *operations.CreateClaimableBalance:
			if create == nil {
				create = op
			}
		case operations.ClaimClaimableBalance:
			closing = &op
		case *operations.ClaimClaimableBalance:
			closing = op
		}
	}
	if create == nil {
		return &chain.LockStatus{Ref: ref, State: chain.LockNotFound}, nil
	}

	st := &chain.LockStatus{Ref: ref, State: chain.LockActive, Sender: create.SourceAccount}
	stroops, err := amount.ParseInt64(create.Amount)
	if err != nil {
		return nil, fmt.Errorf("balance %s amount: %w", ref, err)
	}
	st.Amount = big.NewInt(stroops)
	st.Receiver, st.Timelock = receiverOf(create.Claimants, create.SourceAccount)

	memo, err := a.memoHash(ctx, create.TransactionHash)
	if err != nil {
		return nil, fmt.Errorf("balance %s create memo: %w", ref, err)
	}
	st.Hashlock = chain.Hash(memo)

	if closing == nil {
		return st, nil
	}
	// The claimant of the closing operation tells a reclaim from a claim.
	claimant := closing.Claimant
	if claimant == "" {
		claimant = closing.SourceAccount
	}
	if claimant == create.SourceAccount {
		st.State = chain.LockRefunded
		st.RefundTx = chain.TxRef(closing.TransactionHash)
		return st, nil
	}
	st.State = chain.LockClaimed
	st.ClaimTx = chain.TxRef(closing.TransactionHash)
	if memo, err := a.memoHash(ctx, closing.TransactionHash); err == nil {
		p := chain.Preimage(memo)
		if chain.VerifyPreimage(p, st.Hashlock) {
			st.Preimage = &p
		}
	} else {
		a.log.Warn("Claim memo unreadable", "ref", ref, "error", err)
	}
	return st, nil
}

// find returns the live relayer-funded balance matching params, or nil.
func (a *Adapter) find(ctx context.Context, params chain.LockParams) (*chain.LockStatus, error) {
	page, err := call(ctx, func() (horizon.ClaimableBalances, error) {
		return a.horizon.ClaimableBalances(horizonclient.ClaimableBalanceRequest{
			Sponsor:  a.Account(),
			Claimant: params.Receiver,
		})
	})
	if err != nil {
		return nil, err
	}
	want := amount.StringFromInt64(params.Amount.Int64())
	for _, b := range page.Embedded.Records {
		if got, err := amount.ParseInt64(b.Amount); err != nil || amount.StringFromInt64(got) != want {
			continue
		}
		if _, timelock := receiverOf(b.Claimants, a.Account()); timelock.Unix() != params.Timelock.Unix() {
			continue
		}
		st, err := a.status(ctx, chain.LockRef(b.BalanceID))
		if err != nil {
			return nil, err
		}
		if st.State == chain.LockActive && st.Hashlock == params.Hashlock {
			return st, nil
		}
	}
	return nil, nil
}

func (a *Adapter) memoHash(ctx context.Context, txHash string) ([32]byte, error) {
	var out [32]byte
	tx, err := call(ctx, func() (horizon.Transaction, error) { return a.horizon.TransactionDetail(txHash) })
	if err != nil {
		return out, err
	}
	if tx.MemoType != "hash" {
		return out, fmt.Errorf("transaction %s has memo type %q", txHash, tx.MemoType)
	}
	raw, err := base64.StdEncoding.DecodeString(tx.Memo)
	if err != nil {
		return out, fmt.Errorf("transaction %s memo: %w", txHash, err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("transaction %s memo has %d bytes", txHash, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// receiverOf picks the claimant that is not the sender and its deadline.
func receiverOf(claimants []horizon.Claimant, sender string) (string, time.Time) {
	for _, c := range claimants {
		if c.Destination == sender {
			continue
		}
		if deadline, ok := absBefore(c.Predicate); ok {
			return c.Destination, deadline
		}
	}
	return "", time.Time{}
}

func absBefore(p xdr.ClaimPredicate) (time.Time, bool) {
	if p.Type != xdr.ClaimPredicateTypeClaimPredicateBeforeAbsoluteTime || p.AbsBefore == nil {
		return time.Time{}, false
	}
	return time.Unix(int64(*p.AbsBefore), 0), true
}

func validate(params chain.LockParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if !strkey.IsValidEd25519PublicKey(params.Receiver) {
		return fmt.Errorf("%w: invalid receiver account %q", chain.ErrInvalidLock, params.Receiver)
	}
	if !params.Amount.IsInt64() {
		return fmt.Errorf("%w: amount exceeds int64 stroops", chain.ErrInvalidLock)
	}
	return nil
}

// validBalanceID accepts the hex form Horizon uses: a 4-byte type
// followed by a 32-byte hash.
func validBalanceID(id string) bool {
	if len(id) != 72 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// assetOf maps a token to a Stellar asset: empty, XLM or native for lumens,
// CODE:ISSUER for credit assets.
func assetOf(token string) (txnbuild.Asset, error) {
	if token == "" || strings.EqualFold(token, "XLM") || strings.EqualFold(token, "native") {
		return txnbuild.NativeAsset{}, nil
	}
	code, issuer, ok := strings.Cut(token, ":")
	if !ok || code == "" || !strkey.IsValidEd25519PublicKey(issuer) {
		return nil, fmt.Errorf("%w: token %q is not CODE:ISSUER", chain.ErrInvalidLock, token)
	}
	return txnbuild.CreditAsset{Code: code, Issuer: issuer}, nil
}

// ParseKeypairs parses comma-separated secret seeds.
func ParseKeypairs(seeds string) ([]*keypair.Full, error) {
	var out []*keypair.Full
	for _, s := range strings.Split(seeds, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		kp, err := keypair.ParseFull(s)
		if err != nil {
			return nil, fmt.Errorf("invalid stellar secret seed: %w", err)
		}
		out = append(out, kp)
	}
	return out, nil
}
