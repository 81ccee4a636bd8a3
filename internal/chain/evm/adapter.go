// Package evm implements chain.Adapter on top of the HTLC contract.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/contracts/htlc"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// Contract is the subset of *htlc.Client the adapter drives.
type Contract interface {
	NewContract(ctx context.Context, key *ecdsa.PrivateKey, receiver common.Address, hashlock [32]byte, timelock, amount *big.Int) (*types.Transaction, error)
	Withdraw(ctx context.Context, key *ecdsa.PrivateKey, contractID, preimage [32]byte) (*types.Transaction, error)
	Refund(ctx context.Context, key *ecdsa.PrivateKey, contractID [32]byte) (*types.Transaction, error)
	GetContract(ctx context.Context, contractID [32]byte) (*htlc.Contract, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	LatestTime(ctx context.Context) (time.Time, error)
	LatestHeader(ctx context.Context) (*types.Header, error)
	SettlementTx(ctx context.Context, contractID [32]byte) (common.Hash, error)
}

// Config holds configuration for the Adapter.
type Config struct {
	Contract   Contract
	PrivateKey *ecdsa.PrivateKey
}

// Adapter locks, claims and refunds native ETH through the HTLC contract.
type Adapter struct {
	contract Contract
	key      *ecdsa.PrivateKey
	address  common.Address
	log      *logging.Logger
}

var (
	_ chain.Adapter     = (*Adapter)(nil)
	_ chain.LockLocator = (*Adapter)(nil)
	_ chain.HeadReader  = (*Adapter)(nil)
)

// New creates an EVM adapter.
func New(cfg *Config) (*Adapter, error) {
	if cfg.Contract == nil {
		return nil, errors.New("evm: contract client required")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("evm: private key required")
	}
	return &Adapter{
		contract: cfg.Contract,
		key:      cfg.PrivateKey,
		address:  htlc.AddressFromPrivateKey(cfg.PrivateKey),
		log:      logging.GetDefault().Component("evm"),
	}, nil
}

// Chain implements chain.Adapter.
func (a *Adapter) Chain() chain.ID { return chain.Ethereum }

// Account implements chain.Adapter.
func (a *Adapter) Account() string { return a.address.Hex() }

// Lock implements chain.Adapter. The contract id is computed before anything
// is sent, so repeating a lock that already landed returns the same ref.
func (a *Adapter) Lock(ctx context.Context, params chain.LockParams) (chain.LockRef, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	if params.Token != "" && params.Token != "ETH" {
		return "", fmt.Errorf("%w: only native ETH can be locked", chain.ErrInvalidLock)
	}
	if !common.IsHexAddress(params.Receiver) {
		return "", fmt.Errorf("%w: invalid receiver address %q", chain.ErrInvalidLock, params.Receiver)
	}
	receiver := common.HexToAddress(params.Receiver)
	timelock := big.NewInt(params.Timelock.Unix())
	hashlock := [32]byte(params.Hashlock)

	id := htlc.ComputeContractID(a.address, receiver, params.Amount, hashlock, timelock)
	ref := refOf(id)

	existing, err := a.contract.GetContract(ctx, id)
	if err != nil {
		return "", apperr.Chain("evm.lock", err)
	}
	if existing.Exists() {
		a.log.Debug("Lock already on chain", "ref", ref)
		return ref, nil
	}

	now, err := a.contract.LatestTime(ctx)
	if err != nil {
		return "", apperr.Chain("evm.lock", err)
	}
	if !params.Timelock.After(now) {
		return "", fmt.Errorf("%w: timelock is not after chain time", chain.ErrInvalidLock)
	}

	tx, err := a.contract.NewContract(ctx, a.key, receiver, hashlock, timelock, params.Amount)
	if err != nil {
		return "", apperr.Chain("evm.lock", err)
	}
	receipt, err := a.contract.WaitMined(ctx, tx)
	if err != nil {
		return "", apperr.Chain("evm.lock", err)
	}
	for _, l := range receipt.Logs {
		ev, err := htlc.ParseNewContract(*l)
		if err != nil {
			continue
		}
		if ev.ContractId != id {
			return "", apperr.Protocolf("evm.lock: contract id %x differs from computed %x", ev.ContractId, id)
		}
	}

	a.log.Info("Locked on Ethereum", "ref", ref, "tx", tx.Hash().Hex(), "amount", params.Amount.String())
	return ref, nil
}

// Claim implements chain.Adapter.
func (a *Adapter) Claim(ctx context.Context, ref chain.LockRef, preimage chain.Preimage) (chain.TxRef, error) {
	id, c, err := a.load(ctx, ref, "evm.claim")
	if err != nil {
		return "", err
	}
	switch c.State() {
	case htlc.StateEmpty:
		return "", chain.ErrLockNotFound
	case htlc.StateWithdrawn:
		return a.settlement(ctx, id), chain.ErrAlreadyClaimed
	case htlc.StateRefunded:
		return a.settlement(ctx, id), chain.ErrAlreadyRefunded
	}
	if err := chain.CheckPreimage(preimage, chain.Hash(c.Hashlock)); err != nil {
		return "", err
	}
	now, err := a.contract.LatestTime(ctx)
	if err != nil {
		return "", apperr.Chain("evm.claim", err)
	}
	if !now.Before(time.Unix(c.Timelock.Int64(), 0)) {
		return "", chain.ErrLockExpired
	}

	tx, err := a.contract.Withdraw(ctx, a.key, id, [32]byte(preimage))
	if err != nil {
		return "", apperr.Chain("evm.claim", err)
	}
	if _, err := a.contract.WaitMined(ctx, tx); err != nil {
		return "", apperr.Chain("evm.claim", err)
	}
	return chain.TxRef(tx.Hash().Hex()), nil
}

// Refund implements chain.Adapter.
func (a *Adapter) Refund(ctx context.Context, ref chain.LockRef) (chain.TxRef, error) {
	id, c, err := a.load(ctx, ref, "evm.refund")
	if err != nil {
		return "", err
	}
	switch c.State() {
	case htlc.StateEmpty:
		return "", chain.ErrLockNotFound
	case htlc.StateWithdrawn:
		return a.settlement(ctx, id), chain.ErrAlreadyClaimed
	case htlc.StateRefunded:
		return a.settlement(ctx, id), chain.ErrAlreadyRefunded
	}
	now, err := a.contract.LatestTime(ctx)
	if err != nil {
		return "", apperr.Chain("evm.refund", err)
	}
	if now.Before(time.Unix(c.Timelock.Int64(), 0)) {
		return "", chain.ErrNotExpired
	}

	tx, err := a.contract.Refund(ctx, a.key, id)
	if err != nil {
		return "", apperr.Chain("evm.refund", err)
	}
	if _, err := a.contract.WaitMined(ctx, tx); err != nil {
		return "", apperr.Chain("evm.refund", err)
	}
	return chain.TxRef(tx.Hash().Hex()), nil
}

// Status implements chain.Adapter.
func (a *Adapter) Status(ctx context.Context, ref chain.LockRef) (*chain.LockStatus, error) {
	id, c, err := a.load(ctx, ref, "evm.status")
	if err != nil {
		if errors.Is(err, chain.ErrInvalidLock) {
			return &chain.LockStatus{Ref: ref, State: chain.LockNotFound}, nil
		}
		return nil, err
	}
	if !c.Exists() {
		return &chain.LockStatus{Ref: ref, State: chain.LockNotFound}, nil
	}

	st := &chain.LockStatus{
		Ref:      ref,
		State:    chain.LockActive,
		Sender:   c.Sender.Hex(),
		Receiver: c.Receiver.Hex(),
		Amount:   new(big.Int).Set(c.Amount),
		Hashlock: chain.Hash(c.Hashlock),
		Timelock: time.Unix(c.Timelock.Int64(), 0),
	}
	switch c.State() {
	case htlc.StateWithdrawn:
		st.State = chain.LockClaimed
		p := chain.Preimage(c.Preimage)
		st.Preimage = &p
		st.ClaimTx = a.settlement(ctx, id)
	case htlc.StateRefunded:
		st.State = chain.LockRefunded
		st.RefundTx = a.settlement(ctx, id)
	}
	return st, nil
}

// FindLock implements chain.LockLocator. The contract id is derived from
// the parameters, so a lock sent by an earlier attempt is found directly.
func (a *Adapter) FindLock(ctx context.Context, params chain.LockParams) (*chain.LockStatus, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(params.Receiver) {
		return nil, fmt.Errorf("%w: invalid receiver address %q", chain.ErrInvalidLock, params.Receiver)
	}
	id := htlc.ComputeContractID(a.address, common.HexToAddress(params.Receiver), params.Amount,
		[32]byte(params.Hashlock), big.NewInt(params.Timelock.Unix()))
	return a.Status(ctx, refOf(id))
}

// Head implements chain.HeadReader.
func (a *Adapter) Head(ctx context.Context) (*chain.Head, error) {
	h, err := a.contract.LatestHeader(ctx)
	if err != nil {
		return nil, apperr.Chain("evm.head", err)
	}
	return &chain.Head{Height: h.Number.Uint64(), Time: time.Unix(int64(h.Time), 0)}, nil
}

func (a *Adapter) load(ctx context.Context, ref chain.LockRef, op string) ([32]byte, *htlc.Contract, error) {
	h, err := chain.ParseHash(string(ref))
	if err != nil {
		return [32]byte{}, nil, fmt.Errorf("%w: bad contract id %q", chain.ErrInvalidLock, ref)
	}
	id := [32]byte(h)
	c, err := a.contract.GetContract(ctx, id)
	if err != nil {
		return id, nil, apperr.Chain(op, err)
	}
	return id, c, nil
}

// settlement looks up the closing transaction; failures leave it empty.
func (a *Adapter) settlement(ctx context.Context, id [32]byte) chain.TxRef {
	txHash, err := a.contract.SettlementTx(ctx, id)
	if err != nil {
		a.log.Debug("Settlement tx lookup failed", "ref", refOf(id), "error", err)
		return ""
	}
	return chain.TxRef(txHash.Hex())
}

func refOf(id [32]byte) chain.LockRef {
	return chain.LockRef(common.Hash(id).Hex())
}
