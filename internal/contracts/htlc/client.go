// Package htlc provides a Go client for the hashed-timelock contract that
// holds the Ethereum side of a swap.
package htlc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrNoSettlement is returned when no withdraw or refund log exists for a
// contract id.
var ErrNoSettlement = errors.New("no settlement log found")

// Backend is the node API the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client wraps the HTLC contract.
type Client struct {
	backend         Backend
	closer          func()
	contract        *bind.BoundContract
	contractAddress common.Address
	chainID         *big.Int
}

// NewClient dials rpcURL and binds the contract at contractAddress.
func NewClient(ctx context.Context, rpcURL string, contractAddress common.Address) (*Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c, err := NewClientWithBackend(ctx, client, contractAddress)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

// NewClientWithBackend binds the contract over an existing backend.
func NewClientWithBackend(ctx context.Context, backend Backend, contractAddress common.Address) (*Client, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return &Client{
		backend:         backend,
		contract:        bind.NewBoundContract(contractAddress, parsedABI, backend, backend, backend),
		contractAddress: contractAddress,
		chainID:         chainID,
	}, nil
}

// Close closes the underlying RPC connection if the client dialed it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the chain ID
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// ContractAddress returns the contract address
func (c *Client) ContractAddress() common.Address {
	return c.contractAddress
}

// Backend returns the node connection.
func (c *Client) Backend() Backend {
	return c.backend
}

// NewContract locks amount of the native asset to receiver.
func (c *Client) NewContract(
	ctx context.Context,
	privateKey *ecdsa.PrivateKey,
	receiver common.Address,
	hashlock [32]byte,
	timelock *big.Int,
	amount *big.Int,
) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	auth.Value = amount
	return c.contract.Transact(auth, "newContract", receiver, hashlock, timelock)
}

// Withdraw claims a contract by revealing its preimage.
func (c *Client) Withdraw(
	ctx context.Context,
	privateKey *ecdsa.PrivateKey,
	contractID [32]byte,
	preimage [32]byte,
) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "withdraw", contractID, preimage)
}

// Refund returns an expired contract to its sender.
func (c *Client) Refund(
	ctx context.Context,
	privateKey *ecdsa.PrivateKey,
	contractID [32]byte,
) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "refund", contractID)
}

// GetContract returns the on-chain record. Unknown ids yield a Contract
// whose Exists reports false.
func (c *Client) GetContract(ctx context.Context, contractID [32]byte) (*Contract, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getContract", contractID); err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return unpackContract(out)
}

// LatestHeader returns the header of the latest block.
func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	return header, nil
}

// LatestTime returns the timestamp of the latest block. Timelocks are
// compared against chain time, not the local clock.
func (c *Client) LatestTime(ctx context.Context) (time.Time, error) {
	header, err := c.LatestHeader(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0), nil
}

// SettlementTx finds the transaction that withdrew or refunded a contract.
func (c *Client) SettlementTx(ctx context.Context, contractID [32]byte) (common.Hash, error) {
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.contractAddress},
		Topics: [][]common.Hash{
			{TopicWithdraw, TopicRefund},
			{common.Hash(contractID)},
		},
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to filter settlement logs: %w", err)
	}
	if len(logs) == 0 {
		return common.Hash{}, ErrNoSettlement
	}
	return logs[len(logs)-1].TxHash, nil
}

// WaitMined waits for a transaction to be mined and returns the receipt.
// A reverted transaction is an error.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

func (c *Client) newTransactor(ctx context.Context, privateKey *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// AddressFromPrivateKey derives the address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// ParsePrivateKey parses a hex-encoded private key with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if len(hexKey) > 1 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	return crypto.HexToECDSA(hexKey)
}
