package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Sample is one observation of the fee market.
type Sample struct {
	GasPrice    *big.Int
	BaseFee     *big.Int
	TipCap      *big.Int
	BlockNumber uint64

	// UtilizationBps is gas used / gas limit of the latest block in basis points.
	UtilizationBps int64
}

// Source produces fee market samples.
type Source interface {
	Sample(ctx context.Context) (*Sample, error)
}

// EthBackend is the subset of ethclient.Client the EVM source needs.
type EthBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var _ EthBackend = (*ethclient.Client)(nil)

// EVMSource samples an EVM node.
type EVMSource struct {
	backend EthBackend
}

// NewEVMSource creates a source reading from an EVM JSON-RPC backend.
func NewEVMSource(backend EthBackend) *EVMSource {
	return &EVMSource{backend: backend}
}

// Sample implements Source.
func (s *EVMSource) Sample(ctx context.Context) (*Sample, error) {
	price, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	out := &Sample{GasPrice: price, BlockNumber: header.Number.Uint64()}
	if header.GasLimit > 0 {
		out.UtilizationBps = int64(header.GasUsed * 10000 / header.GasLimit)
	}

	if header.BaseFee != nil {
		out.BaseFee = new(big.Int).Set(header.BaseFee)
		tip, err := s.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest tip cap: %w", err)
		}
		out.TipCap = tip
	} else {
		// Pre-London chains: split the legacy price.
		out.BaseFee = percent(price, baseFeeShare)
		out.TipCap = percent(price, priorityFeeShare)
	}
	return out, nil
}

// StaticSource returns a fixed sample. Used in dev mode and tests.
type StaticSource struct {
	Price          *big.Int
	UtilizationBps int64
	block          atomic.Uint64
}

// NewStaticSource creates a source that always reports price.
func NewStaticSource(price *big.Int, utilizationBps int64) *StaticSource {
	return &StaticSource{Price: price, UtilizationBps: utilizationBps}
}

// Sample implements Source.
func (s *StaticSource) Sample(ctx context.Context) (*Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Sample{
		GasPrice:       new(big.Int).Set(s.Price),
		BaseFee:        percent(s.Price, baseFeeShare),
		TipCap:         percent(s.Price, priorityFeeShare),
		BlockNumber:    s.block.Add(1),
		UtilizationBps: s.UtilizationBps,
	}, nil
}
