package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/fill"
	"github.com/klingon-exchange/bridge-relay/internal/orders"
	"github.com/klingon-exchange/bridge-relay/pkg/helpers"
)

// ========================================
// Fill handlers
// ========================================

// FillParams is the parameters for fill_validate and fill_execute.
type FillParams struct {
	OrderHash     string       `json:"orderHash"`
	FragmentIndex int          `json:"fragmentIndex"`
	FillAmount    string       `json:"fillAmount"` // base units
	Resolver      string       `json:"resolver"`
	SecretHash    chain.Hash   `json:"secretHash"`
	MerkleProof   []chain.Hash `json:"merkleProof,omitempty"`
	SrcTxHash     string       `json:"srcTxHash,omitempty"`
	DstTxHash     string       `json:"dstTxHash,omitempty"`
}

func (p *FillParams) request() (*fill.Request, error) {
	var amount *big.Int
	if p.FillAmount != "" {
		v, err := helpers.ParseBaseUnits(p.FillAmount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", orders.ErrInvalidAmount, err)
		}
		amount = v
	}
	return &fill.Request{
		OrderHash:     p.OrderHash,
		FragmentIndex: p.FragmentIndex,
		FillAmount:    amount,
		Resolver:      p.Resolver,
		SecretHash:    p.SecretHash,
		MerkleProof:   p.MerkleProof,
		SrcTxHash:     p.SrcTxHash,
		DstTxHash:     p.DstTxHash,
	}, nil
}

func (s *Server) fillValidate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FillParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, err := p.request()
	if err != nil {
		return nil, err
	}
	v := s.fills.ValidateFill(req)
	return &v, nil
}

func (s *Server) fillExecute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FillParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, err := p.request()
	if err != nil {
		return nil, err
	}
	return s.fills.ExecutePartialFill(req)
}

func (s *Server) fillAvailable(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderHashParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.fills.GetAvailableFragments(p.OrderHash)
}

func (s *Server) fillProgress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderHashParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.fills.Progress(p.OrderHash)
}

func (s *Server) fillRecommendations(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderHashParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	recs, err := s.fills.Recommendations(p.OrderHash)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []fill.Recommendation{}
	}
	return recs, nil
}

func (s *Server) fillExecutions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderHashParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.fills.Executions(p.OrderHash), nil
}
