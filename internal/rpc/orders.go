package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/orders"
)

// ========================================
// Order handlers
// ========================================

// OrderAddResult is the response for order_add.
type OrderAddResult struct {
	OrderHash string `json:"orderHash"`
}

func (s *Server) orderAdd(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orders.SignedOrder
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	hash, err := s.orders.AddOrder(&p)
	if err != nil {
		return nil, err
	}
	return &OrderAddResult{OrderHash: hash}, nil
}

// OrderHashParams is the parameters of single-order calls.
type OrderHashParams struct {
	OrderHash string `json:"orderHash"`
}

func (s *Server) orderGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderHashParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	o, err := s.orders.GetOrder(p.OrderHash)
	if err != nil {
		return nil, err
	}
	v := o.View()
	return &v, nil
}

func (s *Server) orderStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderHashParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	st := s.orders.GetOrderStatus(p.OrderHash)
	return &st, nil
}

// OrderStatusesParams is the parameters for order_statuses.
type OrderStatusesParams struct {
	OrderHashes []string `json:"orderHashes"`
}

func (s *Server) orderStatuses(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderStatusesParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.OrderHashes) > maxBulk {
		return nil, errParamsf(fmt.Errorf("at most %d order hashes per call", maxBulk))
	}
	return s.orders.GetOrderStatuses(p.OrderHashes), nil
}

// OrderListParams is the parameters for order_list.
type OrderListParams struct {
	Page       int      `json:"page,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	SrcChainID chain.ID `json:"srcChain,omitempty"`
	DstChainID chain.ID `json:"dstChain,omitempty"`
}

func (s *Server) orderList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderListParams
	if err := decodeOptional(params, &p); err != nil {
		return nil, err
	}
	page := s.orders.GetActiveOrders(p.Page, p.Limit, p.SrcChainID, p.DstChainID)
	return &page, nil
}

// OrderByMakerParams is the parameters for order_byMaker.
type OrderByMakerParams struct {
	Maker string `json:"maker"`
	Page  int    `json:"page,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) orderByMaker(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderByMakerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Maker == "" {
		return nil, errParamsf(fmt.Errorf("maker is required"))
	}
	page := s.orders.GetOrdersByMaker(p.Maker, p.Page, p.Limit)
	return &page, nil
}

func (s *Server) orderCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderHashParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	o, err := s.orders.CancelOrder(p.OrderHash)
	if err != nil {
		return nil, err
	}
	v := o.View()
	return &v, nil
}

// OrderSubmitSecretParams is the parameters for order_submitSecret.
type OrderSubmitSecretParams struct {
	OrderHash string `json:"orderHash"`
	Secret    string `json:"secret"`
	Resolver  string `json:"resolver"`
}

func (s *Server) orderSubmitSecret(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderSubmitSecretParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	secret, err := chain.ParsePreimage(p.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orders.ErrInvalidSecret, err)
	}
	return s.orders.SubmitSecret(p.OrderHash, secret, p.Resolver)
}

func (s *Server) orderSecrets(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderHashParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	secrets := s.orders.GetPublishedSecrets(p.OrderHash)
	return &secrets, nil
}

func (s *Server) orderReadyFills(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrderHashParams
	if err := decodeOptional(params, &p); err != nil {
		return nil, err
	}
	ready := s.orders.GetReadyToAcceptSecretFills(p.OrderHash)
	if ready == nil {
		ready = []orders.ReadyOrder{}
	}
	return ready, nil
}

func (s *Server) orderPublicActions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	actions := s.orders.GetReadyToExecutePublicActions()
	if actions == nil {
		actions = []orders.PublicAction{}
	}
	return actions, nil
}
