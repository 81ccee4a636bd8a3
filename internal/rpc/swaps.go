package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/swap"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// maxBulk caps the ids accepted by bulk status calls.
const maxBulk = 100

// ========================================
// Swap handlers
// ========================================

func (s *Server) swapCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p swap.CreateRequest
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	v, err := s.coordinator.CreateSwap(&p)
	if err != nil {
		return nil, err
	}
	s.log.Info("Swap created via RPC", "swap_id", v.ID, "from", v.FromChain, "to", v.ToChain)
	return v, nil
}

// SwapAttachLockParams is the parameters for swap_attachLock.
type SwapAttachLockParams struct {
	SwapID  string        `json:"swapId"`
	LockRef chain.LockRef `json:"lockRef"`
}

func (s *Server) swapAttachLock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapAttachLockParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	v, err := s.coordinator.AttachSourceLock(p.SwapID, p.LockRef)
	if err != nil {
		return nil, err
	}
	if s.monitors != nil {
		s.monitors.Nudge()
	}
	return v, nil
}

// SwapRevealParams is the parameters for swap_reveal.
type SwapRevealParams struct {
	SwapID   string `json:"swapId"`
	Preimage string `json:"preimage"`
}

func (s *Server) swapReveal(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapRevealParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	preimage, err := chain.ParsePreimage(p.Preimage)
	if err != nil {
		return nil, errParamsf(fmt.Errorf("preimage: %w", err))
	}
	v, err := s.coordinator.RevealSecret(ctx, p.SwapID, preimage)
	if err != nil {
		s.log.Debug("Secret reveal rejected", "swap_id", p.SwapID, "preimage", logging.Redact(preimage), "error", err)
		return nil, err
	}
	return v, nil
}

// SwapIDParams is the parameters of single-swap calls.
type SwapIDParams struct {
	SwapID string `json:"swapId"`
}

func (s *Server) swapStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.coordinator.GetSwap(p.SwapID)
}

// SwapStatusesParams is the parameters for swap_statuses.
type SwapStatusesParams struct {
	SwapIDs []string `json:"swapIds"`
}

func (s *Server) swapStatuses(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapStatusesParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.SwapIDs) > maxBulk {
		return nil, errParamsf(fmt.Errorf("at most %d swap ids per call", maxBulk))
	}
	return s.coordinator.GetSwapStatuses(p.SwapIDs), nil
}

// SwapListResult is the response for swap_list.
type SwapListResult struct {
	Swaps []swap.View `json:"swaps"`
	Total int         `json:"total"`
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var f swap.ListFilter
	if err := decodeOptional(params, &f); err != nil {
		return nil, err
	}
	list, total := s.coordinator.ListSwaps(f)
	if list == nil {
		list = []swap.View{}
	}
	return &SwapListResult{Swaps: list, Total: total}, nil
}
