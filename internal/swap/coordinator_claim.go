package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// RevealSecret accepts the preimage of a locked swap, claims the
// destination lock for the receiver and then the source lock for the
// relayer. The preimage is verified before any claim is issued. When a
// claim fails the swap stays locked and the claim monitor retries with the
// cached preimage.
func (c *Coordinator) RevealSecret(ctx context.Context, id string, preimage chain.Preimage) (*View, error) {
	s, e, err := c.snapshot(id)
	if err != nil {
		return nil, err
	}
	if err := chain.CheckPreimage(preimage, s.Hashlock); err != nil {
		return nil, err
	}
	switch {
	case s.Status == StatusCompleted:
		v := s.View(c.now())
		return &v, nil
	case s.Status == StatusPending:
		return nil, ErrNotLocked
	case s.Status.IsTerminal():
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, s.Status)
	}
	if s.IsExpired(c.now()) {
		return nil, ErrSwapExpired
	}

	c.mu.Lock()
	c.preimages[id] = preimage
	c.mu.Unlock()

	if err := e.acquire(ctx); err != nil {
		return nil, apperr.Chain("swap.RevealSecret", err)
	}
	defer e.release()

	if err := c.complete(ctx, id, preimage); err != nil {
		return nil, err
	}
	return c.GetSwap(id)
}

// DetectClaims looks for revealed preimages on the destination side of
// locked swaps and finishes them.
func (c *Coordinator) DetectClaims(ctx context.Context) error {
	ids := c.selectIDs(func(s *Swap) bool { return s.Status == StatusLocked })
	if len(ids) == 0 {
		return nil
	}
	c.sweep(ctx, "claims", ids, c.processLocked)
	return nil
}

func (c *Coordinator) cachedPreimage(id string) (chain.Preimage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.preimages[id]
	return p, ok
}

// processLocked advances one locked swap. Caller holds the swap slot.
func (c *Coordinator) processLocked(ctx context.Context, id string) error {
	s, _, err := c.snapshot(id)
	if err != nil {
		return err
	}
	if s.Status != StatusLocked {
		return nil
	}
	if p, ok := c.cachedPreimage(id); ok {
		return c.complete(ctx, id, p)
	}

	dst, err := c.adapters.Get(s.ToChain)
	if err != nil {
		return c.fail(s, err)
	}
	cctx, cancel := c.callCtx(ctx)
	st, err := dst.Status(cctx, s.Destination.Ref)
	cancel()
	if err != nil {
		return c.fail(s, apperr.Chain("destination status", err))
	}

	switch st.State {
	case chain.LockClaimed:
		if st.Preimage == nil {
			return c.fail(s, fmt.Errorf("%w: destination claimed but preimage not visible", ErrClaimIncomplete))
		}
		c.log.Info("Secret revealed on destination chain", "swap_id", id, "chain", s.ToChain,
			"preimage", logging.Redact(st.Preimage.String()))
		s.Destination.State = chain.LockClaimed
		s.Destination.ClaimTx = st.ClaimTx
		if err := c.commit(s); err != nil {
			return err
		}
		return c.complete(ctx, id, *st.Preimage)
	case chain.LockRefunded:
		s.Destination.State = chain.LockRefunded
		s.Destination.RefundTx = st.RefundTx
		return c.commit(s)
	}
	return nil
}

// complete claims whichever locks are still active and marks the swap
// completed once both are claimed. Caller holds the swap slot.
func (c *Coordinator) complete(ctx context.Context, id string, preimage chain.Preimage) error {
	s, _, err := c.snapshot(id)
	if err != nil {
		return err
	}
	if s.Status != StatusLocked {
		return nil
	}
	if err := chain.CheckPreimage(preimage, s.Hashlock); err != nil {
		c.forgetPreimage(id)
		return err
	}

	for _, lk := range []*Lock{s.Destination, s.Source} {
		if err := c.claimLock(ctx, s, lk, preimage); err != nil {
			return err
		}
	}

	p := preimage
	s.Preimage = &p
	s.CompletedAt = c.now()
	s.LastError = ""
	if err := s.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	if err := c.commit(s); err != nil {
		return err
	}
	c.forgetPreimage(id)

	c.log.Info("Swap completed", "swap_id", id, "destination_claim", s.Destination.ClaimTx, "source_claim", s.Source.ClaimTx)
	c.emit(events.SwapCompleted, s, map[string]interface{}{
		"sourceClaimTx":      s.Source.ClaimTx,
		"destinationClaimTx": s.Destination.ClaimTx,
	})
	return nil
}

// claimLock claims one lock and records the outcome on s. A lock that is
// already claimed counts as done.
func (c *Coordinator) claimLock(ctx context.Context, s *Swap, lk *Lock, preimage chain.Preimage) error {
	if lk == nil {
		return c.fail(s, fmt.Errorf("%w: missing lock", ErrClaimIncomplete))
	}
	switch lk.State {
	case chain.LockClaimed:
		return nil
	case chain.LockRefunded:
		return c.fail(s, fmt.Errorf("%w: %s lock was refunded", ErrClaimIncomplete, lk.Side))
	}

	ad, err := c.adapters.Get(lk.Chain)
	if err != nil {
		return c.fail(s, err)
	}
	cctx, cancel := c.callCtx(ctx)
	tx, err := ad.Claim(cctx, lk.Ref, preimage)
	cancel()

	switch {
	case err == nil:
		lk.State = chain.LockClaimed
		lk.ClaimTx = tx
	case errors.Is(err, chain.ErrAlreadyClaimed):
		lk.State = chain.LockClaimed
		if tx != "" {
			lk.ClaimTx = tx
		}
	case errors.Is(err, chain.ErrAlreadyRefunded):
		lk.State = chain.LockRefunded
		lk.RefundTx = tx
		return c.fail(s, fmt.Errorf("%w: %s lock was refunded", ErrClaimIncomplete, lk.Side))
	default:
		c.log.Warn("Claim failed", "swap_id", s.ID, "side", lk.Side, "chain", lk.Chain, "error", err)
		return c.fail(s, fmt.Errorf("claim %s: %w", lk.Side, wrapChain(err)))
	}

	s.LastError = ""
	if err := c.commit(s); err != nil {
		return err
	}
	c.log.Info("Lock claimed", "swap_id", s.ID, "side", lk.Side, "chain", lk.Chain, "tx", lk.ClaimTx)
	return nil
}

func (c *Coordinator) forgetPreimage(id string) {
	c.mu.Lock()
	delete(c.preimages, id)
	c.mu.Unlock()
}

// wrapChain classifies an unclassified adapter error as a chain error.
func wrapChain(err error) error {
	if apperr.KindOf(err) == apperr.KindUnknown {
		return apperr.Chain("adapter", err)
	}
	return err
}
