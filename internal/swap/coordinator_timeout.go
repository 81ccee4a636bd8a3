package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/events"
)

// CheckTimeouts refunds every swap whose timelock has passed without
// completion. Pending swaps become expired, locked swaps become refunded.
// An expired swap that still has an active lock is refunded in place.
func (c *Coordinator) CheckTimeouts(ctx context.Context) error {
	now := c.now()
	ids := c.selectIDs(func(s *Swap) bool { return needsTimeout(s, now) })
	if len(ids) == 0 {
		return nil
	}
	c.log.Debug("Timeout sweep", "candidates", len(ids))
	c.sweep(ctx, "timeouts", ids, c.processTimeout)
	return nil
}

func needsTimeout(s *Swap, now time.Time) bool {
	if !s.IsExpired(now) {
		return false
	}
	switch s.Status {
	case StatusPending, StatusLocked:
		return true
	case StatusExpired:
		return s.hasActiveLock()
	}
	return false
}

// processTimeout refunds one swap. Caller holds the swap slot, so a swap
// completed by a concurrent reveal is observed here as completed and left
// alone.
func (c *Coordinator) processTimeout(ctx context.Context, id string) error {
	s, _, err := c.snapshot(id)
	if err != nil {
		return err
	}
	if !needsTimeout(s, c.now()) {
		return nil
	}
	wasExpired := s.Status == StatusExpired

	// A failure on one side must not hold back the other side's refund.
	var firstErr error
	refunds := make(map[string]chain.TxRef)
	for _, lk := range []*Lock{s.Source, s.Destination} {
		if lk == nil || lk.State.IsTerminal() {
			continue
		}
		tx, err := c.refundLock(ctx, s, lk)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if tx != "" {
			refunds[string(lk.Side)] = tx
		}
	}
	if firstErr != nil {
		return firstErr
	}

	switch s.Status {
	case StatusPending:
		if err := s.TransitionTo(StatusExpired); err != nil {
			return err
		}
	case StatusLocked:
		if err := s.TransitionTo(StatusRefunded); err != nil {
			return err
		}
	}
	s.LastError = ""
	if err := c.commit(s); err != nil {
		return err
	}
	c.forgetPreimage(id)

	if !wasExpired && s.Status == StatusExpired {
		c.log.Info("Swap expired", "swap_id", id, "timelock", s.Timelock.Unix())
		c.emit(events.SwapExpired, s, map[string]interface{}{
			"reason":   "timelock passed",
			"timelock": s.Timelock.Unix(),
		})
	}
	if s.Status == StatusRefunded || len(refunds) > 0 {
		c.log.Info("Refund processed", "swap_id", id, "status", s.Status, "refunds", len(refunds))
		c.emit(events.RefundProcessed, s, map[string]interface{}{
			"refunds": refunds,
		})
	}
	return nil
}

// refundLock refunds one lock and records the outcome on s. Already settled
// locks count as done. A pending source lock that never became visible is
// left as not found.
func (c *Coordinator) refundLock(ctx context.Context, s *Swap, lk *Lock) (chain.TxRef, error) {
	ad, err := c.adapters.Get(lk.Chain)
	if err != nil {
		return "", c.fail(s, err)
	}
	cctx, cancel := c.callCtx(ctx)
	tx, err := ad.Refund(cctx, lk.Ref)
	cancel()

	switch {
	case err == nil:
		lk.State = chain.LockRefunded
		lk.RefundTx = tx
	case errors.Is(err, chain.ErrAlreadyRefunded):
		lk.State = chain.LockRefunded
		if tx != "" {
			lk.RefundTx = tx
		}
	case errors.Is(err, chain.ErrAlreadyClaimed):
		lk.State = chain.LockClaimed
		if tx != "" {
			lk.ClaimTx = tx
		}
		tx = ""
	case errors.Is(err, chain.ErrLockNotFound) && !lk.active():
		lk.State = chain.LockNotFound
		return "", nil
	case errors.Is(err, chain.ErrNotExpired):
		// Chain clock lags ours; the next sweep retries.
		return "", c.fail(s, fmt.Errorf("refund %s: %w", lk.Side, err))
	default:
		c.log.Warn("Refund failed", "swap_id", s.ID, "side", lk.Side, "chain", lk.Chain, "error", err)
		return "", c.fail(s, fmt.Errorf("refund %s: %w", lk.Side, wrapChain(err)))
	}

	if err := c.commit(s); err != nil {
		return "", err
	}
	c.log.Info("Lock settled on timeout", "swap_id", s.ID, "side", lk.Side, "chain", lk.Chain, "state", lk.State)
	return tx, nil
}
