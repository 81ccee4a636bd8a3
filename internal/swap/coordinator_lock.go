package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/events"
)

// DetectLocks checks every pending swap with an attached source lock and
// locks the destination side once the source is confirmed.
func (c *Coordinator) DetectLocks(ctx context.Context) error {
	now := c.now()
	ids := c.selectIDs(func(s *Swap) bool {
		return s.Status == StatusPending && s.Source != nil && !s.IsExpired(now)
	})
	if len(ids) == 0 {
		return nil
	}
	c.sweep(ctx, "locks", ids, c.processPending)
	return nil
}

// processPending advances one pending swap. Caller holds the swap slot.
func (c *Coordinator) processPending(ctx context.Context, id string) error {
	s, _, err := c.snapshot(id)
	if err != nil {
		return err
	}
	if s.Status != StatusPending || s.Source == nil || s.IsExpired(c.now()) {
		return nil
	}

	src, err := c.adapters.Get(s.FromChain)
	if err != nil {
		return c.fail(s, err)
	}
	dst, err := c.adapters.Get(s.ToChain)
	if err != nil {
		return c.fail(s, err)
	}

	if !s.Source.active() {
		cctx, cancel := c.callCtx(ctx)
		st, err := src.Status(cctx, s.Source.Ref)
		cancel()
		if err != nil {
			return c.fail(s, apperr.Chain("source status", err))
		}
		switch st.State {
		case chain.LockNotFound:
			c.log.Debug("Source lock not visible yet", "swap_id", id, "lock", s.Source.Ref)
			return nil
		case chain.LockClaimed, chain.LockRefunded:
			return c.fail(s, fmt.Errorf("%w: source lock already %s", ErrLockMismatch, st.State))
		}
		if err := c.checkSourceLock(s, src.Account(), st); err != nil {
			return c.fail(s, err)
		}
		s.Source.State = chain.LockActive
		s.Source.Amount = st.Amount
		s.LastError = ""
		if err := c.commit(s); err != nil {
			return err
		}
		c.log.Info("Source lock confirmed", "swap_id", id, "chain", s.FromChain, "lock", s.Source.Ref)
	}

	params := destinationParams(s)
	cctx, cancel := c.callCtx(ctx)
	ref, err := dst.Lock(cctx, params)
	cancel()
	if err != nil {
		return c.lockFailed(ctx, s, dst, params, err)
	}
	return c.markLocked(s, ref, chain.LockActive)
}

func destinationParams(s *Swap) chain.LockParams {
	return chain.LockParams{
		Receiver: s.Receiver,
		Token:    s.ToToken,
		Amount:   s.ToAmount,
		Hashlock: s.Hashlock,
		Timelock: s.Timelock,
	}
}

// markLocked records the destination lock and moves the swap to locked.
func (c *Coordinator) markLocked(s *Swap, ref chain.LockRef, state chain.LockState) error {
	s.Destination = &Lock{Side: SideDestination, Chain: s.ToChain, Ref: ref, Amount: s.ToAmount, State: state}
	s.LastError = ""
	if err := s.TransitionTo(StatusLocked); err != nil {
		return err
	}
	if err := c.commit(s); err != nil {
		return err
	}

	c.log.Info("Swap locked", "swap_id", s.ID, "source", s.Source.Ref, "destination", ref)
	c.emit(events.SwapLocked, s, map[string]interface{}{
		"sourceLock":      s.Source.Ref,
		"destinationLock": ref,
		"timelock":        s.Timelock.Unix(),
	})
	return nil
}

// checkSourceLock verifies the observed source lock pays the relayer the
// agreed amount under the swap's hashlock, for at least the swap timelock.
func (c *Coordinator) checkSourceLock(s *Swap, relayer string, st *chain.LockStatus) error {
	if st.Hashlock != s.Hashlock {
		return fmt.Errorf("%w: hashlock %s", ErrLockMismatch, st.Hashlock)
	}
	if st.Amount == nil || st.Amount.Cmp(s.FromAmount) < 0 {
		return fmt.Errorf("%w: amount %s below %s", ErrLockMismatch, st.Amount, s.FromAmount)
	}
	if st.Timelock.Before(s.Timelock) {
		return fmt.Errorf("%w: timelock %d before %d", ErrLockMismatch, st.Timelock.Unix(), s.Timelock.Unix())
	}
	if relayer != "" && !strings.EqualFold(st.Receiver, relayer) {
		return fmt.Errorf("%w: receiver %s is not the relayer", ErrLockMismatch, st.Receiver)
	}
	return nil
}

// lockFailed handles a failed destination lock. Transient errors are retried
// on later passes up to the attempt limit; a rejected lock, or exhausting the
// limit, expires the swap and leaves the source lock for the watchdog to
// refund. A lock that landed despite the error is adopted instead. An
// interrupted call is not counted as an attempt.
func (c *Coordinator) lockFailed(ctx context.Context, s *Swap, dst chain.Adapter, params chain.LockParams, err error) error {
	if errors.Is(err, context.Canceled) {
		return c.fail(s, err)
	}
	s.LockAttempts++
	s.LastError = err.Error()
	if retryable(err) && s.LockAttempts < c.maxLockAttempts {
		if cerr := c.commit(s); cerr != nil {
			return cerr
		}
		return fmt.Errorf("destination lock attempt %d/%d: %w", s.LockAttempts, c.maxLockAttempts, err)
	}

	cctx, cancel := c.callCtx(ctx)
	st, ferr := chain.FindLock(cctx, dst, params)
	cancel()
	if ferr != nil {
		// The lock may still have landed; retry on the next pass rather than
		// expire with funds possibly locked.
		return c.fail(s, apperr.Chain("destination lookup", ferr))
	}
	if st.State != chain.LockNotFound && st.Ref != "" {
		c.log.Warn("Destination lock found after failed submission", "swap_id", s.ID, "lock", st.Ref, "state", st.State, "error", err)
		return c.markLocked(s, st.Ref, st.State)
	}

	if terr := s.TransitionTo(StatusExpired); terr != nil {
		return terr
	}
	if cerr := c.commit(s); cerr != nil {
		return cerr
	}
	c.log.Warn("Destination lock failed, swap expired", "swap_id", s.ID, "attempts", s.LockAttempts, "error", err)
	c.emit(events.SwapExpired, s, map[string]interface{}{
		"reason":        "counterparty lock failed",
		"attempts":      s.LockAttempts,
		"refundPending": s.Source.active(),
	})
	return nil
}

// retryable reports whether a failed chain call may succeed later.
func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindProtocol:
		return false
	}
	return true
}
