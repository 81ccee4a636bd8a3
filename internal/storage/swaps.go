package storage

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/swap"
)

// SaveSwap inserts or updates a swap and its chain locks.
func (s *Storage) SaveSwap(sw *swap.Swap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The preimage only reaches disk once both claims are done.
	var preimage interface{}
	if sw.Status == swap.StatusCompleted && sw.Preimage != nil {
		preimage = sw.Preimage.String()
	}

	_, err = tx.Exec(`
		INSERT INTO swaps (
			id, order_hash, from_chain, to_chain, from_token, to_token,
			from_amount, to_amount, sender, receiver, hashlock, timelock, status,
			preimage, lock_attempts, last_error,
			created_at, updated_at, expires_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			preimage = excluded.preimage,
			lock_attempts = excluded.lock_attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`,
		sw.ID, nullString(sw.OrderHash), string(sw.FromChain), string(sw.ToChain),
		sw.FromToken, sw.ToToken, sw.FromAmount.String(), sw.ToAmount.String(),
		sw.Sender, sw.Receiver, sw.Hashlock.String(), sw.Timelock.UnixMilli(), string(sw.Status),
		preimage, sw.LockAttempts, nullString(sw.LastError),
		timeToMilliOrZero(sw.CreatedAt), timeToMilliOrZero(sw.UpdatedAt),
		timeToMilliOrZero(sw.ExpiresAt), timeToMilliOrZero(sw.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", swap.ErrSwapExists, sw.Hashlock)
		}
		return fmt.Errorf("failed to save swap: %w", err)
	}

	for _, l := range []*swap.Lock{sw.Source, sw.Destination} {
		if l == nil {
			continue
		}
		if err := saveLock(tx, sw.ID, l, sw.UpdatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func saveLock(tx *sql.Tx, swapID string, l *swap.Lock, updated time.Time) error {
	var amount interface{}
	if l.Amount != nil {
		amount = l.Amount.String()
	}
	_, err := tx.Exec(`
		INSERT INTO chain_locks (swap_id, side, chain, lock_ref, amount, state, claim_tx, refund_tx, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(swap_id, side) DO UPDATE SET
			lock_ref = excluded.lock_ref,
			amount = excluded.amount,
			state = excluded.state,
			claim_tx = excluded.claim_tx,
			refund_tx = excluded.refund_tx,
			updated_at = excluded.updated_at
	`, swapID, string(l.Side), string(l.Chain), string(l.Ref), amount, string(l.State),
		nullString(string(l.ClaimTx)), nullString(string(l.RefundTx)), timeToMilliOrZero(updated))
	if err != nil {
		return fmt.Errorf("failed to save %s lock: %w", l.Side, err)
	}
	return nil
}

// LoadSwaps returns every stored swap with its locks.
func (s *Storage) LoadSwaps() ([]*swap.Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, order_hash, from_chain, to_chain, from_token, to_token,
			from_amount, to_amount, sender, receiver, hashlock, timelock, status,
			preimage, lock_attempts, last_error,
			created_at, updated_at, expires_at, completed_at
		FROM swaps ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	var list []*swap.Swap
	byID := make(map[string]*swap.Swap)
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, sw)
		byID[sw.ID] = sw
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	lockRows, err := s.db.Query(`
		SELECT swap_id, side, chain, lock_ref, amount, state, claim_tx, refund_tx
		FROM chain_locks
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain locks: %w", err)
	}
	defer lockRows.Close()

	for lockRows.Next() {
		var (
			swapID, side, chainID, ref, state string
			amount, claimTx, refundTx         sql.NullString
		)
		if err := lockRows.Scan(&swapID, &side, &chainID, &ref, &amount, &state, &claimTx, &refundTx); err != nil {
			return nil, fmt.Errorf("failed to scan chain lock: %w", err)
		}
		sw, ok := byID[swapID]
		if !ok {
			continue
		}
		l := &swap.Lock{
			Side:     swap.Side(side),
			Chain:    chain.ID(chainID),
			Ref:      chain.LockRef(ref),
			State:    chain.LockState(state),
			ClaimTx:  chain.TxRef(claimTx.String),
			RefundTx: chain.TxRef(refundTx.String),
		}
		if amount.Valid {
			v, ok := new(big.Int).SetString(amount.String, 10)
			if !ok {
				return nil, fmt.Errorf("invalid lock amount for swap %s", swapID)
			}
			l.Amount = v
		}
		switch l.Side {
		case swap.SideSource:
			sw.Source = l
		case swap.SideDestination:
			sw.Destination = l
		}
	}
	return list, lockRows.Err()
}

func scanSwap(rows *sql.Rows) (*swap.Swap, error) {
	var (
		sw                                   swap.Swap
		orderHash, preimage, lastError       sql.NullString
		fromChain, toChain, status           string
		fromAmount, toAmount, hashlock       string
		timelock                             int64
		created, updated, expires, completed sql.NullInt64
	)
	err := rows.Scan(
		&sw.ID, &orderHash, &fromChain, &toChain, &sw.FromToken, &sw.ToToken,
		&fromAmount, &toAmount, &sw.Sender, &sw.Receiver, &hashlock, &timelock, &status,
		&preimage, &sw.LockAttempts, &lastError,
		&created, &updated, &expires, &completed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan swap: %w", err)
	}

	sw.OrderHash = orderHash.String
	sw.FromChain = chain.ID(fromChain)
	sw.ToChain = chain.ID(toChain)
	sw.Status = swap.Status(status)
	sw.LastError = lastError.String
	sw.Timelock = time.UnixMilli(timelock)
	sw.CreatedAt = milliToTime(created)
	sw.UpdatedAt = milliToTime(updated)
	sw.ExpiresAt = milliToTime(expires)
	sw.CompletedAt = milliToTime(completed)

	var ok bool
	if sw.FromAmount, ok = new(big.Int).SetString(fromAmount, 10); !ok {
		return nil, fmt.Errorf("invalid from_amount for swap %s", sw.ID)
	}
	if sw.ToAmount, ok = new(big.Int).SetString(toAmount, 10); !ok {
		return nil, fmt.Errorf("invalid to_amount for swap %s", sw.ID)
	}
	if sw.Hashlock, err = chain.ParseHash(hashlock); err != nil {
		return nil, fmt.Errorf("invalid hashlock for swap %s: %w", sw.ID, err)
	}
	if preimage.Valid && sw.Status == swap.StatusCompleted {
		p, err := chain.ParsePreimage(preimage.String)
		if err != nil {
			return nil, fmt.Errorf("invalid preimage for swap %s: %w", sw.ID, err)
		}
		sw.Preimage = &p
	}
	return &sw, nil
}
