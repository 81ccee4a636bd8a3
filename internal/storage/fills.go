package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/fill"
	"github.com/klingon-exchange/bridge-relay/internal/orders"
)

// ErrFragmentExecuted is returned when a second execution of the same
// fragment is stored as executed.
var ErrFragmentExecuted = errors.New("fragment already executed")

// SaveExecution inserts or updates a fill execution.
func (s *Storage) SaveExecution(e *fill.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveExecution(s.db, e)
}

// CommitFill stores the filled order and its execution in one transaction.
func (s *Storage) CommitFill(o *orders.Order, e *fill.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin fill transaction: %w", err)
	}
	if err := saveOrder(tx, o); err != nil {
		tx.Rollback()
		return err
	}
	if err := saveExecution(tx, e); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fill: %w", err)
	}
	return nil
}

func saveExecution(x execer, e *fill.Execution) error {
	var proof interface{}
	if len(e.MerkleProof) > 0 {
		b, err := json.Marshal(e.MerkleProof)
		if err != nil {
			return fmt.Errorf("failed to encode merkle proof: %w", err)
		}
		proof = string(b)
	}
	var gasCost interface{}
	if e.GasCost != nil {
		gasCost = e.GasCost.String()
	}
	var secretHash interface{}
	if !e.SecretHash.IsZero() {
		secretHash = e.SecretHash.String()
	}

	_, err := x.Exec(`
		INSERT INTO fill_executions (
			fill_id, order_hash, fragment_index, resolver, fill_amount, gas_cost,
			secret_hash, merkle_proof, status, error, src_tx_hash, dst_tx_hash,
			created_at, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fill_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			gas_cost = excluded.gas_cost,
			src_tx_hash = excluded.src_tx_hash,
			dst_tx_hash = excluded.dst_tx_hash,
			executed_at = excluded.executed_at
	`,
		e.FillID, e.OrderHash, e.FragmentIndex, e.Resolver, e.FillAmount.String(), gasCost,
		secretHash, proof, string(e.Status), nullString(e.Error),
		nullString(e.SrcTxHash), nullString(e.DstTxHash),
		timeToMilliOrZero(e.CreatedAt), timeToMilliOrZero(e.ExecutedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: order %s fragment %d", ErrFragmentExecuted, e.OrderHash, e.FragmentIndex)
		}
		return fmt.Errorf("failed to save fill execution: %w", err)
	}
	return nil
}

// LoadExecutions returns every stored fill execution in creation order.
func (s *Storage) LoadExecutions() ([]*fill.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT fill_id, order_hash, fragment_index, resolver, fill_amount, gas_cost,
			secret_hash, merkle_proof, status, error, src_tx_hash, dst_tx_hash,
			created_at, executed_at
		FROM fill_executions ORDER BY created_at, fill_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fill executions: %w", err)
	}
	defer rows.Close()

	var list []*fill.Execution
	for rows.Next() {
		var (
			e                          fill.Execution
			amount, status             string
			gasCost, secretHash, proof sql.NullString
			execErr, srcTx, dstTx      sql.NullString
			created, executed          sql.NullInt64
		)
		if err := rows.Scan(
			&e.FillID, &e.OrderHash, &e.FragmentIndex, &e.Resolver, &amount, &gasCost,
			&secretHash, &proof, &status, &execErr, &srcTx, &dstTx,
			&created, &executed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fill execution: %w", err)
		}

		var ok bool
		if e.FillAmount, ok = new(big.Int).SetString(amount, 10); !ok {
			return nil, fmt.Errorf("invalid fill amount for %s", e.FillID)
		}
		if gasCost.Valid {
			if e.GasCost, ok = new(big.Int).SetString(gasCost.String, 10); !ok {
				return nil, fmt.Errorf("invalid gas cost for %s", e.FillID)
			}
		}
		if secretHash.Valid {
			if e.SecretHash, err = chain.ParseHash(secretHash.String); err != nil {
				return nil, fmt.Errorf("invalid secret hash for %s: %w", e.FillID, err)
			}
		}
		if proof.Valid {
			if err := json.Unmarshal([]byte(proof.String), &e.MerkleProof); err != nil {
				return nil, fmt.Errorf("invalid merkle proof for %s: %w", e.FillID, err)
			}
		}
		e.Status = fill.ExecStatus(status)
		e.Error = execErr.String
		e.SrcTxHash = srcTx.String
		e.DstTxHash = dstTx.String
		e.CreatedAt = milliToTime(created)
		e.ExecutedAt = milliToTime(executed)
		list = append(list, &e)
	}
	return list, rows.Err()
}
