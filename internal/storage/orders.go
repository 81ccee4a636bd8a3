package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/klingon-exchange/bridge-relay/internal/chain"
	"github.com/klingon-exchange/bridge-relay/internal/orders"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// SaveOrder inserts or updates an order.
func (s *Storage) SaveOrder(o *orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveOrder(s.db, o)
}

func saveOrder(x execer, o *orders.Order) error {
	escrows, err := json.Marshal(o.Escrows)
	if err != nil {
		return fmt.Errorf("failed to encode escrows: %w", err)
	}

	var merkleRoot interface{}
	if !o.MerkleRoot.IsZero() {
		merkleRoot = o.MerkleRoot.String()
	}

	_, err = x.Exec(`
		INSERT INTO orders (
			order_hash, maker, receiver, maker_asset, taker_asset,
			making_amount, taking_amount, filled_amount, remaining_amount,
			src_chain, dst_chain, signature, merkle_root,
			allow_partial, allow_multiple, status, fill_count, escrows,
			created_at, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_hash) DO UPDATE SET
			filled_amount = excluded.filled_amount,
			remaining_amount = excluded.remaining_amount,
			status = excluded.status,
			fill_count = excluded.fill_count,
			escrows = excluded.escrows,
			updated_at = excluded.updated_at
	`,
		o.OrderHash, o.Maker, nullString(o.Receiver), o.MakerAsset, o.TakerAsset,
		o.MakingAmount.String(), o.TakingAmount.String(), o.FilledAmount.String(), o.RemainingAmount.String(),
		string(o.SrcChain), string(o.DstChain), nullString(o.Signature), merkleRoot,
		boolToInt(o.AllowPartialFills), boolToInt(o.AllowMultipleFills), string(o.Status), o.FillCount, string(escrows),
		timeToMilliOrZero(o.CreatedAt), timeToMilliOrZero(o.UpdatedAt), timeToMilliOrZero(o.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// LoadOrders returns every stored order.
func (s *Storage) LoadOrders() ([]*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT order_hash, maker, receiver, maker_asset, taker_asset,
			making_amount, taking_amount, filled_amount, remaining_amount,
			src_chain, dst_chain, signature, merkle_root,
			allow_partial, allow_multiple, status, fill_count, escrows,
			created_at, updated_at, expires_at
		FROM orders ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var list []*orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

func scanOrder(rows *sql.Rows) (*orders.Order, error) {
	var (
		o                                        orders.Order
		receiver, signature, merkleRoot, escrows sql.NullString
		making, taking, filled, remaining        string
		srcChain, dstChain, status               string
		allowPartial, allowMultiple              int
		created, updated, expires                sql.NullInt64
	)
	err := rows.Scan(
		&o.OrderHash, &o.Maker, &receiver, &o.MakerAsset, &o.TakerAsset,
		&making, &taking, &filled, &remaining,
		&srcChain, &dstChain, &signature, &merkleRoot,
		&allowPartial, &allowMultiple, &status, &o.FillCount, &escrows,
		&created, &updated, &expires,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.Receiver = receiver.String
	o.Signature = signature.String
	o.SrcChain = chain.ID(srcChain)
	o.DstChain = chain.ID(dstChain)
	o.Status = orders.Status(status)
	o.AllowPartialFills = allowPartial == 1
	o.AllowMultipleFills = allowMultiple == 1
	o.CreatedAt = milliToTime(created)
	o.UpdatedAt = milliToTime(updated)
	o.ExpiresAt = milliToTime(expires)

	amounts := []struct {
		dst **big.Int
		src string
	}{
		{&o.MakingAmount, making},
		{&o.TakingAmount, taking},
		{&o.FilledAmount, filled},
		{&o.RemainingAmount, remaining},
	}
	for _, a := range amounts {
		v, ok := new(big.Int).SetString(a.src, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q for order %s", a.src, o.OrderHash)
		}
		*a.dst = v
	}

	if merkleRoot.Valid {
		if o.MerkleRoot, err = chain.ParseHash(merkleRoot.String); err != nil {
			return nil, fmt.Errorf("invalid merkle root for order %s: %w", o.OrderHash, err)
		}
	}
	if escrows.Valid && escrows.String != "" && escrows.String != "null" {
		if err := json.Unmarshal([]byte(escrows.String), &o.Escrows); err != nil {
			return nil, fmt.Errorf("invalid escrows for order %s: %w", o.OrderHash, err)
		}
	}
	return &o, nil
}

// SaveSecret stores a resolver secret sealed with the storage key.
func (s *Storage) SaveSecret(sec *orders.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.sealer.Seal(sec.Secret[:])
	if err != nil {
		return fmt.Errorf("failed to seal secret: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO order_secrets (order_hash, idx, secret_hash, sealed_secret, resolver, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_hash, idx) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			sealed_secret = excluded.sealed_secret,
			resolver = excluded.resolver,
			submitted_at = excluded.submitted_at
	`, sec.OrderHash, sec.Index, sec.SecretHash.String(), sealed,
		nullString(sec.Resolver), timeToMilliOrZero(sec.SubmittedAt))
	if err != nil {
		return fmt.Errorf("failed to save secret: %w", err)
	}
	return nil
}

// LoadSecrets returns every stored secret, unsealed.
func (s *Storage) LoadSecrets() ([]*orders.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT order_hash, idx, secret_hash, sealed_secret, resolver, submitted_at
		FROM order_secrets ORDER BY order_hash, idx
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query secrets: %w", err)
	}
	defer rows.Close()

	var list []*orders.Secret
	for rows.Next() {
		var (
			sec        orders.Secret
			secretHash string
			sealed     []byte
			resolver   sql.NullString
			submitted  sql.NullInt64
		)
		if err := rows.Scan(&sec.OrderHash, &sec.Index, &secretHash, &sealed, &resolver, &submitted); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		plain, err := s.sealer.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal secret %s/%d: %w", sec.OrderHash, sec.Index, err)
		}
		if len(plain) != len(sec.Secret) {
			return nil, fmt.Errorf("unsealed secret %s/%d has wrong length", sec.OrderHash, sec.Index)
		}
		copy(sec.Secret[:], plain)
		if sec.SecretHash, err = chain.ParseHash(secretHash); err != nil {
			return nil, fmt.Errorf("invalid secret hash %s/%d: %w", sec.OrderHash, sec.Index, err)
		}
		sec.Resolver = resolver.String
		sec.SubmittedAt = milliToTime(submitted)
		list = append(list, &sec)
	}
	return list, rows.Err()
}
