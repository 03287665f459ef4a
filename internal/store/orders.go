package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"swapd/internal/order"
)

const orderColumns = `id, maker, nonce, sell_token, buy_token, sell_amount, buy_amount,
	filled_amount, source_chain, target_chain, status, expiry, signature, version, created_at`

// InsertOrder persists a newly validated order. A reused (maker, nonce)
// pair yields ErrDuplicateNonce.
func (s *Store) InsertOrder(o *order.Order) error {
	_, err := s.db.Exec(`
		INSERT INTO orders (id, maker, nonce, sell_token, buy_token, sell_amount, buy_amount,
			filled_amount, source_chain, target_chain, pair_key, status, expiry, signature, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.Maker.Hex(), o.Nonce, o.SellToken.Hex(), o.BuyToken.Hex(),
		o.SellAmount.String(), o.BuyAmount.String(), o.FilledAmount.String(),
		o.SourceChain, o.TargetChain, o.PairKey(), string(o.Status),
		o.Expiry.UTC(), o.Signature, o.Version, o.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicateNonce
	}
	return err
}

// GetOrder returns an order by id.
func (s *Store) GetOrder(id string) (*order.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// NonceUsed reports whether the maker has already submitted this nonce.
func (s *Store) NonceUsed(maker common.Address, nonce uint64) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM orders WHERE maker = ? AND nonce = ?`,
		maker.Hex(), nonce).Scan(&n)
	return n > 0, err
}

// OpenOrdersForPair returns fillable, unexpired orders for a pair in
// creation order. The matcher depends on that ordering for deterministic
// price-time priority.
func (s *Store) OpenOrdersForPair(pairKey string, now time.Time) ([]*order.Order, error) {
	rows, err := s.db.Query(`
		SELECT `+orderColumns+` FROM orders
		WHERE pair_key = ? AND status IN (?, ?) AND expiry > ?
		ORDER BY created_at ASC, rowid ASC
	`, pairKey, string(order.StatusOpen), string(order.StatusPartiallyFilled), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ActivePairs returns the pair keys that currently have fillable orders.
func (s *Store) ActivePairs(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT pair_key FROM orders
		WHERE status IN (?, ?) AND expiry > ?
	`, string(order.StatusOpen), string(order.StatusPartiallyFilled), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// OrderFilter narrows the read-only order listing.
type OrderFilter struct {
	Maker   string
	PairKey string
	Status  string
	Limit   int
}

// Orders returns a filtered listing, newest first.
func (s *Store) Orders(f OrderFilter) ([]*order.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	var args []interface{}
	if f.Maker != "" {
		q += ` AND maker = ?`
		args = append(args, common.HexToAddress(f.Maker).Hex())
	}
	if f.PairKey != "" {
		q += ` AND pair_key = ?`
		args = append(args, f.PairKey)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// CancelOrder transitions an open or partially filled order to cancelled.
// Terminal orders yield ErrConflict so an already-settled order can never
// be cancelled retroactively.
func (s *Store) CancelOrder(id string) error {
	res, err := s.db.Exec(`
		UPDATE orders SET status = ?, version = version + 1
		WHERE id = ? AND status IN (?, ?)
	`, string(order.StatusCancelled), id,
		string(order.StatusOpen), string(order.StatusPartiallyFilled))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetOrder(id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ExpireStale transitions every fillable order whose expiry has passed to
// expired, returning the affected ids.
func (s *Store) ExpireStale(now time.Time) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id FROM orders
		WHERE status IN (?, ?) AND expiry <= ?
	`, string(order.StatusOpen), string(order.StatusPartiallyFilled), now.UTC())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE orders SET status = ?, version = version + 1
			WHERE id = ? AND status IN (?, ?)
		`, string(order.StatusExpired), id,
			string(order.StatusOpen), string(order.StatusPartiallyFilled)); err != nil {
			return nil, err
		}
	}
	return ids, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o                       order.Order
		maker, sellTok, buyTok  string
		sellAmt, buyAmt, filled string
		status                  string
	)
	err := row.Scan(&o.ID, &maker, &o.Nonce, &sellTok, &buyTok, &sellAmt, &buyAmt,
		&filled, &o.SourceChain, &o.TargetChain, &status, &o.Expiry, &o.Signature,
		&o.Version, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Maker = common.HexToAddress(maker)
	o.SellToken = common.HexToAddress(sellTok)
	o.BuyToken = common.HexToAddress(buyTok)
	o.Status = order.Status(status)
	if o.SellAmount, err = parseBig(sellAmt, "sell_amount"); err != nil {
		return nil, err
	}
	if o.BuyAmount, err = parseBig(buyAmt, "buy_amount"); err != nil {
		return nil, err
	}
	if o.FilledAmount, err = parseBig(filled, "filled_amount"); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*order.Order, error) {
	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
