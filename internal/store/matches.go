package store

import (
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"swapd/internal/order"
)

const matchColumns = `id, buy_order_id, sell_order_id, matched_amount, quote_amount,
	matched_price, execution_chain, status, retry_count, max_retries,
	bridge_protocol, message_id, message_status, tx_hash, gas_used, error_message,
	aborted, fill_applied, created_at, updated_at`

// InsertMatch persists a freshly produced match in pending state.
func (s *Store) InsertMatch(m *order.Match) error {
	var proto, msgID, msgStatus string
	if m.CrossChain != nil {
		proto = m.CrossChain.BridgeProtocol
		msgID = m.CrossChain.MessageID
		msgStatus = string(m.CrossChain.Status)
	}
	_, err := s.db.Exec(`
		INSERT INTO matches (id, buy_order_id, sell_order_id, matched_amount, quote_amount,
			matched_price, execution_chain, status, retry_count, max_retries,
			bridge_protocol, message_id, message_status, tx_hash, gas_used, error_message,
			aborted, fill_applied, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.BuyOrderID, m.SellOrderID, m.MatchedAmount.String(), m.QuoteAmount.String(),
		m.MatchedPrice.String(), m.ExecutionChain, string(m.Status), m.RetryCount, m.MaxRetries,
		proto, msgID, msgStatus, m.TxHash, m.GasUsed, m.ErrorMessage,
		boolToInt(m.Aborted), boolToInt(m.FillApplied), m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	return err
}

// GetMatch returns a match by id.
func (s *Store) GetMatch(id string) (*order.Match, error) {
	row := s.db.QueryRow(`SELECT `+matchColumns+` FROM matches WHERE id = ?`, id)
	return scanMatch(row)
}

// MatchesByStatus returns matches in the given state, oldest first, so
// requeue and cross-chain polling work through a backlog fairly.
func (s *Store) MatchesByStatus(status order.MatchStatus, limit int) ([]*order.Match, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT `+matchColumns+` FROM matches WHERE status = ?
		ORDER BY updated_at ASC LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

// RecentMatches returns the latest matches for the trade query surface.
func (s *Store) RecentMatches(limit int) ([]*order.Match, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+matchColumns+` FROM matches ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMatches(rows)
}

// SetMatchStatus advances a match's lifecycle state.
func (s *Store) SetMatchStatus(id string, status order.MatchStatus) error {
	return s.exec1(`UPDATE matches SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
}

// MarkMatchFailed records a failure reason. Execution failures increment
// the retry counter; pre-submission invariant violations do not.
func (s *Store) MarkMatchFailed(id, reason string, countRetry bool) error {
	inc := 0
	if countRetry {
		inc = 1
	}
	return s.exec1(`
		UPDATE matches SET status = ?, error_message = ?, retry_count = retry_count + ?, updated_at = ?
		WHERE id = ?
	`, string(order.MatchFailed), reason, inc, time.Now().UTC(), id)
}

// MarkMatchAborted ends a match that failed its pre-submission checks.
// Failed aborts are terminal without touching the retry budget: the aborted
// flag keeps the requeue sweep away, and stale liquidity gets rematched
// from order state on the next cycle instead.
func (s *Store) MarkMatchAborted(id string, status order.MatchStatus, reason string) error {
	q := `UPDATE matches SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`
	if status == order.MatchFailed {
		q = `UPDATE matches SET status = ?, error_message = ?, updated_at = ?, aborted = 1 WHERE id = ?`
	}
	return s.exec1(q, string(status), reason, time.Now().UTC(), id)
}

// RequeueMatch moves a failed, non-aborted match back to pending while
// retries remain.
func (s *Store) RequeueMatch(id string) error {
	res, err := s.db.Exec(`
		UPDATE matches SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND aborted = 0 AND retry_count < max_retries
	`, string(order.MatchPending), time.Now().UTC(), id, string(order.MatchFailed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SetCrossChainMessage records the bridge handle for an in-flight
// cross-chain settlement leg.
func (s *Store) SetCrossChainMessage(id, protocol, messageID string, status order.MessageStatus) error {
	return s.exec1(`
		UPDATE matches SET bridge_protocol = ?, message_id = ?, message_status = ?, updated_at = ?
		WHERE id = ?
	`, protocol, messageID, string(status), time.Now().UTC(), id)
}

// ReservedAmounts returns, per order id, the liquidity committed to
// in-flight matches whose fills have not been applied yet: pending,
// verified and executing matches, plus failed ones that still have retry
// budget. The matcher subtracts these so one cycle never re-promises
// liquidity a live match already holds.
func (s *Store) ReservedAmounts() (map[string]*big.Int, error) {
	rows, err := s.db.Query(`
		SELECT buy_order_id, sell_order_id, matched_amount, quote_amount FROM matches
		WHERE fill_applied = 0
		  AND (status IN (?, ?, ?) OR (status = ? AND aborted = 0 AND retry_count < max_retries))
	`, string(order.MatchPending), string(order.MatchVerified), string(order.MatchExecuting),
		string(order.MatchFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reserved := make(map[string]*big.Int)
	add := func(id, amount, column string) error {
		n, err := parseBig(amount, column)
		if err != nil {
			return err
		}
		if r, ok := reserved[id]; ok {
			r.Add(r, n)
		} else {
			reserved[id] = n
		}
		return nil
	}
	for rows.Next() {
		var buyID, sellID, matched, quote string
		if err := rows.Scan(&buyID, &sellID, &matched, &quote); err != nil {
			return nil, err
		}
		if err := add(sellID, matched, "matched_amount"); err != nil {
			return nil, err
		}
		if err := add(buyID, quote, "quote_amount"); err != nil {
			return nil, err
		}
	}
	return reserved, rows.Err()
}

// Fill is one order's side of an atomic fill application. Version is the
// optimistic check: the update only lands if the order is unchanged since
// the executor's verify step read it.
type Fill struct {
	OrderID    string
	SellAmount *big.Int // the order's total, for status promotion
	NewFilled  *big.Int
	Version    int64
}

// ApplyExecution applies a successful settlement atomically: the match is
// marked executed exactly once, and both orders' filled amounts advance
// under their optimistic version checks. Any version loss aborts the whole
// transaction with ErrConflict so a stale execution never corrupts fills.
// A second attempt for an already-applied match returns ErrAlreadyApplied
// without touching order state.
func (s *Store) ApplyExecution(matchID, txHash string, gasUsed uint64, fills []Fill) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE matches SET status = ?, fill_applied = 1, tx_hash = ?, gas_used = ?,
			error_message = '', updated_at = ?
		WHERE id = ? AND fill_applied = 0
	`, string(order.MatchExecuted), txHash, gasUsed, time.Now().UTC(), matchID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyApplied
	}

	for _, f := range fills {
		status := order.StatusPartiallyFilled
		if f.NewFilled.Cmp(f.SellAmount) >= 0 {
			status = order.StatusFilled
		}
		// A confirmed settlement can land on an order cancelled or expired
		// in the meantime: the fill is recorded, the terminal status stays.
		// Promoting such an order back to a fillable status would put the
		// maker's revoked liquidity back in the book.
		res, err := tx.Exec(`
			UPDATE orders SET filled_amount = ?,
				status = CASE WHEN status IN (?, ?) THEN status ELSE ? END,
				version = version + 1
			WHERE id = ? AND version = ?
		`, f.NewFilled.String(), string(order.StatusCancelled), string(order.StatusExpired),
			string(status), f.OrderID, f.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("order %s: %w", f.OrderID, ErrConflict)
		}
	}
	return tx.Commit()
}

func (s *Store) exec1(query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMatch(row rowScanner) (*order.Match, error) {
	var (
		m                      order.Match
		matched, quote, price  string
		status                 string
		proto, msgID, msgState string
		aborted, applied       int
	)
	err := row.Scan(&m.ID, &m.BuyOrderID, &m.SellOrderID, &matched, &quote, &price,
		&m.ExecutionChain, &status, &m.RetryCount, &m.MaxRetries,
		&proto, &msgID, &msgState, &m.TxHash, &m.GasUsed, &m.ErrorMessage,
		&aborted, &applied, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.Status = order.MatchStatus(status)
	m.Aborted = aborted != 0
	m.FillApplied = applied != 0
	if m.MatchedAmount, err = parseBig(matched, "matched_amount"); err != nil {
		return nil, err
	}
	if m.QuoteAmount, err = parseBig(quote, "quote_amount"); err != nil {
		return nil, err
	}
	if m.MatchedPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt matched_price value %q", price)
	}
	if proto != "" || msgID != "" {
		m.CrossChain = &order.CrossChainMessage{
			BridgeProtocol: proto,
			MessageID:      msgID,
			Status:         order.MessageStatus(msgState),
		}
	}
	return &m, nil
}

func scanMatches(rows *sql.Rows) ([]*order.Match, error) {
	var out []*order.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
