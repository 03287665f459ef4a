package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"swapd/internal/order"
	"swapd/internal/store"
)

// Notifier receives best-effort lifecycle events for downstream
// subscribers; delivery is not part of correctness.
type Notifier interface {
	Notify(event string, payload interface{})
}

// Lifecycle events pushed to the notifier.
const (
	EventOrderFilled   = "order-filled"
	EventMatchExecuted = "match-executed"
	EventMatchFailed   = "match-failed"
)

// ErrRetriesExhausted marks a match that failed maxRetries times; it is
// terminal and surfaced to operators rather than silently dropped.
var ErrRetriesExhausted = errors.New("retries exhausted")

// TradeExecutor drives a match through verified → executing → executed,
// applying fills atomically and exactly once. It is the single writer of
// order fill state; per-order locks plus the store's optimistic version
// checks serialize overlapping executions that share an order.
type TradeExecutor struct {
	store    *store.Store
	router   *Router
	notifier Notifier
	log      *zap.Logger

	locks   *orderLocks
	timeout time.Duration
}

func NewTradeExecutor(st *store.Store, router *Router, notifier Notifier, log *zap.Logger, timeout time.Duration) *TradeExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TradeExecutor{
		store:    st,
		router:   router,
		notifier: notifier,
		log:      log,
		locks:    newOrderLocks(),
		timeout:  timeout,
	}
}

// Execute settles a match. It is safe to call repeatedly for the same
// match id: fill application is gated on a not-previously-applied flag, so
// retries after a false failure signal never double-credit.
func (t *TradeExecutor) Execute(ctx context.Context, matchID string) error {
	m, err := t.store.GetMatch(matchID)
	if err != nil {
		return fmt.Errorf("load match %s: %w", matchID, err)
	}
	if done, err := finished(m); done {
		return err
	}

	unlock := t.locks.lockAll(m.BuyOrderID, m.SellOrderID)
	defer unlock()

	// Re-read under the order locks: a concurrent execution of the same
	// match may have finished it while this caller waited.
	m, err = t.store.GetMatch(matchID)
	if err != nil {
		return fmt.Errorf("load match %s: %w", matchID, err)
	}
	if done, err := finished(m); done {
		return err
	}

	buy, sell, err := t.reloadOrders(m)
	if err != nil {
		return err
	}

	if err := t.verify(m, buy, sell); err != nil {
		// Stale match: no on-chain call is attempted and the order book
		// liquidity is rematched from current state next cycle.
		t.log.Warn("match failed verification",
			zap.String("match_id", m.ID), zap.Error(err))
		return nil
	}
	if err := t.store.SetMatchStatus(m.ID, order.MatchVerified); err != nil {
		return err
	}
	if err := t.store.SetMatchStatus(m.ID, order.MatchExecuting); err != nil {
		return err
	}

	if sell.SourceChain != sell.TargetChain {
		return t.executeCrossChain(ctx, m, buy, sell)
	}
	return t.executeLocal(ctx, m, buy, sell)
}

// finished reports whether a match admits no further execution. An
// exhausted retry budget is surfaced as an error; aborted and otherwise
// terminal matches end quietly.
func finished(m *order.Match) (bool, error) {
	switch m.Status {
	case order.MatchExecuted, order.MatchExpired, order.MatchCancelled:
		return true, nil
	case order.MatchFailed:
		if m.Aborted {
			return true, nil
		}
		if m.RetryCount >= m.MaxRetries {
			return true, fmt.Errorf("match %s: %w", m.ID, ErrRetriesExhausted)
		}
	}
	return false, nil
}

// reloadOrders fetches both legs fresh; stale snapshots must never drive
// settlement.
func (t *TradeExecutor) reloadOrders(m *order.Match) (buy, sell *order.Order, err error) {
	buy, err = t.store.GetOrder(m.BuyOrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("load buy order: %w", err)
	}
	sell, err = t.store.GetOrder(m.SellOrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("load sell order: %w", err)
	}
	return buy, sell, nil
}

// verify re-checks the match invariants against current order state and
// aborts the match into a terminal state on any violation.
func (t *TradeExecutor) verify(m *order.Match, buy, sell *order.Order) error {
	now := time.Now()
	for _, o := range []*order.Order{buy, sell} {
		if o.Status == order.StatusCancelled {
			t.store.MarkMatchAborted(m.ID, order.MatchCancelled, fmt.Sprintf("order %s cancelled", o.ID))
			return fmt.Errorf("order %s cancelled", o.ID)
		}
		if o.Status == order.StatusExpired || o.Expired(now) {
			t.store.MarkMatchAborted(m.ID, order.MatchExpired, fmt.Sprintf("order %s expired", o.ID))
			return fmt.Errorf("order %s expired", o.ID)
		}
		if !o.Status.Fillable() {
			t.store.MarkMatchAborted(m.ID, order.MatchFailed, fmt.Sprintf("order %s not fillable (%s)", o.ID, o.Status))
			return fmt.Errorf("order %s not fillable", o.ID)
		}
	}
	if sell.Remaining().Cmp(m.MatchedAmount) < 0 {
		t.store.MarkMatchAborted(m.ID, order.MatchFailed, "sell order remaining below matched amount")
		return fmt.Errorf("sell order %s remaining below matched amount", sell.ID)
	}
	if buy.Remaining().Cmp(m.QuoteAmount) < 0 {
		t.store.MarkMatchAborted(m.ID, order.MatchFailed, "buy order remaining below matched amount")
		return fmt.Errorf("buy order %s remaining below matched amount", buy.ID)
	}
	return nil
}

func (t *TradeExecutor) executeLocal(ctx context.Context, m *order.Match, buy, sell *order.Order) error {
	exec, err := t.router.Local(m.ExecutionChain)
	if err != nil {
		return t.fail(m, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	receipt, err := exec.Settle(callCtx, m, buy, sell)
	if err != nil {
		// Timeouts, reverts and RPC failures are all execution failures;
		// a timed-out call is never treated as success.
		return t.fail(m, err)
	}
	return t.applyFills(m, buy, sell, receipt)
}

func (t *TradeExecutor) executeCrossChain(ctx context.Context, m *order.Match, buy, sell *order.Order) error {
	adapter, err := t.router.Bridge(sell.TargetChain)
	if err != nil {
		return t.fail(m, err)
	}

	payload, err := EncodeSettlement(m, buy, sell)
	if err != nil {
		return t.fail(m, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	msgID, err := adapter.Send(callCtx, sell.TargetChain, payload)
	if err != nil {
		return t.fail(m, err)
	}

	// The match stays executing until the bridging layer reports delivery;
	// cross-chain confirmation is never synchronous.
	if err := t.store.SetCrossChainMessage(m.ID, adapter.Protocol(), msgID, order.MessagePending); err != nil {
		return err
	}
	t.log.Info("cross-chain settlement submitted",
		zap.String("match_id", m.ID),
		zap.String("protocol", adapter.Protocol()),
		zap.String("message_id", msgID),
		zap.Uint64("target_chain", sell.TargetChain))
	return nil
}

// FinalizeCrossChain polls the bridge for an in-flight match and applies
// fills once delivery is reported, or records a retryable failure.
func (t *TradeExecutor) FinalizeCrossChain(ctx context.Context, matchID string) error {
	m, err := t.store.GetMatch(matchID)
	if err != nil {
		return err
	}
	if m.Status != order.MatchExecuting || m.CrossChain == nil || m.CrossChain.MessageID == "" {
		return nil
	}

	unlock := t.locks.lockAll(m.BuyOrderID, m.SellOrderID)
	defer unlock()

	// Re-read under the locks; a concurrent poll may have finalized it.
	m, err = t.store.GetMatch(matchID)
	if err != nil {
		return err
	}
	if m.Status != order.MatchExecuting || m.CrossChain == nil || m.CrossChain.MessageID == "" {
		return nil
	}

	buy, sell, err := t.reloadOrders(m)
	if err != nil {
		return err
	}

	adapter, err := t.router.Bridge(sell.TargetChain)
	if err != nil {
		return t.fail(m, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	status, err := adapter.Status(callCtx, m.CrossChain.MessageID)
	if err != nil {
		return t.fail(m, fmt.Errorf("bridge status: %w", err))
	}

	switch status {
	case order.MessageDelivered:
		return t.applyFills(m, buy, sell, &Receipt{TxHash: m.CrossChain.MessageID})
	case order.MessageFailed:
		return t.fail(m, errors.New("bridge message delivery failed"))
	default:
		return nil // still relaying
	}
}

// applyFills performs the atomic step: match executed + both orders'
// filled amounts advanced by exactly the matched amounts, or nothing.
func (t *TradeExecutor) applyFills(m *order.Match, buy, sell *order.Order, receipt *Receipt) error {
	// The settlement call succeeded, so a version conflict here means a
	// concurrent writer (e.g. a cancel) slipped in between reload and
	// apply. Re-read and retry rather than losing a confirmed fill.
	for attempt := 0; ; attempt++ {
		fills := []store.Fill{
			{
				OrderID:    sell.ID,
				SellAmount: sell.SellAmount,
				NewFilled:  new(big.Int).Add(sell.FilledAmount, m.MatchedAmount),
				Version:    sell.Version,
			},
			{
				OrderID:    buy.ID,
				SellAmount: buy.SellAmount,
				NewFilled:  new(big.Int).Add(buy.FilledAmount, m.QuoteAmount),
				Version:    buy.Version,
			},
		}
		err := t.store.ApplyExecution(m.ID, receipt.TxHash, receipt.GasUsed, fills)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrAlreadyApplied) {
			return nil
		}
		if errors.Is(err, store.ErrConflict) && attempt < 2 {
			var rerr error
			if buy, sell, rerr = t.reloadOrders(m); rerr != nil {
				return rerr
			}
			continue
		}
		return t.fail(m, fmt.Errorf("apply fills: %w", err))
	}

	t.log.Info("match executed",
		zap.String("match_id", m.ID),
		zap.String("tx_hash", receipt.TxHash),
		zap.Uint64("gas_used", receipt.GasUsed))
	if t.notifier != nil {
		t.notifier.Notify(EventMatchExecuted, map[string]interface{}{
			"match_id": m.ID,
			"tx_hash":  receipt.TxHash,
		})
		t.notifier.Notify(EventOrderFilled, map[string]interface{}{
			"order_id": sell.ID, "match_id": m.ID, "amount": m.MatchedAmount.String(),
		})
		t.notifier.Notify(EventOrderFilled, map[string]interface{}{
			"order_id": buy.ID, "match_id": m.ID, "amount": m.QuoteAmount.String(),
		})
	}
	return nil
}

// fail records an execution failure, consuming one retry. Exhausted
// retries are terminal and escalated.
func (t *TradeExecutor) fail(m *order.Match, cause error) error {
	if err := t.store.MarkMatchFailed(m.ID, cause.Error(), true); err != nil {
		return fmt.Errorf("mark failed: %w (cause: %v)", err, cause)
	}
	updated, err := t.store.GetMatch(m.ID)
	if err != nil {
		return err
	}
	if !updated.Retryable() {
		t.log.Error("match failed terminally",
			zap.String("match_id", m.ID),
			zap.Int("retries", updated.RetryCount),
			zap.Error(cause))
		if t.notifier != nil {
			t.notifier.Notify(EventMatchFailed, map[string]interface{}{
				"match_id": m.ID,
				"error":    cause.Error(),
			})
		}
		return fmt.Errorf("match %s: %w: %v", m.ID, ErrRetriesExhausted, cause)
	}
	t.log.Warn("match execution failed, will retry",
		zap.String("match_id", m.ID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Error(cause))
	return cause
}
