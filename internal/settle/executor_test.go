package settle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"swapd/internal/order"
	"swapd/internal/store"
)

var (
	tokenA = common.HexToAddress("0x0a00000000000000000000000000000000000000")
	tokenB = common.HexToAddress("0x0b00000000000000000000000000000000000000")
)

type fakeChainExecutor struct {
	calls    int
	err      error
	onSettle func() // runs inside Settle, before the result is returned
}

func (f *fakeChainExecutor) Settle(ctx context.Context, m *order.Match, buy, sell *order.Order) (*Receipt, error) {
	f.calls++
	if f.onSettle != nil {
		f.onSettle()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Receipt{TxHash: "0xsettled", GasUsed: 21000}, nil
}

type fakeBridge struct {
	sends     int
	status    order.MessageStatus
	sendErr   error
	statusErr error
}

func (f *fakeBridge) Protocol() string { return "testbridge" }

func (f *fakeBridge) Send(ctx context.Context, targetChain uint64, payload []byte) (string, error) {
	f.sends++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "0xmessage", nil
}

func (f *fakeBridge) Status(ctx context.Context, messageID string) (order.MessageStatus, error) {
	if f.statusErr != nil {
		return "", f.statusErr
	}
	return f.status, nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) Notify(event string, payload interface{}) {
	f.events = append(f.events, event)
}

func (f *fakeNotifier) saw(event string) bool {
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	st     *store.Store
	chain  *fakeChainExecutor
	bridge *fakeBridge
	notes  *fakeNotifier
	exec   *TradeExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		st:     st,
		chain:  &fakeChainExecutor{},
		bridge: &fakeBridge{status: order.MessagePending},
		notes:  &fakeNotifier{},
	}
	router := NewRouter()
	router.RegisterLocal(1, f.chain)
	router.RegisterBridge(137, f.bridge)
	f.exec = NewTradeExecutor(st, router, f.notes, zap.NewNop(), time.Second)
	return f
}

func (f *fixture) insertOrder(t *testing.T, o *order.Order) {
	t.Helper()
	if err := f.st.InsertOrder(o); err != nil {
		t.Fatalf("insert order %s: %v", o.ID, err)
	}
}

func baseOrder(id string, maker byte, src, dst uint64) *order.Order {
	return &order.Order{
		ID:           id,
		Maker:        common.Address{maker},
		SellToken:    tokenA,
		BuyToken:     tokenB,
		SellAmount:   big.NewInt(1000),
		BuyAmount:    big.NewInt(500),
		FilledAmount: new(big.Int),
		SourceChain:  src,
		TargetChain:  dst,
		Nonce:        uint64(maker),
		Status:       order.StatusOpen,
		Expiry:       time.Now().Add(time.Hour),
		Signature:    make([]byte, 65),
		CreatedAt:    time.Now().UTC(),
	}
}

// seed inserts a sell/buy pair and a pending match between them. The sell
// leg runs src -> dst; the buy leg mirrors it.
func (f *fixture) seed(t *testing.T, src, dst uint64) *order.Match {
	t.Helper()

	sell := baseOrder("sell-1", 1, src, dst)
	buy := baseOrder("buy-1", 2, dst, src)
	buy.SellToken, buy.BuyToken = tokenB, tokenA
	buy.SellAmount, buy.BuyAmount = big.NewInt(600), big.NewInt(1100)
	f.insertOrder(t, sell)
	f.insertOrder(t, buy)

	now := time.Now().UTC()
	m := &order.Match{
		ID:             "match-1",
		BuyOrderID:     buy.ID,
		SellOrderID:    sell.ID,
		MatchedAmount:  big.NewInt(1000),
		QuoteAmount:    big.NewInt(500),
		MatchedPrice:   decimal.RequireFromString("0.5"),
		ExecutionChain: src,
		Status:         order.MatchPending,
		MaxRetries:     3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.st.InsertMatch(m); err != nil {
		t.Fatalf("insert match: %v", err)
	}
	return m
}

func TestExecuteLocalSuccess(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 1)

	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.chain.calls != 1 {
		t.Errorf("settle calls = %d, want 1", f.chain.calls)
	}

	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchExecuted || !got.FillApplied {
		t.Errorf("match: status=%s applied=%v", got.Status, got.FillApplied)
	}
	if got.TxHash != "0xsettled" || got.GasUsed != 21000 {
		t.Errorf("receipt: tx=%s gas=%d", got.TxHash, got.GasUsed)
	}

	sell, _ := f.st.GetOrder("sell-1")
	if sell.Status != order.StatusFilled || sell.FilledAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("sell: status=%s filled=%s", sell.Status, sell.FilledAmount)
	}
	buy, _ := f.st.GetOrder("buy-1")
	if buy.Status != order.StatusPartiallyFilled || buy.FilledAmount.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("buy: status=%s filled=%s", buy.Status, buy.FilledAmount)
	}

	if !f.notes.saw(EventMatchExecuted) || !f.notes.saw(EventOrderFilled) {
		t.Errorf("missing lifecycle events, got %v", f.notes.events)
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 1)

	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("second execute: %v", err)
	}

	if f.chain.calls != 1 {
		t.Errorf("settle calls = %d, executed match must not settle again", f.chain.calls)
	}
	sell, _ := f.st.GetOrder("sell-1")
	if sell.FilledAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("fill doubled: %s", sell.FilledAmount)
	}
}

func TestExecuteRetriesAfterFailure(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 1)

	f.chain.err = errors.New("rpc timeout")
	if err := f.exec.Execute(context.Background(), m.ID); err == nil {
		t.Fatal("expected error from failed settlement")
	}

	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchFailed || got.RetryCount != 1 {
		t.Fatalf("status=%s retry=%d", got.Status, got.RetryCount)
	}
	sell, _ := f.st.GetOrder("sell-1")
	if sell.FilledAmount.Sign() != 0 {
		t.Errorf("failed settlement advanced fills: %s", sell.FilledAmount)
	}

	// The requeue sweep puts it back; the next attempt succeeds.
	if err := f.st.RequeueMatch(m.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	f.chain.err = nil
	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	got, _ = f.st.GetMatch(m.ID)
	if got.Status != order.MatchExecuted {
		t.Errorf("status = %s, want executed", got.Status)
	}
	sell, _ = f.st.GetOrder("sell-1")
	if sell.FilledAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("fill after retry = %s, want 1000", sell.FilledAmount)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 1)
	f.chain.err = errors.New("rpc down")

	var lastErr error
	for i := 0; i < m.MaxRetries; i++ {
		lastErr = f.exec.Execute(context.Background(), m.ID)
		if lastErr == nil {
			t.Fatal("expected failure")
		}
		f.st.RequeueMatch(m.ID)
	}

	if !errors.Is(lastErr, ErrRetriesExhausted) {
		t.Errorf("final attempt should report exhausted retries, got %v", lastErr)
	}
	if !f.notes.saw(EventMatchFailed) {
		t.Error("terminal failure should notify operators")
	}

	// The match is stuck failed; further execute calls refuse it.
	if err := f.exec.Execute(context.Background(), m.ID); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
	if f.chain.calls != m.MaxRetries {
		t.Errorf("settle calls = %d, want %d", f.chain.calls, m.MaxRetries)
	}
}

func TestExecuteAbortsOnCancelledOrder(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 1)

	if err := f.st.CancelOrder("sell-1"); err != nil {
		t.Fatal(err)
	}

	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if f.chain.calls != 0 {
		t.Error("stale match must not reach the chain")
	}
	buy, _ := f.st.GetOrder("buy-1")
	if buy.FilledAmount.Sign() != 0 {
		t.Errorf("aborted match advanced fills: %s", buy.FilledAmount)
	}
}

func TestExecuteAbortsOnExpiredOrder(t *testing.T) {
	f := newFixture(t)

	sell := baseOrder("sell-1", 1, 1, 1)
	sell.Expiry = time.Now().Add(-time.Minute)
	buy := baseOrder("buy-1", 2, 1, 1)
	buy.SellToken, buy.BuyToken = tokenB, tokenA
	buy.SellAmount, buy.BuyAmount = big.NewInt(600), big.NewInt(1100)
	f.insertOrder(t, sell)
	f.insertOrder(t, buy)

	now := time.Now().UTC()
	m := &order.Match{
		ID: "match-1", BuyOrderID: "buy-1", SellOrderID: "sell-1",
		MatchedAmount: big.NewInt(1000), QuoteAmount: big.NewInt(500),
		MatchedPrice: decimal.RequireFromString("0.5"), ExecutionChain: 1,
		Status: order.MatchPending, MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.st.InsertMatch(m); err != nil {
		t.Fatal(err)
	}

	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if f.chain.calls != 0 {
		t.Error("expired match must not reach the chain")
	}
}

func TestExecuteAbortsOnInsufficientRemaining(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 1)

	// An earlier match consumed most of the sell order in the meantime.
	now := time.Now().UTC()
	prev := &order.Match{
		ID: "other", BuyOrderID: "buy-1", SellOrderID: "sell-1",
		MatchedAmount: big.NewInt(700), QuoteAmount: big.NewInt(350),
		MatchedPrice: decimal.RequireFromString("0.5"), ExecutionChain: 1,
		Status: order.MatchPending, MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.st.InsertMatch(prev); err != nil {
		t.Fatal(err)
	}
	sell, _ := f.st.GetOrder("sell-1")
	if err := f.st.ApplyExecution("other", "0xprev", 1, []store.Fill{{
		OrderID: "sell-1", SellAmount: sell.SellAmount,
		NewFilled: big.NewInt(700), Version: sell.Version,
	}}); err != nil {
		t.Fatalf("seed prior fill: %v", err)
	}

	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	// Stale-liquidity aborts are terminal; the sweep must not replay them,
	// and the retry counter stays at zero since nothing was submitted.
	if !got.Aborted || got.Retryable() {
		t.Errorf("aborted=%v retryable=%v, want terminal abort", got.Aborted, got.Retryable())
	}
	if got.RetryCount != 0 {
		t.Errorf("retry = %d, abort must not consume the budget", got.RetryCount)
	}
	if f.chain.calls != 0 {
		t.Error("under-funded match must not reach the chain")
	}
}

func TestExecuteRecordsFillOnConcurrentCancel(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 1)

	// The maker's cancel lands while the settlement transaction is already
	// on chain. The tokens move, so the fill must be recorded, but the
	// cancelled order must not come back as fillable liquidity.
	f.chain.onSettle = func() {
		if err := f.st.CancelOrder("sell-1"); err != nil {
			t.Errorf("cancel during settlement: %v", err)
		}
	}

	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	sell, _ := f.st.GetOrder("sell-1")
	if sell.Status != order.StatusCancelled {
		t.Errorf("sell status = %s, cancelled order must stay cancelled", sell.Status)
	}
	if sell.FilledAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("sell filled = %s, want 1000", sell.FilledAmount)
	}
	buy, _ := f.st.GetOrder("buy-1")
	if buy.Status != order.StatusPartiallyFilled || buy.FilledAmount.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("buy: status=%s filled=%s", buy.Status, buy.FilledAmount)
	}
	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchExecuted || !got.FillApplied {
		t.Errorf("match: status=%s applied=%v", got.Status, got.FillApplied)
	}
}

func TestConcurrentExecuteSettlesOnce(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.chain.onSettle = func() {
		once.Do(func() { close(started) })
		<-release
	}

	// Two pipelines pick up the same match. The second blocks on the order
	// locks and must walk away once the first finishes; a terminal executed
	// match must never be re-marked failed.
	errs := make(chan error, 2)
	go func() { errs <- f.exec.Execute(context.Background(), m.ID) }()
	<-started
	go func() { errs <- f.exec.Execute(context.Background(), m.ID) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("execute: %v", err)
		}
	}

	if f.chain.calls != 1 {
		t.Errorf("settle calls = %d, want 1", f.chain.calls)
	}
	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchExecuted || !got.FillApplied {
		t.Errorf("match: status=%s applied=%v", got.Status, got.FillApplied)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry = %d, the losing pipeline must not record a failure", got.RetryCount)
	}
	sell, _ := f.st.GetOrder("sell-1")
	if sell.FilledAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("sell filled = %s, want 1000", sell.FilledAmount)
	}
}

func TestExecuteCrossChain(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 137)

	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if f.bridge.sends != 1 {
		t.Fatalf("bridge sends = %d, want 1", f.bridge.sends)
	}
	if f.chain.calls != 0 {
		t.Error("cross-chain leg must not use the local executor")
	}

	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchExecuting {
		t.Fatalf("status = %s, want executing until delivery", got.Status)
	}
	if got.CrossChain == nil || got.CrossChain.MessageID != "0xmessage" {
		t.Fatalf("cross-chain message = %+v", got.CrossChain)
	}
	if got.CrossChain.Status != order.MessagePending {
		t.Errorf("message status = %s", got.CrossChain.Status)
	}
	sell, _ := f.st.GetOrder("sell-1")
	if sell.FilledAmount.Sign() != 0 {
		t.Error("fills must wait for bridge delivery")
	}

	// Still relaying: finalize is a no-op.
	if err := f.exec.FinalizeCrossChain(context.Background(), m.ID); err != nil {
		t.Fatalf("finalize (pending): %v", err)
	}
	got, _ = f.st.GetMatch(m.ID)
	if got.Status != order.MatchExecuting {
		t.Errorf("status = %s, want executing", got.Status)
	}

	// Delivery reported: fills land exactly once.
	f.bridge.status = order.MessageDelivered
	if err := f.exec.FinalizeCrossChain(context.Background(), m.ID); err != nil {
		t.Fatalf("finalize (delivered): %v", err)
	}
	got, _ = f.st.GetMatch(m.ID)
	if got.Status != order.MatchExecuted || !got.FillApplied {
		t.Errorf("status=%s applied=%v", got.Status, got.FillApplied)
	}
	sell, _ = f.st.GetOrder("sell-1")
	if sell.FilledAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("sell filled = %s, want 1000", sell.FilledAmount)
	}

	// Finalizing an executed match is a no-op.
	if err := f.exec.FinalizeCrossChain(context.Background(), m.ID); err != nil {
		t.Fatalf("finalize (executed): %v", err)
	}
}

func TestFinalizeCrossChainDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 137)

	if err := f.exec.Execute(context.Background(), m.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	f.bridge.status = order.MessageFailed
	if err := f.exec.FinalizeCrossChain(context.Background(), m.ID); err == nil {
		t.Fatal("expected error from failed delivery")
	}

	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchFailed || got.RetryCount != 1 {
		t.Errorf("status=%s retry=%d", got.Status, got.RetryCount)
	}
	sell, _ := f.st.GetOrder("sell-1")
	if sell.FilledAmount.Sign() != 0 {
		t.Error("failed delivery must not advance fills")
	}
}

func TestExecuteBridgeSendFailure(t *testing.T) {
	f := newFixture(t)
	m := f.seed(t, 1, 137)
	f.bridge.sendErr = errors.New("relayer unavailable")

	if err := f.exec.Execute(context.Background(), m.ID); err == nil {
		t.Fatal("expected error from bridge send")
	}
	got, _ := f.st.GetMatch(m.ID)
	if got.Status != order.MatchFailed || got.RetryCount != 1 {
		t.Errorf("status=%s retry=%d", got.Status, got.RetryCount)
	}
}
