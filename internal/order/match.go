package order

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchVerified  MatchStatus = "verified"
	MatchExecuting MatchStatus = "executing"
	MatchExecuted  MatchStatus = "executed"
	MatchFailed    MatchStatus = "failed"
	MatchExpired   MatchStatus = "expired"
	MatchCancelled MatchStatus = "cancelled"
)

// MessageStatus tracks a cross-chain settlement message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// CrossChainMessage is attached to a match whose settlement leg crosses
// chains. Its status is updated asynchronously by the bridging layer.
type CrossChainMessage struct {
	BridgeProtocol string        `json:"bridge_protocol"`
	MessageID      string        `json:"message_id"`
	Status         MessageStatus `json:"status"`
}

// Match pairs one buy-side and one sell-side order. MatchedAmount is
// denominated in the sell order's sell-token base units; QuoteAmount is the
// equivalent in the buy order's sell-token units at the matched price, so
// each order's fill is tracked in its own units.
type Match struct {
	ID          string `json:"id"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`

	MatchedAmount *big.Int        `json:"matched_amount"`
	QuoteAmount   *big.Int        `json:"quote_amount"`
	MatchedPrice  decimal.Decimal `json:"matched_price"`

	ExecutionChain uint64      `json:"execution_chain"`
	Status         MatchStatus `json:"status"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	// Aborted marks a failed match that ended on a pre-submission check
	// (cancelled/expired/insufficient order). Terminal regardless of the
	// remaining retry budget; the budget itself is untouched.
	Aborted bool `json:"aborted,omitempty"`

	CrossChain *CrossChainMessage `json:"cross_chain,omitempty"`

	TxHash       string `json:"tx_hash,omitempty"`
	GasUsed      uint64 `json:"gas_used,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// FillApplied guards the atomic fill application: it flips to true at
	// most once per match regardless of retries.
	FillApplied bool `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Retryable reports whether a failed match may transition back to pending.
// Aborted matches never retry: their orders, not the execution, were the
// problem.
func (m *Match) Retryable() bool {
	return m.Status == MatchFailed && !m.Aborted && m.RetryCount < m.MaxRetries
}

// CrossChainLeg reports whether settlement must be relayed to another chain.
func (m *Match) CrossChainLeg() bool {
	return m.CrossChain != nil
}
