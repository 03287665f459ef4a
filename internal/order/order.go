package order

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order. Terminal states permit no
// further mutation.
type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// Terminal reports whether no further state transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// Fillable reports whether the order can still participate in a match.
func (s Status) Fillable() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// Order is a user's signed intent to exchange SellAmount of SellToken for
// at least BuyAmount of BuyToken. Amounts are base units and never floats;
// the derived price is used only for ranking and filtering.
type Order struct {
	ID    string         `json:"id"`
	Maker common.Address `json:"maker"`
	Nonce uint64         `json:"nonce"`

	SellToken  common.Address `json:"sell_token"`
	BuyToken   common.Address `json:"buy_token"`
	SellAmount *big.Int       `json:"sell_amount"`
	BuyAmount  *big.Int       `json:"buy_amount"`

	SourceChain uint64 `json:"source_chain"`
	TargetChain uint64 `json:"target_chain"`

	Status       Status    `json:"status"`
	FilledAmount *big.Int  `json:"filled_amount"`
	Expiry       time.Time `json:"expiry"`

	Signature []byte `json:"signature"`

	// Version is bumped on every fill; stale writers lose.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Remaining returns SellAmount - FilledAmount in sell-token base units.
func (o *Order) Remaining() *big.Int {
	return new(big.Int).Sub(o.SellAmount, o.FilledAmount)
}

// Price returns BuyAmount / SellAmount, i.e. how much of the buy token the
// maker demands per unit of the sell token. Ranking only, never settlement.
func (o *Order) Price() decimal.Decimal {
	if o.SellAmount.Sign() == 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(o.BuyAmount, 0).DivRound(decimal.NewFromBigInt(o.SellAmount, 0), 32)
}

// Expired reports whether the order's expiry has passed at the given time.
func (o *Order) Expired(now time.Time) bool {
	return !now.Before(o.Expiry)
}

// Leg identifies one side of a token pair: a token on a specific chain.
type Leg struct {
	Chain uint64
	Token common.Address
}

func (l Leg) String() string {
	return fmt.Sprintf("%d:%s", l.Chain, strings.ToLower(l.Token.Hex()))
}

// SellLeg is the leg the maker gives up.
func (o *Order) SellLeg() Leg { return Leg{Chain: o.SourceChain, Token: o.SellToken} }

// BuyLeg is the leg the maker receives.
func (o *Order) BuyLeg() Leg { return Leg{Chain: o.TargetChain, Token: o.BuyToken} }

// PairKey returns a direction-independent identifier for the order's token
// pair, so both sides of the book share one key. Legs are ordered
// lexicographically to make the key canonical.
func (o *Order) PairKey() string {
	a, b := o.SellLeg().String(), o.BuyLeg().String()
	if a > b {
		a, b = b, a
	}
	return a + "/" + b
}

// SellsBase reports whether the order sells the canonical base leg of its
// pair. Base is the lexicographically smaller leg; the matcher treats
// base-sellers as the resting, price-setting side.
func (o *Order) SellsBase() bool {
	return o.SellLeg().String() <= o.BuyLeg().String()
}
