// Package match implements price-time priority matching over a snapshot of
// open orders for one token pair. The matcher is a pure function: no
// persistence, no network calls, deterministic over its input.
package match

import (
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"swapd/internal/order"
)

// Candidate is a proposed pairing produced by the matcher. Amount is in the
// sell order's sell-token base units; QuoteAmount is the buy order's
// sell-token equivalent at the execution price.
type Candidate struct {
	BuyOrder  *order.Order
	SellOrder *order.Order

	Amount      *big.Int
	QuoteAmount *big.Int
	// Price is the resting sell order's price: sell orders set the
	// execution price, favoring the earlier-priced maker.
	Price decimal.Decimal
}

// working tracks an order's unallocated liquidity within a single cycle so
// one snapshot never hands the same liquidity to two matches.
type working struct {
	o         *order.Order
	remaining *big.Int
	price     decimal.Decimal
}

// Match pairs compatible buy-side and sell-side orders from one pair's open
// orders, in price-time priority. Orders must arrive in creation order;
// sorting is stable so price ties keep that order.
func Match(open []*order.Order, now time.Time) []Candidate {
	var sells, buys []*working
	for _, o := range open {
		if !o.Status.Fillable() || o.Expired(now) {
			continue
		}
		rem := o.Remaining()
		if rem.Sign() <= 0 {
			continue
		}
		w := &working{o: o, remaining: rem}
		if o.SellsBase() {
			// Price quoted per base unit, as the maker demands.
			w.price = o.Price()
			sells = append(sells, w)
		} else {
			// The buyer's willingness per base unit is the inverse of
			// their own sell-side price.
			w.price = invPrice(o)
			buys = append(buys, w)
		}
	}

	// Most aggressive buyer first, cheapest seller first.
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].price.GreaterThan(buys[j].price) })
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].price.LessThan(sells[j].price) })

	var out []Candidate
	for _, buy := range buys {
		for _, sell := range sells {
			if buy.remaining.Sign() == 0 {
				break
			}
			if sell.remaining.Sign() == 0 {
				continue
			}
			if !compatible(buy, sell) {
				continue
			}

			amount, quote := allocation(buy, sell)
			if amount.Sign() <= 0 || quote.Sign() <= 0 {
				continue
			}

			buy.remaining.Sub(buy.remaining, quote)
			sell.remaining.Sub(sell.remaining, amount)

			out = append(out, Candidate{
				BuyOrder:    buy.o,
				SellOrder:   sell.o,
				Amount:      amount,
				QuoteAmount: quote,
				Price:       sell.o.Price(),
			})
		}
	}
	return out
}

// compatible applies the pairing rules: distinct orders, distinct makers,
// exact opposite token direction including mirrored chains, and a buyer
// willing to pay at least what the seller asks.
func compatible(buy, sell *working) bool {
	b, s := buy.o, sell.o
	if b.ID == s.ID || b.Maker == s.Maker {
		return false
	}
	if b.BuyToken != s.SellToken || b.SellToken != s.BuyToken {
		return false
	}
	if b.SourceChain != s.TargetChain || b.TargetChain != s.SourceChain {
		return false
	}
	return buy.price.GreaterThanOrEqual(sell.price)
}

// allocation computes the matched amount at the resting sell price using
// exact integer arithmetic. The buy order's capacity in base units is its
// remaining quote liquidity divided by the sell price; the quote leg is
// rounded up so the seller's limit price is honored.
func allocation(buy, sell *working) (amount, quote *big.Int) {
	ss, sb := sell.o.SellAmount, sell.o.BuyAmount

	// floor(buyRemaining * sellAmount / buyAmount) keeps quote <= buyRemaining.
	capacity := new(big.Int).Mul(buy.remaining, ss)
	capacity.Div(capacity, sb)

	amount = new(big.Int).Set(sell.remaining)
	if capacity.Cmp(amount) < 0 {
		amount.Set(capacity)
	}
	if amount.Sign() <= 0 {
		return amount, new(big.Int)
	}

	quote = new(big.Int).Mul(amount, sb)
	quote.Add(quote, new(big.Int).Sub(ss, big.NewInt(1)))
	quote.Div(quote, ss)
	return amount, quote
}

func invPrice(o *order.Order) decimal.Decimal {
	if o.BuyAmount.Sign() == 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(o.SellAmount, 0).DivRound(decimal.NewFromBigInt(o.BuyAmount, 0), 32)
}
