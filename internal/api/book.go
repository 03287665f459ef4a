package api

import (
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"swapd/internal/order"
)

// buildSnapshot aggregates one pair's open orders into price levels.
// Orders selling the canonical base leg are asks; counter-direction orders
// are bids, with quantity converted to base units at their own limit
// price so both sides of the book share a denomination.
func buildSnapshot(pair string, open []*order.Order) BookSnapshot {
	type level struct {
		price decimal.Decimal
		qty   *big.Int
	}
	askLevels := map[string]*level{}
	bidLevels := map[string]*level{}

	for _, o := range open {
		rem := o.Remaining()
		if rem.Sign() <= 0 {
			continue
		}
		if o.SellsBase() {
			price := o.Price()
			key := price.String()
			l, ok := askLevels[key]
			if !ok {
				l = &level{price: price, qty: new(big.Int)}
				askLevels[key] = l
			}
			l.qty.Add(l.qty, rem)
		} else {
			// Bid price per base unit is the inverse of this order's own
			// sell-side price; quantity is its base-unit capacity.
			if o.BuyAmount.Sign() == 0 {
				continue
			}
			price := decimal.NewFromBigInt(o.SellAmount, 0).
				DivRound(decimal.NewFromBigInt(o.BuyAmount, 0), 32)
			capacity := new(big.Int).Mul(rem, o.BuyAmount)
			capacity.Div(capacity, o.SellAmount)
			if capacity.Sign() <= 0 {
				continue
			}
			key := price.String()
			l, ok := bidLevels[key]
			if !ok {
				l = &level{price: price, qty: new(big.Int)}
				bidLevels[key] = l
			}
			l.qty.Add(l.qty, capacity)
		}
	}

	collect := func(levels map[string]*level, desc bool) []LevelSnapshot {
		ls := make([]*level, 0, len(levels))
		for _, l := range levels {
			ls = append(ls, l)
		}
		sort.Slice(ls, func(i, j int) bool {
			if desc {
				return ls[i].price.GreaterThan(ls[j].price)
			}
			return ls[i].price.LessThan(ls[j].price)
		})
		out := make([]LevelSnapshot, len(ls))
		for i, l := range ls {
			out[i] = LevelSnapshot{Price: l.price.String(), Quantity: l.qty.String()}
		}
		return out
	}

	return BookSnapshot{
		Pair: pair,
		Bids: collect(bidLevels, true),
		Asks: collect(askLevels, false),
	}
}
