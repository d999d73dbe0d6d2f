package book_test

import (
	"math/big"
	"testing"

	"pgregory.net/rapid"

	"OptionLedger/internal/book"
)

// Property: a market buy consumes asks at non-decreasing prices and
// fills exactly the requested quantity, for any placement order.
func TestProperty_BuyFillsAscendThroughAsks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)

		n := rapid.IntRange(1, 6).Draw(rt, "orders")
		total := int64(0)
		for i := 0; i < n; i++ {
			price := int64(rapid.IntRange(100, 900).Draw(rt, "price"))
			qty := int64(rapid.IntRange(1, 15).Draw(rt, "qty"))
			maker := writerA
			if i%2 == 1 {
				maker = writerB
			}
			if _, err := f.book.PlaceOrder(maker, f.id, price18(price), scaled(qty, 18), book.Sell); err != nil {
				rt.Fatalf("place sell: %v", err)
			}
			total += qty
		}

		take := int64(rapid.IntRange(1, int(total)).Draw(rt, "take"))
		f.fundQuote(takerC, 900*total)

		s, err := f.book.MarketOrder(takerC, f.id, scaled(take, 18), book.Buy)
		if err != nil {
			rt.Fatalf("market order: %v", err)
		}

		filled := new(big.Int)
		var prev *big.Int
		for _, fill := range s.Fills {
			if prev != nil && fill.Price.Cmp(prev) < 0 {
				rt.Fatalf("fill price decreased: %s after %s", fill.Price, prev)
			}
			prev = fill.Price
			filled.Add(filled, fill.Quantity)
		}
		if filled.Cmp(scaled(take, 18)) != 0 {
			rt.Fatalf("filled %s, requested %s", filled, scaled(take, 18))
		}
	})
}
