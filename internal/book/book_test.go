package book_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"OptionLedger/internal/book"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/token"
	"OptionLedger/internal/types"
)

const (
	testNow    = uint64(1_700_000_000)
	testExpiry = uint64(2_000_000_000)
)

var (
	ledgerAddr     = types.RepeatByteAddress(0x01)
	bookAddr       = types.RepeatByteAddress(0x02)
	underlyingAddr = types.RepeatByteAddress(0x11)
	quoteAddr      = types.RepeatByteAddress(0x22)

	writerA = types.RepeatByteAddress(0xA1)
	writerB = types.RepeatByteAddress(0xA2)
	takerC  = types.RepeatByteAddress(0xC1)
)

func scaled(raw int64, exp int64) *big.Int {
	p := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
	return new(big.Int).Mul(big.NewInt(raw), p)
}

// price18 returns a quote price of `units` whole quote tokens per
// option, in 18-decimal fixed point.
func price18(units int64) *big.Int {
	return scaled(units, 18)
}

type fixture struct {
	registry   *instrument.Registry
	ledger     *ledger.Ledger
	book       *book.Book
	underlying *token.Mock
	quote      *token.Mock
	id         types.InstrumentID
}

// newFixture builds a market where writerA and writerB have each
// written 100 options (8-decimal underlying, so 100e8 raw) and
// approved the book as operator.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		registry:   instrument.NewRegistry(),
		underlying: token.NewMock(),
		quote:      token.NewMock(),
	}
	tokens := token.NewRegistry()
	tokens.Register(underlyingAddr, f.underlying)
	tokens.Register(quoteAddr, f.quote)

	f.ledger = ledger.New(f.registry, tokens, ledgerAddr, func() uint64 { return testNow })
	f.book = book.New(f.registry, f.ledger, tokens, bookAddr)

	uAsset := ledger.Asset{Address: underlyingAddr, Decimals: 8}
	qAsset := ledger.Asset{Address: quoteAddr, Decimals: 6}
	strike := scaled(60_000, 18)

	for _, w := range []types.Address{writerA, writerB} {
		raw := scaled(100, 8) // 100 options on an 8-decimal underlying
		f.underlying.Mint(w, raw)
		f.underlying.Approve(w, ledgerAddr, raw)
		id, err := f.ledger.WriteOption(w, strike, testExpiry, raw, uAsset, qAsset, instrument.Call)
		if err != nil {
			t.Fatalf("write option for %s: %v", w, err)
		}
		f.id = id
		if err := f.ledger.SetApprovalForAll(w, bookAddr, true); err != nil {
			t.Fatalf("approve book: %v", err)
		}
	}
	if err := f.ledger.SetApprovalForAll(takerC, bookAddr, true); err != nil {
		t.Fatalf("approve book for taker: %v", err)
	}
	return f
}

func (f *fixture) fundQuote(addr types.Address, units int64) {
	amount := scaled(units, 6)
	f.quote.Mint(addr, amount)
	f.quote.Approve(addr, bookAddr, amount)
}

func (f *fixture) placeSell(t *testing.T, maker types.Address, priceUnits, qtyOptions int64) uuid.UUID {
	t.Helper()
	id, err := f.book.PlaceOrder(maker, f.id, price18(priceUnits), scaled(qtyOptions, 18), book.Sell)
	if err != nil {
		t.Fatalf("place sell: %v", err)
	}
	return id
}

func (f *fixture) placeBuy(t *testing.T, maker types.Address, priceUnits, qtyOptions int64) uuid.UUID {
	t.Helper()
	id, err := f.book.PlaceOrder(maker, f.id, price18(priceUnits), scaled(qtyOptions, 18), book.Buy)
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	return id
}

func quoteUnits(t *testing.T, tok *token.Mock, addr types.Address) int64 {
	t.Helper()
	b, _ := tok.BalanceOf(addr)
	return new(big.Int).Quo(b, scaled(1, 6)).Int64()
}

func TestPlaceOrder_SellEscrowsOptionBalance(t *testing.T) {
	f := newFixture(t)

	f.placeSell(t, writerA, 500, 40)

	if got := f.ledger.BalanceOf(bookAddr, f.id); got.Cmp(scaled(40, 18)) != 0 {
		t.Errorf("book escrow: got %s, want %s", got, scaled(40, 18))
	}
	if got := f.ledger.BalanceOf(writerA, f.id); got.Cmp(scaled(60, 18)) != 0 {
		t.Errorf("maker balance: got %s, want %s", got, scaled(60, 18))
	}
	if got := f.book.Depth(f.id, book.Sell); got.Cmp(scaled(40, 18)) != 0 {
		t.Errorf("ask depth: got %s, want %s", got, scaled(40, 18))
	}
}

func TestPlaceOrder_BuyEscrowsQuote(t *testing.T) {
	f := newFixture(t)
	f.fundQuote(takerC, 20_000)

	// 40 options at 500 each: 20,000 quote escrowed.
	id, err := f.book.PlaceOrder(takerC, f.id, price18(500), scaled(40, 18), book.Buy)
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("nil order id")
	}
	if got := quoteUnits(t, f.quote, bookAddr); got != 20_000 {
		t.Errorf("book quote escrow: got %d, want 20000", got)
	}
	if got := quoteUnits(t, f.quote, takerC); got != 0 {
		t.Errorf("maker quote: got %d, want 0", got)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.book.PlaceOrder(writerA, f.id, price18(500), big.NewInt(0), book.Sell)
	if !errors.Is(err, book.ErrZeroQuantity) {
		t.Errorf("zero quantity: got %v", err)
	}
	_, err = f.book.PlaceOrder(writerA, f.id, big.NewInt(0), scaled(1, 18), book.Sell)
	if !errors.Is(err, book.ErrZeroPrice) {
		t.Errorf("zero price: got %v", err)
	}
	_, err = f.book.PlaceOrder(writerA, types.InstrumentID{0xFF}, price18(500), scaled(1, 18), book.Sell)
	if !errors.Is(err, instrument.ErrNotFound) {
		t.Errorf("unknown instrument: got %v", err)
	}
	// Escrow failure: more options than the maker holds.
	_, err = f.book.PlaceOrder(writerA, f.id, price18(500), scaled(200, 18), book.Sell)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("oversized sell: got %v", err)
	}
}

func TestCancelOrder_ReturnsEscrow(t *testing.T) {
	f := newFixture(t)

	sellID := f.placeSell(t, writerA, 500, 40)

	// Only the maker may cancel.
	err := f.book.CancelOrder(writerB, sellID)
	if !errors.Is(err, book.ErrUnauthorized) {
		t.Fatalf("foreign cancel: got %v, want ErrUnauthorized", err)
	}

	if err := f.book.CancelOrder(writerA, sellID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.ledger.BalanceOf(writerA, f.id); got.Cmp(scaled(100, 18)) != 0 {
		t.Errorf("maker balance after cancel: got %s, want %s", got, scaled(100, 18))
	}
	if got := f.book.Depth(f.id, book.Sell); got.Sign() != 0 {
		t.Errorf("depth after cancel: got %s, want 0", got)
	}

	err = f.book.CancelOrder(writerA, sellID)
	if !errors.Is(err, book.ErrOrderNotFound) {
		t.Errorf("double cancel: got %v, want ErrOrderNotFound", err)
	}

	// Buy-side escrow round-trips too.
	f.fundQuote(takerC, 5_000)
	buyID := f.placeBuy(t, takerC, 500, 10)
	if err := f.book.CancelOrder(takerC, buyID); err != nil {
		t.Fatalf("cancel buy: %v", err)
	}
	if got := quoteUnits(t, f.quote, takerC); got != 5_000 {
		t.Errorf("quote after cancel: got %d, want 5000", got)
	}
}

func TestMarketOrder_BuyWalksAsksAtMakerPrices(t *testing.T) {
	f := newFixture(t)

	// Asks: 30 @ 400 (writerB), 40 @ 500 (writerA).
	f.placeSell(t, writerB, 400, 30)
	f.placeSell(t, writerA, 500, 40)

	// Take 50: 30 @ 400 + 20 @ 500 = 22,000 quote.
	f.fundQuote(takerC, 22_000)
	s, err := f.book.MarketOrder(takerC, f.id, scaled(50, 18), book.Buy)
	if err != nil {
		t.Fatalf("market order: %v", err)
	}

	if len(s.Fills) != 2 {
		t.Fatalf("fills: got %d, want 2", len(s.Fills))
	}
	if s.Fills[0].Maker != writerB || s.Fills[0].Price.Cmp(price18(400)) != 0 {
		t.Errorf("first fill should be writerB at 400, got %s at %s", s.Fills[0].Maker, s.Fills[0].Price)
	}
	if s.Fills[1].Maker != writerA || s.Fills[1].Quantity.Cmp(scaled(20, 18)) != 0 {
		t.Errorf("second fill should be 20 from writerA, got %s from %s", s.Fills[1].Quantity, s.Fills[1].Maker)
	}
	if got := quoteUnits(t, f.quote, takerC); got != 0 {
		t.Errorf("taker quote: got %d, want 0", got)
	}
	if got := quoteUnits(t, f.quote, writerB); got != 12_000 {
		t.Errorf("writerB premium: got %d, want 12000", got)
	}
	if got := quoteUnits(t, f.quote, writerA); got != 10_000 {
		t.Errorf("writerA premium: got %d, want 10000", got)
	}
	if got := f.ledger.BalanceOf(takerC, f.id); got.Cmp(scaled(50, 18)) != 0 {
		t.Errorf("taker options: got %s, want %s", got, scaled(50, 18))
	}

	// writerA's order shrank in place and stays open.
	if got := f.book.Depth(f.id, book.Sell); got.Cmp(scaled(20, 18)) != 0 {
		t.Errorf("remaining ask depth: got %s, want %s", got, scaled(20, 18))
	}
}

func TestMarketOrder_PriceTimePriority(t *testing.T) {
	f := newFixture(t)

	// Same price level: writerA rested first.
	firstID := f.placeSell(t, writerA, 500, 10)
	f.placeSell(t, writerB, 500, 10)

	f.fundQuote(takerC, 5_000)
	s, err := f.book.MarketOrder(takerC, f.id, scaled(10, 18), book.Buy)
	if err != nil {
		t.Fatalf("market order: %v", err)
	}
	if len(s.Fills) != 1 || s.Fills[0].Maker != writerA {
		t.Fatalf("oldest order at the level should fill first, got %+v", s.Fills)
	}
	if s.Fills[0].OrderID != firstID {
		t.Errorf("filled order %s, want %s", s.Fills[0].OrderID, firstID)
	}
}

func TestMarketOrder_BetterPriceBeatsOlderOrder(t *testing.T) {
	f := newFixture(t)

	// Older but worse-priced ask loses to a newer better-priced one.
	f.placeSell(t, writerA, 500, 10)
	f.placeSell(t, writerB, 450, 10)

	f.fundQuote(takerC, 4_500)
	s, err := f.book.MarketOrder(takerC, f.id, scaled(10, 18), book.Buy)
	if err != nil {
		t.Fatalf("market order: %v", err)
	}
	if len(s.Fills) != 1 || s.Fills[0].Maker != writerB {
		t.Fatalf("better-priced order should fill first, got %+v", s.Fills)
	}
}

func TestMarketOrder_SellWalksBidsDescending(t *testing.T) {
	f := newFixture(t)

	// Bids from takerC: 10 @ 500, 10 @ 450.
	f.fundQuote(takerC, 9_500)
	f.placeBuy(t, takerC, 500, 10)
	f.placeBuy(t, takerC, 450, 10)

	// writerA sells 15 into the bids: 10 @ 500 + 5 @ 450 = 7,250.
	s, err := f.book.MarketOrder(writerA, f.id, scaled(15, 18), book.Sell)
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}
	if len(s.Fills) != 2 {
		t.Fatalf("fills: got %d, want 2", len(s.Fills))
	}
	if s.Fills[0].Price.Cmp(price18(500)) != 0 {
		t.Errorf("first fill price: got %s, want 500", s.Fills[0].Price)
	}
	if got := quoteUnits(t, f.quote, writerA); got != 7_250 {
		t.Errorf("seller premium: got %d, want 7250", got)
	}
	if got := f.ledger.BalanceOf(takerC, f.id); got.Cmp(scaled(15, 18)) != 0 {
		t.Errorf("bidder options: got %s, want %s", got, scaled(15, 18))
	}
	// 5 remaining on the 450 bid.
	if got := f.book.Depth(f.id, book.Buy); got.Cmp(scaled(5, 18)) != 0 {
		t.Errorf("bid depth: got %s, want %s", got, scaled(5, 18))
	}
}

func TestMarketOrder_AllOrNothing(t *testing.T) {
	f := newFixture(t)

	f.placeSell(t, writerA, 500, 40)
	f.fundQuote(takerC, 100_000)

	takerQuoteBefore, _ := f.quote.BalanceOf(takerC)
	escrowBefore := f.ledger.BalanceOf(bookAddr, f.id)
	depthBefore := f.book.Depth(f.id, book.Sell)

	_, err := f.book.MarketOrder(takerC, f.id, scaled(41, 18), book.Buy)
	if !errors.Is(err, book.ErrInsufficientLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientLiquidity", err)
	}

	takerQuoteAfter, _ := f.quote.BalanceOf(takerC)
	if takerQuoteBefore.Cmp(takerQuoteAfter) != 0 {
		t.Errorf("taker quote changed: %s -> %s", takerQuoteBefore, takerQuoteAfter)
	}
	if got := f.ledger.BalanceOf(bookAddr, f.id); got.Cmp(escrowBefore) != 0 {
		t.Errorf("escrow changed: %s -> %s", escrowBefore, got)
	}
	if got := f.book.Depth(f.id, book.Sell); got.Cmp(depthBefore) != 0 {
		t.Errorf("depth changed: %s -> %s", depthBefore, got)
	}
}

func TestMarketOrder_FailedTakerPullLeavesBookUntouched(t *testing.T) {
	f := newFixture(t)
	f.placeSell(t, writerA, 500, 40)

	// Taker has no quote funding at all.
	depthBefore := f.book.Depth(f.id, book.Sell)
	_, err := f.book.MarketOrder(takerC, f.id, scaled(10, 18), book.Buy)
	if !errors.Is(err, token.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if got := f.book.Depth(f.id, book.Sell); got.Cmp(depthBefore) != 0 {
		t.Errorf("depth changed on failed pull: %s -> %s", depthBefore, got)
	}
}

func TestMarketOrder_ConservationAcrossMatch(t *testing.T) {
	f := newFixture(t)

	f.placeSell(t, writerA, 500, 40)
	f.placeSell(t, writerB, 450, 25)
	f.fundQuote(takerC, 100_000)

	supplyBefore := f.ledger.TotalSupply(f.id)
	if _, err := f.book.MarketOrder(takerC, f.id, scaled(60, 18), book.Buy); err != nil {
		t.Fatalf("market order: %v", err)
	}

	// Matching transfers but never mints or burns.
	if got := f.ledger.TotalSupply(f.id); got.Cmp(supplyBefore) != 0 {
		t.Errorf("supply changed: %s -> %s", supplyBefore, got)
	}

	sum := new(big.Int)
	for _, a := range []types.Address{writerA, writerB, takerC, bookAddr, ledgerAddr} {
		sum.Add(sum, f.ledger.BalanceOf(a, f.id))
	}
	if sum.Cmp(supplyBefore) != 0 {
		t.Errorf("sum of balances %s != supply %s", sum, supplyBefore)
	}
}
