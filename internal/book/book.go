// Package book implements the per-instrument central limit order book
// with price-time priority and all-or-nothing market orders.
//
// Escrow is taken in full at placement: sell makers lock option balance
// with the ledger, buy makers lock quote tokens. A market order either
// fills completely at the resting makers' prices or leaves every
// balance and the book untouched.
package book

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"

	"OptionLedger/internal/fixedmath"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/token"
	"OptionLedger/internal/types"
)

var (
	ErrZeroQuantity          = errors.New("order quantity must be positive")
	ErrZeroPrice             = errors.New("order price must be positive")
	ErrOrderNotFound         = errors.New("order not found")
	ErrUnauthorized          = errors.New("only the maker may cancel")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity for all-or-nothing fill")
)

// Side of an order.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// SideFromByte converts a wire byte to a Side (0=buy, 1=sell).
func SideFromByte(b uint8) (Side, error) {
	switch b {
	case 0:
		return Buy, nil
	case 1:
		return Sell, nil
	default:
		return 0, fmt.Errorf("invalid order side: %d", b)
	}
}

// Order is a resting limit order. Price is quote per whole option in
// 18-decimal fixed point; Remaining is 18-decimal option quantity.
type Order struct {
	ID         uuid.UUID
	Maker      types.Address
	Instrument types.InstrumentID
	Side       Side
	Price      *big.Int
	Remaining  *big.Int
	Seq        uint64

	// quoteEscrow is the raw quote amount still locked for a buy
	// order; nil for sells.
	quoteEscrow *big.Int
}

// Fill records one maker consumed by a market order.
type Fill struct {
	ID       uuid.UUID
	OrderID  uuid.UUID
	Maker    types.Address
	Taker    types.Address
	Price    *big.Int // maker's price, 18-decimal
	Quantity *big.Int // 18-decimal option quantity
	Premium  *big.Int // raw quote units paid for this fill
}

// Settlement summarizes a completed market order.
type Settlement struct {
	Instrument   types.InstrumentID
	Taker        types.Address
	Side         Side
	Quantity     *big.Int
	TotalPremium *big.Int // raw quote units
	Fills        []Fill
}

type priceLevel struct {
	price *big.Int
	queue []*Order // FIFO, oldest first
}

type bookSide struct {
	bids   bool
	levels []*priceLevel // best price first
}

// insertIndex returns where price sorts in the level order, with
// asks ascending and bids descending.
func (s *bookSide) insertIndex(price *big.Int) int {
	return sort.Search(len(s.levels), func(i int) bool {
		c := s.levels[i].price.Cmp(price)
		if s.bids {
			return c <= 0
		}
		return c >= 0
	})
}

func (s *bookSide) insert(o *Order) {
	i := s.insertIndex(o.Price)
	if i < len(s.levels) && s.levels[i].price.Cmp(o.Price) == 0 {
		s.levels[i].queue = append(s.levels[i].queue, o)
		return
	}
	lvl := &priceLevel{price: new(big.Int).Set(o.Price), queue: []*Order{o}}
	s.levels = append(s.levels, nil)
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = lvl
}

func (s *bookSide) remove(o *Order) {
	i := s.insertIndex(o.Price)
	if i >= len(s.levels) || s.levels[i].price.Cmp(o.Price) != 0 {
		return
	}
	lvl := s.levels[i]
	for j, q := range lvl.queue {
		if q.ID == o.ID {
			lvl.queue = append(lvl.queue[:j], lvl.queue[j+1:]...)
			break
		}
	}
	if len(lvl.queue) == 0 {
		s.levels = append(s.levels[:i], s.levels[i+1:]...)
	}
}

func (s *bookSide) available() *big.Int {
	total := new(big.Int)
	for _, lvl := range s.levels {
		for _, o := range lvl.queue {
			total.Add(total, o.Remaining)
		}
	}
	return total
}

type instBook struct {
	bids bookSide
	asks bookSide
}

// Book owns all open orders and their escrow. Not safe for concurrent
// use; callers serialize through the engine.
type Book struct {
	registry *instrument.Registry
	ledger   *ledger.Ledger
	tokens   *token.Registry
	self     types.Address // escrow custody account
	nextSeq  uint64

	orders map[uuid.UUID]*Order
	books  map[types.InstrumentID]*instBook
}

func New(registry *instrument.Registry, l *ledger.Ledger, tokens *token.Registry, self types.Address) *Book {
	return &Book{
		registry: registry,
		ledger:   l,
		tokens:   tokens,
		self:     self,
		orders:   make(map[uuid.UUID]*Order),
		books:    make(map[types.InstrumentID]*instBook),
	}
}

// Self returns the book's escrow custody address.
func (b *Book) Self() types.Address {
	return b.self
}

func (b *Book) book(id types.InstrumentID) *instBook {
	ib, ok := b.books[id]
	if !ok {
		ib = &instBook{bids: bookSide{bids: true}, asks: bookSide{}}
		b.books[id] = ib
	}
	return ib
}

// PlaceOrder escrows the maker's tokens in full and rests the order at
// the tail of its price level. The maker must have approved the book:
// as an operator with the ledger for sells, on the quote token for buys.
func (b *Book) PlaceOrder(maker types.Address, id types.InstrumentID, price, quantity *big.Int, side Side) (uuid.UUID, error) {
	if quantity == nil || quantity.Sign() <= 0 {
		return uuid.Nil, ErrZeroQuantity
	}
	if price == nil || price.Sign() <= 0 {
		return uuid.Nil, ErrZeroPrice
	}
	inst, err := b.registry.Get(id)
	if err != nil {
		return uuid.Nil, err
	}

	o := &Order{
		ID:         uuid.New(),
		Maker:      maker,
		Instrument: id,
		Side:       side,
		Price:      new(big.Int).Set(price),
		Remaining:  new(big.Int).Set(quantity),
	}

	// Escrow first: the one external effect happens before any book
	// mutation, so a failed pull leaves nothing behind.
	switch side {
	case Sell:
		if err := b.ledger.TransferBalance(b.self, maker, b.self, id, quantity); err != nil {
			return uuid.Nil, err
		}
	case Buy:
		cost18, err := fixedmath.MulDivFloor(price, quantity, fixedmath.One18)
		if err != nil {
			return uuid.Nil, err
		}
		costRaw, err := fixedmath.Denormalize(cost18, inst.QuoteDecimals)
		if err != nil {
			return uuid.Nil, err
		}
		quoteTok, err := b.tokens.Lookup(inst.Quote)
		if err != nil {
			return uuid.Nil, err
		}
		if err := token.SafeTransferFrom(quoteTok, b.self, maker, b.self, costRaw); err != nil {
			return uuid.Nil, err
		}
		o.quoteEscrow = costRaw
	}

	b.nextSeq++
	o.Seq = b.nextSeq

	ib := b.book(id)
	if side == Buy {
		ib.bids.insert(o)
	} else {
		ib.asks.insert(o)
	}
	b.orders[o.ID] = o
	return o.ID, nil
}

// CancelOrder removes the order and returns the full remaining escrow
// to the maker. Only the maker may cancel.
func (b *Book) CancelOrder(caller types.Address, orderID uuid.UUID) error {
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if o.Maker != caller {
		return fmt.Errorf("%w: caller=%s maker=%s", ErrUnauthorized, caller, o.Maker)
	}

	switch o.Side {
	case Sell:
		if err := b.ledger.TransferBalance(b.self, b.self, o.Maker, o.Instrument, o.Remaining); err != nil {
			return err
		}
	case Buy:
		inst, err := b.registry.Get(o.Instrument)
		if err != nil {
			return err
		}
		quoteTok, err := b.tokens.Lookup(inst.Quote)
		if err != nil {
			return err
		}
		if o.quoteEscrow.Sign() > 0 {
			if err := token.SafeTransfer(quoteTok, b.self, o.Maker, o.quoteEscrow); err != nil {
				return err
			}
		}
	}

	ib := b.book(o.Instrument)
	if o.Side == Buy {
		ib.bids.remove(o)
	} else {
		ib.asks.remove(o)
	}
	delete(b.orders, orderID)
	return nil
}

// OpenOrder returns a copy of a resting order.
func (b *Book) OpenOrder(orderID uuid.UUID) (Order, error) {
	o, ok := b.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	cp := *o
	cp.Price = new(big.Int).Set(o.Price)
	cp.Remaining = new(big.Int).Set(o.Remaining)
	cp.quoteEscrow = nil
	return cp, nil
}

// Depth returns the total open quantity on one side of an instrument.
func (b *Book) Depth(id types.InstrumentID, side Side) *big.Int {
	ib, ok := b.books[id]
	if !ok {
		return new(big.Int)
	}
	if side == Buy {
		return ib.bids.available()
	}
	return ib.asks.available()
}

// plannedFill is a (order, quantity, premium) triple computed before
// any state is touched.
type plannedFill struct {
	order      *Order
	quantity   *big.Int
	premiumRaw *big.Int
}

// MarketOrder fills quantity against the opposite side, walking levels
// outward from the best price and oldest-first within a level, each
// fill at the maker's price. All-or-nothing: insufficient total
// liquidity fails with no observable state change.
func (b *Book) MarketOrder(taker types.Address, id types.InstrumentID, quantity *big.Int, side Side) (*Settlement, error) {
	if quantity == nil || quantity.Sign() <= 0 {
		return nil, ErrZeroQuantity
	}
	inst, err := b.registry.Get(id)
	if err != nil {
		return nil, err
	}
	quoteTok, err := b.tokens.Lookup(inst.Quote)
	if err != nil {
		return nil, err
	}

	ib := b.book(id)
	opposite := &ib.asks
	if side == Sell {
		opposite = &ib.bids
	}

	available := opposite.available()
	if available.Cmp(quantity) < 0 {
		return nil, fmt.Errorf("%w: available=%s requested=%s", ErrInsufficientLiquidity, available, quantity)
	}

	// Plan the walk without touching state.
	plan, totalPremium, err := planFills(opposite, quantity, inst.QuoteDecimals)
	if err != nil {
		return nil, err
	}

	// Pull the taker's side in one external call before committing.
	// If it fails, nothing has changed.
	if side == Buy {
		if err := token.SafeTransferFrom(quoteTok, b.self, taker, b.self, totalPremium); err != nil {
			return nil, err
		}
	} else {
		if err := b.ledger.TransferBalance(b.self, taker, b.self, id, quantity); err != nil {
			return nil, err
		}
	}

	// Commit book state, then distribute. Distribution moves only
	// funds already in custody.
	settlement := &Settlement{
		Instrument:   id,
		Taker:        taker,
		Side:         side,
		Quantity:     new(big.Int).Set(quantity),
		TotalPremium: totalPremium,
	}

	for _, pf := range plan {
		o := pf.order
		consumed := o.Remaining.Cmp(pf.quantity) == 0

		o.Remaining = new(big.Int).Sub(o.Remaining, pf.quantity)

		var dust *big.Int
		if o.Side == Buy {
			o.quoteEscrow = new(big.Int).Sub(o.quoteEscrow, pf.premiumRaw)
			if consumed && o.quoteEscrow.Sign() > 0 {
				// Floor rounding on partial fills can strand quote
				// dust; it belongs to the maker.
				dust = o.quoteEscrow
				o.quoteEscrow = new(big.Int)
			}
		}
		if consumed {
			opposite.remove(o)
			delete(b.orders, o.ID)
		}

		if side == Buy {
			// Option tokens from book escrow to taker, premium to maker.
			if err := b.ledger.TransferBalance(b.self, b.self, taker, id, pf.quantity); err != nil {
				return nil, fmt.Errorf("settlement transfer: %w", err)
			}
			if err := token.SafeTransfer(quoteTok, b.self, o.Maker, pf.premiumRaw); err != nil {
				return nil, fmt.Errorf("settlement transfer: %w", err)
			}
		} else {
			// Option tokens to the maker, escrowed premium to taker.
			if err := b.ledger.TransferBalance(b.self, b.self, o.Maker, id, pf.quantity); err != nil {
				return nil, fmt.Errorf("settlement transfer: %w", err)
			}
			if pf.premiumRaw.Sign() > 0 {
				if err := token.SafeTransfer(quoteTok, b.self, taker, pf.premiumRaw); err != nil {
					return nil, fmt.Errorf("settlement transfer: %w", err)
				}
			}
			if dust != nil {
				if err := token.SafeTransfer(quoteTok, b.self, o.Maker, dust); err != nil {
					return nil, fmt.Errorf("settlement transfer: %w", err)
				}
			}
		}

		settlement.Fills = append(settlement.Fills, Fill{
			ID:       uuid.New(),
			OrderID:  o.ID,
			Maker:    o.Maker,
			Taker:    taker,
			Price:    new(big.Int).Set(o.Price),
			Quantity: new(big.Int).Set(pf.quantity),
			Premium:  new(big.Int).Set(pf.premiumRaw),
		})
	}

	return settlement, nil
}

// planFills walks the side best-first, FIFO within each level, and
// returns the fills needed to cover quantity plus the summed premium
// in raw quote units. Pure: no state is modified.
func planFills(side *bookSide, quantity *big.Int, quoteDecimals uint8) ([]plannedFill, *big.Int, error) {
	left := new(big.Int).Set(quantity)
	totalPremium := new(big.Int)
	var plan []plannedFill

	for _, lvl := range side.levels {
		if left.Sign() == 0 {
			break
		}
		for _, o := range lvl.queue {
			if left.Sign() == 0 {
				break
			}
			fill := new(big.Int).Set(o.Remaining)
			if fill.Cmp(left) > 0 {
				fill.Set(left)
			}

			premium18, err := fixedmath.MulDivFloor(o.Price, fill, fixedmath.One18)
			if err != nil {
				return nil, nil, err
			}
			premiumRaw, err := fixedmath.Denormalize(premium18, quoteDecimals)
			if err != nil {
				return nil, nil, err
			}
			// A buy maker's escrow bounds what its fills may release.
			if o.Side == Buy && premiumRaw.Cmp(o.quoteEscrow) > 0 {
				premiumRaw = new(big.Int).Set(o.quoteEscrow)
			}

			plan = append(plan, plannedFill{order: o, quantity: fill, premiumRaw: premiumRaw})
			totalPremium.Add(totalPremium, premiumRaw)
			left.Sub(left, fill)
		}
	}
	return plan, totalPremium, nil
}
