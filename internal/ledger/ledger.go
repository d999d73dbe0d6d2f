// Package ledger implements the collateral ledger: per-holder option
// balances, per-writer positions, operator approvals, and the atomic
// write/exercise/withdraw settlement paths.
//
// Every operation follows checks -> compute -> commit -> external call.
// The single external token call comes last; if it fails, the committed
// in-memory state is compensated so no partial effect survives.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"OptionLedger/internal/fixedmath"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/token"
	"OptionLedger/internal/types"
)

var (
	ErrZeroStrike           = errors.New("strike must be positive")
	ErrExpiryInPast         = errors.New("expiry must be strictly after current time")
	ErrZeroQuantity         = errors.New("quantity must be positive")
	ErrSameToken            = errors.New("underlying and quote token must differ")
	ErrOptionNotFound       = errors.New("option series not found")
	ErrExerciseAfterExpiry  = errors.New("cannot exercise after expiry")
	ErrWrongOptionType      = errors.New("wrong option type for this operation")
	ErrInsufficientBalance  = errors.New("insufficient option balance")
	ErrInsufficientPosition = errors.New("insufficient written position")
	ErrNotExpired           = errors.New("option has not expired yet")
	ErrUnauthorized         = errors.New("caller not owner or approved operator")
	ErrSelfApproval         = errors.New("cannot set approval for self")
)

// Asset pairs a token contract address with its native decimals.
type Asset struct {
	Address  types.Address
	Decimals uint8
}

// Position tracks what a writer has written against one series.
// Quantity is 18-decimal normalized; Collateral is 18-decimal in
// underlying units for calls and quote units for puts.
type Position struct {
	Quantity   *big.Int
	Collateral *big.Int
}

type holderKey struct {
	Owner types.Address
	ID    types.InstrumentID
}

type approvalKey struct {
	Owner    types.Address
	Operator types.Address
}

// Ledger owns balances, positions and approvals. Not safe for
// concurrent use; callers serialize through the engine.
type Ledger struct {
	registry *instrument.Registry
	tokens   *token.Registry
	self     types.Address // collateral custody account
	now      func() uint64

	balances  map[holderKey]*big.Int
	supply    map[types.InstrumentID]*big.Int
	positions map[holderKey]Position
	approvals map[approvalKey]bool
}

func New(registry *instrument.Registry, tokens *token.Registry, self types.Address, now func() uint64) *Ledger {
	return &Ledger{
		registry:  registry,
		tokens:    tokens,
		self:      self,
		now:       now,
		balances:  make(map[holderKey]*big.Int),
		supply:    make(map[types.InstrumentID]*big.Int),
		positions: make(map[holderKey]Position),
		approvals: make(map[approvalKey]bool),
	}
}

// Self returns the ledger's custody address.
func (l *Ledger) Self() types.Address {
	return l.self
}

// Registry returns the instrument registry the ledger writes through.
func (l *Ledger) Registry() *instrument.Registry {
	return l.registry
}

// WriteOption validates the series parameters, creates or extends the
// writer's position, mints option balance, and pulls collateral from
// the writer last. Returns the derived series id.
func (l *Ledger) WriteOption(
	writer types.Address,
	strike *big.Int,
	expiry uint64,
	quantity *big.Int,
	underlying, quote Asset,
	kind instrument.Kind,
) (types.InstrumentID, error) {
	if strike == nil || strike.Sign() <= 0 {
		return types.ZeroInstrumentID, ErrZeroStrike
	}
	if now := l.now(); expiry <= now {
		return types.ZeroInstrumentID, fmt.Errorf("%w: expiry=%d now=%d", ErrExpiryInPast, expiry, now)
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return types.ZeroInstrumentID, ErrZeroQuantity
	}
	if underlying.Address == quote.Address {
		return types.ZeroInstrumentID, ErrSameToken
	}

	if quote.Decimals > fixedmath.InternalDecimals {
		return types.ZeroInstrumentID, fmt.Errorf("%w: got %d", fixedmath.ErrInvalidDecimals, quote.Decimals)
	}
	qty18, err := fixedmath.Normalize(quantity, underlying.Decimals)
	if err != nil {
		return types.ZeroInstrumentID, err
	}

	// Collateral: 1:1 underlying for calls, strike value in quote for puts.
	var collateral18 *big.Int
	var collateralAsset Asset
	switch kind {
	case instrument.Call:
		collateral18 = new(big.Int).Set(qty18)
		collateralAsset = underlying
	case instrument.Put:
		collateral18, err = fixedmath.MulDivFloor(strike, qty18, fixedmath.One18)
		if err != nil {
			return types.ZeroInstrumentID, err
		}
		collateralAsset = quote
	default:
		return types.ZeroInstrumentID, instrument.ErrInvalidKind
	}

	pullAmount, err := fixedmath.Denormalize(collateral18, collateralAsset.Decimals)
	if err != nil {
		return types.ZeroInstrumentID, err
	}

	tok, err := l.tokens.Lookup(collateralAsset.Address)
	if err != nil {
		return types.ZeroInstrumentID, err
	}

	inst := instrument.Instrument{
		Underlying:         underlying.Address,
		Quote:              quote.Address,
		UnderlyingDecimals: underlying.Decimals,
		QuoteDecimals:      quote.Decimals,
		Strike:             new(big.Int).Set(strike),
		Expiry:             expiry,
		Kind:               kind,
	}
	id := instrument.DeriveID(inst)

	pos := l.position(writer, id)
	newQty, err := fixedmath.CheckedAdd(pos.Quantity, qty18)
	if err != nil {
		return types.ZeroInstrumentID, err
	}
	newCollateral, err := fixedmath.CheckedAdd(pos.Collateral, collateral18)
	if err != nil {
		return types.ZeroInstrumentID, err
	}

	// Commit internal state before the external pull. The registry
	// entry waits for the pull so a failed write registers nothing.
	l.positions[holderKey{writer, id}] = Position{Quantity: newQty, Collateral: newCollateral}
	l.mint(writer, id, qty18)

	if err := token.SafeTransferFrom(tok, l.self, writer, l.self, pullAmount); err != nil {
		// Compensate: the host's rollback boundary is the whole operation.
		l.burn(writer, id, qty18)
		l.positions[holderKey{writer, id}] = pos
		if pos.Quantity.Sign() == 0 {
			delete(l.positions, holderKey{writer, id})
		}
		return types.ZeroInstrumentID, err
	}

	l.registry.Store(id, inst)
	return id, nil
}

// Exercise burns quantity of the holder's balance against the series,
// reduces the position proportionally, and pays out the corresponding
// collateral. In the single-writer model the exercising holder is the
// writer of record, so the strike-payment counter-leg nets to zero and
// only the collateral leg moves.
func (l *Ledger) Exercise(holder types.Address, id types.InstrumentID, quantity *big.Int, kind instrument.Kind) error {
	inst, err := l.registry.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOptionNotFound, id)
	}
	if now := l.now(); now >= inst.Expiry {
		return fmt.Errorf("%w: expiry=%d now=%d", ErrExerciseAfterExpiry, inst.Expiry, now)
	}
	if inst.Kind != kind {
		return fmt.Errorf("%w: series is a %s", ErrWrongOptionType, inst.Kind)
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return ErrZeroQuantity
	}

	bal := l.balanceOf(holder, id)
	if bal.Cmp(quantity) < 0 {
		return fmt.Errorf("%w: have=%s need=%s", ErrInsufficientBalance, bal, quantity)
	}
	pos := l.position(holder, id)
	if pos.Quantity.Cmp(quantity) < 0 {
		return fmt.Errorf("%w: have=%s need=%s", ErrInsufficientPosition, pos.Quantity, quantity)
	}

	payout18, newPos, err := reduceProportionally(pos, quantity)
	if err != nil {
		return err
	}

	payoutAsset := l.collateralAsset(inst)
	payoutRaw, err := fixedmath.Denormalize(payout18, payoutAsset.Decimals)
	if err != nil {
		return err
	}
	tok, err := l.tokens.Lookup(payoutAsset.Address)
	if err != nil {
		return err
	}

	// Commit internal state, then pay out.
	l.burn(holder, id, quantity)
	l.setPosition(holder, id, newPos)

	if err := token.SafeTransfer(tok, l.self, holder, payoutRaw); err != nil {
		l.mint(holder, id, quantity)
		l.setPosition(holder, id, pos)
		return err
	}
	return nil
}

// WithdrawExpiredCollateral returns unexercised collateral to the
// writer once the series has expired.
func (l *Ledger) WithdrawExpiredCollateral(writer types.Address, id types.InstrumentID, quantity *big.Int) error {
	inst, err := l.registry.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOptionNotFound, id)
	}
	if now := l.now(); now < inst.Expiry {
		return fmt.Errorf("%w: expiry=%d now=%d", ErrNotExpired, inst.Expiry, now)
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return ErrZeroQuantity
	}

	pos := l.position(writer, id)
	if pos.Quantity.Cmp(quantity) < 0 {
		return fmt.Errorf("%w: have=%s need=%s", ErrInsufficientPosition, pos.Quantity, quantity)
	}

	refund18, newPos, err := reduceProportionally(pos, quantity)
	if err != nil {
		return err
	}

	refundAsset := l.collateralAsset(inst)
	refundRaw, err := fixedmath.Denormalize(refund18, refundAsset.Decimals)
	if err != nil {
		return err
	}
	tok, err := l.tokens.Lookup(refundAsset.Address)
	if err != nil {
		return err
	}

	l.setPosition(writer, id, newPos)

	if err := token.SafeTransfer(tok, l.self, writer, refundRaw); err != nil {
		l.setPosition(writer, id, pos)
		return err
	}
	return nil
}

// TransferBalance moves option balance between holders. The operator
// must be the sender or an approved operator for them. Purely internal,
// used by the order book for escrow and settlement.
func (l *Ledger) TransferBalance(operator, from, to types.Address, id types.InstrumentID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroQuantity
	}
	if !l.IsApprovedForAll(from, operator) {
		return fmt.Errorf("%w: operator=%s owner=%s", ErrUnauthorized, operator, from)
	}
	bal := l.balanceOf(from, id)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have=%s need=%s", ErrInsufficientBalance, bal, amount)
	}

	l.setBalance(from, id, new(big.Int).Sub(bal, amount))
	l.setBalance(to, id, new(big.Int).Add(l.balanceOf(to, id), amount))
	return nil
}

// SetApprovalForAll grants or revokes operator rights over all of the
// owner's balances.
func (l *Ledger) SetApprovalForAll(owner, operator types.Address, approved bool) error {
	if owner == operator {
		return ErrSelfApproval
	}
	if approved {
		l.approvals[approvalKey{owner, operator}] = true
	} else {
		delete(l.approvals, approvalKey{owner, operator})
	}
	return nil
}

// IsApprovedForAll reports operator authority. An address is always
// authorized for itself.
func (l *Ledger) IsApprovedForAll(owner, operator types.Address) bool {
	if owner == operator {
		return true
	}
	return l.approvals[approvalKey{owner, operator}]
}

// BalanceOf returns the holder's balance for a series.
func (l *Ledger) BalanceOf(holder types.Address, id types.InstrumentID) *big.Int {
	return new(big.Int).Set(l.balanceOf(holder, id))
}

// TotalSupply returns the outstanding balance across all holders.
func (l *Ledger) TotalSupply(id types.InstrumentID) *big.Int {
	if s, ok := l.supply[id]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// GetPosition returns the writer's position for a series. Absent
// positions read as zero.
func (l *Ledger) GetPosition(writer types.Address, id types.InstrumentID) Position {
	pos := l.position(writer, id)
	return Position{
		Quantity:   new(big.Int).Set(pos.Quantity),
		Collateral: new(big.Int).Set(pos.Collateral),
	}
}

// reduceProportionally removes delta from the position, scaling
// collateral by floor(collateral * delta / quantity). A full reduction
// zeroes both fields exactly.
func reduceProportionally(pos Position, delta *big.Int) (released *big.Int, remaining Position, err error) {
	if pos.Quantity.Cmp(delta) == 0 {
		return new(big.Int).Set(pos.Collateral), Position{Quantity: new(big.Int), Collateral: new(big.Int)}, nil
	}

	released, err = fixedmath.MulDivFloor(pos.Collateral, delta, pos.Quantity)
	if err != nil {
		return nil, Position{}, err
	}
	newQty := new(big.Int).Sub(pos.Quantity, delta)
	newCollateral := new(big.Int).Sub(pos.Collateral, released)
	return released, Position{Quantity: newQty, Collateral: newCollateral}, nil
}

func (l *Ledger) collateralAsset(inst instrument.Instrument) Asset {
	if inst.Kind == instrument.Call {
		return Asset{Address: inst.Underlying, Decimals: inst.UnderlyingDecimals}
	}
	return Asset{Address: inst.Quote, Decimals: inst.QuoteDecimals}
}

func (l *Ledger) balanceOf(owner types.Address, id types.InstrumentID) *big.Int {
	if b, ok := l.balances[holderKey{owner, id}]; ok {
		return b
	}
	return new(big.Int)
}

func (l *Ledger) setBalance(owner types.Address, id types.InstrumentID, v *big.Int) {
	key := holderKey{owner, id}
	if v.Sign() == 0 {
		delete(l.balances, key)
		return
	}
	l.balances[key] = v
}

func (l *Ledger) mint(to types.Address, id types.InstrumentID, amount *big.Int) {
	l.setBalance(to, id, new(big.Int).Add(l.balanceOf(to, id), amount))
	cur := new(big.Int)
	if s, ok := l.supply[id]; ok {
		cur = s
	}
	l.supply[id] = new(big.Int).Add(cur, amount)
}

func (l *Ledger) burn(from types.Address, id types.InstrumentID, amount *big.Int) {
	l.setBalance(from, id, new(big.Int).Sub(l.balanceOf(from, id), amount))
	l.supply[id] = new(big.Int).Sub(l.supply[id], amount)
	if l.supply[id].Sign() == 0 {
		delete(l.supply, id)
	}
}

func (l *Ledger) position(owner types.Address, id types.InstrumentID) Position {
	if p, ok := l.positions[holderKey{owner, id}]; ok {
		return p
	}
	return Position{Quantity: new(big.Int), Collateral: new(big.Int)}
}

func (l *Ledger) setPosition(owner types.Address, id types.InstrumentID, pos Position) {
	key := holderKey{owner, id}
	if pos.Quantity.Sign() == 0 && pos.Collateral.Sign() == 0 {
		delete(l.positions, key)
		return
	}
	l.positions[key] = pos
}
