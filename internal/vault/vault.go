// Package vault implements the assignment vault: writers pool
// collateral behind one option series, receive shares, and at expiry
// are assigned exercise proceeds strictly first-in-first-out.
//
// Assignment works over an append-only checkpoint log. Each deposit
// records its cumulative offset; a checkpoint is assigned exactly where
// its range [cumulative-amount, cumulative) overlaps [0, totalExercised).
package vault

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
	ErrAlreadyInitialized  = errors.New("vault already initialized")
	ErrNotInitialized      = errors.New("vault not initialized")
	ErrNotExpired          = errors.New("vault has not expired yet")
	ErrAlreadyExpired      = errors.New("vault has expired")
	ErrUnauthorizedCaller  = errors.New("caller is not the options ledger")
	ErrInsufficientBacking = errors.New("insufficient vault backing")
	ErrZeroAmount          = errors.New("amount must be positive")
)

// decimalsOffset is the fixed share-inflation-protection exponent: a
// 1000x multiplier between assets and shares, independent of any
// oracle. Hardcoded so it cannot be bypassed per-vault.
const decimalsOffset = 3

// Checkpoint is one deposit in the FIFO assignment log.
type Checkpoint struct {
	Writer     types.Address
	Amount     *big.Int // raw asset units remaining in this checkpoint
	Cumulative *big.Int // running total including this checkpoint
}

// ClaimResult reports what a writer received at claim time.
type ClaimResult struct {
	StrikePayment      *big.Int // raw quote units
	CollateralReturned *big.Int // raw asset units
	SharesBurned       *big.Int
}

// Vault pools collateral for one option series. Not safe for
// concurrent use; callers serialize through the engine.
type Vault struct {
	tokens   *token.Registry
	registry *instrument.Registry
	self     types.Address // vault's own custody account
	ledger   types.Address // the only caller allowed privileged ops
	now      func() uint64

	initialized  bool
	asset        types.Address
	instrumentID types.InstrumentID
	expiry       uint64

	checkpoints []*Checkpoint
	byWriter    map[types.Address][]int

	shares      map[types.Address]*big.Int
	totalShares *big.Int

	totalAssets        *big.Int
	totalExercised     *big.Int
	optionsOutstanding *big.Int
	expired            bool
}

func New(tokens *token.Registry, registry *instrument.Registry, self, ledgerAddr types.Address, now func() uint64) *Vault {
	return &Vault{
		tokens:             tokens,
		registry:           registry,
		self:               self,
		ledger:             ledgerAddr,
		now:                now,
		byWriter:           make(map[types.Address][]int),
		shares:             make(map[types.Address]*big.Int),
		totalShares:        new(big.Int),
		totalAssets:        new(big.Int),
		totalExercised:     new(big.Int),
		optionsOutstanding: new(big.Int),
	}
}

// Initialize binds the vault to its collateral asset and option
// series. One-time; re-initialization is rejected.
func (v *Vault) Initialize(asset types.Address, id types.InstrumentID, expiry uint64) error {
	if v.initialized {
		return ErrAlreadyInitialized
	}
	v.initialized = true
	v.asset = asset
	v.instrumentID = id
	v.expiry = expiry
	return nil
}

// Deposit pulls assets from the caller, mints shares to the receiver,
// and appends a FIFO checkpoint under the receiver.
func (v *Vault) Deposit(caller types.Address, assets *big.Int, receiver types.Address) (*big.Int, error) {
	if !v.initialized {
		return nil, ErrNotInitialized
	}
	if err := v.requireLive(); err != nil {
		return nil, err
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}

	minted := v.convertToShares(assets)

	newTotalAssets, err := fixedmath.CheckedAdd(v.totalAssets, assets)
	if err != nil {
		return nil, err
	}
	newTotalShares, err := fixedmath.CheckedAdd(v.totalShares, minted)
	if err != nil {
		return nil, err
	}
	cumulative, err := fixedmath.CheckedAdd(v.lastCumulative(), assets)
	if err != nil {
		return nil, err
	}

	assetTok, err := v.tokens.Lookup(v.asset)
	if err != nil {
		return nil, err
	}

	// Commit internal state, then pull.
	prevTotalAssets := v.totalAssets
	prevTotalShares := v.totalShares
	prevShares := v.shares[receiver]
	v.totalAssets = newTotalAssets
	v.totalShares = newTotalShares
	v.shares[receiver] = new(big.Int).Add(v.sharesOf(receiver), minted)
	v.checkpoints = append(v.checkpoints, &Checkpoint{
		Writer:     receiver,
		Amount:     new(big.Int).Set(assets),
		Cumulative: cumulative,
	})
	v.byWriter[receiver] = append(v.byWriter[receiver], len(v.checkpoints)-1)

	if err := token.SafeTransferFrom(assetTok, v.self, caller, v.self, assets); err != nil {
		v.totalAssets = prevTotalAssets
		v.totalShares = prevTotalShares
		if prevShares != nil {
			v.shares[receiver] = prevShares
		} else {
			delete(v.shares, receiver)
		}
		v.checkpoints = v.checkpoints[:len(v.checkpoints)-1]
		idxs := v.byWriter[receiver]
		if len(idxs) == 1 {
			delete(v.byWriter, receiver)
		} else {
			v.byWriter[receiver] = idxs[:len(idxs)-1]
		}
		return nil, err
	}

	return minted, nil
}

// ExerciseWithdraw settles an exercise against the pool: it pulls the
// strike value in quote tokens from the recipient into custody, where
// it waits for assigned writers to claim, and pays the collateral out.
// Privileged: only the options ledger may call it. Returns the strike
// payment collected.
func (v *Vault) ExerciseWithdraw(caller types.Address, assets *big.Int, recipient types.Address) (*big.Int, error) {
	if !v.initialized {
		return nil, ErrNotInitialized
	}
	if caller != v.ledger {
		return nil, fmt.Errorf("%w: expected=%s actual=%s", ErrUnauthorizedCaller, v.ledger, caller)
	}
	if err := v.requireLive(); err != nil {
		return nil, err
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if assets.Cmp(v.totalAssets) > 0 {
		return nil, fmt.Errorf("%w: have=%s need=%s", ErrInsufficientBacking, v.totalAssets, assets)
	}

	inst, err := v.registry.Get(v.instrumentID)
	if err != nil {
		return nil, err
	}
	strikePayment, err := v.strikeValue(inst, assets)
	if err != nil {
		return nil, err
	}
	assetTok, err := v.tokens.Lookup(v.asset)
	if err != nil {
		return nil, err
	}
	quoteTok, err := v.tokens.Lookup(inst.Quote)
	if err != nil {
		return nil, err
	}

	prevExercised := v.totalExercised
	prevAssets := v.totalAssets
	v.totalExercised = new(big.Int).Add(v.totalExercised, assets)
	v.totalAssets = new(big.Int).Sub(v.totalAssets, assets)

	if strikePayment.Sign() > 0 {
		if err := token.SafeTransferFrom(quoteTok, v.self, recipient, v.self, strikePayment); err != nil {
			v.totalExercised = prevExercised
			v.totalAssets = prevAssets
			return nil, err
		}
	}
	if err := token.SafeTransfer(assetTok, v.self, recipient, assets); err != nil {
		v.totalExercised = prevExercised
		v.totalAssets = prevAssets
		if strikePayment.Sign() > 0 {
			if backErr := token.SafeTransfer(quoteTok, v.self, recipient, strikePayment); backErr != nil {
				return nil, fmt.Errorf("payout failed (%v); strike refund failed: %w", err, backErr)
			}
		}
		return nil, err
	}
	return strikePayment, nil
}

// MarkExpired flips the vault to its terminal expired state. Anyone
// may call it once the expiry time has passed.
func (v *Vault) MarkExpired() error {
	if !v.initialized {
		return ErrNotInitialized
	}
	if now := v.now(); now < v.expiry {
		return fmt.Errorf("%w: expiry=%d now=%d", ErrNotExpired, v.expiry, now)
	}
	v.expired = true
	return nil
}

// Claim settles the calling writer after expiry: checkpoints assigned
// by the FIFO rule pay the strike value in quote tokens, unassigned
// collateral returns in the vault asset. All of the writer's shares
// are burned; a second claim yields nothing.
func (v *Vault) Claim(writer types.Address) (*ClaimResult, error) {
	if !v.initialized {
		return nil, ErrNotInitialized
	}
	if !v.expired {
		if now := v.now(); now < v.expiry {
			return nil, fmt.Errorf("%w: expiry=%d now=%d", ErrNotExpired, v.expiry, now)
		}
		v.expired = true
	}

	inst, err := v.registry.Get(v.instrumentID)
	if err != nil {
		return nil, err
	}

	assignedTotal := new(big.Int)
	unassignedTotal := new(big.Int)
	for _, idx := range v.byWriter[writer] {
		cp := v.checkpoints[idx]
		assigned := v.assignedPortion(cp)
		assignedTotal.Add(assignedTotal, assigned)
		unassignedTotal.Add(unassignedTotal, new(big.Int).Sub(cp.Amount, assigned))
	}

	strikePayment, err := v.strikeValue(inst, assignedTotal)
	if err != nil {
		return nil, err
	}

	burned := v.sharesOf(writer)
	result := &ClaimResult{
		StrikePayment:      strikePayment,
		CollateralReturned: unassignedTotal,
		SharesBurned:       new(big.Int).Set(burned),
	}

	// Resolve both tokens before touching state.
	var assetTok, quoteTok token.Token
	if unassignedTotal.Sign() > 0 {
		if assetTok, err = v.tokens.Lookup(v.asset); err != nil {
			return nil, err
		}
	}
	if strikePayment.Sign() > 0 {
		if quoteTok, err = v.tokens.Lookup(inst.Quote); err != nil {
			return nil, err
		}
	}

	// Commit: burn shares and retire the writer's checkpoints. Any
	// transfer failure restores the writer's full entitlement.
	prevTotalShares := v.totalShares
	prevTotalAssets := v.totalAssets
	prevShares := v.shares[writer]
	prevIdxs, hadIdxs := v.byWriter[writer]
	restore := func() {
		v.totalShares = prevTotalShares
		v.totalAssets = prevTotalAssets
		if prevShares != nil {
			v.shares[writer] = prevShares
		}
		if hadIdxs {
			v.byWriter[writer] = prevIdxs
		}
	}
	v.totalShares = new(big.Int).Sub(v.totalShares, burned)
	delete(v.shares, writer)
	delete(v.byWriter, writer)
	v.totalAssets = new(big.Int).Sub(v.totalAssets, unassignedTotal)

	if unassignedTotal.Sign() > 0 {
		if err := token.SafeTransfer(assetTok, v.self, writer, unassignedTotal); err != nil {
			restore()
			return nil, err
		}
	}
	if strikePayment.Sign() > 0 {
		if err := token.SafeTransfer(quoteTok, v.self, writer, strikePayment); err != nil {
			restore()
			if unassignedTotal.Sign() > 0 {
				if backErr := token.SafeTransfer(assetTok, writer, v.self, unassignedTotal); backErr != nil {
					return nil, fmt.Errorf("strike payment failed (%v); collateral refund failed: %w", err, backErr)
				}
			}
			return nil, err
		}
	}
	return result, nil
}

// BurnSharesWithOptions redeems collateral early, before expiry, when
// the writer simultaneously burns the matching option tokens with the
// ledger. Privileged: only the ledger may call it. The writer's newest
// unassigned checkpoints are trimmed last-in-first-out so the FIFO
// priority of everyone's earlier deposits is preserved.
func (v *Vault) BurnSharesWithOptions(caller types.Address, shares *big.Int, account types.Address) (*big.Int, error) {
	if !v.initialized {
		return nil, ErrNotInitialized
	}
	if caller != v.ledger {
		return nil, fmt.Errorf("%w: expected=%s actual=%s", ErrUnauthorizedCaller, v.ledger, caller)
	}
	if err := v.requireLive(); err != nil {
		return nil, err
	}
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	held := v.sharesOf(account)
	if held.Cmp(shares) < 0 {
		return nil, fmt.Errorf("%w: shares held=%s burn=%s", ErrInsufficientBacking, held, shares)
	}

	assets := v.convertToAssets(shares)
	if assets.Cmp(v.totalAssets) > 0 {
		return nil, fmt.Errorf("%w: assets=%s redeem=%s", ErrInsufficientBacking, v.totalAssets, assets)
	}

	// Remaining collateral must still cover every option outstanding.
	required, err := v.requiredBacking()
	if err != nil {
		return nil, err
	}
	left := new(big.Int).Sub(v.totalAssets, assets)
	if left.Cmp(required) < 0 {
		return nil, fmt.Errorf("%w: shares=%s outstanding=%s", ErrInsufficientBacking, shares, v.optionsOutstanding)
	}

	// Trim the account's checkpoints newest-first; only unassigned
	// collateral can leave. Planned before any mutation so a failed
	// payout reverts cleanly.
	steps, err := v.planTrim(account, assets)
	if err != nil {
		return nil, err
	}
	assetTok, err := v.tokens.Lookup(v.asset)
	if err != nil {
		return nil, err
	}

	prevTotalShares := v.totalShares
	prevTotalAssets := v.totalAssets
	v.applyTrim(steps)
	v.shares[account] = new(big.Int).Sub(held, shares)
	if v.shares[account].Sign() == 0 {
		delete(v.shares, account)
	}
	v.totalShares = new(big.Int).Sub(v.totalShares, shares)
	v.totalAssets = new(big.Int).Sub(v.totalAssets, assets)

	if err := token.SafeTransfer(assetTok, v.self, account, assets); err != nil {
		v.revertTrim(steps)
		v.shares[account] = held
		v.totalShares = prevTotalShares
		v.totalAssets = prevTotalAssets
		return nil, err
	}
	return assets, nil
}

// AddOptionsOutstanding records newly minted vault-backed options.
// Privileged: ledger only.
func (v *Vault) AddOptionsOutstanding(caller types.Address, quantity *big.Int) error {
	if caller != v.ledger {
		return fmt.Errorf("%w: expected=%s actual=%s", ErrUnauthorizedCaller, v.ledger, caller)
	}
	sum, err := fixedmath.CheckedAdd(v.optionsOutstanding, quantity)
	if err != nil {
		return err
	}
	v.optionsOutstanding = sum
	return nil
}

// SubOptionsOutstanding records burned vault-backed options.
// Privileged: ledger only.
func (v *Vault) SubOptionsOutstanding(caller types.Address, quantity *big.Int) error {
	if caller != v.ledger {
		return fmt.Errorf("%w: expected=%s actual=%s", ErrUnauthorizedCaller, v.ledger, caller)
	}
	diff, err := fixedmath.CheckedSub(v.optionsOutstanding, quantity)
	if err != nil {
		return err
	}
	v.optionsOutstanding = diff
	return nil
}

// --- views ---

func (v *Vault) Asset() types.Address         { return v.asset }
func (v *Vault) Expiry() uint64               { return v.expiry }
func (v *Vault) IsExpired() bool              { return v.expired }
func (v *Vault) CheckpointCount() int         { return len(v.checkpoints) }
func (v *Vault) TotalAssets() *big.Int        { return new(big.Int).Set(v.totalAssets) }
func (v *Vault) TotalExercised() *big.Int     { return new(big.Int).Set(v.totalExercised) }
func (v *Vault) TotalShares() *big.Int        { return new(big.Int).Set(v.totalShares) }
func (v *Vault) OptionsOutstanding() *big.Int { return new(big.Int).Set(v.optionsOutstanding) }

// SharesOf returns the receiver's share balance.
func (v *Vault) SharesOf(owner types.Address) *big.Int {
	return new(big.Int).Set(v.sharesOf(owner))
}

// GetCheckpoint returns the checkpoint at index.
func (v *Vault) GetCheckpoint(i int) (Checkpoint, bool) {
	if i < 0 || i >= len(v.checkpoints) {
		return Checkpoint{}, false
	}
	cp := v.checkpoints[i]
	return Checkpoint{
		Writer:     cp.Writer,
		Amount:     new(big.Int).Set(cp.Amount),
		Cumulative: new(big.Int).Set(cp.Cumulative),
	}, true
}

// WriterCheckpoints returns the checkpoint indices recorded for a
// writer, in deposit order.
func (v *Vault) WriterCheckpoints(writer types.Address) []int {
	out := make([]int, len(v.byWriter[writer]))
	copy(out, v.byWriter[writer])
	return out
}

// --- internals ---

func (v *Vault) requireLive() error {
	if v.expired {
		return fmt.Errorf("%w: expiry=%d", ErrAlreadyExpired, v.expiry)
	}
	if now := v.now(); now >= v.expiry {
		return fmt.Errorf("%w: expiry=%d now=%d", ErrAlreadyExpired, v.expiry, now)
	}
	return nil
}

func (v *Vault) sharesOf(owner types.Address) *big.Int {
	if s, ok := v.shares[owner]; ok {
		return s
	}
	return new(big.Int)
}

func (v *Vault) lastCumulative() *big.Int {
	if len(v.checkpoints) == 0 {
		return new(big.Int)
	}
	return v.checkpoints[len(v.checkpoints)-1].Cumulative
}

// convertToShares applies the fixed-offset conversion:
// assets * (totalShares + 10^offset) / (totalAssets + 1).
func (v *Vault) convertToShares(assets *big.Int) *big.Int {
	num := new(big.Int).Add(v.totalShares, fixedmath.Pow10(decimalsOffset))
	den := new(big.Int).Add(v.totalAssets, big.NewInt(1))
	out := new(big.Int).Mul(assets, num)
	return out.Quo(out, den)
}

// convertToAssets is the inverse conversion, flooring.
func (v *Vault) convertToAssets(shares *big.Int) *big.Int {
	num := new(big.Int).Add(v.totalAssets, big.NewInt(1))
	den := new(big.Int).Add(v.totalShares, fixedmath.Pow10(decimalsOffset))
	out := new(big.Int).Mul(shares, num)
	return out.Quo(out, den)
}

// assignedPortion computes how much of one checkpoint was consumed by
// exercise: the overlap of [cumulative-amount, cumulative) with
// [0, totalExercised).
func (v *Vault) assignedPortion(cp *Checkpoint) *big.Int {
	lo := new(big.Int).Sub(cp.Cumulative, cp.Amount)
	assigned := new(big.Int).Sub(v.totalExercised, lo)
	if assigned.Sign() < 0 {
		return new(big.Int)
	}
	if assigned.Cmp(cp.Amount) > 0 {
		return new(big.Int).Set(cp.Amount)
	}
	return assigned
}

// requiredBacking is the raw collateral needed to cover every option
// outstanding: the quantity itself for calls, its strike value for
// puts.
func (v *Vault) requiredBacking() (*big.Int, error) {
	if v.optionsOutstanding.Sign() == 0 {
		return new(big.Int), nil
	}
	inst, err := v.registry.Get(v.instrumentID)
	if err != nil {
		return nil, err
	}
	if inst.Kind == instrument.Call {
		return fixedmath.Denormalize(v.optionsOutstanding, inst.UnderlyingDecimals)
	}
	value18, err := fixedmath.MulDivFloor(v.optionsOutstanding, inst.Strike, fixedmath.One18)
	if err != nil {
		return nil, err
	}
	return fixedmath.Denormalize(value18, inst.QuoteDecimals)
}

// strikeValue converts an assigned collateral amount into its strike
// payment in raw quote units.
func (v *Vault) strikeValue(inst instrument.Instrument, assigned *big.Int) (*big.Int, error) {
	if assigned.Sign() == 0 {
		return new(big.Int), nil
	}
	assetDecimals := inst.UnderlyingDecimals
	if inst.Kind == instrument.Put {
		assetDecimals = inst.QuoteDecimals
	}
	assigned18, err := fixedmath.Normalize(assigned, assetDecimals)
	if err != nil {
		return nil, err
	}
	value18, err := fixedmath.MulDivFloor(assigned18, inst.Strike, fixedmath.One18)
	if err != nil {
		return nil, err
	}
	return fixedmath.Denormalize(value18, inst.QuoteDecimals)
}

// trimStep is one planned checkpoint reduction.
type trimStep struct {
	idx  int
	trim *big.Int
}

// planTrim computes how to remove `assets` of unassigned collateral
// from the account's checkpoints, newest first. Read-only; trimming a
// later checkpoint never changes an earlier one's assigned portion, so
// the plan computed against untouched state applies exactly.
func (v *Vault) planTrim(account types.Address, assets *big.Int) ([]trimStep, error) {
	remaining := new(big.Int).Set(assets)
	idxs := v.byWriter[account]

	var steps []trimStep
	for i := len(idxs) - 1; i >= 0 && remaining.Sign() > 0; i-- {
		cp := v.checkpoints[idxs[i]]
		assigned := v.assignedPortion(cp)
		trimmable := new(big.Int).Sub(cp.Amount, assigned)
		if trimmable.Sign() <= 0 {
			continue
		}
		trim := trimmable
		if trim.Cmp(remaining) > 0 {
			trim = remaining
		}
		steps = append(steps, trimStep{idx: idxs[i], trim: new(big.Int).Set(trim)})
		remaining = new(big.Int).Sub(remaining, trim)
	}

	if remaining.Sign() > 0 {
		return nil, fmt.Errorf("%w: unassigned collateral short by %s", ErrInsufficientBacking, remaining)
	}
	return steps, nil
}

// applyTrim executes a plan, shifting later checkpoints' cumulative
// offsets down so FIFO ranges stay contiguous.
func (v *Vault) applyTrim(steps []trimStep) {
	for _, s := range steps {
		cp := v.checkpoints[s.idx]
		cp.Amount = new(big.Int).Sub(cp.Amount, s.trim)
		for j := s.idx; j < len(v.checkpoints); j++ {
			v.checkpoints[j].Cumulative = new(big.Int).Sub(v.checkpoints[j].Cumulative, s.trim)
		}
	}
}

// revertTrim undoes an applied plan.
func (v *Vault) revertTrim(steps []trimStep) {
	for _, s := range steps {
		cp := v.checkpoints[s.idx]
		cp.Amount = new(big.Int).Add(cp.Amount, s.trim)
		for j := s.idx; j < len(v.checkpoints); j++ {
			v.checkpoints[j].Cumulative = new(big.Int).Add(v.checkpoints[j].Cumulative, s.trim)
		}
	}
}
