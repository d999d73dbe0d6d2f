// Package core hosts the engine: the single serialization point for
// every state-changing operation. Each applied operation is assigned a
// global sequence, folded into the state hash chain, and emitted as an
// envelope on the persist and publish channels.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"OptionLedger/internal/book"
	"OptionLedger/internal/event"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/token"
	"OptionLedger/internal/types"
	"OptionLedger/internal/vault"
)

// ErrDuplicateOp is returned when an operation id was already applied.
var ErrDuplicateOp = errors.New("duplicate operation")

// Output is one applied operation leaving the engine.
type Output struct {
	Envelope *event.Envelope
	Fills    []event.FillRecord
}

// Config wires the engine's collaborators.
type Config struct {
	Registry *instrument.Registry
	Tokens   *token.Registry

	// LedgerCustody and BookCustody are the internal accounts the
	// ledger and book hold funds under. They must differ.
	LedgerCustody types.Address
	BookCustody   types.Address

	// Clock supplies logical time in unix seconds. The engine never
	// reads the wall clock for state decisions.
	Clock func() uint64

	// StartSequence is the next global sequence to assign.
	StartSequence int64

	DedupCapacity int
	DedupDB       DBOpChecker

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	PersistChan chan<- Output
	PublishChan chan<- Output
}

// Engine serializes all operations against the instrument registry,
// collateral ledger, order book, and assignment vaults.
type Engine struct {
	mu sync.Mutex

	registry *instrument.Registry
	tokens   *token.Registry
	ledger   *ledger.Ledger
	book     *book.Book
	vaults   map[types.InstrumentID]*vault.Vault

	clock    func() uint64
	sequence int64
	hasher   *StateHasher
	dedup    *OpDeduper
	metrics  *observability.Metrics
	log      zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output
}

func NewEngine(cfg Config) *Engine {
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	l := ledger.New(cfg.Registry, cfg.Tokens, cfg.LedgerCustody, cfg.Clock)
	b := book.New(cfg.Registry, l, cfg.Tokens, cfg.BookCustody)

	return &Engine{
		registry:    cfg.Registry,
		tokens:      cfg.Tokens,
		ledger:      l,
		book:        b,
		vaults:      make(map[types.InstrumentID]*vault.Vault),
		clock:       cfg.Clock,
		sequence:    cfg.StartSequence,
		hasher:      NewStateHasher(),
		dedup:       NewOpDeduper(capacity, cfg.DedupDB),
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
	}
}

// Ledger exposes the collateral ledger for read-only queries.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Book exposes the order book for read-only queries.
func (e *Engine) Book() *book.Book { return e.book }

// Sequence returns the next global sequence to assign.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// Restore rewinds the engine to a persisted sequence and chain tip.
// Used on warm restart before replaying the component state.
func (e *Engine) Restore(sequence int64, stateHash [32]byte, dedupKeys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence = sequence
	e.hasher.SetPrevHash(stateHash)
	e.dedup.Warm(dedupKeys)
}

// WriteOption collateralizes and mints a new series position.
func (e *Engine) WriteOption(
	op uuid.UUID,
	writer types.Address,
	strike *big.Int,
	expiry uint64,
	quantity *big.Int,
	underlying, quote ledger.Asset,
	kind instrument.Kind,
) (types.InstrumentID, error) {
	var id types.InstrumentID
	err := e.apply("write_option", op, func() (event.Event, []event.FillRecord, error) {
		seriesBefore := e.registry.Count()
		var err error
		id, err = e.ledger.WriteOption(writer, strike, expiry, quantity, underlying, quote, kind)
		if err != nil {
			return nil, nil, err
		}
		if e.metrics != nil && e.registry.Count() > seriesBefore {
			e.metrics.SeriesRegistered.Inc()
		}
		pos := e.ledger.GetPosition(writer, id)
		return &event.OptionWritten{
			OpID:       op,
			Instrument: id.Hex(),
			Writer:     writer.Hex(),
			Quantity:   pos.Quantity.String(),
			Collateral: pos.Collateral.String(),
			Kind:       uint8(kind),
		}, nil, nil
	})
	return id, err
}

// Exercise settles part of a holder's position before expiry.
func (e *Engine) Exercise(op uuid.UUID, holder types.Address, id types.InstrumentID, quantity *big.Int, kind instrument.Kind) error {
	return e.apply("exercise", op, func() (event.Event, []event.FillRecord, error) {
		before := e.ledger.GetPosition(holder, id)
		if err := e.ledger.Exercise(holder, id, quantity, kind); err != nil {
			return nil, nil, err
		}
		after := e.ledger.GetPosition(holder, id)
		payout := new(big.Int).Sub(before.Collateral, after.Collateral)
		return &event.OptionExercised{
			OpID:       op,
			Instrument: id.Hex(),
			Holder:     holder.Hex(),
			Quantity:   quantity.String(),
			Payout:     payout.String(),
		}, nil, nil
	})
}

// WithdrawExpiredCollateral reclaims collateral after expiry.
func (e *Engine) WithdrawExpiredCollateral(op uuid.UUID, writer types.Address, id types.InstrumentID, quantity *big.Int) error {
	return e.apply("withdraw_expired", op, func() (event.Event, []event.FillRecord, error) {
		before := e.ledger.GetPosition(writer, id)
		if err := e.ledger.WithdrawExpiredCollateral(writer, id, quantity); err != nil {
			return nil, nil, err
		}
		after := e.ledger.GetPosition(writer, id)
		amount := new(big.Int).Sub(before.Collateral, after.Collateral)
		return &event.CollateralWithdrawn{
			OpID:       op,
			Instrument: id.Hex(),
			Writer:     writer.Hex(),
			Amount:     amount.String(),
		}, nil, nil
	})
}

// TransferBalance moves option balance between holders through an
// approved operator.
func (e *Engine) TransferBalance(op uuid.UUID, operator, from, to types.Address, id types.InstrumentID, amount *big.Int) error {
	return e.apply("transfer_balance", op, func() (event.Event, []event.FillRecord, error) {
		if err := e.ledger.TransferBalance(operator, from, to, id, amount); err != nil {
			return nil, nil, err
		}
		return &event.BalanceTransferred{
			OpID:       op,
			Instrument: id.Hex(),
			Operator:   operator.Hex(),
			From:       from.Hex(),
			To:         to.Hex(),
			Amount:     amount.String(),
		}, nil, nil
	})
}

// SetApprovalForAll grants or revokes an operator. Pure account state,
// not part of the event log.
func (e *Engine) SetApprovalForAll(owner, operator types.Address, approved bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.SetApprovalForAll(owner, operator, approved)
}

// PlaceOrder escrows and rests a limit order.
func (e *Engine) PlaceOrder(op uuid.UUID, maker types.Address, id types.InstrumentID, price, quantity *big.Int, side book.Side) (uuid.UUID, error) {
	var orderID uuid.UUID
	err := e.apply("place_order", op, func() (event.Event, []event.FillRecord, error) {
		var err error
		orderID, err = e.book.PlaceOrder(maker, id, price, quantity, side)
		if err != nil {
			return nil, nil, err
		}
		if e.metrics != nil {
			e.metrics.OrdersOpen.WithLabelValues(id.Hex(), side.String()).Inc()
		}
		return &event.OrderPlaced{
			OpID:       op,
			OrderID:    orderID,
			Instrument: id.Hex(),
			Maker:      maker.Hex(),
			Side:       uint8(side),
			Price:      price.String(),
			Quantity:   quantity.String(),
		}, nil, nil
	})
	return orderID, err
}

// CancelOrder removes a resting order and refunds its escrow.
func (e *Engine) CancelOrder(op uuid.UUID, caller types.Address, orderID uuid.UUID) error {
	return e.apply("cancel_order", op, func() (event.Event, []event.FillRecord, error) {
		o, err := e.book.OpenOrder(orderID)
		if err != nil {
			return nil, nil, err
		}
		if err := e.book.CancelOrder(caller, orderID); err != nil {
			return nil, nil, err
		}
		if e.metrics != nil {
			e.metrics.OrdersOpen.WithLabelValues(o.Instrument.Hex(), o.Side.String()).Dec()
		}
		return &event.OrderCancelled{
			OpID:       op,
			OrderID:    orderID,
			Instrument: o.Instrument.Hex(),
			Maker:      o.Maker.Hex(),
			Refunded:   o.Remaining.String(),
		}, nil, nil
	})
}

// MarketOrder executes an all-or-nothing market order against the book.
func (e *Engine) MarketOrder(op uuid.UUID, taker types.Address, id types.InstrumentID, quantity *big.Int, side book.Side) (*book.Settlement, error) {
	var settlement *book.Settlement
	err := e.apply("market_order", op, func() (event.Event, []event.FillRecord, error) {
		var err error
		settlement, err = e.book.MarketOrder(taker, id, quantity, side)
		if err != nil {
			return nil, nil, err
		}
		if e.metrics != nil {
			inst := id.Hex()
			e.metrics.FillsTotal.WithLabelValues(inst).Add(float64(len(settlement.Fills)))
			premium, _ := new(big.Float).SetInt(settlement.TotalPremium).Float64()
			e.metrics.PremiumVolume.WithLabelValues(inst).Add(premium)
			makerSide := book.Sell
			if side == book.Sell {
				makerSide = book.Buy
			}
			for _, f := range settlement.Fills {
				if _, err := e.book.OpenOrder(f.OrderID); err != nil {
					e.metrics.OrdersOpen.WithLabelValues(inst, makerSide.String()).Dec()
				}
			}
		}
		fills := make([]event.FillRecord, 0, len(settlement.Fills))
		for _, f := range settlement.Fills {
			fills = append(fills, event.FillRecord{
				FillID:   f.ID,
				OrderID:  f.OrderID,
				Maker:    f.Maker.Hex(),
				Price:    f.Price.String(),
				Quantity: f.Quantity.String(),
				Premium:  f.Premium.String(),
			})
		}
		return &event.MarketOrderFilled{
			OpID:         op,
			Instrument:   id.Hex(),
			Taker:        taker.Hex(),
			Side:         uint8(side),
			Quantity:     quantity.String(),
			TotalPremium: settlement.TotalPremium.String(),
			Fills:        fills,
		}, fills, nil
	})
	return settlement, err
}

// VaultDeposit pools collateral into the series vault, creating and
// initializing the vault on first use.
func (e *Engine) VaultDeposit(op uuid.UUID, writer types.Address, id types.InstrumentID, assets *big.Int) (*big.Int, error) {
	var shares *big.Int
	err := e.apply("vault_deposit", op, func() (event.Event, []event.FillRecord, error) {
		v, err := e.vaultFor(id)
		if err != nil {
			return nil, nil, err
		}
		shares, err = v.Deposit(writer, assets, writer)
		if err != nil {
			return nil, nil, err
		}
		e.recordVaultGauges(id, v)
		return &event.VaultDeposit{
			OpID:       op,
			Instrument: id.Hex(),
			Writer:     writer.Hex(),
			Assets:     assets.String(),
			Shares:     shares.String(),
		}, nil, nil
	})
	return shares, err
}

// VaultExerciseWithdraw settles an exercise against the pool: the
// recipient pays the strike value into vault custody and receives the
// collateral. The engine acts as the vault's authorized ledger.
func (e *Engine) VaultExerciseWithdraw(op uuid.UUID, id types.InstrumentID, assets *big.Int, recipient types.Address) error {
	return e.apply("vault_exercise_withdraw", op, func() (event.Event, []event.FillRecord, error) {
		v, err := e.vaultFor(id)
		if err != nil {
			return nil, nil, err
		}
		strikePaid, err := v.ExerciseWithdraw(e.ledger.Self(), assets, recipient)
		if err != nil {
			return nil, nil, err
		}
		e.recordVaultGauges(id, v)
		return &event.VaultExerciseWithdraw{
			OpID:       op,
			Instrument: id.Hex(),
			Recipient:  recipient.Hex(),
			Assets:     assets.String(),
			StrikePaid: strikePaid.String(),
		}, nil, nil
	})
}

// VaultBurnShares redeems a writer's unassigned collateral before
// expiry, subject to the vault's options-outstanding backing.
func (e *Engine) VaultBurnShares(op uuid.UUID, writer types.Address, id types.InstrumentID, shares *big.Int) (*big.Int, error) {
	var assets *big.Int
	err := e.apply("vault_burn_shares", op, func() (event.Event, []event.FillRecord, error) {
		v, err := e.vaultFor(id)
		if err != nil {
			return nil, nil, err
		}
		assets, err = v.BurnSharesWithOptions(e.ledger.Self(), shares, writer)
		if err != nil {
			return nil, nil, err
		}
		e.recordVaultGauges(id, v)
		return &event.VaultSharesBurned{
			OpID:       op,
			Instrument: id.Hex(),
			Writer:     writer.Hex(),
			Shares:     shares.String(),
			Assets:     assets.String(),
		}, nil, nil
	})
	return assets, err
}

// VaultClaim settles a writer after expiry.
func (e *Engine) VaultClaim(op uuid.UUID, writer types.Address, id types.InstrumentID) (*vault.ClaimResult, error) {
	var result *vault.ClaimResult
	err := e.apply("vault_claim", op, func() (event.Event, []event.FillRecord, error) {
		v, err := e.vaultFor(id)
		if err != nil {
			return nil, nil, err
		}
		result, err = v.Claim(writer)
		if err != nil {
			return nil, nil, err
		}
		e.recordVaultGauges(id, v)
		return &event.VaultClaim{
			OpID:               op,
			Instrument:         id.Hex(),
			Writer:             writer.Hex(),
			StrikePayment:      result.StrikePayment.String(),
			CollateralReturned: result.CollateralReturned.String(),
			SharesBurned:       result.SharesBurned.String(),
		}, nil, nil
	})
	return result, err
}

// VaultMarkExpired flips the series vault to its expired state.
func (e *Engine) VaultMarkExpired(op uuid.UUID, id types.InstrumentID) error {
	return e.apply("vault_mark_expired", op, func() (event.Event, []event.FillRecord, error) {
		v, err := e.vaultFor(id)
		if err != nil {
			return nil, nil, err
		}
		if err := v.MarkExpired(); err != nil {
			return nil, nil, err
		}
		return &event.VaultExpired{
			OpID:       op,
			Instrument: id.Hex(),
			Expiry:     v.Expiry(),
		}, nil, nil
	})
}

// Vault returns the vault for a series, if one exists.
func (e *Engine) Vault(id types.InstrumentID) (*vault.Vault, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vaults[id]
	return v, ok
}

// vaultFor lazily creates and initializes the vault for a registered
// series. Caller holds the engine lock.
func (e *Engine) vaultFor(id types.InstrumentID) (*vault.Vault, error) {
	if v, ok := e.vaults[id]; ok {
		return v, nil
	}
	inst, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	asset := inst.Underlying
	if inst.Kind == instrument.Put {
		asset = inst.Quote
	}
	v := vault.New(e.tokens, e.registry, vaultCustody(id), e.ledger.Self(), e.clock)
	if err := v.Initialize(asset, id, inst.Expiry); err != nil {
		return nil, err
	}
	e.vaults[id] = v
	return v, nil
}

// vaultCustody derives a stable custody account per series.
func vaultCustody(id types.InstrumentID) types.Address {
	return types.BytesToAddress(id[:20])
}

func (e *Engine) recordVaultGauges(id types.InstrumentID, v *vault.Vault) {
	if e.metrics == nil {
		return
	}
	inst := id.Hex()
	assets, _ := new(big.Float).SetInt(v.TotalAssets()).Float64()
	shares, _ := new(big.Float).SetInt(v.TotalShares()).Float64()
	exercised, _ := new(big.Float).SetInt(v.TotalExercised()).Float64()
	e.metrics.VaultAssets.WithLabelValues(inst).Set(assets)
	e.metrics.VaultShares.WithLabelValues(inst).Set(shares)
	e.metrics.VaultExercised.WithLabelValues(inst).Set(exercised)
}

// apply runs one operation through the standard pipeline: dedup,
// execute, hash, emit, mark applied.
func (e *Engine) apply(opType string, op uuid.UUID, fn func() (event.Event, []event.FillRecord, error)) error {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dedup.IsDuplicate(opType, op.String()) {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(opType, "duplicate").Inc()
		}
		return fmt.Errorf("%w: %s %s", ErrDuplicateOp, opType, op)
	}

	evt, fills, err := fn()
	if err != nil {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(opType, "error").Inc()
		}
		e.log.Debug().Str("op_type", opType).Stringer("op_id", op).Err(err).Msg("operation rejected")
		return err
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		// Payloads are plain structs of strings and ids; this cannot
		// fail for well-formed events.
		panic(fmt.Sprintf("FATAL: payload marshal: %v", err))
	}

	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, payload)

	envelope := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		InstrumentID:   evt.InstrumentID(),
		Timestamp:      e.clock(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	e.sequence++

	output := Output{Envelope: envelope, Fills: fills}

	// Persistence: blocking send, the engine stalls until the writer
	// drains. No applied operation is ever lost.
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	// Publishing: non-blocking send, drop on full. Consumers can
	// rebuild from the event log.
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	e.dedup.MarkApplied(opType, op.String())

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(opType).Inc()
		e.metrics.OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		e.metrics.Sequence.Set(float64(e.sequence))
	}
	e.log.Info().
		Str("op_type", opType).
		Stringer("op_id", op).
		Int64("sequence", envelope.Sequence).
		Msg("operation applied")

	return nil
}
