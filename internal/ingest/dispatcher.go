package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"OptionLedger/internal/core"
)

// Dispatcher parses raw op messages and applies them to the engine.
// Engine rejections are deterministic, so both successes and rejections
// ack the message. Malformed payloads ack too since redelivery cannot
// fix them. Nak is reserved for shutdown races in the subscriber.
type Dispatcher struct {
	engine *core.Engine
	opChan <-chan RawOp
	log    zerolog.Logger
}

func NewDispatcher(engine *core.Engine, opChan <-chan RawOp, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{engine: engine, opChan: opChan, log: log}
}

// Run processes ops until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher stopping")
			return
		case raw, ok := <-d.opChan:
			if !ok {
				d.log.Info().Msg("op channel closed, dispatcher stopping")
				return
			}
			d.handle(raw)
		}
	}
}

func (d *Dispatcher) handle(raw RawOp) {
	cmd, err := ParseCommand(raw.Data)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed op")
		raw.AckFunc()
		return
	}

	err = d.apply(cmd)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrDuplicateOp):
		d.log.Debug().Str("op_id", cmd.OpID.String()).Str("type", cmd.Type).Msg("duplicate op acked")
	default:
		d.log.Warn().Err(err).Str("op_id", cmd.OpID.String()).Str("type", cmd.Type).Msg("op rejected")
	}
	raw.AckFunc()
}

func (d *Dispatcher) apply(cmd *Command) error {
	switch cmd.Type {
	case "write_option":
		r := cmd.WriteOption
		_, err := d.engine.WriteOption(cmd.OpID, r.Writer, r.Strike, r.Expiry, r.Quantity, r.Underlying, r.Quote, r.Kind)
		return err
	case "exercise":
		r := cmd.Exercise
		return d.engine.Exercise(cmd.OpID, r.Holder, r.Instrument, r.Quantity, r.Kind)
	case "withdraw_expired":
		r := cmd.WithdrawExpired
		return d.engine.WithdrawExpiredCollateral(cmd.OpID, r.Writer, r.Instrument, r.Quantity)
	case "transfer_balance":
		r := cmd.TransferBalance
		return d.engine.TransferBalance(cmd.OpID, r.Operator, r.From, r.To, r.Instrument, r.Amount)
	case "place_order":
		r := cmd.PlaceOrder
		_, err := d.engine.PlaceOrder(cmd.OpID, r.Maker, r.Instrument, r.Price, r.Quantity, r.Side)
		return err
	case "cancel_order":
		r := cmd.CancelOrder
		return d.engine.CancelOrder(cmd.OpID, r.Caller, r.OrderID)
	case "market_order":
		r := cmd.MarketOrder
		_, err := d.engine.MarketOrder(cmd.OpID, r.Taker, r.Instrument, r.Quantity, r.Side)
		return err
	case "vault_deposit":
		r := cmd.VaultDeposit
		_, err := d.engine.VaultDeposit(cmd.OpID, r.Writer, r.Instrument, r.Assets)
		return err
	case "vault_exercise_withdraw":
		r := cmd.VaultExerciseWithdraw
		return d.engine.VaultExerciseWithdraw(cmd.OpID, r.Instrument, r.Assets, r.Recipient)
	case "vault_burn_shares":
		r := cmd.VaultBurnShares
		_, err := d.engine.VaultBurnShares(cmd.OpID, r.Writer, r.Instrument, r.Shares)
		return err
	case "vault_claim":
		r := cmd.VaultClaim
		_, err := d.engine.VaultClaim(cmd.OpID, r.Writer, r.Instrument)
		return err
	case "vault_mark_expired":
		return d.engine.VaultMarkExpired(cmd.OpID, cmd.VaultMarkExpired.Instrument)
	default:
		return ErrUnknownOp
	}
}
