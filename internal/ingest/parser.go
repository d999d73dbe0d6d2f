package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"OptionLedger/internal/book"
	"OptionLedger/internal/instrument"
	"OptionLedger/internal/ledger"
	"OptionLedger/internal/types"
)

var (
	ErrUnknownOp    = errors.New("unknown operation type")
	ErrBadAmount    = errors.New("malformed amount")
	ErrMissingOpID  = errors.New("missing op_id")
	ErrMissingField = errors.New("missing required field")
)

// Command is a parsed, typed operation ready for the engine. Exactly
// one of the request fields is set, matching Type.
type Command struct {
	Type string
	OpID uuid.UUID

	WriteOption           *WriteOptionRequest
	Exercise              *ExerciseRequest
	WithdrawExpired       *WithdrawExpiredRequest
	TransferBalance       *TransferBalanceRequest
	PlaceOrder            *PlaceOrderRequest
	CancelOrder           *CancelOrderRequest
	MarketOrder           *MarketOrderRequest
	VaultDeposit          *VaultDepositRequest
	VaultExerciseWithdraw *VaultExerciseWithdrawRequest
	VaultBurnShares       *VaultBurnSharesRequest
	VaultClaim            *VaultClaimRequest
	VaultMarkExpired      *VaultMarkExpiredRequest
}

type WriteOptionRequest struct {
	Writer     types.Address
	Strike     *big.Int
	Expiry     uint64
	Quantity   *big.Int
	Underlying ledger.Asset
	Quote      ledger.Asset
	Kind       instrument.Kind
}

type ExerciseRequest struct {
	Holder     types.Address
	Instrument types.InstrumentID
	Quantity   *big.Int
	Kind       instrument.Kind
}

type WithdrawExpiredRequest struct {
	Writer     types.Address
	Instrument types.InstrumentID
	Quantity   *big.Int
}

type TransferBalanceRequest struct {
	Operator   types.Address
	From       types.Address
	To         types.Address
	Instrument types.InstrumentID
	Amount     *big.Int
}

type PlaceOrderRequest struct {
	Maker      types.Address
	Instrument types.InstrumentID
	Price      *big.Int
	Quantity   *big.Int
	Side       book.Side
}

type CancelOrderRequest struct {
	Caller  types.Address
	OrderID uuid.UUID
}

type MarketOrderRequest struct {
	Taker      types.Address
	Instrument types.InstrumentID
	Quantity   *big.Int
	Side       book.Side
}

type VaultDepositRequest struct {
	Writer     types.Address
	Instrument types.InstrumentID
	Assets     *big.Int
}

type VaultExerciseWithdrawRequest struct {
	Instrument types.InstrumentID
	Assets     *big.Int
	Recipient  types.Address
}

type VaultBurnSharesRequest struct {
	Writer     types.Address
	Instrument types.InstrumentID
	Shares     *big.Int
}

type VaultClaimRequest struct {
	Writer     types.Address
	Instrument types.InstrumentID
}

type VaultMarkExpiredRequest struct {
	Instrument types.InstrumentID
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// decimal strings so producers never lose precision in doubles.

type opHeaderJSON struct {
	OpID string `json:"op_id"`
	Type string `json:"type"`
}

type assetJSON struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
}

type writeOptionJSON struct {
	Writer     string    `json:"writer"`
	Strike     string    `json:"strike"`
	Expiry     uint64    `json:"expiry"`
	Quantity   string    `json:"quantity"`
	Underlying assetJSON `json:"underlying"`
	Quote      assetJSON `json:"quote"`
	Kind       uint8     `json:"kind"`
}

type exerciseJSON struct {
	Holder     string `json:"holder"`
	Instrument string `json:"instrument"`
	Quantity   string `json:"quantity"`
	Kind       uint8  `json:"kind"`
}

type withdrawExpiredJSON struct {
	Writer     string `json:"writer"`
	Instrument string `json:"instrument"`
	Quantity   string `json:"quantity"`
}

type transferBalanceJSON struct {
	Operator   string `json:"operator"`
	From       string `json:"from"`
	To         string `json:"to"`
	Instrument string `json:"instrument"`
	Amount     string `json:"amount"`
}

type placeOrderJSON struct {
	Maker      string `json:"maker"`
	Instrument string `json:"instrument"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Side       string `json:"side"` // "buy" or "sell"
}

type cancelOrderJSON struct {
	Caller  string `json:"caller"`
	OrderID string `json:"order_id"`
}

type marketOrderJSON struct {
	Taker      string `json:"taker"`
	Instrument string `json:"instrument"`
	Quantity   string `json:"quantity"`
	Side       string `json:"side"`
}

type vaultDepositJSON struct {
	Writer     string `json:"writer"`
	Instrument string `json:"instrument"`
	Assets     string `json:"assets"`
}

type vaultExerciseWithdrawJSON struct {
	Instrument string `json:"instrument"`
	Assets     string `json:"assets"`
	Recipient  string `json:"recipient"`
}

type vaultBurnSharesJSON struct {
	Writer     string `json:"writer"`
	Instrument string `json:"instrument"`
	Shares     string `json:"shares"`
}

type vaultClaimJSON struct {
	Writer     string `json:"writer"`
	Instrument string `json:"instrument"`
}

type vaultMarkExpiredJSON struct {
	Instrument string `json:"instrument"`
}

// ParseCommand converts raw JSON from NATS into a typed Command.
func ParseCommand(data []byte) (*Command, error) {
	var header opHeaderJSON
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("parse op header: %w", err)
	}
	if header.OpID == "" {
		return nil, ErrMissingOpID
	}
	opID, err := uuid.Parse(header.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}

	cmd := &Command{Type: header.Type, OpID: opID}
	switch header.Type {
	case "write_option":
		cmd.WriteOption, err = parseWriteOption(data)
	case "exercise":
		cmd.Exercise, err = parseExercise(data)
	case "withdraw_expired":
		cmd.WithdrawExpired, err = parseWithdrawExpired(data)
	case "transfer_balance":
		cmd.TransferBalance, err = parseTransferBalance(data)
	case "place_order":
		cmd.PlaceOrder, err = parsePlaceOrder(data)
	case "cancel_order":
		cmd.CancelOrder, err = parseCancelOrder(data)
	case "market_order":
		cmd.MarketOrder, err = parseMarketOrder(data)
	case "vault_deposit":
		cmd.VaultDeposit, err = parseVaultDeposit(data)
	case "vault_exercise_withdraw":
		cmd.VaultExerciseWithdraw, err = parseVaultExerciseWithdraw(data)
	case "vault_burn_shares":
		cmd.VaultBurnShares, err = parseVaultBurnShares(data)
	case "vault_claim":
		cmd.VaultClaim, err = parseVaultClaim(data)
	case "vault_mark_expired":
		cmd.VaultMarkExpired, err = parseVaultMarkExpired(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, header.Type)
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s=%q", ErrBadAmount, field, s)
	}
	return v, nil
}

func parseSide(s string) (book.Side, error) {
	switch s {
	case "buy":
		return book.Buy, nil
	case "sell":
		return book.Sell, nil
	default:
		return 0, fmt.Errorf("%w: side=%q", ErrMissingField, s)
	}
}

func parseWriteOption(data []byte) (*WriteOptionRequest, error) {
	var j writeOptionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse write_option: %w", err)
	}
	writer, err := types.HexToAddress(j.Writer)
	if err != nil {
		return nil, err
	}
	strike, err := parseAmount("strike", j.Strike)
	if err != nil {
		return nil, err
	}
	quantity, err := parseAmount("quantity", j.Quantity)
	if err != nil {
		return nil, err
	}
	underlying, err := types.HexToAddress(j.Underlying.Address)
	if err != nil {
		return nil, err
	}
	quote, err := types.HexToAddress(j.Quote.Address)
	if err != nil {
		return nil, err
	}
	kind, err := instrument.KindFromByte(j.Kind)
	if err != nil {
		return nil, err
	}
	return &WriteOptionRequest{
		Writer:     writer,
		Strike:     strike,
		Expiry:     j.Expiry,
		Quantity:   quantity,
		Underlying: ledger.Asset{Address: underlying, Decimals: j.Underlying.Decimals},
		Quote:      ledger.Asset{Address: quote, Decimals: j.Quote.Decimals},
		Kind:       kind,
	}, nil
}

func parseExercise(data []byte) (*ExerciseRequest, error) {
	var j exerciseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse exercise: %w", err)
	}
	holder, err := types.HexToAddress(j.Holder)
	if err != nil {
		return nil, err
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	quantity, err := parseAmount("quantity", j.Quantity)
	if err != nil {
		return nil, err
	}
	kind, err := instrument.KindFromByte(j.Kind)
	if err != nil {
		return nil, err
	}
	return &ExerciseRequest{Holder: holder, Instrument: id, Quantity: quantity, Kind: kind}, nil
}

func parseWithdrawExpired(data []byte) (*WithdrawExpiredRequest, error) {
	var j withdrawExpiredJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse withdraw_expired: %w", err)
	}
	writer, err := types.HexToAddress(j.Writer)
	if err != nil {
		return nil, err
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	quantity, err := parseAmount("quantity", j.Quantity)
	if err != nil {
		return nil, err
	}
	return &WithdrawExpiredRequest{Writer: writer, Instrument: id, Quantity: quantity}, nil
}

func parseTransferBalance(data []byte) (*TransferBalanceRequest, error) {
	var j transferBalanceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse transfer_balance: %w", err)
	}
	operator, err := types.HexToAddress(j.Operator)
	if err != nil {
		return nil, err
	}
	from, err := types.HexToAddress(j.From)
	if err != nil {
		return nil, err
	}
	to, err := types.HexToAddress(j.To)
	if err != nil {
		return nil, err
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &TransferBalanceRequest{Operator: operator, From: from, To: to, Instrument: id, Amount: amount}, nil
}

func parsePlaceOrder(data []byte) (*PlaceOrderRequest, error) {
	var j placeOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse place_order: %w", err)
	}
	maker, err := types.HexToAddress(j.Maker)
	if err != nil {
		return nil, err
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	quantity, err := parseAmount("quantity", j.Quantity)
	if err != nil {
		return nil, err
	}
	side, err := parseSide(j.Side)
	if err != nil {
		return nil, err
	}
	return &PlaceOrderRequest{Maker: maker, Instrument: id, Price: price, Quantity: quantity, Side: side}, nil
}

func parseCancelOrder(data []byte) (*CancelOrderRequest, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse cancel_order: %w", err)
	}
	caller, err := types.HexToAddress(j.Caller)
	if err != nil {
		return nil, err
	}
	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parse order_id: %w", err)
	}
	return &CancelOrderRequest{Caller: caller, OrderID: orderID}, nil
}

func parseMarketOrder(data []byte) (*MarketOrderRequest, error) {
	var j marketOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse market_order: %w", err)
	}
	taker, err := types.HexToAddress(j.Taker)
	if err != nil {
		return nil, err
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	quantity, err := parseAmount("quantity", j.Quantity)
	if err != nil {
		return nil, err
	}
	side, err := parseSide(j.Side)
	if err != nil {
		return nil, err
	}
	return &MarketOrderRequest{Taker: taker, Instrument: id, Quantity: quantity, Side: side}, nil
}

func parseVaultDeposit(data []byte) (*VaultDepositRequest, error) {
	var j vaultDepositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse vault_deposit: %w", err)
	}
	writer, err := types.HexToAddress(j.Writer)
	if err != nil {
		return nil, err
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	assets, err := parseAmount("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	return &VaultDepositRequest{Writer: writer, Instrument: id, Assets: assets}, nil
}

func parseVaultExerciseWithdraw(data []byte) (*VaultExerciseWithdrawRequest, error) {
	var j vaultExerciseWithdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse vault_exercise_withdraw: %w", err)
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	assets, err := parseAmount("assets", j.Assets)
	if err != nil {
		return nil, err
	}
	recipient, err := types.HexToAddress(j.Recipient)
	if err != nil {
		return nil, err
	}
	return &VaultExerciseWithdrawRequest{Instrument: id, Assets: assets, Recipient: recipient}, nil
}

func parseVaultBurnShares(data []byte) (*VaultBurnSharesRequest, error) {
	var j vaultBurnSharesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse vault_burn_shares: %w", err)
	}
	writer, err := types.HexToAddress(j.Writer)
	if err != nil {
		return nil, err
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	shares, err := parseAmount("shares", j.Shares)
	if err != nil {
		return nil, err
	}
	return &VaultBurnSharesRequest{Writer: writer, Instrument: id, Shares: shares}, nil
}

func parseVaultClaim(data []byte) (*VaultClaimRequest, error) {
	var j vaultClaimJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse vault_claim: %w", err)
	}
	writer, err := types.HexToAddress(j.Writer)
	if err != nil {
		return nil, err
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	return &VaultClaimRequest{Writer: writer, Instrument: id}, nil
}

func parseVaultMarkExpired(data []byte) (*VaultMarkExpiredRequest, error) {
	var j vaultMarkExpiredJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse vault_mark_expired: %w", err)
	}
	id, err := types.HexToInstrumentID(j.Instrument)
	if err != nil {
		return nil, err
	}
	return &VaultMarkExpiredRequest{Instrument: id}, nil
}
