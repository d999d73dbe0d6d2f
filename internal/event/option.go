package event

import "github.com/google/uuid"

// OptionWritten records a freshly collateralized series position.
// Idempotency key: op_id assigned at ingestion.
type OptionWritten struct {
	OpID       uuid.UUID `json:"op_id"`
	Instrument string    `json:"instrument"`
	Writer     string    `json:"writer"`
	Quantity   string    `json:"quantity"`   // 18-decimal internal units
	Collateral string    `json:"collateral"` // 18-decimal internal units
	Kind       uint8     `json:"kind"`
}

func (e *OptionWritten) IdempotencyKey() string { return e.OpID.String() }
func (e *OptionWritten) EventType() Type        { return TypeOptionWritten }
func (e *OptionWritten) InstrumentID() *string  { return &e.Instrument }

// OptionExercised records a pre-expiry exercise against a position.
type OptionExercised struct {
	OpID       uuid.UUID `json:"op_id"`
	Instrument string    `json:"instrument"`
	Holder     string    `json:"holder"`
	Quantity   string    `json:"quantity"`
	Payout     string    `json:"payout"` // 18-decimal internal units
}

func (e *OptionExercised) IdempotencyKey() string { return e.OpID.String() }
func (e *OptionExercised) EventType() Type        { return TypeOptionExercised }
func (e *OptionExercised) InstrumentID() *string  { return &e.Instrument }

// CollateralWithdrawn records a writer reclaiming collateral after
// expiry.
type CollateralWithdrawn struct {
	OpID       uuid.UUID `json:"op_id"`
	Instrument string    `json:"instrument"`
	Writer     string    `json:"writer"`
	Amount     string    `json:"amount"` // 18-decimal internal units
}

func (e *CollateralWithdrawn) IdempotencyKey() string { return e.OpID.String() }
func (e *CollateralWithdrawn) EventType() Type        { return TypeCollateralWithdrawn }
func (e *CollateralWithdrawn) InstrumentID() *string  { return &e.Instrument }

// BalanceTransferred records an operator-mediated option balance move.
type BalanceTransferred struct {
	OpID       uuid.UUID `json:"op_id"`
	Instrument string    `json:"instrument"`
	Operator   string    `json:"operator"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Amount     string    `json:"amount"`
}

func (e *BalanceTransferred) IdempotencyKey() string { return e.OpID.String() }
func (e *BalanceTransferred) EventType() Type        { return TypeBalanceTransferred }
func (e *BalanceTransferred) InstrumentID() *string  { return &e.Instrument }
