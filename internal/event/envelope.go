package event

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeOptionWritten
	TypeOptionExercised
	TypeCollateralWithdrawn
	TypeBalanceTransferred
	TypeOrderPlaced
	TypeOrderCancelled
	TypeMarketOrderFilled
	TypeVaultDeposit
	TypeVaultExerciseWithdraw
	TypeVaultClaim
	TypeVaultExpired
	TypeVaultSharesBurned
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key (operation id)
	IdempotencyKey string

	// Event type discriminator
	EventType Type

	// Instrument context (nil for events not tied to a series)
	InstrumentID *string

	// Logical input timestamp in unix seconds (NOT wall-clock)
	Timestamp uint64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() Type

	// InstrumentID returns the series context (nil for global events)
	InstrumentID() *string
}

func (t Type) String() string {
	switch t {
	case TypeOptionWritten:
		return "OptionWritten"
	case TypeOptionExercised:
		return "OptionExercised"
	case TypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case TypeBalanceTransferred:
		return "BalanceTransferred"
	case TypeOrderPlaced:
		return "OrderPlaced"
	case TypeOrderCancelled:
		return "OrderCancelled"
	case TypeMarketOrderFilled:
		return "MarketOrderFilled"
	case TypeVaultDeposit:
		return "VaultDeposit"
	case TypeVaultExerciseWithdraw:
		return "VaultExerciseWithdraw"
	case TypeVaultClaim:
		return "VaultClaim"
	case TypeVaultExpired:
		return "VaultExpired"
	case TypeVaultSharesBurned:
		return "VaultSharesBurned"
	default:
		return "Unknown"
	}
}
