package event

import "github.com/google/uuid"

// VaultDeposit records pooled collateral entering a vault.
type VaultDeposit struct {
	OpID       uuid.UUID `json:"op_id"`
	Instrument string    `json:"instrument"`
	Writer     string    `json:"writer"`
	Assets     string    `json:"assets"` // raw asset units
	Shares     string    `json:"shares"`
}

func (e *VaultDeposit) IdempotencyKey() string { return e.OpID.String() }
func (e *VaultDeposit) EventType() Type        { return TypeVaultDeposit }
func (e *VaultDeposit) InstrumentID() *string  { return &e.Instrument }

// VaultExerciseWithdraw records collateral leaving a vault to satisfy
// an exercising holder, paid for at strike.
type VaultExerciseWithdraw struct {
	OpID       uuid.UUID `json:"op_id"`
	Instrument string    `json:"instrument"`
	Recipient  string    `json:"recipient"`
	Assets     string    `json:"assets"`
	StrikePaid string    `json:"strike_paid"` // raw quote units
}

func (e *VaultExerciseWithdraw) IdempotencyKey() string { return e.OpID.String() }
func (e *VaultExerciseWithdraw) EventType() Type        { return TypeVaultExerciseWithdraw }
func (e *VaultExerciseWithdraw) InstrumentID() *string  { return &e.Instrument }

// VaultClaim records a writer's post-expiry settlement.
type VaultClaim struct {
	OpID               uuid.UUID `json:"op_id"`
	Instrument         string    `json:"instrument"`
	Writer             string    `json:"writer"`
	StrikePayment      string    `json:"strike_payment"`      // raw quote units
	CollateralReturned string    `json:"collateral_returned"` // raw asset units
	SharesBurned       string    `json:"shares_burned"`
}

func (e *VaultClaim) IdempotencyKey() string { return e.OpID.String() }
func (e *VaultClaim) EventType() Type        { return TypeVaultClaim }
func (e *VaultClaim) InstrumentID() *string  { return &e.Instrument }

// VaultSharesBurned records a writer's pre-expiry early redemption.
type VaultSharesBurned struct {
	OpID       uuid.UUID `json:"op_id"`
	Instrument string    `json:"instrument"`
	Writer     string    `json:"writer"`
	Shares     string    `json:"shares"`
	Assets     string    `json:"assets"` // raw asset units returned
}

func (e *VaultSharesBurned) IdempotencyKey() string { return e.OpID.String() }
func (e *VaultSharesBurned) EventType() Type        { return TypeVaultSharesBurned }
func (e *VaultSharesBurned) InstrumentID() *string  { return &e.Instrument }

// VaultExpired records the one-way flip to the expired state.
type VaultExpired struct {
	OpID       uuid.UUID `json:"op_id"`
	Instrument string    `json:"instrument"`
	Expiry     uint64    `json:"expiry"`
}

func (e *VaultExpired) IdempotencyKey() string { return e.OpID.String() }
func (e *VaultExpired) EventType() Type        { return TypeVaultExpired }
func (e *VaultExpired) InstrumentID() *string  { return &e.Instrument }
