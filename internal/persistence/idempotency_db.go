package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresOpChecker implements DB-based operation deduplication
// against the persisted event log.
type PostgresOpChecker struct {
	db *sql.DB
}

func NewPostgresOpChecker(db *sql.DB) *PostgresOpChecker {
	return &PostgresOpChecker{
		db: db,
	}
}

// IsDuplicate checks if an operation exists in the Postgres event log
func (c *PostgresOpChecker) IsDuplicate(opType string, opID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := c.db.QueryRowContext(ctx, query, opTypeToEventType(opType), opID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// opTypeToEventType maps engine op types onto the event types the log
// stores. Each op type emits exactly one event type.
func opTypeToEventType(opType string) string {
	switch opType {
	case "write_option":
		return "OptionWritten"
	case "exercise":
		return "OptionExercised"
	case "withdraw_expired":
		return "CollateralWithdrawn"
	case "transfer_balance":
		return "BalanceTransferred"
	case "place_order":
		return "OrderPlaced"
	case "cancel_order":
		return "OrderCancelled"
	case "market_order":
		return "MarketOrderFilled"
	case "vault_deposit":
		return "VaultDeposit"
	case "vault_exercise_withdraw":
		return "VaultExerciseWithdraw"
	case "vault_burn_shares":
		return "VaultSharesBurned"
	case "vault_claim":
		return "VaultClaim"
	case "vault_mark_expired":
		return "VaultExpired"
	default:
		return opType
	}
}

// eventTypeToOpType is the inverse mapping, for warming the dedup
// cache from persisted rows.
func eventTypeToOpType(eventType string) string {
	switch eventType {
	case "OptionWritten":
		return "write_option"
	case "OptionExercised":
		return "exercise"
	case "CollateralWithdrawn":
		return "withdraw_expired"
	case "BalanceTransferred":
		return "transfer_balance"
	case "OrderPlaced":
		return "place_order"
	case "OrderCancelled":
		return "cancel_order"
	case "MarketOrderFilled":
		return "market_order"
	case "VaultDeposit":
		return "vault_deposit"
	case "VaultExerciseWithdraw":
		return "vault_exercise_withdraw"
	case "VaultSharesBurned":
		return "vault_burn_shares"
	case "VaultClaim":
		return "vault_claim"
	case "VaultExpired":
		return "vault_mark_expired"
	default:
		return eventType
	}
}
