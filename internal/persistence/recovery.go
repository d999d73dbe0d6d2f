package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// ChainTip is the highest persisted point of the event log.
type ChainTip struct {
	Sequence  int64
	StateHash [32]byte
}

// LoadChainTip reads the last persisted sequence and state hash. On an
// empty log, ok is false and the engine starts from genesis.
func LoadChainTip(ctx context.Context, db *sql.DB) (tip ChainTip, ok bool, err error) {
	var hash []byte
	row := db.QueryRowContext(ctx, `
		SELECT sequence, state_hash
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`)
	if scanErr := row.Scan(&tip.Sequence, &hash); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return ChainTip{}, false, nil
		}
		return ChainTip{}, false, fmt.Errorf("load chain tip: %w", scanErr)
	}
	if len(hash) != 32 {
		return ChainTip{}, false, fmt.Errorf("load chain tip: state hash is %d bytes", len(hash))
	}
	copy(tip.StateHash[:], hash)
	return tip, true, nil
}

// LoadRecentDedupKeys returns composite "op_type:op_id" strings for
// the most recent events, used to warm the engine's dedup cache on a
// restart.
func LoadRecentDedupKeys(ctx context.Context, db *sql.DB, limit int) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load dedup keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%s", eventTypeToOpType(eventType), key))
	}
	return keys, rows.Err()
}
