package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes envelopes and fills to Postgres using
// multi-row INSERT. Switch to pgx CopyFrom if throughput ever demands
// the COPY protocol.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	InstrumentID   *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64 // logical unix seconds
}

// FillRow represents a row in event_log.fills
type FillRow struct {
	FillID       string
	OrderID      string
	Sequence     int64
	InstrumentID string
	Maker        string
	Price        string
	Quantity     string
	Premium      string
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteEventBatch writes a batch of envelopes inside the given tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, instrument_id, payload, state_hash, prev_hash, ts)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.InstrumentID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteFillBatch writes a batch of fills inside the given tx.
func (w *EventLogWriter) WriteFillBatch(ctx context.Context, tx *sql.Tx, fills []FillRow) error {
	if len(fills) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.fills
		(fill_id, order_id, sequence, instrument_id, maker, price, quantity, premium)
		VALUES `

	values := make([]string, 0, len(fills))
	args := make([]interface{}, 0, len(fills)*8)

	for i, f := range fills {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			f.FillID, f.OrderID, f.Sequence, f.InstrumentID,
			f.Maker, f.Price, f.Quantity, f.Premium,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (fill_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
