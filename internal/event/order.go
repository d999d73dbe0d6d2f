package event

import "github.com/google/uuid"

// OrderPlaced records a resting limit order entering the book.
// Idempotency key: op_id assigned at ingestion.
type OrderPlaced struct {
	OpID       uuid.UUID `json:"op_id"`
	OrderID    uuid.UUID `json:"order_id"`
	Instrument string    `json:"instrument"`
	Maker      string    `json:"maker"`
	Side       uint8     `json:"side"`
	Price      string    `json:"price"`    // 18-decimal quote per option
	Quantity   string    `json:"quantity"` // 18-decimal internal units
}

func (e *OrderPlaced) IdempotencyKey() string { return e.OpID.String() }
func (e *OrderPlaced) EventType() Type        { return TypeOrderPlaced }
func (e *OrderPlaced) InstrumentID() *string  { return &e.Instrument }

// OrderCancelled records a maker pulling a resting order.
type OrderCancelled struct {
	OpID       uuid.UUID `json:"op_id"`
	OrderID    uuid.UUID `json:"order_id"`
	Instrument string    `json:"instrument"`
	Maker      string    `json:"maker"`
	Refunded   string    `json:"refunded"`
}

func (e *OrderCancelled) IdempotencyKey() string { return e.OpID.String() }
func (e *OrderCancelled) EventType() Type        { return TypeOrderCancelled }
func (e *OrderCancelled) InstrumentID() *string  { return &e.Instrument }

// FillRecord is one maker fill inside a market order.
type FillRecord struct {
	FillID   uuid.UUID `json:"fill_id"`
	OrderID  uuid.UUID `json:"order_id"`
	Maker    string    `json:"maker"`
	Price    string    `json:"price"`
	Quantity string    `json:"quantity"`
	Premium  string    `json:"premium"` // raw quote-token units
}

// MarketOrderFilled records a fully executed all-or-nothing market
// order and every fill it produced.
type MarketOrderFilled struct {
	OpID         uuid.UUID    `json:"op_id"`
	Instrument   string       `json:"instrument"`
	Taker        string       `json:"taker"`
	Side         uint8        `json:"side"`
	Quantity     string       `json:"quantity"`
	TotalPremium string       `json:"total_premium"`
	Fills        []FillRecord `json:"fills"`
}

func (e *MarketOrderFilled) IdempotencyKey() string { return e.OpID.String() }
func (e *MarketOrderFilled) EventType() Type        { return TypeMarketOrderFilled }
func (e *MarketOrderFilled) InstrumentID() *string  { return &e.Instrument }
