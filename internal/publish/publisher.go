// Package publish streams applied operations to NATS JetStream for
// downstream consumers (market data, settlement bots, analytics).
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"OptionLedger/internal/core"
)

// StreamName is the outbound JetStream stream.
const StreamName = "OPTLOB_EVENTS"

// Publisher drains the publish channel and emits applied operations.
// Subjects follow the pattern: optlob.events.{event_type}
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.Output
}

// OutboundEvent is the wire shape of one published envelope.
type OutboundEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	InstrumentID   *string         `json:"instrument_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      []byte          `json:"state_hash"`
	Timestamp      uint64          `json:"timestamp"`
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan core.Output) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the publisher loop. Blocks until ctx is cancelled or the
// input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, output); err != nil {
				// Non-fatal: consumers can read the event log directly.
				log.Printf("WARN: outbound publish failed seq=%d: %v", output.Envelope.Sequence, err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, output core.Output) error {
	env := output.Envelope
	evt := OutboundEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		InstrumentID:   env.InstrumentID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		Timestamp:      env.Timestamp,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Subject: optlob.events.{event_type}.{instrument_id}
	subject := fmt.Sprintf("optlob.events.%s", evt.EventType)
	if evt.InstrumentID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *evt.InstrumentID)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"optlob.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", StreamName)
	return nil
}

// Connect establishes a NATS connection and returns a JetStream
// context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
