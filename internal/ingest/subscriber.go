package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OpsStreamName   = "OPTLOB_OPS"
	OpsSubject      = "optlob.ops.>"
	OpsConsumerName = "optlob-ops"
)

// RawOp is an operation message pulled off NATS, not yet parsed. The
// dispatcher acks after the engine accepts or terminally rejects it and
// naks on transient failures so JetStream redelivers.
type RawOp struct {
	Subject string
	Data    []byte
	AckFunc func()
	NakFunc func()
}

// Subscriber feeds JetStream op messages into opChan.
type Subscriber struct {
	js       jetstream.JetStream
	opChan   chan<- RawOp
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, opChan chan<- RawOp, log zerolog.Logger) *Subscriber {
	return &Subscriber{js: js, opChan: opChan, log: log}
}

// Subscribe creates the durable ops consumer. Explicit ack, ack_wait 30s,
// max_deliver 5.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, OpsStreamName, jetstream.ConsumerConfig{
		Durable:       OpsConsumerName,
		FilterSubject: OpsSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", OpsConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawOp{
			Subject: msg.Subject(),
			Data:    msg.Data(),
			AckFunc: func() { msg.Ack() },
			NakFunc: func() { msg.Nak() },
		}

		select {
		case s.opChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", OpsConsumerName, err)
	}

	s.consumer = cc
	s.log.Info().Str("subject", OpsSubject).Str("consumer", OpsConsumerName).Msg("subscribed to ops")
	return nil
}

// Stop drains the consumer.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.log.Info().Msg("ops subscriber stopped")
}

// EnsureOpsStream creates the inbound ops stream if it does not exist.
func EnsureOpsStream(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      OpsStreamName,
		Subjects:  []string{OpsSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", OpsStreamName, err)
	}
	return nil
}
