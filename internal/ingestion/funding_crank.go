package ingestion

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"PerpMargin/internal/engine"
	"PerpMargin/internal/instruction"
	"PerpMargin/internal/state"
)

// fundingTickSubject carries the periodic ticks that drive funding
// accrual. Tick payloads are ignored; arrival is the signal.
const (
	fundingTickSubject = "perp.margin.funding.tick"
	fundingStreamName  = "PERP_MARGIN_FUNDING"
	fundingConsumer    = "margin-funding-crank"
)

// FundingCrank consumes funding ticks and submits a signed funding
// advance for each one. The crank holds its own keypair; the engine
// treats it like any other signer.
type FundingCrank struct {
	js       jetstream.JetStream
	eng      *engine.Engine
	signer   state.Principal
	key      ed25519.PrivateKey
	consumer jetstream.ConsumeContext
}

func NewFundingCrank(js jetstream.JetStream, eng *engine.Engine, key ed25519.PrivateKey) *FundingCrank {
	var signer state.Principal
	copy(signer[:], key.Public().(ed25519.PublicKey))
	return &FundingCrank{
		js:     js,
		eng:    eng,
		signer: signer,
		key:    key,
	}
}

// Start creates the durable consumer and begins processing ticks.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (fc *FundingCrank) Start(ctx context.Context) error {
	consumer, err := fc.js.CreateOrUpdateConsumer(ctx, fundingStreamName, jetstream.ConsumerConfig{
		Durable:       fundingConsumer,
		FilterSubject: fundingTickSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", fundingConsumer, err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := fc.advance(ctx); err != nil {
			if errors.Is(err, engine.ErrInvalidTimeline) {
				// Stale tick; redelivery cannot help.
				log.Printf("WARN: funding tick rejected: %v", err)
				msg.Ack()
				return
			}
			log.Printf("WARN: funding advance failed: %v", err)
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", fundingConsumer, err)
	}

	fc.consumer = consumerContext
	log.Printf("INFO: funding crank subscribed to %s (consumer=%s)", fundingTickSubject, fundingConsumer)
	return nil
}

func (fc *FundingCrank) advance(ctx context.Context) error {
	data := instruction.EncodeAdvanceFunding()
	_, err := fc.eng.Execute(ctx, engine.Request{
		Signer:    fc.signer,
		Signature: ed25519.Sign(fc.key, data),
		Data:      data,
	})
	return err
}

// Stop gracefully stops the consumer.
func (fc *FundingCrank) Stop() {
	if fc.consumer != nil {
		fc.consumer.Stop()
	}
	log.Println("INFO: funding crank stopped")
}

// EnsureFundingStream creates the funding tick stream.
func EnsureFundingStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      fundingStreamName,
		Subjects:  []string{"perp.margin.funding.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create funding stream: %w", err)
	}
	log.Println("INFO: ensured stream PERP_MARGIN_FUNDING")
	return nil
}
