package kafka

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/escrow-hub/escrow-hub/internal/domain/event"
)

// Publisher streams projected escrow events to a Kafka topic, keyed by
// agreement id so per-agreement ordering survives partitioning. It
// implements the projector sink interface.
type Publisher struct {
	writer *kafkago.Writer
	log    zerolog.Logger
}

// NewPublisher creates a Kafka event publisher.
func NewPublisher(brokers []string, topic string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafkago.LeastBytes{},
		},
		log: logger.With().Str("component", "kafka_publisher").Logger(),
	}
}

// Publish writes one event. Delivery is at-least-once; consumers dedupe on
// (txHash, logIndex).
func (p *Publisher) Publish(ctx context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(e.PGAID),
		Value: data,
	})
	if err != nil {
		p.log.Error().Err(err).Str("kind", string(e.Kind)).Msg("kafka publish failed")
		return err
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
