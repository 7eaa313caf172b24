package events

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/satoshigate/paygate/internal/intent"
)

// KafkaSink publishes every dispatched event as a JSON line to a Kafka
// topic, adapted from the queue producer driver this system's teacher
// used for cross-service notification.
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaSinkConfig configures the producer.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string
}

// NewKafkaSink builds a sink backed by kafka-go's batching writer in its
// default synchronous mode: Publish blocks until the write completes.
func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers configured", ErrInvalidConfig)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: w}, nil
}

var _ Sink = (*KafkaSink)(nil)

// Publish writes ev to the configured topic, keyed by intent ID so all
// events for one intent land on the same partition and preserve order.
func (s *KafkaSink) Publish(ctx context.Context, ev intent.Event) error {
	if s == nil || s.writer == nil {
		return fmt.Errorf("%w: nil sink", ErrInvalidConfig)
	}
	body, err := marshalEnvelope(ev)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Intent.ID),
		Value: body,
	})
}

// Close flushes and releases the underlying writer.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
