package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes notifications as JSON messages to a Kafka topic,
// keyed by notification kind so consumers can partition on it.
type KafkaNotifier struct {
	writer *kafka.Writer
}

var _ Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier builds the sink for the given brokers and topic
// (VIGIL_KAFKA_BROKERS, VIGIL_KAFKA_TOPIC).
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Notify publishes one message.
func (k *KafkaNotifier) Notify(ctx context.Context, notification Notification) error {
	value, err := notification.JSON()
	if err != nil {
		return err
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(notification.Kind),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}

	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
