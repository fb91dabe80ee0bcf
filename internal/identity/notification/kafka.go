package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// message is the wire envelope consumed by the delivery workers.
type message struct {
	Channel   string            `json:"channel"` // email | sms
	Kind      string            `json:"kind"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
	Code      string            `json:"code,omitempty"`
	QueuedAt  time.Time         `json:"queued_at"`
}

// KafkaDispatcher enqueues notification messages onto a topic instead of
// calling providers inline, so provider latency and outages cannot bleed
// into the triggering state transition.
type KafkaDispatcher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaDispatcher(logger *zap.Logger, brokers []string, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: logger,
	}
}

func (d *KafkaDispatcher) SendEmail(ctx context.Context, kind, recipient string, data map[string]string) error {
	return d.enqueue(ctx, message{
		Channel:   "email",
		Kind:      kind,
		Recipient: recipient,
		Data:      data,
		QueuedAt:  time.Now().UTC(),
	})
}

func (d *KafkaDispatcher) SendSMS(ctx context.Context, kind, phoneNumber, code string) error {
	return d.enqueue(ctx, message{
		Channel:   "sms",
		Kind:      kind,
		Recipient: phoneNumber,
		Code:      code,
		QueuedAt:  time.Now().UTC(),
	})
}

func (d *KafkaDispatcher) enqueue(ctx context.Context, msg message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Recipient),
		Value: payload,
	})
	if err != nil {
		d.logger.Error("failed to enqueue notification",
			zap.Error(err),
			zap.String("channel", msg.Channel),
			zap.String("kind", msg.Kind))
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
