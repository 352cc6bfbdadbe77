package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

const DefaultTopic = "recurring.charge.completed"

// MessageWriter is the subset of *kafka.Writer used for publishing.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes recurring events keyed by agreement id, so every
// event of one agreement lands on the same partition in order.
type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// NewWriter builds the writer used in production.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.RecurringEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.AgreementID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "state", Value: []byte(event.State)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}

	telemetry.Logger.Debug("Published recurring event",
		zap.Int64("agreement_id", event.AgreementID),
		zap.String("state", string(event.State)),
	)
	return nil
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.RecurringEvent) error { return nil }
