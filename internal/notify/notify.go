package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	entity "escrowgo/internal/entity"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Sink receives every ledger event after it is committed.
type Sink interface {
	Publish(ctx context.Context, event *entity.PaymentEvent) error
}

type message struct {
	ID          string           `json:"id"`
	PaymentID   string           `json:"payment_id"`
	Type        entity.EventType `json:"type"`
	Description string           `json:"description"`
	IsAutomatic bool             `json:"is_automatic"`
	IsError     bool             `json:"is_error"`
	CreatedAt   time.Time        `json:"created_at"`
}

func encode(ev *entity.PaymentEvent) ([]byte, error) {
	return json.Marshal(message{
		ID:          ev.ID,
		PaymentID:   ev.PaymentID,
		Type:        ev.Type,
		Description: ev.Description,
		IsAutomatic: ev.IsAutomatic,
		IsError:     ev.IsError,
		CreatedAt:   ev.CreatedAt,
	})
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams events keyed by payment id so one payment's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	logger.Info("kafka publisher initialized", zap.String("topic", topic), zap.Strings("brokers", brokers))
	return &KafkaPublisher{writer: w, logger: logger.With(zap.String("component", "kafka_publisher"))}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev *entity.PaymentEvent) error {
	data, err := encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.PaymentID), Value: data}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSAlerter forwards error events to an operator topic.
type SNSAlerter struct {
	client   snsAPI
	topicARN string
}

func NewSNSAlerter(cfg aws.Config, topicARN string) *SNSAlerter {
	return &SNSAlerter{client: sns.NewFromConfig(cfg), topicARN: topicARN}
}

func (a *SNSAlerter) Publish(ctx context.Context, ev *entity.PaymentEvent) error {
	if !ev.IsError {
		return nil
	}
	data, err := encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	_, err = a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(fmt.Sprintf("escrow %s", ev.Type)),
		Message:  aws.String(string(data)),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed for topic %s: %w", a.topicARN, err)
	}
	return nil
}

// Fanout delivers to every sink and combines their failures.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev *entity.PaymentEvent) error {
	var err error
	for _, s := range f {
		err = multierr.Append(err, s.Publish(ctx, ev))
	}
	return err
}
