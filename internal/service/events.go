package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/IBM/sarama"
)

const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
)

// PaymentEvent is published after a reconciliation commits.
type PaymentEvent struct {
	Type              string    `json:"type"`
	PaymentID         string    `json:"payment_id"`
	TenantID          string    `json:"tenant_id"`
	Amount            string    `json:"amount"`
	Currency          string    `json:"currency"`
	CheckoutRequestID string    `json:"checkout_request_id"`
	ReceiptNumber     string    `json:"receipt_number,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	NeedsReview       bool      `json:"needs_review,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, ev PaymentEvent) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, PaymentEvent) error { return nil }
func (NoopPublisher) Close() error                                { return nil }

// KafkaPublisher writes events keyed by payment id so a payment's events stay ordered.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_1_0_0
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaPublisher{producer: producer, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev PaymentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.PaymentID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(ev.Type)},
		},
	})
	return err
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context, projectID, topic string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	t := client.Topic(topic)
	t.EnableMessageOrdering = true
	return &PubSubPublisher{client: client, topic: t}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, ev PaymentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: ev.PaymentID,
		Attributes:  map[string]string{"type": ev.Type},
	})
	_, err = res.Get(ctx)
	return err
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
