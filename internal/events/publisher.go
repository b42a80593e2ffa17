package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	TypePaymentApproved       = "payment.approved"
	TypePaymentDeclined       = "payment.declined"
	TypePaymentPending        = "payment.pending"
	TypeTransactionRefunded   = "transaction.refunded"
	TypeSubscriptionRenewed   = "subscription.renewed"
	TypeSubscriptionCancelled = "subscription.cancelled"
	TypePayoutRequested       = "payout.requested"
	TypePayoutCancelled       = "payout.cancelled"
	TypePayoutCompleted       = "payout.completed"
)

// Event is published after the database transaction that produced it has
// committed. Delivery is best effort.
type Event struct {
	Type          string          `json:"type"`
	TransactionID string          `json:"transaction_id,omitempty"`
	SenderID      string          `json:"sender_id,omitempty"`
	ReceiverID    string          `json:"receiver_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Data          map[string]any  `json:"data,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
	log    *logrus.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *logrus.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: writer, topic: topic, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.TransactionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"topic": p.topic, "type": e.Type}).Error("failed to send kafka message")
		return err
	}
	p.log.WithFields(logrus.Fields{"topic": p.topic, "type": e.Type, "transaction_id": e.TransactionID}).Debug("kafka message sent")
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.log.WithError(err).Error("failed to close kafka writer")
		return err
	}
	return nil
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
