package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"
)

type Entity string

const (
	EntityPurchase       Entity = "purchase"
	EntityPaymentAttempt Entity = "payment_attempt"
	EntityProfile        Entity = "profile"
)

// Record is the normalized trace of one applied state transition, published
// for downstream consumers (analytics, notifications).
type Record struct {
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	Entity     Entity    `json:"entity"`
	Reference  string    `json:"reference"`
	Outcome    string    `json:"outcome"`
	OccurredAt time.Time `json:"occurredAt"`
}

var (
	publishSuccessCounter = metrics.GetOrCreateCounter(`audit_publish_total{result="success"}`)
	publishErrorCounter   = metrics.GetOrCreateCounter(`audit_publish_total{result="error"}`)
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes audit records to the billing-events topic. Publishing is
// best-effort: a broker failure is logged and never fails the webhook.
type Publisher struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewPublisher(writer MessageWriter, logger *slog.Logger) *Publisher {
	return &Publisher{writer: writer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, record Record) {
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now()
	}

	value, err := json.Marshal(record)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error marshalling audit record", "error", err)
		publishErrorCounter.Inc()
		return
	}

	msg := kafka.Message{
		// Key by the external reference so records for one purchase or
		// subscription stay ordered within a partition.
		Key:   []byte(record.Reference),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.ErrorContext(ctx, "Error publishing audit record", "error", err)
		publishErrorCounter.Inc()
		return
	}

	publishSuccessCounter.Inc()
}
