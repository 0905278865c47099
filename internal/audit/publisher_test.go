package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func TestPublish(t *testing.T) {
	writer := &fakeWriter{}
	sut := NewPublisher(writer, slog.Default())

	sut.Publish(context.Background(), Record{
		EventID:   "evt_1",
		EventType: "payment_intent.succeeded",
		Entity:    EntityPurchase,
		Reference: "pi_123",
		Outcome:   "created",
	})

	assert.Len(t, writer.messages, 1)
	assert.Equal(t, "pi_123", string(writer.messages[0].Key))

	var record Record
	assert.NoError(t, json.Unmarshal(writer.messages[0].Value, &record))
	assert.Equal(t, "evt_1", record.EventID)
	assert.Equal(t, EntityPurchase, record.Entity)
	assert.False(t, record.OccurredAt.IsZero())
}

func TestPublish_WriterFailureIsSwallowed(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker unavailable")}
	sut := NewPublisher(writer, slog.Default())

	sut.Publish(context.Background(), Record{
		EventID:   "evt_1",
		Entity:    EntityProfile,
		Reference: "sub_1",
		Outcome:   "canceled",
	})

	assert.Empty(t, writer.messages)
}
