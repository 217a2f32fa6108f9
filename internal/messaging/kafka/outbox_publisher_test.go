package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

func TestOutboxPublisher_RoutesByAggregate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		aggregate string
		topic     string
	}{
		{domain.AggregateOrder, TopicOrderEvents},
		{domain.AggregatePayment, TopicPaymentEvents},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.aggregate, func(t *testing.T) {
			t.Parallel()

			producer, mockProducer := newTestProducer(t)
			mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
				if msg.Topic != tc.topic {
					return errors.New("unexpected topic " + msg.Topic)
				}
				key, _ := msg.Key.Encode()
				if string(key) != "ORD-1" {
					return errors.New("message must be keyed by aggregate id")
				}
				if headerValue(msg, HeaderEventID) != "outbox-1" {
					return errors.New("event id header is missing")
				}
				return nil
			})

			err := NewOutboxPublisher(producer).Publish(context.Background(), domain.OutboxMessage{
				ID:            "outbox-1",
				AggregateType: tc.aggregate,
				AggregateID:   "ORD-1",
				EventType:     domain.EventOrderConfirmed,
				Payload:       []byte(`{"status":"confirmed"}`),
				CreatedAt:     time.Now(),
			})
			require.NoError(t, err)
			require.NoError(t, mockProducer.Close())
		})
	}
}

func TestOutboxPublisher_EnvelopeCarriesPayload(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newTestProducer(t)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var envelope EventEnvelope
		if err := json.Unmarshal(value, &envelope); err != nil {
			return err
		}
		if envelope.EventType != domain.EventPaymentCompleted || string(envelope.Payload) != `{"amount":100}` {
			return errors.New("envelope does not match outbox message")
		}
		return nil
	})

	err := NewOutboxPublisher(producer).Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: domain.AggregatePayment,
		AggregateID:   "pay-1",
		EventType:     domain.EventPaymentCompleted,
		Payload:       []byte(`{"amount":100}`),
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestOutboxPublisher_DLQUsesFixedTopic(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newTestProducer(t)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOutboxDLQ {
			return errors.New("unexpected topic " + msg.Topic)
		}
		if headerValue(msg, HeaderRetryCount) != "5" {
			return errors.New("retry count header is missing")
		}
		return nil
	})

	err := NewDLQPublisher(producer, "").Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-3",
		AggregateType: domain.AggregatePayment,
		AggregateID:   "pay-1",
		EventType:     domain.EventPaymentFailed,
		Payload:       []byte(`{}`),
		Attempts:      5,
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newTestProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := NewOutboxPublisher(producer).Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-4",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "ORD-2",
		EventType:     domain.EventOrderCancelled,
		Payload:       []byte(`{}`),
	})
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	err := NewOutboxPublisher(nil).Publish(context.Background(), domain.OutboxMessage{ID: "outbox-5"})
	require.ErrorIs(t, err, ErrProducerNotConfigured)
}

func TestNewEventEnvelope_InvalidPayloadBecomesNull(t *testing.T) {
	envelope := NewEventEnvelope(domain.OutboxMessage{ID: "x", Payload: []byte("{broken")})
	require.Equal(t, "null", string(envelope.Payload))
}
