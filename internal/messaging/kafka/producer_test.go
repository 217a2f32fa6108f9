package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mockProducer := mocks.NewSyncProducer(t, nil)
	return &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-producer-test"),
	}, mockProducer
}

func headerValue(msg *sarama.ProducerMessage, key string) string {
	for _, h := range msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestProducer_PublishEvent(t *testing.T) {
	producer, mockProducer := newTestProducer(t)

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicPaymentWebhooks {
			return errors.New("unexpected topic " + msg.Topic)
		}
		if headerValue(msg, HeaderEventType) != "payment.webhook.completed" {
			return errors.New("event type header is missing")
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var decoded WebhookMessage
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if decoded.GatewayOrderCode != "100001" {
			return errors.New("unexpected gateway code")
		}
		return nil
	})

	err := producer.PublishEvent(context.Background(), TopicPaymentWebhooks, "100001",
		WebhookMessage{GatewayOrderCode: "100001", Outcome: "completed"},
		map[string]string{HeaderEventType: "payment.webhook.completed"})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	producer, mockProducer := newTestProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(context.Background(), TopicOrderEvents, "ORD-1", map[string]string{"a": "b"}, nil)
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_CancelledContextSkipsSend(t *testing.T) {
	producer, mockProducer := newTestProducer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := producer.PublishRaw(ctx, TopicOrderEvents, "ORD-1", []byte("{}"), nil)
	require.ErrorIs(t, err, context.Canceled)
	// ожиданий не было, Close проверит, что отправки тоже не было
	require.NoError(t, mockProducer.Close())
}

func TestProducer_NilIsNotConfigured(t *testing.T) {
	var producer *Producer
	require.ErrorIs(t, producer.PublishRaw(context.Background(), TopicOrderEvents, "k", nil, nil), ErrProducerNotConfigured)
	require.NoError(t, producer.Close())
}

func TestNewProducerInvalidBroker(t *testing.T) {
	_, err := NewProducer([]string{"invalid-broker:9092"}, "phoneshop-test")
	require.Error(t, err)
}
