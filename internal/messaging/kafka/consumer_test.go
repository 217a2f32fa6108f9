package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error {
	return m.errorsCh
}

func (m *mockConsumerGroup) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	if m.errorsCh != nil {
		close(m.errorsCh)
	}
	return nil
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.marked = append(m.marked, msg)
}

type mockClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return m.topic }
func (m *mockClaim) Partition() int32                         { return m.partition }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func okHandler(context.Context, *sarama.ConsumerMessage) error { return nil }

func TestNewConsumerErrors(t *testing.T) {
	_, err := NewConsumer([]string{"invalid-broker:9092"}, "group", []string{"topic"}, okHandler)
	require.Error(t, err)
}

func TestNewConsumerOptions(t *testing.T) {
	producer, _ := newTestProducer(t)
	consumer := newConsumer(&mockConsumerGroup{}, []string{TopicPaymentWebhooks}, okHandler,
		WithDLQ(producer, "custom.dlq"),
		WithMaxRetries(5),
		WithRetryDelay(time.Second),
		WithConsumerLogger(log.WithField("test", "options")),
	)
	require.Equal(t, 5, consumer.maxRetries)
	require.Equal(t, time.Second, consumer.retryDelay)
	require.Equal(t, "custom.dlq", consumer.dlqTopic)
	require.Same(t, producer, consumer.dlqProducer)

	defaults := newConsumer(&mockConsumerGroup{}, nil, okHandler, WithMaxRetries(0), WithRetryDelay(-1))
	require.Equal(t, defaultMaxRetries, defaults.maxRetries)
	require.Equal(t, defaultRetryDelay, defaults.retryDelay)
	require.Equal(t, TopicWebhookDLQ, defaults.dlqTopic)
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumeCalls := 0
	errorsCh := make(chan error, 1)
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(_ context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
			consumeCalls++
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := newConsumer(group, []string{"topic-a"}, okHandler, WithMaxRetries(2))

	errorsCh <- errors.New("background error")
	require.NoError(t, consumer.Start(ctx))
	require.NoError(t, consumer.Stop())
	require.NotZero(t, consumeCalls)
}

func TestConsumerStopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &mockConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}
	consumer := &Consumer{consumer: group, logger: log.WithField("test", "stop")}
	require.Error(t, consumer.Stop())
}

func TestConsumerSetupCleanup(t *testing.T) {
	consumer := &Consumer{}
	require.NoError(t, consumer.Setup(nil))
	require.NoError(t, consumer.Cleanup(nil))
}

func TestConsumeClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := newConsumer(&mockConsumerGroup{}, nil, okHandler)

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Partition: 0, Offset: 1, Key: []byte("k"), Value: []byte("v")}
	close(claim.messages)

	require.NoError(t, consumer.ConsumeClaim(session, claim))
	require.Len(t, session.marked, 1)
}

func TestConsumeClaimFailedHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := newConsumer(&mockConsumerGroup{}, nil,
		func(context.Context, *sarama.ConsumerMessage) error { return errors.New("failed") },
		WithMaxRetries(1), WithRetryDelay(0))

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Partition: 0, Offset: 1, Key: []byte("k"), Value: []byte("v")}
	close(claim.messages)

	require.NoError(t, consumer.ConsumeClaim(session, claim))
	require.Empty(t, session.marked, "failed message without DLQ must not be marked")
}

func TestHandleMessageWithRetry(t *testing.T) {
	msg := &sarama.ConsumerMessage{Topic: "topic", Key: []byte("key"), Value: []byte(`{"a":1}`)}

	t.Run("success", func(t *testing.T) {
		consumer := newConsumer(&mockConsumerGroup{}, nil, okHandler, WithMaxRetries(2))
		require.NoError(t, consumer.handleMessageWithRetry(context.Background(), msg))
	})

	t.Run("retries until success", func(t *testing.T) {
		attempts := 0
		consumer := newConsumer(&mockConsumerGroup{}, nil, func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary")
			}
			return nil
		}, WithMaxRetries(3), WithRetryDelay(0))
		require.NoError(t, consumer.handleMessageWithRetry(context.Background(), msg))
		require.Equal(t, 3, attempts)
	})

	t.Run("header counts previous attempts", func(t *testing.T) {
		retryingMessage := &sarama.ConsumerMessage{
			Topic:   "topic",
			Key:     []byte("key"),
			Value:   []byte("{}"),
			Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("1")}},
		}
		attempts := 0
		consumer := newConsumer(&mockConsumerGroup{}, nil, func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			return errors.New("temporary")
		}, WithMaxRetries(3), WithRetryDelay(0))
		require.Error(t, consumer.handleMessageWithRetry(context.Background(), retryingMessage))
		require.Equal(t, 2, attempts)
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
			if m.Topic != TopicWebhookDLQ {
				return errors.New("unexpected topic " + m.Topic)
			}
			if headerValue(m, HeaderRetryCount) != "1" || headerValue(m, HeaderOriginalTopic) != "topic" {
				return errors.New("dlq headers are missing")
			}
			return nil
		})
		attempts := 0
		consumer := newConsumer(&mockConsumerGroup{}, nil, func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			return Permanent(errors.New("malformed"))
		}, WithMaxRetries(5), WithRetryDelay(0),
			WithDLQ(&Producer{producer: mockProducer, logger: log.WithField("test", "dlq")}, ""))

		require.NoError(t, consumer.handleMessageWithRetry(context.Background(), msg))
		require.Equal(t, 1, attempts)
		require.NoError(t, mockProducer.Close())
	})

	t.Run("max retries with dlq failure", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		consumer := newConsumer(&mockConsumerGroup{}, nil,
			func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			WithMaxRetries(2), WithRetryDelay(0),
			WithDLQ(&Producer{producer: mockProducer, logger: log.WithField("test", "dlq")}, ""))

		require.Error(t, consumer.handleMessageWithRetry(context.Background(), msg))
		require.NoError(t, mockProducer.Close())
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		consumer := newConsumer(&mockConsumerGroup{}, nil, func(context.Context, *sarama.ConsumerMessage) error {
			cancel()
			return errors.New("temporary")
		}, WithMaxRetries(3), WithRetryDelay(time.Hour))
		require.ErrorIs(t, consumer.handleMessageWithRetry(ctx, msg), context.Canceled)
	})
}

func TestGetRetryCount(t *testing.T) {
	consumer := &Consumer{}

	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("5")}}}
	require.Equal(t, 5, consumer.getRetryCount(msg))

	msgInvalid := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("bad")}}}
	require.Zero(t, consumer.getRetryCount(msgInvalid))
}

func TestConsumeClaimStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := newConsumer(&mockConsumerGroup{}, nil, okHandler, WithMaxRetries(1))
	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}
