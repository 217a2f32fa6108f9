package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в Kafka.
// Без фиксированного topic топик выбирается по типу агрегата.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт паблишер с маршрутизацией по агрегату.
func NewOutboxPublisher(producer *Producer) domain.OutboxPublisher {
	return &OutboxTopicPublisher{producer: producer}
}

// NewDLQPublisher создаёт паблишер, пишущий всё в один topic.
func NewDLQPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	if topic == "" {
		topic = TopicOutboxDLQ
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

// Publish отправляет событие в JSON-конверте. Ключом служит ID агрегата,
// поэтому события одного заказа попадают в одну партицию по порядку.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher: %w", ErrProducerNotConfigured)
	}

	topic := p.topic
	if topic == "" {
		topic = TopicForAggregate(event.AggregateType)
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	headers := map[string]string{
		HeaderEventType: event.EventType,
		HeaderEventID:   event.ID,
	}
	if event.Attempts > 0 {
		headers[HeaderRetryCount] = strconv.Itoa(event.Attempts)
	}

	return p.producer.PublishEvent(ctx, topic, key, NewEventEnvelope(event), headers)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
