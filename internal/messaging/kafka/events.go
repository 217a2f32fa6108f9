package kafka

import (
	"encoding/json"
	"time"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// Топики магазина.
const (
	TopicOrderEvents     = "shop.orders.events"
	TopicPaymentEvents   = "shop.payments.events"
	TopicOutboxDLQ       = "shop.outbox.dlq"
	TopicPaymentWebhooks = "shop.payments.webhooks"
	TopicWebhookDLQ      = "shop.payments.webhooks.dlq"
)

// Заголовки сообщений.
const (
	HeaderEventType     = "event-type"
	HeaderEventID       = "event-id"
	HeaderRetryCount    = "retry-count"
	HeaderOriginalTopic = "original-topic"
	HeaderError         = "error"
)

// TopicForAggregate выбирает топик по типу агрегата outbox.
func TopicForAggregate(aggregateType string) string {
	if aggregateType == domain.AggregatePayment {
		return TopicPaymentEvents
	}
	return TopicOrderEvents
}

// EventEnvelope — JSON-конверт события из outbox.
type EventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEventEnvelope собирает конверт из сообщения outbox.
func NewEventEnvelope(msg domain.OutboxMessage) EventEnvelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	return EventEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		OccurredAt:    msg.CreatedAt.UTC(),
		PublishedAt:   time.Now().UTC(),
	}
}

// WebhookMessage описывает проверенное уведомление шлюза, поставленное в очередь на сверку.
type WebhookMessage struct {
	GatewayOrderCode string                `json:"gateway_order_code"`
	Outcome          domain.GatewayOutcome `json:"outcome"`
	AmountMinor      int64                 `json:"amount_minor"`
	TransactionID    string                `json:"transaction_id,omitempty"`
	Payload          json.RawMessage       `json:"payload,omitempty"`
	ReceivedAt       time.Time             `json:"received_at"`
}
