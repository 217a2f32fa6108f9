package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/service/settlement"
)

// Reconciler применяет исход оплаты к платежу.
type Reconciler interface {
	Reconcile(ctx context.Context, gatewayOrderCode string, signal settlement.Signal) (settlement.ReconcileResult, error)
}

// WebhookPublisher ставит проверенные уведомления шлюза в очередь.
type WebhookPublisher struct {
	producer *Producer
	topic    string
}

// NewWebhookPublisher создаёт паблишер в TopicPaymentWebhooks.
func NewWebhookPublisher(producer *Producer) *WebhookPublisher {
	return &WebhookPublisher{producer: producer, topic: TopicPaymentWebhooks}
}

// Publish отправляет уведомление. Ключом служит код шлюза: уведомления одного
// платежа обрабатываются по порядку.
func (p *WebhookPublisher) Publish(ctx context.Context, msg WebhookMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka webhook publisher: %w", ErrProducerNotConfigured)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	return p.producer.PublishEvent(ctx, p.topic, msg.GatewayOrderCode, msg, map[string]string{
		HeaderEventType: "payment.webhook." + string(msg.Outcome),
	})
}

// ParseWebhookMessage разбирает сообщение из TopicPaymentWebhooks.
func ParseWebhookMessage(message *sarama.ConsumerMessage) (*WebhookMessage, error) {
	var msg WebhookMessage
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal webhook message: %w", err)
	}
	return &msg, nil
}

// NewWebhookHandler возвращает обработчик, применяющий уведомления через Reconcile.
// Битые сообщения и невалидные исходы сразу уходят в DLQ, остальные ошибки повторяются.
func NewWebhookHandler(reconciler Reconciler, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "webhook-consumer")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		msg, err := ParseWebhookMessage(message)
		if err != nil {
			return Permanent(err)
		}
		if strings.TrimSpace(msg.GatewayOrderCode) == "" {
			return Permanent(domain.ErrGatewayCodeRequired)
		}

		result, err := reconciler.Reconcile(ctx, msg.GatewayOrderCode, settlement.Signal{
			Outcome:       msg.Outcome,
			AmountMinor:   msg.AmountMinor,
			TransactionID: msg.TransactionID,
			Payload:       msg.Payload,
		})
		if err != nil {
			if errors.Is(err, domain.ErrOutcomeInvalid) || errors.Is(err, domain.ErrGatewayCodeRequired) {
				return Permanent(err)
			}
			return fmt.Errorf("reconcile %s: %w", msg.GatewayOrderCode, err)
		}

		logger.WithFields(log.Fields{
			"gateway_order_code": msg.GatewayOrderCode,
			"outcome":            msg.Outcome,
			"status":             result.Status,
		}).Debug("webhook reconciled")
		return nil
	}
}
