package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/metrics"
	"github.com/tranquocviet1024/phoneshop/internal/service/inventory"
)

// Причины отмены, которые попадают в Order.CancelReason.
const (
	ReasonInsufficientStock = "insufficient_stock"
	ReasonPaymentFailed     = "payment_failed"
	ReasonPaymentCancelled  = "payment_cancelled"
)

// Result — итог оплаты или создания платёжной ссылки.
type Result struct {
	Order   domain.Order
	Payment domain.Payment
	// Replayed: запрос с тем же ключом уже был обработан, ничего не изменено.
	Replayed bool
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithAuditSink задаёт приёмник записей аудита.
func WithAuditSink(sink domain.AuditSink) Option {
	return func(o *Orchestrator) {
		o.audit = sink
	}
}

// WithClock подменяет часы (тесты).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator единственный меняет статусы заказа и платежа.
// Все операции берут блокировку строки заказа, затем строк товаров.
type Orchestrator struct {
	uow      domain.UnitOfWork
	payments domain.PaymentRepository
	gateway  domain.PaymentGateway
	ledger   *inventory.Ledger
	audit    domain.AuditSink
	metrics  *metrics.SettlementMetrics
	logger   *log.Entry
	tracer   trace.Tracer
	now      func() time.Time
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(
	uow domain.UnitOfWork,
	payments domain.PaymentRepository,
	gateway domain.PaymentGateway,
	ledger *inventory.Ledger,
	options ...Option,
) *Orchestrator {
	o := &Orchestrator{
		uow:      uow,
		payments: payments,
		gateway:  gateway,
		ledger:   ledger,
		tracer:   otel.Tracer("phoneshop/settlement"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(o)
	}
	if o.logger == nil {
		o.logger = log.WithField("component", "settlement")
	}
	if o.ledger == nil {
		o.ledger = inventory.NewLedger(inventory.WithMetrics(o.metrics))
	}
	return o
}

// changeSet накапливает записи аудита внутри транзакции.
// Отправляются только после commit, чтобы журнал не содержал откатанных изменений.
type changeSet struct {
	actor   string
	entries []domain.AuditEntry
}

func (c *changeSet) add(action, entityType, entityID string, before, after any) {
	c.entries = append(c.entries, domain.AuditEntry{
		ID:         uuid.NewString(),
		Actor:      c.actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     domain.Snapshot(before),
		After:      domain.Snapshot(after),
	})
}

func (o *Orchestrator) flush(ctx context.Context, changes *changeSet) {
	if o.audit == nil {
		return
	}
	now := o.now()
	for _, entry := range changes.entries {
		entry.Timestamp = now
		o.audit.Record(ctx, entry)
	}
}

// eventPayload — тело событий outbox.
type eventPayload struct {
	OrderID       string    `json:"order_id"`
	CustomerID    string    `json:"customer_id,omitempty"`
	PaymentID     string    `json:"payment_id,omitempty"`
	OrderStatus   string    `json:"order_status,omitempty"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	Method        string    `json:"method,omitempty"`
	AmountMinor   int64     `json:"amount_minor,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (o *Orchestrator) enqueue(ctx context.Context, tx domain.Tx, aggregateType, eventType string, order domain.Order, payment *domain.Payment, reason string) error {
	payload := eventPayload{
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		OrderStatus: string(order.Status),
		AmountMinor: order.FinalTotalMinor,
		Currency:    order.Currency,
		Reason:      reason,
		OccurredAt:  o.now(),
	}
	aggregateID := order.ID
	if payment != nil {
		payload.PaymentID = payment.ID
		payload.PaymentStatus = string(payment.Status)
		payload.Method = string(payment.Method)
		payload.AmountMinor = payment.AmountMinor
		if aggregateType == domain.AggregatePayment {
			aggregateID = payment.ID
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	if err := tx.EnqueueOutbox(ctx, domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		CreatedAt:     o.now(),
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	o.metrics.RecordOutboxEvent()
	return nil
}

// saveOrder сохраняет заказ и синхронизирует локальную версию с хранилищем.
func saveOrder(ctx context.Context, tx domain.Tx, order *domain.Order) error {
	if err := tx.SaveOrder(ctx, *order); err != nil {
		return err
	}
	order.Version++
	return nil
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (o *Orchestrator) step(name string, started time.Time) {
	o.metrics.RecordStepDuration(name, time.Since(started))
}
