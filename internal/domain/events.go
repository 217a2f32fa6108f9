package domain

// Типы агрегатов в outbox.
const (
	AggregateOrder   = "order"
	AggregatePayment = "payment"
)

// Типы событий, которые пишутся в outbox вместе с изменением состояния.
const (
	EventOrderConfirmed = "order.confirmed"
	EventOrderCancelled = "order.cancelled"
	EventOrderShipped   = "order.shipped"
	EventOrderDelivered = "order.delivered"

	EventPaymentPending   = "payment.pending"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
	// EventPaymentOrphaned деньги получены по уже аннулированному платежу, нужен ручной возврат.
	EventPaymentOrphaned = "payment.orphaned"
)
