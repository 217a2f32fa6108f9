package domain

import (
	"context"
	"time"
)

// UnitOfWork выполняет fn в одной транзакции хранилища.
// Ошибка из fn откатывает транзакцию, nil фиксирует её.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx — операции над строками внутри транзакции. Блокировки держатся до commit/rollback.
type Tx interface {
	// LockOrder блокирует строку заказа (SELECT ... FOR UPDATE).
	LockOrder(ctx context.Context, orderID string) (Order, error)
	// SaveOrder сохраняет заказ, заблокированный в этой транзакции.
	SaveOrder(ctx context.Context, order Order) error
	// LockProduct блокирует строку товара.
	LockProduct(ctx context.Context, productID string) (Product, error)
	// AdjustStock меняет остаток заблокированного товара на delta.
	AdjustStock(ctx context.Context, productID string, delta int64) error

	PaymentByOrder(ctx context.Context, orderID string) (Payment, error)
	PaymentByIdempotencyKey(ctx context.Context, key string) (Payment, error)
	InsertPayment(ctx context.Context, payment Payment) error
	SavePayment(ctx context.Context, payment Payment) error

	// EnqueueOutbox пишет событие в outbox атомарно с изменением состояния.
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) error
}

// OrderRepository — операции над заказами вне блокирующих транзакций.
type OrderRepository interface {
	// Create сохраняет новый заказ. ErrOrderAlreadyExists при повторе ID.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
}

// ProductRepository — представление каталога для проверки товаров.
type ProductRepository interface {
	Get(ctx context.Context, id string) (Product, error)
	// Create добавляет товар (синхронизация каталога, тесты).
	Create(ctx context.Context, product Product) error
}

// PaymentRepository — чтение платежей вне транзакций.
type PaymentRepository interface {
	Get(ctx context.Context, id string) (Payment, error)
	GetByOrder(ctx context.Context, orderID string) (Payment, error)
	GetByGatewayCode(ctx context.Context, code string) (Payment, error)
	// ListPendingBefore возвращает pending-платежи, созданные раньше before.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]Payment, error)
}

// AuditRepository — журнал аудита, только добавление.
type AuditRepository interface {
	Append(ctx context.Context, entry AuditEntry) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]AuditEntry, error)
}

// AuditSink принимает записи аудита, не блокируя основную операцию.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	// CreateProcessing регистрирует ключ. Для существующего ключа возвращает запись
	// и ErrIdempotencyKeyAlreadyExists либо ErrIdempotencyHashMismatch.
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	// Delete освобождает ключ для повторной попытки.
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет вычитывать события для публикации.
type OutboxRepository interface {
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// CheckoutRequest — параметры платёжной ссылки.
type CheckoutRequest struct {
	OrderID     string
	AmountMinor int64
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
}

// CheckoutSession — ответ шлюза на создание ссылки.
type CheckoutSession struct {
	CheckoutURL      string
	GatewayOrderCode string
}

// GatewayStatus — состояние платежа на стороне шлюза.
type GatewayStatus struct {
	Outcome       GatewayOutcome
	AmountMinor   int64
	TransactionID string
}

// PaymentGateway описывает внешний платёжный шлюз.
type PaymentGateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	Cancel(ctx context.Context, gatewayOrderCode, reason string) error
	GetStatus(ctx context.Context, gatewayOrderCode string) (GatewayStatus, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Attempts      int
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
