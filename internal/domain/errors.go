package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отсутствующего идентификатора товара в позиции.
	ErrProductIDRequired = errors.New("product_id is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка отрицательной суммы.
	ErrAmountNegative = errors.New("amount must be non-negative")
	// ErrTotalsMismatch нарушение finalTotal = subtotal + shipping + tax.
	ErrTotalsMismatch = errors.New("order totals do not add up")
	// ErrSubtotalMismatch подытог не совпадает с суммой позиций.
	ErrSubtotalMismatch = errors.New("order subtotal does not match items sum")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrPaymentMethodInvalid неизвестный способ оплаты.
	ErrPaymentMethodInvalid = errors.New("payment method is not supported")
	// ErrStockNegative остаток товара не может быть отрицательным.
	ErrStockNegative = errors.New("stock must be non-negative")
	// ErrGatewayCodeRequired уведомление шлюза без кода заказа.
	ErrGatewayCodeRequired = errors.New("gateway order code is required")
	// ErrOutcomeInvalid неизвестный исход платежа от шлюза.
	ErrOutcomeInvalid = errors.New("gateway outcome is not supported")

	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrProductNotFound возвращается, если товар отсутствует в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderAlreadyExists повторная вставка заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrPaymentAlreadyExists нарушение уникальности order_id / idempotency_key / gateway code.
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")

	// ErrForbidden вызывающий не владелец заказа и не привилегирован.
	ErrForbidden = errors.New("forbidden")
	// ErrAlreadySettled заказ уже оплачен; вместе с ошибкой возвращается существующий платёж.
	ErrAlreadySettled = errors.New("order already settled")
	// ErrInsufficientStock не хватает остатка хотя бы по одной позиции.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrGatewayUnavailable временная недоступность платёжного шлюза, запрос можно повторить.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrInvalidStateTransition переход запрещён машиной состояний.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrInvalidSignature подпись webhook не совпала.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// InsufficientStockError описывает позицию, по которой не хватило остатка.
type InsufficientStockError struct {
	ProductID string
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

// Is позволяет сравнивать через errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// AlreadySettledError несёт платёж, которым заказ уже был оплачен.
type AlreadySettledError struct {
	Payment Payment
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("order %s already settled by payment %s", e.Payment.OrderID, e.Payment.ID)
}

func (e *AlreadySettledError) Is(target error) bool {
	return target == ErrAlreadySettled
}

// TransitionError детализирует запрещённый переход.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict сообщает, что ключ уже использован (в том числе с другим телом запроса).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsConflict объединяет бизнес-конфликты, которые не стоит повторять.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		IsVersionConflict(err)
}
