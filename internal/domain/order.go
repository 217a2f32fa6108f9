package domain

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, сток не списан.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — сток списан, оплата подтверждена.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ доставлен (терминальное состояние).
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён (терминальное состояние).
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderPaymentStatus — ось оплаты заказа, движется только вперёд.
type OrderPaymentStatus string

const (
	OrderPaymentPending   OrderPaymentStatus = "pending"
	OrderPaymentCompleted OrderPaymentStatus = "completed"
	OrderPaymentFailed    OrderPaymentStatus = "failed"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered},
}

// CanTransitionTo проверяет переход по машине состояний заказа.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal сообщает, что из состояния нет переходов.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// Valid проверяет, что статус известен.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo разрешает только pending -> completed|failed.
func (s OrderPaymentStatus) CanTransitionTo(next OrderPaymentStatus) bool {
	return s == OrderPaymentPending && (next == OrderPaymentCompleted || next == OrderPaymentFailed)
}

// OrderItem — позиция заказа. Цена фиксируется при создании и больше не пересчитывается.
type OrderItem struct {
	ProductID      string
	Quantity       int64
	UnitPriceMinor int64
}

// LineTotalMinor возвращает стоимость позиции.
func (i OrderItem) LineTotalMinor() int64 {
	return i.Quantity * i.UnitPriceMinor
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID            string
	CustomerID    string
	Items         []OrderItem
	Status        OrderStatus
	PaymentStatus OrderPaymentStatus
	Currency      string

	SubtotalMinor   int64
	ShippingMinor   int64
	TaxMinor        int64
	FinalTotalMinor int64

	// StockReserved выставляется в той же транзакции, что и списание стока,
	// и снимается вместе с возвратом.
	StockReserved bool
	CancelReason  string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrderID генерирует человекочитаемый сортируемый идентификатор.
func NewOrderID() string {
	return "ORD-" + ulid.Make().String()
}

// StockLines возвращает позиции в виде строк складского списания.
func (o *Order) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}

// OwnedBy проверяет владельца заказа.
func (o *Order) OwnedBy(customerID string) bool {
	return customerID != "" && o.CustomerID == customerID
}

// TransitionTo меняет статус заказа, если переход разрешён.
func (o *Order) TransitionTo(next OrderStatus, now time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return &TransitionError{Entity: "order", From: string(o.Status), To: string(next)}
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// SetPaymentStatus двигает ось оплаты только вперёд.
func (o *Order) SetPaymentStatus(next OrderPaymentStatus, now time.Time) error {
	if o.PaymentStatus == next {
		return nil
	}
	if !o.PaymentStatus.CanTransitionTo(next) {
		return &TransitionError{Entity: "order payment", From: string(o.PaymentStatus), To: string(next)}
	}
	o.PaymentStatus = next
	o.UpdatedAt = now
	return nil
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	out := o
	out.Items = append([]OrderItem(nil), o.Items...)
	return out
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.CustomerID) == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if strings.TrimSpace(o.Currency) == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	var calc int64
	for _, item := range o.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			errs = append(errs, ErrProductIDRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += item.LineTotalMinor()
	}
	if calc != o.SubtotalMinor {
		errs = append(errs, ErrSubtotalMismatch)
	}
	if o.SubtotalMinor < 0 || o.ShippingMinor < 0 || o.TaxMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if o.FinalTotalMinor != o.SubtotalMinor+o.ShippingMinor+o.TaxMinor {
		errs = append(errs, ErrTotalsMismatch)
	}

	return errs
}
