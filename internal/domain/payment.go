package domain

import (
	"strings"
	"time"
)

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusPending — платёж создан, ждём подтверждения.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted — деньги получены.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed — шлюз сообщил об ошибке оплаты.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusCancelled — оплата отменена покупателем, шлюзом или компенсацией.
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Terminal сообщает, что платёж больше не изменится по сигналам шлюза.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// CanTransitionTo разрешает только переходы из pending.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return s == PaymentStatusPending && next.Terminal()
}

// PaymentMethod — способ оплаты заказа.
type PaymentMethod string

const (
	// PaymentMethodCOD — оплата при получении, подтверждается сразу.
	PaymentMethodCOD PaymentMethod = "cod"
	// PaymentMethodBankTransfer — банковский перевод, подтверждается сразу.
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	// PaymentMethodGateway — редирект на платёжный шлюз, подтверждается webhook.
	PaymentMethodGateway PaymentMethod = "gateway"
)

// ParsePaymentMethod нормализует способ оплаты из запроса.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch method {
	case PaymentMethodCOD, PaymentMethodBankTransfer, PaymentMethodGateway:
		return method, nil
	default:
		return "", ErrPaymentMethodInvalid
	}
}

// Direct сообщает, что способ подтверждается без шлюза.
func (m PaymentMethod) Direct() bool {
	return m == PaymentMethodCOD || m == PaymentMethodBankTransfer
}

// FailureReasonGatewayUnavailable — платёж аннулирован компенсацией после сбоя шлюза.
const FailureReasonGatewayUnavailable = "gateway_unavailable"

// Payment описывает платёж, связанный с заказом. На заказ не больше одного платежа.
type Payment struct {
	ID                   string
	OrderID              string
	CustomerID           string
	AmountMinor          int64
	Currency             string
	Method               PaymentMethod
	Status               PaymentStatus
	GatewayOrderCode     string
	GatewayTransactionID string
	CheckoutURL          string
	IdempotencyKey       string
	FailureReason        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Voided сообщает, что платёж аннулирован компенсацией и может быть переоткрыт.
func (p *Payment) Voided() bool {
	return p.Status == PaymentStatusCancelled && p.FailureReason == FailureReasonGatewayUnavailable
}

// TransitionTo меняет статус платежа, если переход разрешён.
func (p *Payment) TransitionTo(next PaymentStatus, now time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return &TransitionError{Entity: "payment", From: string(p.Status), To: string(next)}
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if p.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	switch p.Method {
	case PaymentMethodCOD, PaymentMethodBankTransfer, PaymentMethodGateway:
	default:
		errs = append(errs, ErrPaymentMethodInvalid)
	}
	if strings.TrimSpace(p.IdempotencyKey) == "" {
		errs = append(errs, ErrIdempotencyKeyRequired)
	}

	return errs
}

// GatewayOutcome — нормализованный исход оплаты со стороны шлюза.
type GatewayOutcome string

const (
	OutcomeCompleted GatewayOutcome = "completed"
	OutcomeFailed    GatewayOutcome = "failed"
	OutcomeCancelled GatewayOutcome = "cancelled"
	// OutcomePending — шлюз ещё не знает результата.
	OutcomePending GatewayOutcome = "pending"
)

// Valid проверяет, что исход известен.
func (o GatewayOutcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeCancelled, OutcomePending:
		return true
	default:
		return false
	}
}

// PaymentStatus сопоставляет исход шлюза статусу платежа.
func (o GatewayOutcome) PaymentStatus() PaymentStatus {
	switch o {
	case OutcomeCompleted:
		return PaymentStatusCompleted
	case OutcomeCancelled:
		return PaymentStatusCancelled
	case OutcomeFailed:
		return PaymentStatusFailed
	default:
		return PaymentStatusPending
	}
}
