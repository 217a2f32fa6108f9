package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

const remoteCancelTimeout = 5 * time.Second

var errStaleCheckout = errors.New("payment changed while checkout link was being created")

// Settle оплачивает заказ. Прямые способы (cod, bank_transfer) подтверждают заказ
// в той же транзакции, gateway делегирует CreateGatewayCheckout.
func (o *Orchestrator) Settle(ctx context.Context, actor domain.Actor, orderID string, method domain.PaymentMethod, idempotencyKey string) (Result, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Result{}, domain.ErrOrderIDRequired
	}
	if method == domain.PaymentMethodGateway {
		return o.CreateGatewayCheckout(ctx, actor, orderID, idempotencyKey)
	}
	if !method.Direct() {
		return Result{}, domain.ErrPaymentMethodInvalid
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key = "auto-" + uuid.NewString()
	}

	ctx, span := o.startSpan(ctx, "settlement.Settle",
		attribute.String("order.id", orderID),
		attribute.String("payment.method", string(method)),
	)
	started := time.Now()
	o.metrics.RecordInFlightStarted()
	defer o.metrics.RecordInFlightFinished()

	var (
		result    Result
		changes   = &changeSet{actor: actor.String()}
		staleCode string
	)
	err := o.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		changes.entries = nil
		staleCode = ""

		order, err := o.lockForSettlement(ctx, tx, actor, orderID)
		if err != nil {
			return err
		}
		if replay, ok, err := replayByKey(ctx, tx, orderID, key); err != nil || ok {
			result = Result{Order: order, Payment: replay, Replayed: ok}
			return err
		}
		if err := ensureSettleable(ctx, tx, order); err != nil {
			return err
		}
		existing, found, err := paymentByOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		before := order.Clone()
		stepStarted := time.Now()
		if err := o.ledger.ReserveOrder(ctx, tx, &order); err != nil {
			return err
		}
		o.step("reserve", stepStarted)
		if !before.StockReserved {
			changes.add(domain.AuditActionStockReserved, domain.AuditEntityOrder, order.ID, nil, order.StockLines())
		}

		now := o.now()
		payment := domain.Payment{ID: uuid.NewString(), CreatedAt: now}
		var paymentBefore any
		if found {
			paymentBefore = existing
			payment = existing
			// живую ссылку шлюза закрываем после commit
			if existing.Status == domain.PaymentStatusPending && existing.GatewayOrderCode != "" {
				staleCode = existing.GatewayOrderCode
			}
		}
		payment.OrderID = order.ID
		payment.CustomerID = order.CustomerID
		payment.AmountMinor = order.FinalTotalMinor
		payment.Currency = order.Currency
		payment.Method = method
		payment.Status = domain.PaymentStatusCompleted
		payment.IdempotencyKey = key
		// код заменённой ссылки остаётся только в истории: оплата по нему станет orphaned
		payment.GatewayOrderCode = ""
		payment.GatewayTransactionID = ""
		payment.CheckoutURL = ""
		payment.FailureReason = ""
		payment.UpdatedAt = now
		if err := o.storePayment(ctx, tx, payment, found, changes, paymentBefore); err != nil {
			return err
		}

		if err := order.TransitionTo(domain.OrderStatusConfirmed, now); err != nil {
			return err
		}
		if err := order.SetPaymentStatus(domain.OrderPaymentCompleted, now); err != nil {
			return err
		}
		if err := saveOrder(ctx, tx, &order); err != nil {
			return err
		}
		changes.add(domain.AuditActionOrderSettled, domain.AuditEntityOrder, order.ID, before, order)

		if err := o.enqueue(ctx, tx, domain.AggregatePayment, domain.EventPaymentCompleted, order, &payment, ""); err != nil {
			return err
		}
		if err := o.enqueue(ctx, tx, domain.AggregateOrder, domain.EventOrderConfirmed, order, &payment, ""); err != nil {
			return err
		}

		result = Result{Order: order, Payment: payment}
		return nil
	})
	o.metrics.RecordSettleDuration(time.Since(started))

	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			o.cancelForStock(ctx, actor, orderID, err)
		}
		o.metrics.RecordSettlement(string(method), outcomeLabel(err))
		endSpan(span, err)
		return Result{}, err
	}

	o.flush(ctx, changes)
	if staleCode != "" {
		o.cancelRemote(ctx, staleCode, "settled_by_"+string(method))
	}
	if result.Replayed {
		o.metrics.RecordSettlement(string(method), "replayed")
	} else {
		o.metrics.RecordSettlement(string(method), "completed")
		o.logger.WithFields(log.Fields{
			"order_id":   orderID,
			"payment_id": result.Payment.ID,
			"method":     method,
			"actor":      actor.String(),
		}).Info("order settled")
	}
	endSpan(span, nil)
	return result, nil
}

// CreateGatewayCheckout резервирует сток и создаёт платёжную ссылку.
//
// Порядок фиксирован: транзакция (резерв + pending-платёж) → commit → вызов шлюза →
// короткая транзакция с кодом шлюза. Если шлюз не ответил, компенсация возвращает
// сток и аннулирует платёж; заказ остаётся pending и доступен для повтора.
func (o *Orchestrator) CreateGatewayCheckout(ctx context.Context, actor domain.Actor, orderID, idempotencyKey string) (Result, error) {
	orderID = strings.TrimSpace(orderID)
	key := strings.TrimSpace(idempotencyKey)
	if orderID == "" {
		return Result{}, domain.ErrOrderIDRequired
	}
	if key == "" {
		return Result{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, span := o.startSpan(ctx, "settlement.CreateGatewayCheckout", attribute.String("order.id", orderID))
	started := time.Now()
	o.metrics.RecordInFlightStarted()
	defer o.metrics.RecordInFlightFinished()
	method := string(domain.PaymentMethodGateway)

	var (
		result  Result
		changes = &changeSet{actor: actor.String()}
		order   domain.Order
		payment domain.Payment
	)
	err := o.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		changes.entries = nil
		result = Result{}

		locked, err := o.lockForSettlement(ctx, tx, actor, orderID)
		if err != nil {
			return err
		}
		order = locked
		if replay, ok, err := replayByKey(ctx, tx, orderID, key); err != nil || ok {
			result = Result{Order: order, Payment: replay, Replayed: ok}
			return err
		}
		if err := ensureSettleable(ctx, tx, order); err != nil {
			return err
		}
		existing, found, err := paymentByOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if found && !existing.Status.Terminal() {
			result = Result{Order: order, Payment: existing, Replayed: true}
			return nil
		}

		before := order.Clone()
		stepStarted := time.Now()
		if err := o.ledger.ReserveOrder(ctx, tx, &order); err != nil {
			return err
		}
		o.step("reserve", stepStarted)

		now := o.now()
		payment = domain.Payment{ID: uuid.NewString(), CreatedAt: now}
		var paymentBefore any
		if found {
			// аннулированный компенсацией платёж открывается заново,
			// возраст попытки для сверки считается с этого момента
			paymentBefore = existing
			payment = existing
			payment.CreatedAt = now
		}
		payment.OrderID = order.ID
		payment.CustomerID = order.CustomerID
		payment.AmountMinor = order.FinalTotalMinor
		payment.Currency = order.Currency
		payment.Method = domain.PaymentMethodGateway
		payment.Status = domain.PaymentStatusPending
		payment.IdempotencyKey = key
		payment.GatewayOrderCode = ""
		payment.GatewayTransactionID = ""
		payment.CheckoutURL = ""
		payment.FailureReason = ""
		payment.UpdatedAt = now
		if err := o.storePayment(ctx, tx, payment, found, changes, paymentBefore); err != nil {
			return err
		}

		if order.StockReserved != before.StockReserved {
			if err := saveOrder(ctx, tx, &order); err != nil {
				return err
			}
			changes.add(domain.AuditActionStockReserved, domain.AuditEntityOrder, order.ID, before, order)
		}
		return o.enqueue(ctx, tx, domain.AggregatePayment, domain.EventPaymentPending, order, &payment, "")
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			o.cancelForStock(ctx, actor, orderID, err)
		}
		o.metrics.RecordSettlement(method, outcomeLabel(err))
		o.metrics.RecordSettleDuration(time.Since(started))
		endSpan(span, err)
		return Result{}, err
	}
	o.flush(ctx, changes)
	if result.Replayed {
		o.metrics.RecordSettlement(method, "replayed")
		o.metrics.RecordSettleDuration(time.Since(started))
		endSpan(span, nil)
		return result, nil
	}

	stepStarted := time.Now()
	session, gwErr := o.gateway.CreateCheckout(ctx, domain.CheckoutRequest{
		OrderID:     order.ID,
		AmountMinor: payment.AmountMinor,
		Currency:    payment.Currency,
		Description: order.ID,
	})
	o.step("gateway_checkout", stepStarted)
	if gwErr != nil {
		o.logger.WithError(gwErr).WithField("order_id", order.ID).Warn("gateway checkout failed, compensating")
		if cerr := o.Compensate(ctx, actor, order.ID, payment.ID); cerr != nil {
			o.logger.WithError(cerr).WithField("order_id", order.ID).Error("compensation failed, left for reconciliation sweep")
		}
		err := asGatewayUnavailable(gwErr)
		o.metrics.RecordSettlement(method, outcomeLabel(err))
		o.metrics.RecordSettleDuration(time.Since(started))
		endSpan(span, err)
		return Result{}, err
	}

	result, err = o.attachSession(ctx, actor, order.ID, payment.ID, session)
	o.metrics.RecordSettleDuration(time.Since(started))
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id":   order.ID,
			"order_code": session.GatewayOrderCode,
		}).Warn("checkout link not recorded, cancelling it")
		o.cancelRemote(ctx, session.GatewayOrderCode, "checkout_not_recorded")
		if !errors.Is(err, errStaleCheckout) {
			if cerr := o.Compensate(ctx, actor, order.ID, payment.ID); cerr != nil {
				o.logger.WithError(cerr).WithField("order_id", order.ID).Error("compensation failed, left for reconciliation sweep")
			}
		}
		err = asGatewayUnavailable(err)
		o.metrics.RecordSettlement(method, outcomeLabel(err))
		endSpan(span, err)
		return Result{}, err
	}

	o.metrics.RecordSettlement(method, "pending")
	o.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"payment_id": result.Payment.ID,
		"order_code": session.GatewayOrderCode,
	}).Info("checkout link created")
	span.SetAttributes(attribute.String("gateway.order_code", session.GatewayOrderCode))
	endSpan(span, nil)
	return result, nil
}

// attachSession сохраняет корреляционные поля шлюза в pending-платёж.
func (o *Orchestrator) attachSession(ctx context.Context, actor domain.Actor, orderID, paymentID string, session domain.CheckoutSession) (Result, error) {
	var (
		result  Result
		changes = &changeSet{actor: actor.String()}
	)
	err := o.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		changes.entries = nil

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		payment, err := tx.PaymentByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if payment.ID != paymentID || payment.Status != domain.PaymentStatusPending || payment.GatewayOrderCode != "" {
			return errStaleCheckout
		}

		before := payment
		payment.GatewayOrderCode = session.GatewayOrderCode
		payment.CheckoutURL = session.CheckoutURL
		payment.UpdatedAt = o.now()
		if err := tx.SavePayment(ctx, payment); err != nil {
			return fmt.Errorf("save checkout session: %w", err)
		}
		changes.add(domain.AuditActionPaymentUpdated, domain.AuditEntityPayment, payment.ID, before, payment)

		result = Result{Order: order, Payment: payment}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	o.flush(ctx, changes)
	return result, nil
}

// Compensate возвращает сток и аннулирует pending-платёж после сбоя шлюза.
// Уже разрешённый платёж не трогает, поэтому вызов безопасно повторять.
func (o *Orchestrator) Compensate(ctx context.Context, actor domain.Actor, orderID, paymentID string) error {
	changes := &changeSet{actor: actor.String()}
	compensated := false

	err := o.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		changes.entries = nil
		compensated = false

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		payment, err := tx.PaymentByOrder(ctx, orderID)
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if payment.ID != paymentID || payment.Status != domain.PaymentStatusPending {
			return nil
		}

		now := o.now()
		before := order.Clone()
		paymentBefore := payment
		restored, err := o.ledger.Restore(ctx, tx, &order)
		if err != nil {
			return err
		}
		if restored {
			order.UpdatedAt = now
			if err := saveOrder(ctx, tx, &order); err != nil {
				return err
			}
			changes.add(domain.AuditActionStockRestored, domain.AuditEntityOrder, order.ID, before, order)
		}

		if err := payment.TransitionTo(domain.PaymentStatusCancelled, now); err != nil {
			return err
		}
		payment.FailureReason = domain.FailureReasonGatewayUnavailable
		if err := tx.SavePayment(ctx, payment); err != nil {
			return err
		}
		changes.add(domain.AuditActionPaymentVoided, domain.AuditEntityPayment, payment.ID, paymentBefore, payment)

		compensated = true
		return o.enqueue(ctx, tx, domain.AggregatePayment, domain.EventPaymentCancelled, order, &payment, domain.FailureReasonGatewayUnavailable)
	})
	if err != nil {
		return err
	}
	o.flush(ctx, changes)
	if compensated {
		o.metrics.RecordCompensation()
		o.logger.WithFields(log.Fields{
			"order_id":   orderID,
			"payment_id": paymentID,
		}).Info("settlement compensated")
	}
	return nil
}

// cancelForStock отдельной транзакцией переводит заказ в cancelled/failed,
// если остатка не хватило. Ошибки только логируются: исходная ошибка уже у клиента.
func (o *Orchestrator) cancelForStock(ctx context.Context, actor domain.Actor, orderID string, cause error) {
	changes := &changeSet{actor: actor.String()}
	err := o.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		changes.entries = nil

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		// заказ успел продвинуться в другой транзакции
		if order.Status != domain.OrderStatusPending || order.StockReserved {
			return nil
		}

		now := o.now()
		before := order.Clone()
		if err := order.TransitionTo(domain.OrderStatusCancelled, now); err != nil {
			return err
		}
		if err := order.SetPaymentStatus(domain.OrderPaymentFailed, now); err != nil {
			return err
		}
		order.CancelReason = ReasonInsufficientStock
		if err := saveOrder(ctx, tx, &order); err != nil {
			return err
		}
		changes.add(domain.AuditActionOrderCancelled, domain.AuditEntityOrder, order.ID, before, order)
		return o.enqueue(ctx, tx, domain.AggregateOrder, domain.EventOrderCancelled, order, nil, cause.Error())
	})
	if err != nil {
		o.logger.WithError(err).WithField("order_id", orderID).Error("failed to cancel order after insufficient stock")
		return
	}
	o.flush(ctx, changes)
}

func (o *Orchestrator) lockForSettlement(ctx context.Context, tx domain.Tx, actor domain.Actor, orderID string) (domain.Order, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !actor.CanAccess(order) {
		return domain.Order{}, domain.ErrForbidden
	}
	return order, nil
}

func (o *Orchestrator) storePayment(ctx context.Context, tx domain.Tx, payment domain.Payment, exists bool, changes *changeSet, before any) error {
	if exists {
		if err := tx.SavePayment(ctx, payment); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		changes.add(domain.AuditActionPaymentUpdated, domain.AuditEntityPayment, payment.ID, before, payment)
		return nil
	}
	if err := tx.InsertPayment(ctx, payment); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	changes.add(domain.AuditActionPaymentCreated, domain.AuditEntityPayment, payment.ID, nil, payment)
	return nil
}

// replayByKey ищет платёж по ключу идемпотентности.
// Аннулированный компенсацией платёж не воспроизводится, а открывается заново.
func replayByKey(ctx context.Context, tx domain.Tx, orderID, key string) (domain.Payment, bool, error) {
	payment, err := tx.PaymentByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.Payment{}, false, nil
	}
	if err != nil {
		return domain.Payment{}, false, err
	}
	if payment.OrderID != orderID {
		return domain.Payment{}, false, fmt.Errorf("%w: key belongs to another order", domain.ErrIdempotencyHashMismatch)
	}
	if payment.Voided() {
		return domain.Payment{}, false, nil
	}
	return payment, true, nil
}

// ensureSettleable отсекает оплаченные и отменённые заказы.
func ensureSettleable(ctx context.Context, tx domain.Tx, order domain.Order) error {
	if order.PaymentStatus == domain.OrderPaymentCompleted {
		payment, err := tx.PaymentByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		return &domain.AlreadySettledError{Payment: payment}
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusConfirmed) {
		return &domain.TransitionError{Entity: "order", From: string(order.Status), To: string(domain.OrderStatusConfirmed)}
	}
	return nil
}

func paymentByOrder(ctx context.Context, tx domain.Tx, orderID string) (domain.Payment, bool, error) {
	payment, err := tx.PaymentByOrder(ctx, orderID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.Payment{}, false, nil
	}
	if err != nil {
		return domain.Payment{}, false, err
	}
	return payment, true, nil
}

// cancelRemote закрывает ссылку на стороне шлюза. Ошибки только логируются.
func (o *Orchestrator) cancelRemote(ctx context.Context, gatewayOrderCode, reason string) {
	if gatewayOrderCode == "" || o.gateway == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteCancelTimeout)
	defer cancel()

	if err := o.gateway.Cancel(ctx, gatewayOrderCode, reason); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_code": gatewayOrderCode,
			"reason":     reason,
		}).Warn("failed to cancel checkout link at gateway")
	}
}

func asGatewayUnavailable(err error) error {
	if errors.Is(err, domain.ErrGatewayUnavailable) {
		return fmt.Errorf("create checkout: %w", err)
	}
	return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}
