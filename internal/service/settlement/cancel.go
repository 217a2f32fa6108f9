package settlement

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// Cancel отменяет неоплаченный заказ: возвращает сток, если он был списан,
// и отменяет pending-платёж. Повторная отмена ничего не меняет.
func (o *Orchestrator) Cancel(ctx context.Context, actor domain.Actor, orderID, reason string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled_by_" + string(actor.Role)
	}

	ctx, span := o.startSpan(ctx, "settlement.Cancel", attribute.String("order.id", orderID))

	var (
		result     domain.Order
		changes    = &changeSet{actor: actor.String()}
		remoteCode string
	)
	err := o.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		changes.entries = nil
		remoteCode = ""

		order, err := o.lockForSettlement(ctx, tx, actor, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusCancelled {
			result = order
			return nil
		}
		if order.PaymentStatus == domain.OrderPaymentCompleted || !order.Status.CanTransitionTo(domain.OrderStatusCancelled) {
			return &domain.TransitionError{
				Entity: "order",
				From:   string(order.Status) + "/" + string(order.PaymentStatus),
				To:     string(domain.OrderStatusCancelled),
			}
		}

		now := o.now()
		before := order.Clone()
		restored, err := o.ledger.Restore(ctx, tx, &order)
		if err != nil {
			return err
		}
		if restored {
			changes.add(domain.AuditActionStockRestored, domain.AuditEntityOrder, order.ID, before.StockLines(), nil)
		}

		payment, found, err := paymentByOrder(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if found && payment.Status == domain.PaymentStatusPending {
			paymentBefore := payment
			if err := payment.TransitionTo(domain.PaymentStatusCancelled, now); err != nil {
				return err
			}
			payment.FailureReason = reason
			if err := tx.SavePayment(ctx, payment); err != nil {
				return err
			}
			changes.add(domain.AuditActionPaymentUpdated, domain.AuditEntityPayment, payment.ID, paymentBefore, payment)
			if err := o.enqueue(ctx, tx, domain.AggregatePayment, domain.EventPaymentCancelled, order, &payment, reason); err != nil {
				return err
			}
			remoteCode = payment.GatewayOrderCode
		}

		if err := order.TransitionTo(domain.OrderStatusCancelled, now); err != nil {
			return err
		}
		if err := order.SetPaymentStatus(domain.OrderPaymentFailed, now); err != nil {
			return err
		}
		order.CancelReason = reason
		if err := saveOrder(ctx, tx, &order); err != nil {
			return err
		}
		changes.add(domain.AuditActionOrderCancelled, domain.AuditEntityOrder, order.ID, before, order)

		result = order
		return o.enqueue(ctx, tx, domain.AggregateOrder, domain.EventOrderCancelled, order, nil, reason)
	})
	if err != nil {
		endSpan(span, err)
		return domain.Order{}, err
	}

	o.flush(ctx, changes)
	o.cancelRemote(ctx, remoteCode, reason)
	o.logger.WithFields(log.Fields{
		"order_id": orderID,
		"reason":   reason,
		"actor":    actor.String(),
	}).Info("order cancelled")
	endSpan(span, nil)
	return result, nil
}

// MarkShipped переводит подтверждённый заказ в shipped. Только для персонала.
func (o *Orchestrator) MarkShipped(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error) {
	return o.fulfil(ctx, actor, orderID, domain.OrderStatusShipped, domain.AuditActionOrderShipped, domain.EventOrderShipped)
}

// MarkDelivered переводит отгруженный заказ в delivered. Только для персонала.
func (o *Orchestrator) MarkDelivered(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error) {
	return o.fulfil(ctx, actor, orderID, domain.OrderStatusDelivered, domain.AuditActionOrderDelivered, domain.EventOrderDelivered)
}

func (o *Orchestrator) fulfil(ctx context.Context, actor domain.Actor, orderID string, next domain.OrderStatus, action, eventType string) (domain.Order, error) {
	if !actor.Privileged() {
		return domain.Order{}, domain.ErrForbidden
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}

	var (
		result  domain.Order
		changes = &changeSet{actor: actor.String()}
	)
	err := o.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		changes.entries = nil

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		before := order.Clone()
		if err := order.TransitionTo(next, o.now()); err != nil {
			return err
		}
		if err := saveOrder(ctx, tx, &order); err != nil {
			return err
		}
		changes.add(action, domain.AuditEntityOrder, order.ID, before, order)

		result = order
		return o.enqueue(ctx, tx, domain.AggregateOrder, eventType, order, nil, "")
	})
	if err != nil {
		return domain.Order{}, err
	}
	o.flush(ctx, changes)
	return result, nil
}
