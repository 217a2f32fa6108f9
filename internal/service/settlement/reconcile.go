package settlement

import (
	"context"
	"encoding/json"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/metrics"
)

// Signal — нормализованный сигнал шлюза (webhook или опрос статуса).
type Signal struct {
	Outcome       domain.GatewayOutcome
	AmountMinor   int64
	TransactionID string
	Payload       json.RawMessage
}

// ReconcileResult описывает, что сделал Reconcile.
// Status принимает значения metrics.Reconcile*.
type ReconcileResult struct {
	Status  string
	Payment domain.Payment
}

// Reconcile применяет исход оплаты от шлюза к платежу и заказу.
//
// Операция идемпотентна: повтор того же исхода и любой исход после терминального
// состояния ничего не меняют. completed старше любого более позднего отказа.
// Платёж ищется по коду шлюза, а не по заказу.
func (o *Orchestrator) Reconcile(ctx context.Context, gatewayOrderCode string, signal Signal) (ReconcileResult, error) {
	code := strings.TrimSpace(gatewayOrderCode)
	if code == "" {
		return ReconcileResult{}, domain.ErrGatewayCodeRequired
	}
	if !signal.Outcome.Valid() {
		return ReconcileResult{}, domain.ErrOutcomeInvalid
	}

	ctx, span := o.startSpan(ctx, "settlement.Reconcile",
		attribute.String("gateway.order_code", code),
		attribute.String("gateway.outcome", string(signal.Outcome)),
	)
	if signal.Outcome == domain.OutcomePending {
		o.metrics.RecordReconcile(string(signal.Outcome), metrics.ReconcilePending)
		endSpan(span, nil)
		return ReconcileResult{Status: metrics.ReconcilePending}, nil
	}

	found, err := o.payments.GetByGatewayCode(ctx, code)
	if err != nil {
		endSpan(span, err)
		return ReconcileResult{}, err
	}

	changes := &changeSet{actor: domain.SystemActor("gateway").String()}
	var res ReconcileResult
	err = o.uow.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		changes.entries = nil

		order, err := tx.LockOrder(ctx, found.OrderID)
		if err != nil {
			return err
		}
		payment, err := tx.PaymentByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		res = ReconcileResult{Payment: payment}

		// ссылка заменена после повторной попытки оплаты
		if payment.GatewayOrderCode != code {
			if signal.Outcome == domain.OutcomeCompleted {
				res.Status = metrics.ReconcileOrphaned
				return o.enqueue(ctx, tx, domain.AggregatePayment, domain.EventPaymentOrphaned, order, &found, "superseded_checkout:"+code)
			}
			res.Status = metrics.ReconcileStale
			return nil
		}

		switch payment.Status {
		case domain.PaymentStatusPending:
			if signal.Outcome == domain.OutcomeCompleted {
				if signal.AmountMinor > 0 && signal.AmountMinor != payment.AmountMinor {
					res.Status = metrics.ReconcileMismatch
					return nil
				}
				res.Status = metrics.ReconcileApplied
				return o.applyCompleted(ctx, tx, &order, &payment, signal, changes)
			}
			res.Status = metrics.ReconcileApplied
			return o.applyFailure(ctx, tx, &order, &payment, signal, changes)

		case domain.PaymentStatusCompleted:
			if signal.Outcome == domain.OutcomeCompleted {
				res.Status = metrics.ReconcileDuplicate
			} else {
				res.Status = metrics.ReconcileStale
			}
			return nil

		default:
			switch {
			case signal.Outcome == domain.OutcomeCompleted:
				// деньги пришли по аннулированному или отменённому платежу
				res.Status = metrics.ReconcileOrphaned
				return o.enqueue(ctx, tx, domain.AggregatePayment, domain.EventPaymentOrphaned, order, &payment, "payment_"+string(payment.Status))
			case payment.Status == signal.Outcome.PaymentStatus():
				res.Status = metrics.ReconcileDuplicate
			default:
				res.Status = metrics.ReconcileStale
			}
			return nil
		}
	})
	if err != nil {
		o.metrics.RecordReconcile(string(signal.Outcome), "error")
		endSpan(span, err)
		return ReconcileResult{}, err
	}

	o.flush(ctx, changes)
	o.metrics.RecordReconcile(string(signal.Outcome), res.Status)
	fields := log.Fields{
		"order_code": code,
		"order_id":   res.Payment.OrderID,
		"payment_id": res.Payment.ID,
		"outcome":    signal.Outcome,
		"result":     res.Status,
	}
	switch res.Status {
	case metrics.ReconcileApplied:
		o.logger.WithFields(fields).Info("gateway outcome applied")
	case metrics.ReconcileOrphaned:
		o.logger.WithFields(fields).Error("payment captured for voided checkout, manual refund required")
	case metrics.ReconcileMismatch:
		fields["amount_minor"] = signal.AmountMinor
		fields["expected_minor"] = res.Payment.AmountMinor
		o.logger.WithFields(fields).Error("gateway amount mismatch, outcome discarded")
	default:
		o.logger.WithFields(fields).Info("gateway outcome discarded")
	}
	span.SetAttributes(attribute.String("reconcile.result", res.Status))
	endSpan(span, nil)
	return res, nil
}

func (o *Orchestrator) applyCompleted(ctx context.Context, tx domain.Tx, order *domain.Order, payment *domain.Payment, signal Signal, changes *changeSet) error {
	now := o.now()
	orderBefore := order.Clone()
	paymentBefore := *payment

	if err := payment.TransitionTo(domain.PaymentStatusCompleted, now); err != nil {
		return err
	}
	if signal.TransactionID != "" {
		payment.GatewayTransactionID = signal.TransactionID
	}
	if err := tx.SavePayment(ctx, *payment); err != nil {
		return err
	}
	changes.add(domain.AuditActionPaymentReconciled, domain.AuditEntityPayment, payment.ID, paymentBefore, payment)

	if err := order.TransitionTo(domain.OrderStatusConfirmed, now); err != nil {
		return err
	}
	if err := order.SetPaymentStatus(domain.OrderPaymentCompleted, now); err != nil {
		return err
	}
	if err := saveOrder(ctx, tx, order); err != nil {
		return err
	}
	changes.add(domain.AuditActionOrderSettled, domain.AuditEntityOrder, order.ID, orderBefore, order)

	if err := o.enqueue(ctx, tx, domain.AggregatePayment, domain.EventPaymentCompleted, *order, payment, ""); err != nil {
		return err
	}
	return o.enqueue(ctx, tx, domain.AggregateOrder, domain.EventOrderConfirmed, *order, payment, "")
}

func (o *Orchestrator) applyFailure(ctx context.Context, tx domain.Tx, order *domain.Order, payment *domain.Payment, signal Signal, changes *changeSet) error {
	now := o.now()
	orderBefore := order.Clone()
	paymentBefore := *payment

	next := signal.Outcome.PaymentStatus()
	if err := payment.TransitionTo(next, now); err != nil {
		return err
	}
	if err := tx.SavePayment(ctx, *payment); err != nil {
		return err
	}
	changes.add(domain.AuditActionPaymentReconciled, domain.AuditEntityPayment, payment.ID, paymentBefore, payment)

	restored, err := o.ledger.Restore(ctx, tx, order)
	if err != nil {
		return err
	}
	if restored {
		changes.add(domain.AuditActionStockRestored, domain.AuditEntityOrder, order.ID, orderBefore.StockLines(), nil)
	}

	reason := ReasonPaymentFailed
	eventType := domain.EventPaymentFailed
	if next == domain.PaymentStatusCancelled {
		reason = ReasonPaymentCancelled
		eventType = domain.EventPaymentCancelled
	}
	if err := order.TransitionTo(domain.OrderStatusCancelled, now); err != nil {
		return err
	}
	if err := order.SetPaymentStatus(domain.OrderPaymentFailed, now); err != nil {
		return err
	}
	order.CancelReason = reason
	if err := saveOrder(ctx, tx, order); err != nil {
		return err
	}
	changes.add(domain.AuditActionOrderCancelled, domain.AuditEntityOrder, order.ID, orderBefore, order)

	if err := o.enqueue(ctx, tx, domain.AggregatePayment, eventType, *order, payment, reason); err != nil {
		return err
	}
	return o.enqueue(ctx, tx, domain.AggregateOrder, domain.EventOrderCancelled, *order, payment, reason)
}
