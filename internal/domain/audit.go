package domain

import (
	"encoding/json"
	"time"
)

// Действия, которые попадают в журнал аудита.
const (
	AuditActionOrderCreated      = "order.created"
	AuditActionOrderSettled      = "order.settled"
	AuditActionOrderCancelled    = "order.cancelled"
	AuditActionOrderShipped      = "order.shipped"
	AuditActionOrderDelivered    = "order.delivered"
	AuditActionStockReserved     = "stock.reserved"
	AuditActionStockRestored     = "stock.restored"
	AuditActionPaymentCreated    = "payment.created"
	AuditActionPaymentUpdated    = "payment.updated"
	AuditActionPaymentReconciled = "payment.reconciled"
	AuditActionPaymentVoided     = "payment.voided"
)

// Типы сущностей журнала аудита.
const (
	AuditEntityOrder   = "order"
	AuditEntityPayment = "payment"
	AuditEntityProduct = "product"
)

// AuditEntry — неизменяемая запись журнала аудита.
type AuditEntry struct {
	ID         string
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Before     json.RawMessage
	After      json.RawMessage
	Timestamp  time.Time
}

// Snapshot сериализует состояние сущности для Before/After.
// nil превращается в пустой снимок.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
