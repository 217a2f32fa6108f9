package httptransport

import (
	"encoding/json"
	"time"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

type createOrderRequest struct {
	CustomerID string `json:"customerId"`
	Items      []struct {
		ProductID string `json:"productId"`
		Quantity  int64  `json:"quantity"`
	} `json:"items"`
}

type settleRequest struct {
	Method string `json:"method"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type orderItemView struct {
	ProductID      string `json:"productId"`
	Quantity       int64  `json:"quantity"`
	UnitPriceMinor int64  `json:"unitPriceMinor"`
	LineTotalMinor int64  `json:"lineTotalMinor"`
}

type orderView struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customerId"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"paymentStatus"`
	Currency        string          `json:"currency"`
	Items           []orderItemView `json:"items"`
	SubtotalMinor   int64           `json:"subtotalMinor"`
	ShippingMinor   int64           `json:"shippingMinor"`
	TaxMinor        int64           `json:"taxMinor"`
	FinalTotalMinor int64           `json:"finalTotalMinor"`
	CancelReason    string          `json:"cancelReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type paymentView struct {
	ID                   string    `json:"id"`
	OrderID              string    `json:"orderId"`
	AmountMinor          int64     `json:"amountMinor"`
	Currency             string    `json:"currency"`
	Method               string    `json:"method"`
	Status               string    `json:"status"`
	GatewayOrderCode     string    `json:"gatewayOrderCode,omitempty"`
	GatewayTransactionID string    `json:"gatewayTransactionId,omitempty"`
	CheckoutURL          string    `json:"checkoutUrl,omitempty"`
	FailureReason        string    `json:"failureReason,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

type settlementView struct {
	Order       orderView   `json:"order"`
	Payment     paymentView `json:"payment"`
	CheckoutURL string      `json:"checkoutUrl,omitempty"`
}

type auditView struct {
	ID         string          `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func toOrderView(order domain.Order) orderView {
	items := make([]orderItemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemView{
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitPriceMinor: item.UnitPriceMinor,
			LineTotalMinor: item.LineTotalMinor(),
		})
	}
	return orderView{
		ID:              order.ID,
		CustomerID:      order.CustomerID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        order.Currency,
		Items:           items,
		SubtotalMinor:   order.SubtotalMinor,
		ShippingMinor:   order.ShippingMinor,
		TaxMinor:        order.TaxMinor,
		FinalTotalMinor: order.FinalTotalMinor,
		CancelReason:    order.CancelReason,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

func toPaymentView(payment domain.Payment) paymentView {
	return paymentView{
		ID:                   payment.ID,
		OrderID:              payment.OrderID,
		AmountMinor:          payment.AmountMinor,
		Currency:             payment.Currency,
		Method:               string(payment.Method),
		Status:               string(payment.Status),
		GatewayOrderCode:     payment.GatewayOrderCode,
		GatewayTransactionID: payment.GatewayTransactionID,
		CheckoutURL:          payment.CheckoutURL,
		FailureReason:        payment.FailureReason,
		CreatedAt:            payment.CreatedAt,
		UpdatedAt:            payment.UpdatedAt,
	}
}

func toAuditView(entry domain.AuditEntry) auditView {
	return auditView{
		ID:         entry.ID,
		Actor:      entry.Actor,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Before:     entry.Before,
		After:      entry.After,
		Timestamp:  entry.Timestamp,
	}
}
