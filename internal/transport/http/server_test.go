package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/messaging/kafka"
	"github.com/tranquocviet1024/phoneshop/internal/service/audit"
	"github.com/tranquocviet1024/phoneshop/internal/service/gateway"
	"github.com/tranquocviet1024/phoneshop/internal/service/orders"
	"github.com/tranquocviet1024/phoneshop/internal/service/settlement"
	"github.com/tranquocviet1024/phoneshop/internal/storage/memory"
)

const testChecksumKey = "test-checksum-key"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type apiFixture struct {
	handler     http.Handler
	gw          *gateway.MockGateway
	products    domain.ProductRepository
	payments    domain.PaymentRepository
	orders      domain.OrderRepository
	idempotency domain.IdempotencyRepository
}

type recordingQueue struct {
	mu       sync.Mutex
	messages []kafka.WebhookMessage
	err      error
}

func (q *recordingQueue) Publish(_ context.Context, msg kafka.WebhookMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.messages = append(q.messages, msg)
	return nil
}

func newAPI(t *testing.T, extra ...Option) *apiFixture {
	t.Helper()

	store := memory.NewStore()
	auditRepo := memory.NewAuditRepository()
	recorder := audit.NewRecorder(auditRepo, audit.WithWriters(1))
	t.Cleanup(func() { _ = recorder.Close(context.Background()) })

	f := &apiFixture{
		gw:          gateway.NewMockGateway(""),
		products:    memory.NewProductRepository(store),
		payments:    memory.NewPaymentRepository(store),
		orders:      memory.NewOrderRepository(store),
		idempotency: memory.NewIdempotencyRepository(),
	}
	orderService := orders.NewService(f.orders, f.products, orders.WithAuditSink(recorder))
	orchestrator := settlement.NewOrchestrator(store, f.payments, f.gw, nil, settlement.WithAuditSink(recorder))

	options := []Option{
		WithIdempotency(f.idempotency, time.Hour),
		WithAuditLog(auditRepo),
		WithChecksumKey(testChecksumKey),
	}
	server := NewServer(orderService, orchestrator, f.payments, append(options, extra...)...)
	f.handler = server.Handler()
	return f
}

func (f *apiFixture) product(t *testing.T, id string, price, stock int64) {
	t.Helper()
	require.NoError(t, f.products.Create(context.Background(), domain.Product{ID: id, Name: id, PriceMinor: price, Stock: stock}))
}

func (f *apiFixture) stock(t *testing.T, id string) int64 {
	t.Helper()
	p, err := f.products.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

type call struct {
	method string
	path   string
	body   string
	user   string
	role   string
	key    string
}

func (f *apiFixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(c.method, c.path, bytes.NewReader([]byte(c.body)))
	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set(headerUserID, c.user)
	}
	if c.role != "" {
		req.Header.Set(headerUserRole, c.role)
	}
	if c.key != "" {
		req.Header.Set(headerIdempotencyKey, c.key)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *apiFixture) createOrder(t *testing.T, user, productID string, qty int) orderView {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"items": []map[string]any{{"productId": productID, "quantity": qty}},
	})
	require.NoError(t, err)
	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: string(body), user: user})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[orderView](t, rec)
}

func TestOrders_CreateGetAndOwnership(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)

	order := f.createOrder(t, "c-1", "p-1", 2)
	require.Equal(t, "pending", order.Status)
	require.Equal(t, "pending", order.PaymentStatus)
	require.EqualValues(t, 200000, order.SubtotalMinor)
	require.EqualValues(t, 30000, order.ShippingMinor)
	require.EqualValues(t, 20000, order.TaxMinor)
	require.EqualValues(t, 250000, order.FinalTotalMinor)
	require.EqualValues(t, 5, f.stock(t, "p-1"), "создание заказа не трогает остатки")

	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + order.ID, user: "c-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + order.ID, user: "c-2"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + order.ID, user: "s-1", role: "staff"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/ORD-missing", user: "s-1", role: "staff"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + order.ID})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + order.ID, user: "x", role: "system"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders", user: "c-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Orders []orderView `json:"orders"`
	}](t, rec)
	require.Len(t, list.Orders, 1)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders?customerId=c-1", user: "c-2"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOrders_CreateValidation(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)

	cases := map[string]string{
		"malformed":     `{"items":`,
		"empty items":   `{"items":[]}`,
		"zero quantity": `{"items":[{"productId":"p-1","quantity":0}]}`,
		"unknown field": `{"items":[{"productId":"p-1","quantity":1}],"discount":10}`,
		"missing body":  ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: body, user: "c-1"})
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.Equal(t, "validation", decode[errorBody](t, rec).Reason)
		})
	}

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders", body: `{"items":[{"productId":"nope","quantity":1}]}`, user: "c-1"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettle_SameKeyReplaysByteForByte(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)
	order := f.createOrder(t, "c-1", "p-1", 2)

	settle := call{method: http.MethodPost, path: "/api/v1/orders/" + order.ID + "/settle", body: `{"method":"cod"}`, user: "c-1", key: "key-1"}
	first := f.do(t, settle)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	view := decode[settlementView](t, first)
	require.Equal(t, "confirmed", view.Order.Status)
	require.Equal(t, "completed", view.Payment.Status)
	require.EqualValues(t, 3, f.stock(t, "p-1"))

	second := f.do(t, settle)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	require.Equal(t, "true", second.Header().Get(headerIdempotentReplay))
	require.EqualValues(t, 3, f.stock(t, "p-1"))

	// тот же ключ с другим телом
	reused := settle
	reused.body = `{"method":"bank_transfer"}`
	rec := f.do(t, reused)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "idempotency_key_reused", decode[errorBody](t, rec).Reason)

	// новый ключ на оплаченный заказ возвращает существующий платёж
	fresh := settle
	fresh.key = "key-2"
	rec = f.do(t, fresh)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	require.Equal(t, "already_settled", body.Reason)
	require.NotNil(t, body.Payment)
	require.Equal(t, view.Payment.ID, body.Payment.ID)
}

func TestSettle_InsufficientStock(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 1)
	order := f.createOrder(t, "c-1", "p-1", 3)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + order.ID + "/settle", body: `{"method":"cod"}`, user: "c-1", key: "key-1"})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	body := decode[errorBody](t, rec)
	require.Equal(t, "insufficient_stock", body.Reason)
	require.Equal(t, "p-1", body.ProductID)
	require.NotNil(t, body.Available)
	require.NotNil(t, body.Requested)
	require.EqualValues(t, 1, *body.Available)
	require.EqualValues(t, 3, *body.Requested)
	require.EqualValues(t, 1, f.stock(t, "p-1"))

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + order.ID, user: "c-1"})
	got := decode[orderView](t, rec)
	require.Equal(t, "cancelled", got.Status)
	require.Equal(t, "insufficient_stock", got.CancelReason)
}

func TestSettle_InvalidMethodAndForbidden(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)
	order := f.createOrder(t, "c-1", "p-1", 1)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + order.ID + "/settle", body: `{"method":"crypto"}`, user: "c-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + order.ID + "/settle", body: `{"method":"cod"}`, user: "c-2", key: "k-x"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.EqualValues(t, 5, f.stock(t, "p-1"))
}

func TestCheckout_Flow(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)
	order := f.createOrder(t, "c-1", "p-1", 1)
	path := "/api/v1/orders/" + order.ID + "/checkout"

	rec := f.do(t, call{method: http.MethodPost, path: path, user: "c-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.gw.FailNext(1, nil)
	rec = f.do(t, call{method: http.MethodPost, path: path, user: "c-1", key: "co-1"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	require.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))
	require.Equal(t, "gateway_unavailable", decode[errorBody](t, rec).Reason)
	require.EqualValues(t, 5, f.stock(t, "p-1"), "компенсация вернула остаток")

	// 5xx освободил ключ, повтор проходит
	rec = f.do(t, call{method: http.MethodPost, path: path, user: "c-1", key: "co-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[settlementView](t, rec)
	require.NotEmpty(t, view.CheckoutURL)
	require.NotEmpty(t, view.Payment.GatewayOrderCode)
	require.Equal(t, "pending", view.Payment.Status)
	require.EqualValues(t, 4, f.stock(t, "p-1"))

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + order.ID + "/payment", user: "c-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, view.Payment.ID, decode[paymentView](t, rec).ID)
}

func TestIdempotency_InFlightRequestConflicts(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)
	order := f.createOrder(t, "c-1", "p-1", 1)

	path := "/api/v1/orders/" + order.ID + "/settle"
	body := `{"method":"cod"}`
	_, err := f.idempotency.CreateProcessing(context.Background(), "busy", requestHash(http.MethodPost, path, "c-1", []byte(body)), time.Now().Add(time.Hour))
	require.NoError(t, err)

	rec := f.do(t, call{method: http.MethodPost, path: path, body: body, user: "c-1", key: "busy"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "request_in_progress", decode[errorBody](t, rec).Reason)
	require.EqualValues(t, 5, f.stock(t, "p-1"))
}

func TestIdempotency_ClientErrorIsReplayed(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)
	order := f.createOrder(t, "c-1", "p-1", 1)

	settle := call{method: http.MethodPost, path: "/api/v1/orders/" + order.ID + "/settle", body: `{"method":"cod"}`, user: "c-1", key: "k-1"}
	first := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + order.ID + "/cancel", user: "c-1"})
	require.Equal(t, http.StatusOK, first.Code)

	rejected := f.do(t, settle)
	require.Equal(t, http.StatusConflict, rejected.Code)

	again := f.do(t, settle)
	require.Equal(t, rejected.Code, again.Code)
	require.Equal(t, rejected.Body.Bytes(), again.Body.Bytes())

	record, err := f.idempotency.Get(context.Background(), "k-1")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusFailed, record.Status)
}

func TestCancelAndFulfilment(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)

	cancelled := f.createOrder(t, "c-1", "p-1", 1)
	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + cancelled.ID + "/cancel", body: `{"reason":"changed my mind"}`, user: "c-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[orderView](t, rec)
	require.Equal(t, "cancelled", view.Status)
	require.Equal(t, "changed my mind", view.CancelReason)

	paid := f.createOrder(t, "c-1", "p-1", 1)
	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + paid.ID + "/settle", body: `{"method":"cod"}`, user: "c-1", key: "k-paid"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + paid.ID + "/cancel", user: "c-1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "invalid_state_transition", decode[errorBody](t, rec).Reason)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + paid.ID + "/ship", user: "c-1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + paid.ID + "/deliver", user: "s-1", role: "staff"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + paid.ID + "/ship", user: "s-1", role: "staff"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "shipped", decode[orderView](t, rec).Status)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + paid.ID + "/deliver", user: "s-1", role: "staff"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "delivered", decode[orderView](t, rec).Status)
}

func TestAudit_PersistedBeforeResponse(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)
	order := f.createOrder(t, "c-1", "p-1", 1)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + order.ID + "/settle", body: `{"method":"cod"}`, user: "c-1", key: "k-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/audit/order/" + order.ID, user: "c-1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/audit/order/" + order.ID, user: "a-1", role: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Entries []auditView `json:"entries"`
	}](t, rec)

	actions := make([]string, 0, len(list.Entries))
	for _, e := range list.Entries {
		actions = append(actions, e.Action)
	}
	require.Contains(t, actions, domain.AuditActionOrderCreated)
	require.Contains(t, actions, domain.AuditActionOrderSettled)
}

func TestWebhook_ReconcilesInline(t *testing.T) {
	f := newAPI(t)
	f.product(t, "p-1", 100000, 5)
	order := f.createOrder(t, "c-1", "p-1", 1)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + order.ID + "/checkout", user: "c-1", key: "co-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	checkout := decode[settlementView](t, rec)
	code := checkout.Payment.GatewayOrderCode

	forged, err := gateway.BuildWebhook("wrong-key", code, domain.OutcomeCompleted, checkout.Payment.AmountMinor, "FT1")
	require.NoError(t, err)
	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/payments/webhook", body: string(forged)})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	valid, err := gateway.BuildWebhook(testChecksumKey, code, domain.OutcomeCompleted, checkout.Payment.AmountMinor, "FT1")
	require.NoError(t, err)
	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/payments/webhook", body: string(valid)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "applied", decode[webhookAck](t, rec).Status)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/payments/webhook", body: string(valid)})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "duplicate", decode[webhookAck](t, rec).Status)

	// отказ после успеха отбрасывается, но подтверждается
	failed, err := gateway.BuildWebhook(testChecksumKey, code, domain.OutcomeCancelled, checkout.Payment.AmountMinor, "")
	require.NoError(t, err)
	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/payments/webhook", body: string(failed)})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "stale", decode[webhookAck](t, rec).Status)

	stored, err := f.orders.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, stored.Status)
	require.Equal(t, domain.OrderPaymentCompleted, stored.PaymentStatus)
	require.EqualValues(t, 4, f.stock(t, "p-1"))

	unknown, err := gateway.BuildWebhook(testChecksumKey, "999999", domain.OutcomeCompleted, 1, "")
	require.NoError(t, err)
	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/payments/webhook", body: string(unknown)})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ignored", decode[webhookAck](t, rec).Status)
}

func TestWebhook_QueuedWhenBrokerConfigured(t *testing.T) {
	queue := &recordingQueue{}
	f := newAPI(t, WithWebhookQueue(queue))
	f.product(t, "p-1", 100000, 5)
	order := f.createOrder(t, "c-1", "p-1", 1)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + order.ID + "/checkout", user: "c-1", key: "co-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	checkout := decode[settlementView](t, rec)

	body, err := gateway.BuildWebhook(testChecksumKey, checkout.Payment.GatewayOrderCode, domain.OutcomeCompleted, checkout.Payment.AmountMinor, "FT2")
	require.NoError(t, err)
	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/payments/webhook", body: string(body)})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "queued", decode[webhookAck](t, rec).Status)

	require.Len(t, queue.messages, 1)
	msg := queue.messages[0]
	require.Equal(t, checkout.Payment.GatewayOrderCode, msg.GatewayOrderCode)
	require.Equal(t, domain.OutcomeCompleted, msg.Outcome)
	require.Equal(t, "FT2", msg.TransactionID)

	payment, err := f.payments.GetByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, payment.Status, "применение уходит в consumer")
}

func TestWebhook_MalformedBody(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/payments/webhook", body: `{`})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
