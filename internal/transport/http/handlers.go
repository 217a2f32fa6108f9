package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/service/orders"
	"github.com/tranquocviet1024/phoneshop/internal/service/settlement"
)

// endpoint возвращает статус и тело успешного ответа либо ошибку.
type endpoint func(c *gin.Context) (int, any, error)

var internalErrorBody = []byte(`{"error":"internal error","reason":"internal"}`)

func (s *Server) handle(ep endpoint) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, body := s.render(c, ep)
		s.write(c, status, body)
	}
}

// render выполняет endpoint и сериализует ответ, не записывая его.
func (s *Server) render(c *gin.Context, ep endpoint) (int, []byte) {
	status, payload, err := ep(c)
	if err != nil {
		mapped, body, retry := mapError(err)
		if retry {
			c.Header("Retry-After", retryAfterSeconds)
		}
		if mapped >= http.StatusInternalServerError {
			s.logger.WithError(err).WithFields(log.Fields{
				"path":       c.FullPath(),
				"request_id": c.GetString(ctxKeyRequestID),
			}).Error("request failed")
		}
		status, payload = mapped, body
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode response")
		return http.StatusInternalServerError, internalErrorBody
	}
	return status, data
}

func (s *Server) write(c *gin.Context, status int, body []byte) {
	s.waitAudit(c)
	c.Data(status, "application/json; charset=utf-8", body)
}

func bindJSON(c *gin.Context, dst any, optional bool) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: body is required", errBadRequest)
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) createOrder(c *gin.Context) (int, any, error) {
	var req createOrderRequest
	if err := bindJSON(c, &req, false); err != nil {
		return 0, nil, err
	}
	in := orders.CreateOrderInput{CustomerID: req.CustomerID}
	for _, item := range req.Items {
		in.Items = append(in.Items, orders.LineInput{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	order, err := s.orders.Create(c.Request.Context(), mustActor(c), in)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, toOrderView(order), nil
}

func (s *Server) listOrders(c *gin.Context) (int, any, error) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, nil, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
		}
		limit = n
	}

	list, err := s.orders.List(c.Request.Context(), mustActor(c), c.Query("customerId"), limit)
	if err != nil {
		return 0, nil, err
	}
	views := make([]orderView, 0, len(list))
	for _, order := range list {
		views = append(views, toOrderView(order))
	}
	return http.StatusOK, gin.H{"orders": views}, nil
}

func (s *Server) getOrder(c *gin.Context) (int, any, error) {
	order, err := s.orders.Get(c.Request.Context(), mustActor(c), c.Param("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, toOrderView(order), nil
}

func (s *Server) getPayment(c *gin.Context) (int, any, error) {
	ctx := c.Request.Context()
	order, err := s.orders.Get(ctx, mustActor(c), c.Param("id"))
	if err != nil {
		return 0, nil, err
	}
	payment, err := s.payments.GetByOrder(ctx, order.ID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, toPaymentView(payment), nil
}

func (s *Server) settleOrder(c *gin.Context) (int, any, error) {
	var req settleRequest
	if err := bindJSON(c, &req, true); err != nil {
		return 0, nil, err
	}
	if strings.TrimSpace(req.Method) == "" {
		req.Method = string(domain.PaymentMethodCOD)
	}
	method, err := domain.ParsePaymentMethod(req.Method)
	if err != nil {
		return 0, nil, err
	}

	result, err := s.settlement.Settle(c.Request.Context(), mustActor(c), c.Param("id"), method, idempotencyKey(c))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, toSettlementView(result), nil
}

func (s *Server) checkoutOrder(c *gin.Context) (int, any, error) {
	result, err := s.settlement.CreateGatewayCheckout(c.Request.Context(), mustActor(c), c.Param("id"), idempotencyKey(c))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, toSettlementView(result), nil
}

func (s *Server) cancelOrder(c *gin.Context) (int, any, error) {
	var req cancelRequest
	if err := bindJSON(c, &req, true); err != nil {
		return 0, nil, err
	}
	order, err := s.settlement.Cancel(c.Request.Context(), mustActor(c), c.Param("id"), req.Reason)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, toOrderView(order), nil
}

func (s *Server) shipOrder(c *gin.Context) (int, any, error) {
	order, err := s.settlement.MarkShipped(c.Request.Context(), mustActor(c), c.Param("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, toOrderView(order), nil
}

func (s *Server) deliverOrder(c *gin.Context) (int, any, error) {
	order, err := s.settlement.MarkDelivered(c.Request.Context(), mustActor(c), c.Param("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, toOrderView(order), nil
}

func (s *Server) listAudit(c *gin.Context) (int, any, error) {
	if !mustActor(c).Privileged() {
		return 0, nil, domain.ErrForbidden
	}
	if s.auditLog == nil {
		return 0, nil, errors.New("audit log is not configured")
	}
	entries, err := s.auditLog.ListByEntity(c.Request.Context(), c.Param("entityType"), c.Param("entityId"))
	if err != nil {
		return 0, nil, err
	}
	views := make([]auditView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, toAuditView(entry))
	}
	return http.StatusOK, gin.H{"entries": views}, nil
}

// toSettlementView не выдаёт Replayed: повтор по ключу неотличим от первого ответа.
func toSettlementView(result settlement.Result) settlementView {
	return settlementView{
		Order:       toOrderView(result.Order),
		Payment:     toPaymentView(result.Payment),
		CheckoutURL: result.Payment.CheckoutURL,
	}
}

func idempotencyKey(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
}
