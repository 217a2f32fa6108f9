package httptransport

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/messaging/kafka"
	"github.com/tranquocviet1024/phoneshop/internal/metrics"
	"github.com/tranquocviet1024/phoneshop/internal/service/gateway"
	"github.com/tranquocviet1024/phoneshop/internal/service/settlement"
)

type webhookAck struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// handleWebhook принимает уведомление шлюза. Любое проверенное уведомление
// подтверждается 200, даже если оно отброшено: иначе шлюз будет повторять его.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "failed to read body", Reason: "validation"})
		return
	}

	event, err := gateway.VerifyWebhook(body, s.checksumKey)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			s.logger.WithError(err).Warn("webhook rejected")
			c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error(), Reason: "invalid_signature"})
			return
		}
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Reason: "validation"})
		return
	}

	logger := s.logger.WithFields(log.Fields{
		"gateway_order_code": event.GatewayOrderCode,
		"outcome":            event.Outcome,
	})
	ctx := c.Request.Context()

	if event.Outcome == domain.OutcomePending {
		c.JSON(http.StatusOK, webhookAck{Success: true, Status: metrics.ReconcilePending})
		return
	}

	if s.webhooks != nil {
		err := s.webhooks.Publish(ctx, kafka.WebhookMessage{
			GatewayOrderCode: event.GatewayOrderCode,
			Outcome:          event.Outcome,
			AmountMinor:      event.AmountMinor,
			TransactionID:    event.TransactionID,
			Payload:          event.Payload,
			ReceivedAt:       s.now(),
		})
		if err == nil {
			c.JSON(http.StatusOK, webhookAck{Success: true, Status: "queued"})
			return
		}
		logger.WithError(err).Warn("failed to queue webhook, reconciling inline")
	}

	result, err := s.settlement.Reconcile(ctx, event.GatewayOrderCode, settlement.Signal{
		Outcome:       event.Outcome,
		AmountMinor:   event.AmountMinor,
		TransactionID: event.TransactionID,
		Payload:       event.Payload,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, webhookAck{Success: true, Status: result.Status})
	case errors.Is(err, domain.ErrPaymentNotFound):
		// тестовые уведомления шлюза приходят с неизвестным кодом
		logger.Info("webhook for unknown payment ignored")
		c.JSON(http.StatusOK, webhookAck{Success: true, Status: "ignored"})
	default:
		// 5xx заставит шлюз повторить доставку
		logger.WithError(err).Error("webhook reconcile failed")
		c.JSON(http.StatusInternalServerError, errorBody{Error: "reconcile failed", Reason: "internal"})
	}
}
