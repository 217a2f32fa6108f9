// Package httptransport реализует REST API магазина поверх gin.
package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/messaging/kafka"
	"github.com/tranquocviet1024/phoneshop/internal/service/orders"
	"github.com/tranquocviet1024/phoneshop/internal/service/settlement"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultAuditWait      = 2 * time.Second
)

// OrderService описывает операции над заказами без оплаты.
type OrderService interface {
	Create(ctx context.Context, actor domain.Actor, in orders.CreateOrderInput) (domain.Order, error)
	Get(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error)
	List(ctx context.Context, actor domain.Actor, customerID string, limit int) ([]domain.Order, error)
}

// SettlementService описывает операции, меняющие статусы заказа и платежа.
type SettlementService interface {
	Settle(ctx context.Context, actor domain.Actor, orderID string, method domain.PaymentMethod, idempotencyKey string) (settlement.Result, error)
	CreateGatewayCheckout(ctx context.Context, actor domain.Actor, orderID, idempotencyKey string) (settlement.Result, error)
	Cancel(ctx context.Context, actor domain.Actor, orderID, reason string) (domain.Order, error)
	MarkShipped(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error)
	MarkDelivered(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error)
	Reconcile(ctx context.Context, gatewayOrderCode string, signal settlement.Signal) (settlement.ReconcileResult, error)
}

// WebhookQueue принимает проверенные уведомления шлюза для асинхронной сверки.
type WebhookQueue interface {
	Publish(ctx context.Context, msg kafka.WebhookMessage) error
}

// Option настраивает Server.
type Option func(*Server)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIdempotency включает кэш ответов по Idempotency-Key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(s *Server) {
		s.idempotency = repo
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// WithAuditLog открывает чтение журнала аудита.
func WithAuditLog(repo domain.AuditRepository) Option {
	return func(s *Server) {
		s.auditLog = repo
	}
}

// WithAuditWait ограничивает ожидание записей аудита перед ответом.
func WithAuditWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.auditWait = d
		}
	}
}

// WithWebhookQueue включает асинхронную обработку webhook через очередь.
func WithWebhookQueue(queue WebhookQueue) Option {
	return func(s *Server) {
		s.webhooks = queue
	}
}

// WithChecksumKey задаёт ключ проверки подписи webhook.
func WithChecksumKey(key string) Option {
	return func(s *Server) {
		s.checksumKey = key
	}
}

// WithAllowedOrigins задаёт CORS origins. Пустой список выключает CORS.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithClock подменяет часы (тесты).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server собирает HTTP API.
type Server struct {
	orders     OrderService
	settlement SettlementService
	payments   domain.PaymentRepository

	idempotency    domain.IdempotencyRepository
	idempotencyTTL time.Duration
	auditLog       domain.AuditRepository
	auditWait      time.Duration
	webhooks       WebhookQueue
	checksumKey    string
	allowedOrigins []string

	logger *log.Entry
	now    func() time.Time
}

// NewServer создаёт HTTP API.
func NewServer(orderService OrderService, settlementService SettlementService, payments domain.PaymentRepository, options ...Option) *Server {
	s := &Server{
		orders:         orderService,
		settlement:     settlementService,
		payments:       payments,
		idempotencyTTL: defaultIdempotencyTTL,
		auditWait:      defaultAuditWait,
		logger:         log.WithField("component", "http-api"),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Handler возвращает gin-роутер со всеми маршрутами.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestID(), s.accessLog())
	if len(s.allowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     s.allowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", headerIdempotencyKey, headerUserID, headerUserRole, headerRequestID},
			ExposeHeaders:    []string{headerRequestID, headerIdempotentReplay},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	api := router.Group("/api/v1")
	api.POST("/payments/webhook", s.handleWebhook)

	authed := api.Group("", s.actorMiddleware(), s.auditTracking())
	authed.POST("/orders", s.handle(s.createOrder))
	authed.GET("/orders", s.handle(s.listOrders))
	authed.GET("/orders/:id", s.handle(s.getOrder))
	authed.GET("/orders/:id/payment", s.handle(s.getPayment))
	authed.POST("/orders/:id/settle", s.idempotent(false, s.settleOrder))
	authed.POST("/orders/:id/checkout", s.idempotent(true, s.checkoutOrder))
	authed.POST("/orders/:id/cancel", s.handle(s.cancelOrder))
	authed.POST("/orders/:id/ship", s.handle(s.shipOrder))
	authed.POST("/orders/:id/deliver", s.handle(s.deliverOrder))
	authed.GET("/audit/:entityType/:entityId", s.handle(s.listAudit))

	return router
}
