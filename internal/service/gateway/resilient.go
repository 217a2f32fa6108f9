package gateway

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// RetryConfig конфигурация повторов для идемпотентных вызовов шлюза.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Resilient оборачивает шлюз circuit breaker'ом, повторами и трассировкой.
// CreateCheckout не повторяется: повтор создал бы вторую ссылку.
type Resilient struct {
	inner   domain.PaymentGateway
	breaker *Breaker
	retry   RetryConfig
	tracer  trace.Tracer
	logger  *log.Entry
}

// NewResilient создаёт обёртку над шлюзом.
func NewResilient(inner domain.PaymentGateway, breaker *Breaker, retry RetryConfig, logger *log.Entry) *Resilient {
	if logger == nil {
		logger = log.WithField("component", "gateway")
	}
	if breaker == nil {
		breaker = NewBreaker(0, 0, logger)
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if retry.BackoffFactor < 1 {
		retry.BackoffFactor = 1
	}
	return &Resilient{
		inner:   inner,
		breaker: breaker,
		retry:   retry,
		tracer:  otel.Tracer("phoneshop/gateway"),
		logger:  logger,
	}
}

// Breaker отдаёт circuit breaker (health, тесты).
func (r *Resilient) Breaker() *Breaker {
	return r.breaker
}

func (r *Resilient) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.CreateCheckout", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.Int64("amount_minor", req.AmountMinor),
	))
	defer span.End()

	var session domain.CheckoutSession
	err := r.breaker.Execute("CreateCheckout", func() error {
		var err error
		session, err = r.inner.CreateCheckout(ctx, req)
		return err
	})
	endSpan(span, err)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	span.SetAttributes(attribute.String("gateway.order_code", session.GatewayOrderCode))
	return session, nil
}

func (r *Resilient) Cancel(ctx context.Context, gatewayOrderCode, reason string) error {
	ctx, span := r.tracer.Start(ctx, "gateway.Cancel", trace.WithAttributes(
		attribute.String("gateway.order_code", gatewayOrderCode),
	))
	defer span.End()

	err := r.withRetry(ctx, "Cancel", gatewayOrderCode, func() error {
		return r.inner.Cancel(ctx, gatewayOrderCode, reason)
	})
	endSpan(span, err)
	return err
}

func (r *Resilient) GetStatus(ctx context.Context, gatewayOrderCode string) (domain.GatewayStatus, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.GetStatus", trace.WithAttributes(
		attribute.String("gateway.order_code", gatewayOrderCode),
	))
	defer span.End()

	var status domain.GatewayStatus
	err := r.withRetry(ctx, "GetStatus", gatewayOrderCode, func() error {
		var err error
		status, err = r.inner.GetStatus(ctx, gatewayOrderCode)
		return err
	})
	endSpan(span, err)
	if err == nil {
		span.SetAttributes(attribute.String("gateway.outcome", string(status.Outcome)))
	}
	return status, err
}

func (r *Resilient) withRetry(ctx context.Context, operation, code string, fn func() error) error {
	var lastErr error
	delay := r.retry.InitialDelay

	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		err := r.breaker.Execute(operation, fn)
		if err == nil {
			if attempt > 1 {
				r.logger.WithFields(log.Fields{
					"operation":  operation,
					"order_code": code,
					"attempt":    attempt,
				}).Info("gateway call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		// отказ по существу и разомкнутая цепь не повторяются
		if !shouldRetry(err) || attempt == r.retry.MaxAttempts {
			break
		}

		r.logger.WithFields(log.Fields{
			"operation":  operation,
			"order_code": code,
			"attempt":    attempt,
			"delay":      delay,
			"error":      err,
		}).Warn("gateway call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * r.retry.BackoffFactor)
		if r.retry.MaxDelay > 0 && delay > r.retry.MaxDelay {
			delay = r.retry.MaxDelay
		}
	}
	return lastErr
}

func shouldRetry(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrGatewayRejected) {
		return false
	}
	return errors.Is(err, domain.ErrGatewayUnavailable)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var _ domain.PaymentGateway = (*Resilient)(nil)
