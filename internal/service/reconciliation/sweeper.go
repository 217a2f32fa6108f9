package reconciliation

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/service/settlement"
)

const (
	defaultInterval  = time.Minute
	defaultMinAge    = 5 * time.Minute
	defaultBatchSize = 100

	abandonReason = "checkout_abandoned"
)

var sweepPaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phoneshop_reconcile_sweep_payments_total",
	Help: "Pending payments inspected by the reconciliation sweep grouped by action.",
}, []string{"action"})

// Reconciler описывает операции оркестратора, нужные сверке.
type Reconciler interface {
	Reconcile(ctx context.Context, gatewayOrderCode string, signal settlement.Signal) (settlement.ReconcileResult, error)
	Compensate(ctx context.Context, actor domain.Actor, orderID, paymentID string) error
}

// Options задаёт параметры Sweeper.
type Options struct {
	Logger    *log.Entry
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
	// AbandonAfter > 0 закрывает ссылки, которые дольше этого срока остаются pending.
	AbandonAfter time.Duration
	Now          func() time.Time
}

// Option настраивает Sweeper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithInterval задаёт период сверки.
func WithInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.Interval = interval
	}
}

// WithMinAge задаёт минимальный возраст pending-платежа.
func WithMinAge(age time.Duration) Option {
	return func(o *Options) {
		o.MinAge = age
	}
}

// WithBatchSize задаёт число платежей за цикл.
func WithBatchSize(size int) Option {
	return func(o *Options) {
		o.BatchSize = size
	}
}

// WithAbandonAfter включает автоматическое закрытие брошенных ссылок.
func WithAbandonAfter(age time.Duration) Option {
	return func(o *Options) {
		o.AbandonAfter = age
	}
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// Stats — итог одного цикла.
type Stats struct {
	Inspected   int
	Reconciled  int
	Abandoned   int
	Compensated int
	Errors      int
}

// Sweeper периодически сверяет зависшие pending-платежи со шлюзом.
// Источником истины служит GetStatus шлюза. Состояние меняется только через Reconciler.
type Sweeper struct {
	payments   domain.PaymentRepository
	gateway    domain.PaymentGateway
	reconciler Reconciler
	logger     *log.Entry
	opts       Options
	actor      domain.Actor
}

// NewSweeper создаёт воркер сверки.
func NewSweeper(payments domain.PaymentRepository, gateway domain.PaymentGateway, reconciler Reconciler, options ...Option) *Sweeper {
	opts := Options{
		Interval:  defaultInterval,
		MinAge:    defaultMinAge,
		BatchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MinAge < 0 {
		opts.MinAge = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reconciliation-sweep")
	}

	return &Sweeper{
		payments:   payments,
		gateway:    gateway,
		reconciler: reconciler,
		logger:     logger,
		opts:       opts,
		actor:      domain.SystemActor("reconciliation"),
	}
}

// Run выполняет сверку каждые Interval до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.payments == nil || s.gateway == nil || s.reconciler == nil {
		s.logger.Warn("reconciliation sweep is disabled: missing dependencies")
		return
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.SweepOnce(ctx)
			if stats.Inspected > 0 {
				s.logger.WithFields(log.Fields{
					"inspected":   stats.Inspected,
					"reconciled":  stats.Reconciled,
					"abandoned":   stats.Abandoned,
					"compensated": stats.Compensated,
					"errors":      stats.Errors,
				}).Info("reconciliation sweep finished")
			}
		}
	}
}

// SweepOnce обрабатывает один батч pending-платежей старше MinAge.
func (s *Sweeper) SweepOnce(ctx context.Context) Stats {
	var stats Stats
	now := s.opts.Now()

	pending, err := s.payments.ListPendingBefore(ctx, now.Add(-s.opts.MinAge), s.opts.BatchSize)
	if err != nil {
		s.logger.WithError(err).Warn("failed to list pending payments")
		stats.Errors++
		return stats
	}

	for _, payment := range pending {
		if ctx.Err() != nil {
			return stats
		}
		stats.Inspected++

		action, err := s.inspect(ctx, payment, now)
		if err != nil {
			stats.Errors++
			sweepPaymentsTotal.WithLabelValues("error").Inc()
			s.logger.WithError(err).WithFields(log.Fields{
				"payment_id": payment.ID,
				"order_id":   payment.OrderID,
				"order_code": payment.GatewayOrderCode,
			}).Warn("failed to reconcile pending payment")
			continue
		}
		sweepPaymentsTotal.WithLabelValues(action).Inc()
		switch action {
		case "reconciled":
			stats.Reconciled++
		case "abandoned":
			stats.Abandoned++
		case "compensated":
			stats.Compensated++
		}
	}
	return stats
}

func (s *Sweeper) inspect(ctx context.Context, payment domain.Payment, now time.Time) (string, error) {
	// процесс упал между commit и вызовом шлюза: ссылки нет, сток висит
	if payment.GatewayOrderCode == "" {
		if err := s.reconciler.Compensate(ctx, s.actor, payment.OrderID, payment.ID); err != nil {
			return "", err
		}
		return "compensated", nil
	}

	status, err := s.gateway.GetStatus(ctx, payment.GatewayOrderCode)
	if err != nil {
		return "", err
	}

	if status.Outcome == domain.OutcomePending {
		if s.opts.AbandonAfter <= 0 || now.Sub(payment.CreatedAt) < s.opts.AbandonAfter {
			return "still_pending", nil
		}
		if err := s.gateway.Cancel(ctx, payment.GatewayOrderCode, abandonReason); err != nil {
			// шлюз мог успеть принять оплату, решит следующий цикл
			return "", err
		}
		status = domain.GatewayStatus{Outcome: domain.OutcomeCancelled}
		if _, err := s.reconciler.Reconcile(ctx, payment.GatewayOrderCode, settlement.Signal{Outcome: status.Outcome}); err != nil {
			return "", err
		}
		return "abandoned", nil
	}

	_, err = s.reconciler.Reconcile(ctx, payment.GatewayOrderCode, settlement.Signal{
		Outcome:       status.Outcome,
		AmountMinor:   status.AmountMinor,
		TransactionID: status.TransactionID,
	})
	if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
		return "", err
	}
	return "reconciled", nil
}
