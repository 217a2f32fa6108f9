package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics содержит метрики оркестратора оплаты и склада.
type SettlementMetrics struct {
	// Исходы операций по типу и результату
	settlements *prometheus.CounterVec
	reconciles  *prometheus.CounterVec

	// Складские операции
	stockDecrements   prometheus.Counter
	stockRestores     prometheus.Counter
	insufficientStock prometheus.Counter
	compensations     prometheus.Counter

	// Гистограммы времени выполнения
	settleDuration prometheus.Histogram
	stepDuration   *prometheus.HistogramVec

	outboxEvents prometheus.Counter

	// Gauge для операций в процессе
	inFlight prometheus.Gauge
}

// Результаты применения сигнала шлюза.
const (
	ReconcileApplied   = "applied"
	ReconcileDuplicate = "duplicate"
	ReconcileStale     = "stale"
	ReconcileOrphaned  = "orphaned"
	ReconcileMismatch  = "amount_mismatch"
	ReconcilePending   = "pending"
)

// NewSettlementMetrics создаёт метрики в регистре по умолчанию.
func NewSettlementMetrics() *SettlementMetrics {
	return NewSettlementMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSettlementMetricsWithRegisterer нужен тестам с изолированным регистром.
func NewSettlementMetricsWithRegisterer(registerer prometheus.Registerer) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SettlementMetrics{
		settlements: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_settlements_total",
			Help: "Total number of settlement attempts by method and result",
		}, []string{"method", "result"}),
		reconciles: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_payment_reconciles_total",
			Help: "Total number of gateway signals by outcome and result",
		}, []string{"outcome", "result"}),
		stockDecrements: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_stock_decrements_total",
			Help: "Total number of successful order stock decrements",
		}),
		stockRestores: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_stock_restores_total",
			Help: "Total number of order stock restores",
		}),
		insufficientStock: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_insufficient_stock_total",
			Help: "Total number of decrements rejected for insufficient stock",
		}),
		compensations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_settlement_compensations_total",
			Help: "Total number of settlements compensated after gateway failure",
		}),
		settleDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "shop_settlement_duration_seconds",
			Help:    "Duration of settlement operations in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "shop_settlement_step_duration_seconds",
			Help:    "Duration of individual settlement steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_outbox_events_enqueued_total",
			Help: "Total number of events written to the outbox",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_settlements_in_flight",
			Help: "Number of settlement operations in progress",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordSettlement фиксирует исход оплаты: method это способ, result один из completed/pending/rejected/error.
func (m *SettlementMetrics) RecordSettlement(method, result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(method, result).Inc()
}

// RecordReconcile фиксирует обработку сигнала шлюза.
func (m *SettlementMetrics) RecordReconcile(outcome, result string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(outcome, result).Inc()
}

// RecordStockDecrement увеличивает счётчик списаний.
func (m *SettlementMetrics) RecordStockDecrement() {
	if m == nil {
		return
	}
	m.stockDecrements.Inc()
}

// RecordStockRestore увеличивает счётчик возвратов на склад.
func (m *SettlementMetrics) RecordStockRestore() {
	if m == nil {
		return
	}
	m.stockRestores.Inc()
}

// RecordInsufficientStock увеличивает счётчик отказов по остатку.
func (m *SettlementMetrics) RecordInsufficientStock() {
	if m == nil {
		return
	}
	m.insufficientStock.Inc()
}

// RecordCompensation увеличивает счётчик компенсаций.
func (m *SettlementMetrics) RecordCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SettlementMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordInFlightStarted увеличивает количество активных операций.
func (m *SettlementMetrics) RecordInFlightStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// RecordInFlightFinished уменьшает количество активных операций.
func (m *SettlementMetrics) RecordInFlightFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// RecordSettleDuration записывает время выполнения оплаты.
func (m *SettlementMetrics) RecordSettleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.settleDuration.Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага.
func (m *SettlementMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}
