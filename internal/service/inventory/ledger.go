package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/metrics"
)

// Option настраивает Ledger.
type Option func(*Ledger)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMetrics задаёт метрики склада.
func WithMetrics(m *metrics.SettlementMetrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// Ledger единственный изменяет складские остатки.
//
// Все строки товаров блокируются по возрастанию productId до любой проверки,
// поэтому две транзакции с пересекающимися наборами товаров не образуют цикл
// ожидания. Остатки меняются только после успешной проверки всех строк.
type Ledger struct {
	logger  *log.Entry
	metrics *metrics.SettlementMetrics
}

// NewLedger создаёт Ledger.
func NewLedger(options ...Option) *Ledger {
	l := &Ledger{}
	for _, option := range options {
		option(l)
	}
	if l.logger == nil {
		l.logger = log.WithField("component", "inventory-ledger")
	}
	return l
}

// ReserveAndDecrement списывает остатки по всем строкам или не меняет ничего.
// При нехватке возвращает *domain.InsufficientStockError по первому товару
// (в порядке блокировки), которому не хватило остатка.
func (l *Ledger) ReserveAndDecrement(ctx context.Context, tx domain.Tx, lines []domain.StockLine) error {
	merged, err := normalize(lines)
	if err != nil {
		return err
	}

	available := make([]int64, len(merged))
	for i, line := range merged {
		product, err := tx.LockProduct(ctx, line.ProductID)
		if err != nil {
			return fmt.Errorf("lock product %s: %w", line.ProductID, err)
		}
		available[i] = product.Stock
	}

	for i, line := range merged {
		if available[i] < line.Quantity {
			l.metrics.RecordInsufficientStock()
			l.logger.WithFields(log.Fields{
				"product_id": line.ProductID,
				"available":  available[i],
				"requested":  line.Quantity,
			}).Info("insufficient stock")
			return &domain.InsufficientStockError{
				ProductID: line.ProductID,
				Available: available[i],
				Requested: line.Quantity,
			}
		}
	}

	for i, line := range merged {
		if err := tx.AdjustStock(ctx, line.ProductID, -line.Quantity); err != nil {
			if errors.Is(err, domain.ErrStockNegative) {
				return &domain.InsufficientStockError{
					ProductID: line.ProductID,
					Available: available[i],
					Requested: line.Quantity,
				}
			}
			return fmt.Errorf("decrement product %s: %w", line.ProductID, err)
		}
	}

	l.metrics.RecordStockDecrement()
	return nil
}

// ReserveOrder списывает остатки заказа и выставляет маркер StockReserved.
// Для уже зарезервированного заказа ничего не делает.
func (l *Ledger) ReserveOrder(ctx context.Context, tx domain.Tx, order *domain.Order) error {
	if order.StockReserved {
		return nil
	}
	if err := l.ReserveAndDecrement(ctx, tx, order.StockLines()); err != nil {
		return err
	}
	order.StockReserved = true
	return nil
}

// Restore возвращает остатки заказа на склад и снимает маркер.
// Без маркера StockReserved это no-op: повторный или преждевременный возврат
// не может увеличить остаток. Вызывающий обязан сохранить заказ в той же транзакции.
func (l *Ledger) Restore(ctx context.Context, tx domain.Tx, order *domain.Order) (bool, error) {
	if !order.StockReserved {
		return false, nil
	}

	merged, err := normalize(order.StockLines())
	if err != nil {
		return false, err
	}
	for _, line := range merged {
		if _, err := tx.LockProduct(ctx, line.ProductID); err != nil {
			return false, fmt.Errorf("lock product %s: %w", line.ProductID, err)
		}
	}
	for _, line := range merged {
		if err := tx.AdjustStock(ctx, line.ProductID, line.Quantity); err != nil {
			return false, fmt.Errorf("restore product %s: %w", line.ProductID, err)
		}
	}

	order.StockReserved = false
	l.metrics.RecordStockRestore()
	l.logger.WithField("order_id", order.ID).Info("stock restored")
	return true, nil
}

// normalize склеивает повторяющиеся товары и сортирует строки по productId.
func normalize(lines []domain.StockLine) ([]domain.StockLine, error) {
	if len(lines) == 0 {
		return nil, domain.ErrItemsRequired
	}

	byProduct := make(map[string]int64, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return nil, domain.ErrProductIDRequired
		}
		if line.Quantity <= 0 {
			return nil, domain.ErrItemQtyInvalid
		}
		byProduct[id] += line.Quantity
	}

	merged := make([]domain.StockLine, 0, len(byProduct))
	for id, qty := range byProduct {
		merged = append(merged, domain.StockLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}
