package memory

import (
	"context"
	"sort"
	"time"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

type orderRepository struct{ store *Store }

// NewOrderRepository создаёт in-memory реализацию OrderRepository поверх Store.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{store: store}
}

func (r *orderRepository) Create(_ context.Context, order domain.Order) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.orders[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	for _, item := range order.Items {
		if _, ok := r.store.products[item.ProductID]; !ok {
			return domain.ErrProductNotFound
		}
	}
	r.store.orders[order.ID] = order.Clone()
	return nil
}

func (r *orderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	order, ok := r.store.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (r *orderRepository) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	r.store.mu.RLock()
	result := make([]domain.Order, 0)
	for _, order := range r.store.orders {
		if order.CustomerID == customerID {
			result = append(result, order.Clone())
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type productRepository struct{ store *Store }

// NewProductRepository создаёт in-memory представление каталога.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{store: store}
}

func (r *productRepository) Get(_ context.Context, id string) (domain.Product, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	product, ok := r.store.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

func (r *productRepository) Create(_ context.Context, product domain.Product) error {
	if product.Stock < 0 {
		return domain.ErrStockNegative
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.products[product.ID] = product
	return nil
}

type paymentRepository struct{ store *Store }

// NewPaymentRepository создаёт in-memory реализацию PaymentRepository.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{store: store}
}

func (r *paymentRepository) Get(_ context.Context, id string) (domain.Payment, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	p, ok := r.store.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return p, nil
}

func (r *paymentRepository) GetByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	return r.byIndex(ctx, func(s *Store) map[string]string { return s.paymentByOrder }, orderID)
}

func (r *paymentRepository) GetByGatewayCode(ctx context.Context, code string) (domain.Payment, error) {
	if code == "" {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return r.byIndex(ctx, func(s *Store) map[string]string { return s.paymentByCode }, code)
}

func (r *paymentRepository) byIndex(_ context.Context, index func(*Store) map[string]string, value string) (domain.Payment, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	id, ok := index(r.store)[value]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return r.store.payments[id], nil
}

func (r *paymentRepository) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}

	r.store.mu.RLock()
	result := make([]domain.Payment, 0)
	for _, p := range r.store.payments {
		if p.Status == domain.PaymentStatusPending && p.CreatedAt.Before(before) {
			result = append(result, p)
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type outboxRepository struct{ store *Store }

// NewOutboxRepository создаёт in-memory outbox. Запись идёт через Tx.EnqueueOutbox.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{store: store}
}

func (r *outboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := make([]domain.OutboxMessage, 0, limit)
	for _, rec := range r.store.outbox {
		if rec.status != "pending" {
			continue
		}
		msg := rec.msg
		msg.Payload = append([]byte(nil), rec.msg.Payload...)
		result = append(result, msg)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (r *outboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var stats domain.OutboxStats
	for _, rec := range r.store.outbox {
		if rec.status != "pending" {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || rec.msg.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.msg.CreatedAt
		}
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.mark(id, "sent")
}

func (r *outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, "failed")
}

func (r *outboxRepository) mark(id, status string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	idx, ok := r.store.outboxIndex[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	r.store.outbox[idx].status = status
	r.store.outbox[idx].msg.Attempts++
	return nil
}

var (
	_ domain.OrderRepository   = (*orderRepository)(nil)
	_ domain.ProductRepository = (*productRepository)(nil)
	_ domain.PaymentRepository = (*paymentRepository)(nil)
	_ domain.OutboxRepository  = (*outboxRepository)(nil)
)
